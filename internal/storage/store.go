package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"arcsettle/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDealClosed is returned when finalizing or failing a deal that is no longer a draft.
	ErrDealClosed = errors.New("deal is not a draft")
	// ErrStaleBatch is returned by ApplyBatch when another writer already
	// committed blocks the batch covers. Nothing is written.
	ErrStaleBatch = errors.New("batch overlaps committed blocks")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// DealFilter selects deals for listing.
type DealFilter struct {
	Statuses  []model.DealStatus
	Limit     int
	Offset    int
	Ascending bool
}

// Normalize clamps limit and offset into their accepted ranges.
func (f DealFilter) Normalize() DealFilter {
	f.Limit = ClampLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// ClampLimit maps a requested page size into [1, MaxListLimit].
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// Store persists deals, negotiation records, ledger rows, agents and metrics.
type Store interface {
	// CreateDeal inserts a draft deal, assigning ID and CreatedAt when empty.
	CreateDeal(ctx context.Context, deal *model.Deal) error
	// FinalizeDeal marks a draft deal settled.
	FinalizeDeal(ctx context.Context, id string, commitment json.RawMessage, at time.Time) error
	// FailDeal marks a draft deal failed.
	FailDeal(ctx context.Context, id string, reason string) error
	GetDeal(ctx context.Context, id string) (model.Deal, error)
	ListDeals(ctx context.Context, filter DealFilter) ([]model.Deal, error)

	// AppendNegotiation inserts a record, assigning ID and CreatedAt.
	AppendNegotiation(ctx context.Context, record *model.NegotiationRecord) error
	RecentNegotiations(ctx context.Context, limit int) ([]model.NegotiationRecord, error)

	// RegisterAgent inserts the agent unless its address already exists.
	RegisterAgent(ctx context.Context, agent model.Agent) (bool, error)
	Agents(ctx context.Context) (model.AgentRegistry, error)

	// InsertLedgerRow inserts the row unless its tx hash already exists.
	InsertLedgerRow(ctx context.Context, row model.LedgerRow) (bool, error)
	RecentLedgerRows(ctx context.Context, limit int) ([]model.LedgerRow, error)
	LedgerRowsByDeal(ctx context.Context, dealID string) ([]model.LedgerRow, error)

	Metrics(ctx context.Context) (model.Metrics, error)
	// ApplyBatch atomically inserts rows, applies the metric delta and
	// vendor activity, and advances the cursor. It returns the number of
	// rows that were new, or ErrStaleBatch when batch.From is at or below
	// the committed cursor.
	ApplyBatch(ctx context.Context, batch model.Batch) (int, error)

	Close() error
}
