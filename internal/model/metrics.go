package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metrics is the singleton running aggregate maintained by the watcher.
type Metrics struct {
	MoneySupply   decimal.Decimal `json:"m1_obs"`
	Leakage       decimal.Decimal `json:"leakage"`
	TaxEstimate   decimal.Decimal `json:"vat_est"`
	ActiveVendors int64           `json:"smes_active"`
	LastBlock     uint64          `json:"last_block"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MetricsDelta is the increment produced by one batch of rows.
type MetricsDelta struct {
	MoneySupply decimal.Decimal
	Leakage     decimal.Decimal
	TaxEstimate decimal.Decimal
}

// Add accumulates another delta.
func (d MetricsDelta) Add(other MetricsDelta) MetricsDelta {
	return MetricsDelta{
		MoneySupply: d.MoneySupply.Add(other.MoneySupply),
		Leakage:     d.Leakage.Add(other.Leakage),
		TaxEstimate: d.TaxEstimate.Add(other.TaxEstimate),
	}
}

// IsZero reports whether the delta changes nothing.
func (d MetricsDelta) IsZero() bool {
	return d.MoneySupply.IsZero() && d.Leakage.IsZero() && d.TaxEstimate.IsZero()
}

// Batch is everything the watcher commits for one block range.
type Batch struct {
	Rows []LedgerRow
	// Delta is applied once per batch regardless of which rows were new.
	Delta MetricsDelta
	// VendorHits counts eligible transfers per destination address.
	VendorHits map[string]int64
	// Threshold is the minimum eligible transfers for an active vendor.
	Threshold int64
	// From is the first block covered by the batch.
	From uint64
	// Cursor is the last block covered by the batch.
	Cursor uint64
}

// Committed reports whether a batch starting at from overlaps blocks that
// are already folded into m. A zero LastBlock means nothing was committed.
func (m Metrics) Committed(from uint64) bool {
	return m.LastBlock > 0 && from <= m.LastBlock
}
