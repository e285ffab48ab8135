package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"arcsettle/internal/model"
	"arcsettle/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store provides Postgres persistence for deals, ledger rows and metrics.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects and migrates the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	store := &Store{pool: pool}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) CreateDeal(ctx context.Context, deal *model.Deal) error {
	if deal.ID == "" {
		deal.ID = uuid.New().String()
	}
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = time.Now().UTC()
	}
	if deal.Status == "" {
		deal.Status = model.DealDraft
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deals (id, status, mode, buyer, seller, sku, quantity, unit_price, tax_rate, notional, commitment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		deal.ID, string(deal.Status), string(deal.Mode), deal.Buyer, deal.Seller, deal.SKU,
		deal.Quantity.String(), deal.UnitPrice.String(), deal.TaxRate.String(), deal.Notional.String(),
		nullableJSON(deal.Commitment), deal.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (s *Store) FinalizeDeal(ctx context.Context, id string, commitment json.RawMessage, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deals SET status = $1, commitment = COALESCE($2, commitment), finalized_at = $3
		WHERE id = $4 AND status = $5
	`, string(model.DealSettled), nullableJSON(commitment), at, id, string(model.DealDraft))
	if err != nil {
		return fmt.Errorf("finalize deal: %w", err)
	}
	return s.checkTransition(ctx, tag, id)
}

func (s *Store) FailDeal(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deals SET status = $1, failure_reason = $2
		WHERE id = $3 AND status = $4
	`, string(model.DealFailed), reason, id, string(model.DealDraft))
	if err != nil {
		return fmt.Errorf("fail deal: %w", err)
	}
	return s.checkTransition(ctx, tag, id)
}

func (s *Store) checkTransition(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetDeal(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("deal %s: %w", id, storage.ErrDealClosed)
}

const dealColumns = `id, status, mode, buyer, seller, sku, quantity::text, unit_price::text, tax_rate::text, notional::text,
	commitment::text, failure_reason, created_at, finalized_at`

func (s *Store) GetDeal(ctx context.Context, id string) (model.Deal, error) {
	deal, err := scanDeal(s.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Deal{}, fmt.Errorf("deal %s: %w", id, storage.ErrNotFound)
	}
	return deal, err
}

func (s *Store) ListDeals(ctx context.Context, filter storage.DealFilter) ([]model.Deal, error) {
	filter = filter.Normalize()

	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}
	order := "DESC"
	if filter.Ascending {
		order = "ASC"
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		ORDER BY created_at `+order+`, seq `+order+`
		LIMIT $2 OFFSET $3
	`, statuses, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	var deals []model.Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, deal)
	}
	return deals, rows.Err()
}

func (s *Store) AppendNegotiation(ctx context.Context, record *model.NegotiationRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO negotiation_log (created_at, deal_id, payer, vendor, auditor, transcript, settlement)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, record.CreatedAt, record.DealID, record.Payer, record.Vendor, record.Auditor, record.Transcript,
		nullableJSON(record.Settlement),
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("insert negotiation: %w", err)
	}
	return nil
}

func (s *Store) RecentNegotiations(ctx context.Context, limit int) ([]model.NegotiationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, deal_id, payer, vendor, auditor, transcript, settlement::text
		FROM negotiation_log ORDER BY id DESC LIMIT $1
	`, storage.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	defer rows.Close()

	var records []model.NegotiationRecord
	for rows.Next() {
		var (
			record     model.NegotiationRecord
			settlement *string
		)
		if err := rows.Scan(&record.ID, &record.CreatedAt, &record.DealID, &record.Payer, &record.Vendor,
			&record.Auditor, &record.Transcript, &settlement); err != nil {
			return nil, fmt.Errorf("scan negotiation: %w", err)
		}
		if settlement != nil {
			record.Settlement = json.RawMessage(*settlement)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) RegisterAgent(ctx context.Context, agent model.Agent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO agents (address, role, region, tier, meta) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO NOTHING
	`, model.NormalizeAddress(agent.Address), string(agent.Role), agent.Region, agent.Tier, nullableJSON(agent.Meta))
	if err != nil {
		return false, fmt.Errorf("insert agent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Agents(ctx context.Context) (model.AgentRegistry, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, role, region, tier, meta::text FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	registry := make(model.AgentRegistry)
	for rows.Next() {
		var (
			agent model.Agent
			role  string
			meta  *string
		)
		if err := rows.Scan(&agent.Address, &role, &agent.Region, &agent.Tier, &meta); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agent.Role = model.AgentRole(role)
		if meta != nil {
			agent.Meta = json.RawMessage(*meta)
		}
		registry[agent.Address] = agent
	}
	return registry, rows.Err()
}

const insertLedgerRowSQL = `
	INSERT INTO ledger_rows (
		tx_hash, ts, block_number, from_address, to_address, amount_raw, amount_ui,
		tier_from, tier_to, is_mint, eligible, notes, deal_id, source
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (tx_hash) DO NOTHING
`

func ledgerRowArgs(row model.LedgerRow) []interface{} {
	amountRaw := "0"
	if row.AmountRaw != nil {
		amountRaw = row.AmountRaw.String()
	}
	return []interface{}{
		row.TxHash, int64(row.Timestamp), int64(row.BlockNumber),
		model.NormalizeAddress(row.From), model.NormalizeAddress(row.To),
		amountRaw, row.AmountUI.String(), row.TierFrom, row.TierTo, row.Issuance, row.Eligible,
		row.Notes, row.DealID, string(row.Source),
	}
}

func (s *Store) InsertLedgerRow(ctx context.Context, row model.LedgerRow) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertLedgerRowSQL, ledgerRowArgs(row)...)
	if err != nil {
		return false, fmt.Errorf("insert ledger row: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const ledgerColumns = `tx_hash, ts, block_number, from_address, to_address, amount_raw::text, amount_ui::text,
	tier_from, tier_to, is_mint, eligible, notes, deal_id, source`

func (s *Store) RecentLedgerRows(ctx context.Context, limit int) ([]model.LedgerRow, error) {
	return s.queryLedgerRows(ctx, `SELECT `+ledgerColumns+` FROM ledger_rows
		ORDER BY inserted_at DESC, block_number DESC, seq DESC LIMIT $1`, storage.ClampLimit(limit))
}

func (s *Store) LedgerRowsByDeal(ctx context.Context, dealID string) ([]model.LedgerRow, error) {
	return s.queryLedgerRows(ctx, `SELECT `+ledgerColumns+` FROM ledger_rows
		WHERE deal_id = $1 ORDER BY inserted_at ASC, block_number ASC, seq ASC`, dealID)
}

func (s *Store) queryLedgerRows(ctx context.Context, query string, args ...interface{}) ([]model.LedgerRow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	defer rows.Close()

	var out []model.LedgerRow
	for rows.Next() {
		var (
			row               model.LedgerRow
			ts, block         int64
			amountRaw, amount string
			source            string
		)
		if err := rows.Scan(&row.TxHash, &ts, &block, &row.From, &row.To, &amountRaw, &amount,
			&row.TierFrom, &row.TierTo, &row.Issuance, &row.Eligible, &row.Notes, &row.DealID, &source); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		raw, ok := new(big.Int).SetString(amountRaw, 10)
		if !ok {
			return nil, fmt.Errorf("parse amount_raw %q", amountRaw)
		}
		ui, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount_ui: %w", err)
		}
		row.Timestamp = uint64(ts)
		row.BlockNumber = uint64(block)
		row.AmountRaw = raw
		row.AmountUI = ui
		row.Source = model.RowSource(source)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) Metrics(ctx context.Context) (model.Metrics, error) {
	return readMetrics(ctx, s.pool.QueryRow(ctx, metricsQuery))
}

const metricsQuery = `
	SELECT money_supply::text, leakage::text, tax_estimate::text, active_vendors, last_block, updated_at
	FROM metrics WHERE id = 1
`

// ApplyBatch locks the metrics row for the whole transaction so that
// concurrent batches apply their deltas one after another. A batch that
// starts at or below the locked cursor is rejected.
func (s *Store) ApplyBatch(ctx context.Context, batch model.Batch) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastBlock int64
	if err := tx.QueryRow(ctx, `SELECT last_block FROM metrics WHERE id = 1 FOR UPDATE`).Scan(&lastBlock); err != nil {
		return 0, fmt.Errorf("lock metrics: %w", err)
	}
	if (model.Metrics{LastBlock: uint64(lastBlock)}).Committed(batch.From) {
		return 0, fmt.Errorf("blocks %d-%d at cursor %d: %w", batch.From, batch.Cursor, lastBlock, storage.ErrStaleBatch)
	}

	inserted := 0
	if len(batch.Rows) > 0 {
		pgBatch := &pgx.Batch{}
		for _, row := range batch.Rows {
			pgBatch.Queue(insertLedgerRowSQL, ledgerRowArgs(row)...)
		}
		br := tx.SendBatch(ctx, pgBatch)
		for range batch.Rows {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return 0, fmt.Errorf("insert ledger row: %w", err)
			}
			inserted += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return 0, fmt.Errorf("close batch: %w", err)
		}
	}

	for address, hits := range batch.VendorHits {
		if hits <= 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO vendor_activity (address, eligible_transfers) VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE
			SET eligible_transfers = vendor_activity.eligible_transfers + EXCLUDED.eligible_transfers
		`, model.NormalizeAddress(address), hits); err != nil {
			return 0, fmt.Errorf("update vendor activity: %w", err)
		}
	}

	threshold := batch.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	if _, err := tx.Exec(ctx, `
		UPDATE metrics SET
			money_supply = money_supply + $1::numeric,
			leakage = leakage + $2::numeric,
			tax_estimate = tax_estimate + $3::numeric,
			active_vendors = (SELECT count(*) FROM vendor_activity WHERE eligible_transfers >= $4),
			last_block = GREATEST(last_block, $5),
			updated_at = now()
		WHERE id = 1
	`,
		batch.Delta.MoneySupply.String(),
		batch.Delta.Leakage.String(),
		batch.Delta.TaxEstimate.String(),
		threshold,
		int64(batch.Cursor),
	); err != nil {
		return 0, fmt.Errorf("update metrics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

func readMetrics(_ context.Context, row pgx.Row) (model.Metrics, error) {
	var (
		m                       model.Metrics
		supply, leakage, taxEst string
		lastBlock               int64
		updatedAt               *time.Time
	)
	if err := row.Scan(&supply, &leakage, &taxEst, &m.ActiveVendors, &lastBlock, &updatedAt); err != nil {
		return model.Metrics{}, fmt.Errorf("read metrics: %w", err)
	}
	var err error
	if m.MoneySupply, err = decimal.NewFromString(supply); err != nil {
		return model.Metrics{}, fmt.Errorf("parse money supply: %w", err)
	}
	if m.Leakage, err = decimal.NewFromString(leakage); err != nil {
		return model.Metrics{}, fmt.Errorf("parse leakage: %w", err)
	}
	if m.TaxEstimate, err = decimal.NewFromString(taxEst); err != nil {
		return model.Metrics{}, fmt.Errorf("parse tax estimate: %w", err)
	}
	m.LastBlock = uint64(lastBlock)
	if updatedAt != nil {
		m.UpdatedAt = updatedAt.UTC()
	}
	return m, nil
}

func scanDeal(row pgx.Row) (model.Deal, error) {
	var (
		deal                                   model.Deal
		status, mode                           string
		quantity, unitPrice, taxRate, notional string
		commitment                             *string
		finalizedAt                            *time.Time
	)
	if err := row.Scan(&deal.ID, &status, &mode, &deal.Buyer, &deal.Seller, &deal.SKU,
		&quantity, &unitPrice, &taxRate, &notional, &commitment, &deal.FailureReason,
		&deal.CreatedAt, &finalizedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deal{}, err
		}
		return model.Deal{}, fmt.Errorf("scan deal: %w", err)
	}
	deal.Status = model.DealStatus(status)
	deal.Mode = model.DealMode(mode)

	var err error
	if deal.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return model.Deal{}, fmt.Errorf("parse quantity: %w", err)
	}
	if deal.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return model.Deal{}, fmt.Errorf("parse unit price: %w", err)
	}
	if deal.TaxRate, err = decimal.NewFromString(taxRate); err != nil {
		return model.Deal{}, fmt.Errorf("parse tax rate: %w", err)
	}
	if deal.Notional, err = decimal.NewFromString(notional); err != nil {
		return model.Deal{}, fmt.Errorf("parse notional: %w", err)
	}
	if commitment != nil {
		deal.Commitment = json.RawMessage(*commitment)
	}
	deal.CreatedAt = deal.CreatedAt.UTC()
	if finalizedAt != nil {
		at := finalizedAt.UTC()
		deal.FinalizedAt = &at
	}
	return deal, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
