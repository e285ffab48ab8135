// Package sqlite provides a SQLite-backed implementation of storage.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"arcsettle/internal/model"
	"arcsettle/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store on a single SQLite connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens the database at path, creating parent directories and the schema.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers, which keeps read-modify-write of
	// the metrics row atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateDeal(ctx context.Context, deal *model.Deal) error {
	if deal.ID == "" {
		deal.ID = uuid.New().String()
	}
	if deal.CreatedAt.IsZero() {
		deal.CreatedAt = s.now().UTC()
	}
	if deal.Status == "" {
		deal.Status = model.DealDraft
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deals (id, status, mode, buyer, seller, sku, quantity, unit_price, tax_rate, notional, commitment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deal.ID, string(deal.Status), string(deal.Mode), deal.Buyer, deal.Seller, deal.SKU,
		deal.Quantity.String(), deal.UnitPrice.String(), deal.TaxRate.String(), deal.Notional.String(),
		nullableJSON(deal.Commitment), deal.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (s *Store) FinalizeDeal(ctx context.Context, id string, commitment json.RawMessage, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deals SET status = ?, commitment = COALESCE(?, commitment), finalized_at = ?
		WHERE id = ? AND status = ?`,
		string(model.DealSettled), nullableJSON(commitment), at.UnixMilli(), id, string(model.DealDraft),
	)
	if err != nil {
		return fmt.Errorf("finalize deal: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) FailDeal(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deals SET status = ?, failure_reason = ?
		WHERE id = ? AND status = ?`,
		string(model.DealFailed), reason, id, string(model.DealDraft),
	)
	if err != nil {
		return fmt.Errorf("fail deal: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetDeal(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("deal %s: %w", id, storage.ErrDealClosed)
}

const dealColumns = `id, status, mode, buyer, seller, sku, quantity, unit_price, tax_rate, notional, commitment, failure_reason, created_at, finalized_at`

func (s *Store) GetDeal(ctx context.Context, id string) (model.Deal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, id)
	deal, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Deal{}, fmt.Errorf("deal %s: %w", id, storage.ErrNotFound)
	}
	return deal, err
}

func (s *Store) ListDeals(ctx context.Context, filter storage.DealFilter) ([]model.Deal, error) {
	filter = filter.Normalize()

	query := `SELECT ` + dealColumns + ` FROM deals`
	args := make([]interface{}, 0, len(filter.Statuses)+2)
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	if filter.Ascending {
		query += ` ORDER BY created_at ASC, rowid ASC`
	} else {
		query += ` ORDER BY created_at DESC, rowid DESC`
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		record.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO negotiation_log (created_at, deal_id, payer, vendor, auditor, transcript, settlement)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.CreatedAt.UnixMilli(), record.DealID, record.Payer, record.Vendor, record.Auditor,
		record.Transcript, nullableJSON(record.Settlement),
	)
	if err != nil {
		return fmt.Errorf("insert negotiation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("negotiation id: %w", err)
	}
	record.ID = id
	return nil
}

func (s *Store) RecentNegotiations(ctx context.Context, limit int) ([]model.NegotiationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, deal_id, payer, vendor, auditor, transcript, settlement
		FROM negotiation_log ORDER BY id DESC LIMIT ?`, storage.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	defer rows.Close()

	var records []model.NegotiationRecord
	for rows.Next() {
		var (
			record     model.NegotiationRecord
			createdAt  int64
			settlement sql.NullString
		)
		if err := rows.Scan(&record.ID, &createdAt, &record.DealID, &record.Payer, &record.Vendor,
			&record.Auditor, &record.Transcript, &settlement); err != nil {
			return nil, fmt.Errorf("scan negotiation: %w", err)
		}
		record.CreatedAt = time.UnixMilli(createdAt).UTC()
		if settlement.Valid {
			record.Settlement = json.RawMessage(settlement.String)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) RegisterAgent(ctx context.Context, agent model.Agent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (address, role, region, tier, meta) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (address) DO NOTHING`,
		model.NormalizeAddress(agent.Address), string(agent.Role), agent.Region, agent.Tier, nullableJSON(agent.Meta),
	)
	if err != nil {
		return false, fmt.Errorf("insert agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Agents(ctx context.Context) (model.AgentRegistry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, role, region, tier, meta FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	registry := make(model.AgentRegistry)
	for rows.Next() {
		var (
			agent model.Agent
			role  string
			meta  sql.NullString
		)
		if err := rows.Scan(&agent.Address, &role, &agent.Region, &agent.Tier, &meta); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agent.Role = model.AgentRole(role)
		if meta.Valid {
			agent.Meta = json.RawMessage(meta.String)
		}
		registry[agent.Address] = agent
	}
	return registry, rows.Err()
}

func (s *Store) InsertLedgerRow(ctx context.Context, row model.LedgerRow) (bool, error) {
	return insertLedgerRow(ctx, s.db, row, s.now())
}

const ledgerColumns = `tx_hash, ts, block_number, from_address, to_address, amount_raw, amount_ui, tier_from, tier_to, is_mint, eligible, notes, deal_id, source`

func (s *Store) RecentLedgerRows(ctx context.Context, limit int) ([]model.LedgerRow, error) {
	return s.queryLedgerRows(ctx, `SELECT `+ledgerColumns+` FROM ledger_rows ORDER BY inserted_at DESC, block_number DESC, rowid DESC LIMIT ?`,
		storage.ClampLimit(limit))
}

func (s *Store) LedgerRowsByDeal(ctx context.Context, dealID string) ([]model.LedgerRow, error) {
	return s.queryLedgerRows(ctx, `SELECT `+ledgerColumns+` FROM ledger_rows WHERE deal_id = ? ORDER BY inserted_at ASC, block_number ASC, rowid ASC`,
		dealID)
}

func (s *Store) queryLedgerRows(ctx context.Context, query string, args ...interface{}) ([]model.LedgerRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	defer rows.Close()

	var out []model.LedgerRow
	for rows.Next() {
		var (
			row       model.LedgerRow
			amountRaw string
			amountUI  string
			source    string
		)
		if err := rows.Scan(&row.TxHash, &row.Timestamp, &row.BlockNumber, &row.From, &row.To, &amountRaw, &amountUI,
			&row.TierFrom, &row.TierTo, &row.Issuance, &row.Eligible, &row.Notes, &row.DealID, &source); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		raw, ok := new(big.Int).SetString(amountRaw, 10)
		if !ok {
			return nil, fmt.Errorf("parse amount_raw %q", amountRaw)
		}
		ui, err := decimal.NewFromString(amountUI)
		if err != nil {
			return nil, fmt.Errorf("parse amount_ui: %w", err)
		}
		row.AmountRaw = raw
		row.AmountUI = ui
		row.Source = model.RowSource(source)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) Metrics(ctx context.Context) (model.Metrics, error) {
	return readMetrics(ctx, s.db)
}

func (s *Store) ApplyBatch(ctx context.Context, batch model.Batch) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := readMetrics(ctx, tx)
	if err != nil {
		return 0, err
	}
	if current.Committed(batch.From) {
		return 0, fmt.Errorf("blocks %d-%d at cursor %d: %w", batch.From, batch.Cursor, current.LastBlock, storage.ErrStaleBatch)
	}

	now := s.now()
	inserted := 0
	for _, row := range batch.Rows {
		ok, err := insertLedgerRow(ctx, tx, row, now)
		if err != nil {
			return 0, err
		}
		if ok {
			inserted++
		}
	}

	for address, hits := range batch.VendorHits {
		if hits <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vendor_activity (address, eligible_transfers) VALUES (?, ?)
			ON CONFLICT (address) DO UPDATE SET eligible_transfers = eligible_transfers + excluded.eligible_transfers`,
			model.NormalizeAddress(address), hits,
		); err != nil {
			return 0, fmt.Errorf("update vendor activity: %w", err)
		}
	}

	threshold := batch.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	var active int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vendor_activity WHERE eligible_transfers >= ?`, threshold,
	).Scan(&active); err != nil {
		return 0, fmt.Errorf("count active vendors: %w", err)
	}

	cursor := current.LastBlock
	if batch.Cursor > cursor {
		cursor = batch.Cursor
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE metrics SET money_supply = ?, leakage = ?, tax_estimate = ?, active_vendors = ?, last_block = ?, updated_at = ?
		WHERE id = 1`,
		current.MoneySupply.Add(batch.Delta.MoneySupply).String(),
		current.Leakage.Add(batch.Delta.Leakage).String(),
		current.TaxEstimate.Add(batch.Delta.TaxEstimate).String(),
		active, cursor, now.UnixMilli(),
	); err != nil {
		return 0, fmt.Errorf("update metrics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return inserted, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertLedgerRow(ctx context.Context, db execer, row model.LedgerRow, now time.Time) (bool, error) {
	amountRaw := "0"
	if row.AmountRaw != nil {
		amountRaw = row.AmountRaw.String()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO ledger_rows (`+ledgerColumns+`, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash) DO NOTHING`,
		row.TxHash, row.Timestamp, row.BlockNumber,
		model.NormalizeAddress(row.From), model.NormalizeAddress(row.To),
		amountRaw, row.AmountUI.String(), row.TierFrom, row.TierTo, row.Issuance, row.Eligible,
		row.Notes, row.DealID, string(row.Source), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func readMetrics(ctx context.Context, db queryer) (model.Metrics, error) {
	var (
		m                       model.Metrics
		supply, leakage, taxEst string
		updatedAt               int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT money_supply, leakage, tax_estimate, active_vendors, last_block, updated_at
		FROM metrics WHERE id = 1`,
	).Scan(&supply, &leakage, &taxEst, &m.ActiveVendors, &m.LastBlock, &updatedAt)
	if err != nil {
		return model.Metrics{}, fmt.Errorf("read metrics: %w", err)
	}
	if m.MoneySupply, err = decimal.NewFromString(supply); err != nil {
		return model.Metrics{}, fmt.Errorf("parse money supply: %w", err)
	}
	if m.Leakage, err = decimal.NewFromString(leakage); err != nil {
		return model.Metrics{}, fmt.Errorf("parse leakage: %w", err)
	}
	if m.TaxEstimate, err = decimal.NewFromString(taxEst); err != nil {
		return model.Metrics{}, fmt.Errorf("parse tax estimate: %w", err)
	}
	if updatedAt > 0 {
		m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(row rowScanner) (model.Deal, error) {
	var (
		deal                                   model.Deal
		status, mode                           string
		quantity, unitPrice, taxRate, notional string
		commitment                             sql.NullString
		createdAt                              int64
		finalizedAt                            sql.NullInt64
	)
	if err := row.Scan(&deal.ID, &status, &mode, &deal.Buyer, &deal.Seller, &deal.SKU,
		&quantity, &unitPrice, &taxRate, &notional, &commitment, &deal.FailureReason,
		&createdAt, &finalizedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if commitment.Valid {
		deal.Commitment = json.RawMessage(commitment.String)
	}
	deal.CreatedAt = time.UnixMilli(createdAt).UTC()
	if finalizedAt.Valid {
		at := time.UnixMilli(finalizedAt.Int64).UTC()
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
