package postgres

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS deals (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	mode TEXT NOT NULL,
	buyer TEXT NOT NULL,
	seller TEXT NOT NULL,
	sku TEXT NOT NULL,
	quantity NUMERIC NOT NULL,
	unit_price NUMERIC NOT NULL,
	tax_rate NUMERIC NOT NULL,
	notional NUMERIC NOT NULL,
	commitment JSONB,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	finalized_at TIMESTAMPTZ,
	seq BIGSERIAL
);

CREATE TABLE IF NOT EXISTS negotiation_log (
	id BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	deal_id TEXT NOT NULL DEFAULT '',
	payer TEXT NOT NULL,
	vendor TEXT NOT NULL,
	auditor TEXT NOT NULL,
	transcript TEXT NOT NULL,
	settlement JSONB
);

CREATE TABLE IF NOT EXISTS ledger_rows (
	tx_hash TEXT PRIMARY KEY,
	ts BIGINT NOT NULL,
	block_number BIGINT NOT NULL,
	from_address TEXT NOT NULL,
	to_address TEXT NOT NULL,
	amount_raw NUMERIC(78, 0) NOT NULL,
	amount_ui NUMERIC NOT NULL,
	tier_from INTEGER NOT NULL,
	tier_to INTEGER NOT NULL,
	is_mint BOOLEAN NOT NULL,
	eligible BOOLEAN NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	deal_id TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq BIGSERIAL
);

CREATE TABLE IF NOT EXISTS agents (
	address TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	region TEXT NOT NULL DEFAULT '',
	tier INTEGER NOT NULL,
	meta JSONB
);

CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	money_supply NUMERIC NOT NULL DEFAULT 0,
	leakage NUMERIC NOT NULL DEFAULT 0,
	tax_estimate NUMERIC NOT NULL DEFAULT 0,
	active_vendors BIGINT NOT NULL DEFAULT 0,
	last_block BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ
);

INSERT INTO metrics (id) VALUES (1) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS vendor_activity (
	address TEXT PRIMARY KEY,
	eligible_transfers BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deals_status ON deals (status);
CREATE INDEX IF NOT EXISTS idx_deals_created_at ON deals (created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_rows_deal_id ON ledger_rows (deal_id);
CREATE INDEX IF NOT EXISTS idx_ledger_rows_inserted_at ON ledger_rows (inserted_at);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}
