package sqlite

import "database/sql"

// Amounts are stored as decimal strings and summed in Go.
const schema = `
CREATE TABLE IF NOT EXISTS deals (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    mode TEXT NOT NULL,
    buyer TEXT NOT NULL,
    seller TEXT NOT NULL,
    sku TEXT NOT NULL,
    quantity TEXT NOT NULL,
    unit_price TEXT NOT NULL,
    tax_rate TEXT NOT NULL,
    notional TEXT NOT NULL,
    commitment TEXT,
    failure_reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    finalized_at INTEGER
);

CREATE TABLE IF NOT EXISTS negotiation_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at INTEGER NOT NULL,
    deal_id TEXT NOT NULL DEFAULT '',
    payer TEXT NOT NULL,
    vendor TEXT NOT NULL,
    auditor TEXT NOT NULL,
    transcript TEXT NOT NULL,
    settlement TEXT
);

CREATE TABLE IF NOT EXISTS ledger_rows (
    tx_hash TEXT PRIMARY KEY,
    ts INTEGER NOT NULL,
    block_number INTEGER NOT NULL,
    from_address TEXT NOT NULL,
    to_address TEXT NOT NULL,
    amount_raw TEXT NOT NULL,
    amount_ui TEXT NOT NULL,
    tier_from INTEGER NOT NULL,
    tier_to INTEGER NOT NULL,
    is_mint INTEGER NOT NULL,
    eligible INTEGER NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    deal_id TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL,
    inserted_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    address TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    region TEXT NOT NULL DEFAULT '',
    tier INTEGER NOT NULL,
    meta TEXT
);

CREATE TABLE IF NOT EXISTS metrics (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    money_supply TEXT NOT NULL,
    leakage TEXT NOT NULL,
    tax_estimate TEXT NOT NULL,
    active_vendors INTEGER NOT NULL,
    last_block INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

INSERT OR IGNORE INTO metrics (id, money_supply, leakage, tax_estimate, active_vendors, last_block, updated_at)
VALUES (1, '0', '0', '0', 0, 0, 0);

CREATE TABLE IF NOT EXISTS vendor_activity (
    address TEXT PRIMARY KEY,
    eligible_transfers INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deals_status ON deals(status);
CREATE INDEX IF NOT EXISTS idx_deals_created_at ON deals(created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_rows_deal_id ON ledger_rows(deal_id);
CREATE INDEX IF NOT EXISTS idx_ledger_rows_inserted_at ON ledger_rows(inserted_at);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
