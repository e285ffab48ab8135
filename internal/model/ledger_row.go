package model

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ZeroAddress is the origin of every issuance transfer.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// TierUnknown marks an address that is not in the agent registry.
const TierUnknown = -1

// RowSource records which writer produced a ledger row.
type RowSource string

const (
	SourceOrchestrator RowSource = "orchestrator"
	SourceWatcher      RowSource = "watcher"
	SourceSimulated    RowSource = "simulated"
)

// LedgerRow is one confirmed token transfer.
type LedgerRow struct {
	TxHash      string          `json:"txid"`
	Timestamp   uint64          `json:"ts"`
	BlockNumber uint64          `json:"block_number"`
	From        string          `json:"from_address"`
	To          string          `json:"to_address"`
	AmountRaw   *big.Int        `json:"amount_raw"`
	AmountUI    decimal.Decimal `json:"amount_ui"`
	TierFrom    int             `json:"tier_from"`
	TierTo      int             `json:"tier_to"`
	Issuance    bool            `json:"is_mint"`
	Eligible    bool            `json:"eligible"`
	Notes       string          `json:"notes"`
	DealID      string          `json:"deal_id,omitempty"`
	Source      RowSource       `json:"source"`
}

// NormalizeAddress lower-cases an address for storage and lookups.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// IsZeroAddress reports whether address is the zero/burn address.
func IsZeroAddress(address string) bool {
	return NormalizeAddress(address) == ZeroAddress
}

// ScaleAmount converts a raw integer amount into token units.
func ScaleAmount(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}
