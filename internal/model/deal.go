package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DealStatus is the lifecycle state of a deal.
type DealStatus string

const (
	DealDraft   DealStatus = "draft"
	DealSettled DealStatus = "settled"
	DealFailed  DealStatus = "failed"
)

// DealMode tells real settlements apart from simulated ones.
type DealMode string

const (
	ModeSimulated DealMode = "simulated"
	ModeOnChain   DealMode = "on_chain"
)

// ParseDealMode accepts the stored names plus the short "sim" alias.
func ParseDealMode(value string) (DealMode, bool) {
	switch value {
	case "", string(ModeOnChain), "onchain":
		return ModeOnChain, true
	case string(ModeSimulated), "sim":
		return ModeSimulated, true
	default:
		return "", false
	}
}

// Deal is a unit of commerce being settled.
type Deal struct {
	ID            string          `json:"deal_id"`
	Status        DealStatus      `json:"status"`
	Mode          DealMode        `json:"mode"`
	Buyer         string          `json:"buyer"`
	Seller        string          `json:"seller"`
	SKU           string          `json:"sku"`
	Quantity      decimal.Decimal `json:"qty"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TaxRate       decimal.Decimal `json:"vat_rate"`
	Notional      decimal.Decimal `json:"notional_ui"`
	Commitment    json.RawMessage `json:"commitment,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	FinalizedAt   *time.Time      `json:"finalized_at,omitempty"`
}
