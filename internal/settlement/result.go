package settlement

import (
	"github.com/shopspring/decimal"

	"arcsettle/internal/model"
)

// Status is the outcome of a settlement run.
type Status string

const (
	StatusSettled  Status = "settled"
	StatusFailed   Status = "failed"
	StatusRejected Status = "rejected"
)

// Leg outcomes reported in LegResult.Status.
const (
	LegConfirmed   = "confirmed"
	LegSimulated   = "simulated"
	LegReverted    = "reverted"
	LegUnconfirmed = "unconfirmed"
	LegNotSent     = "not_sent"
)

// LegResult reports one executed leg.
type LegResult struct {
	Name   string  `json:"name"`
	Kind   LegKind `json:"kind"`
	TxHash string  `json:"tx_hash,omitempty"`
	Block  uint64  `json:"block"`
	Status string  `json:"status"`
}

// Step is an entry of the run log, including preparatory work that is not
// part of the leg plan.
type Step struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	TxHash string `json:"tx_hash,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Result is the structured report of a settlement run.
type Result struct {
	DealID   string          `json:"deal_id,omitempty"`
	Mode     model.DealMode  `json:"mode"`
	Status   Status          `json:"status"`
	Notional decimal.Decimal `json:"notional_ui"`
	Legs     []LegResult     `json:"legs"`
	Steps    []Step          `json:"steps"`
	Error    *LegError       `json:"error,omitempty"`
}

// TxHashes lists the hashes of confirmed or simulated legs in plan order.
func (r Result) TxHashes() []string {
	var out []string
	for _, leg := range r.Legs {
		if leg.Status == LegConfirmed || leg.Status == LegSimulated {
			out = append(out, leg.TxHash)
		}
	}
	return out
}

func (r *Result) step(name, status, txHash, detail string) {
	r.Steps = append(r.Steps, Step{Name: name, Status: status, TxHash: txHash, Detail: detail})
}
