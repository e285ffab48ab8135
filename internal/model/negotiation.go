package model

import (
	"encoding/json"
	"time"
)

// NegotiationRecord is one append-only transcript entry.
// Settlement is only set on the terminal entry of a negotiation.
type NegotiationRecord struct {
	ID         int64           `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	DealID     string          `json:"deal_id,omitempty"`
	Payer      string          `json:"payer"`
	Vendor     string          `json:"vendor"`
	Auditor    string          `json:"auditor"`
	Transcript string          `json:"transcript"`
	Settlement json.RawMessage `json:"settlement,omitempty"`
}
