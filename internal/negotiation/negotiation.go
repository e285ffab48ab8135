// Package negotiation produces the proposal document a settlement starts from.
package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Outcome is the result of a negotiation round.
type Outcome struct {
	Transcript string
	Proposal   json.RawMessage
}

// Negotiator reaches agreement between a payer and a vendor.
type Negotiator interface {
	Negotiate(ctx context.Context) (Outcome, error)
}

// Terms seed a scripted negotiation.
type Terms struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Payer     string
	Vendor    string
	TaxRate   decimal.Decimal
	SKU       string
	Mode      string
}

// Scripted always agrees on its terms and emits a fixed transcript.
type Scripted struct {
	Terms Terms
}

var _ Negotiator = Scripted{}

type proposal struct {
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Payer     string          `json:"payer"`
	Vendor    string          `json:"vendor"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	SKU       string          `json:"sku,omitempty"`
	Mode      string          `json:"mode,omitempty"`
}

func (s Scripted) Negotiate(ctx context.Context) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	t := s.Terms
	if t.Payer == "" || t.Vendor == "" {
		return Outcome{}, fmt.Errorf("payer and vendor are required")
	}

	data, err := json.Marshal(proposal{
		Quantity:  t.Quantity,
		UnitPrice: t.UnitPrice,
		Payer:     t.Payer,
		Vendor:    t.Vendor,
		TaxRate:   t.TaxRate,
		SKU:       t.SKU,
		Mode:      t.Mode,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal proposal: %w", err)
	}

	var transcript strings.Builder
	fmt.Fprintf(&transcript, "[scripted] payer %s offers %s x %s at %s.\n", t.Payer, t.Quantity, skuOrDefault(t.SKU), t.UnitPrice)
	fmt.Fprintf(&transcript, "[scripted] vendor %s accepts, tax rate %s.", t.Vendor, t.TaxRate)

	return Outcome{Transcript: transcript.String(), Proposal: data}, nil
}

func skuOrDefault(sku string) string {
	if sku == "" {
		return "SKU-DEMO"
	}
	return sku
}
