package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidProposal is returned for proposals that cannot become a deal.
var ErrInvalidProposal = errors.New("invalid settlement proposal")

// ProposalShape names the field convention a proposal document used.
type ProposalShape string

const (
	// ShapeNegotiated uses quantity/unit_price/payer/vendor.
	ShapeNegotiated ProposalShape = "negotiated"
	// ShapeCanonical uses qty/price/buyer/seller.
	ShapeCanonical ProposalShape = "canonical"
	// ShapeMixed carries negotiated fields with pre-normalized overrides.
	ShapeMixed ProposalShape = "mixed"
)

// NegotiatedTerms is the field set produced by the negotiation step.
type NegotiatedTerms struct {
	Quantity  *decimal.Decimal
	UnitPrice *decimal.Decimal
	Payer     string
	Vendor    string
}

// CanonicalTerms is the pre-normalized field set.
type CanonicalTerms struct {
	Qty    *decimal.Decimal
	Price  *decimal.Decimal
	Buyer  string
	Seller string
}

// Proposal is a settlement proposal in one of the accepted shapes.
type Proposal struct {
	Shape      ProposalShape
	Negotiated NegotiatedTerms
	Canonical  CanonicalTerms
	TaxRate    *decimal.Decimal
	SKU        string
	Mode       string
}

// DealInput is the canonical deal shape every proposal is adapted to.
type DealInput struct {
	Buyer     string
	Seller    string
	SKU       string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	TaxRate   decimal.Decimal
	Notional  decimal.Decimal
	Mode      string
}

type proposalDocument struct {
	Quantity       *decimal.Decimal `json:"quantity"`
	UnitPrice      *decimal.Decimal `json:"unit_price"`
	UnitPriceCamel *decimal.Decimal `json:"unitPrice"`
	Payer          string           `json:"payer"`
	Vendor         string           `json:"vendor"`

	Qty    *decimal.Decimal `json:"qty"`
	Price  *decimal.Decimal `json:"price"`
	Buyer  string           `json:"buyer"`
	Seller string           `json:"seller"`

	TaxRate      *decimal.Decimal `json:"tax_rate"`
	TaxRateCamel *decimal.Decimal `json:"taxRate"`
	VATRate      *decimal.Decimal `json:"vat_rate"`
	SKU          string           `json:"sku"`
	Mode         string           `json:"mode"`
}

// ParseProposal decodes a proposal document and detects its shape.
func ParseProposal(data []byte) (Proposal, error) {
	var doc proposalDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Proposal{}, fmt.Errorf("%w: decode: %v", ErrInvalidProposal, err)
	}

	negotiated := NegotiatedTerms{
		Quantity:  doc.Quantity,
		UnitPrice: firstDecimal(doc.UnitPrice, doc.UnitPriceCamel),
		Payer:     strings.TrimSpace(doc.Payer),
		Vendor:    strings.TrimSpace(doc.Vendor),
	}
	canonical := CanonicalTerms{
		Qty:    doc.Qty,
		Price:  doc.Price,
		Buyer:  strings.TrimSpace(doc.Buyer),
		Seller: strings.TrimSpace(doc.Seller),
	}

	hasNegotiated := negotiated.Quantity != nil || negotiated.UnitPrice != nil || negotiated.Payer != "" || negotiated.Vendor != ""
	hasCanonical := canonical.Qty != nil || canonical.Price != nil || canonical.Buyer != "" || canonical.Seller != ""

	p := Proposal{
		Negotiated: negotiated,
		Canonical:  canonical,
		TaxRate:    firstDecimal(doc.TaxRate, doc.TaxRateCamel, doc.VATRate),
		SKU:        strings.TrimSpace(doc.SKU),
		Mode:       strings.TrimSpace(doc.Mode),
	}
	switch {
	case hasNegotiated && hasCanonical:
		p.Shape = ShapeMixed
	case hasNegotiated:
		p.Shape = ShapeNegotiated
	case hasCanonical:
		p.Shape = ShapeCanonical
	default:
		return Proposal{}, fmt.Errorf("%w: unrecognized shape", ErrInvalidProposal)
	}
	return p, nil
}

// DealInput adapts the proposal to the canonical deal shape.
// Canonical fields win over negotiated ones in a mixed proposal.
func (p Proposal) DealInput() (DealInput, error) {
	var qty, price *decimal.Decimal
	var buyer, seller string

	switch p.Shape {
	case ShapeCanonical:
		qty, price, buyer, seller = p.Canonical.Qty, p.Canonical.Price, p.Canonical.Buyer, p.Canonical.Seller
	case ShapeNegotiated:
		qty, price, buyer, seller = p.Negotiated.Quantity, p.Negotiated.UnitPrice, p.Negotiated.Payer, p.Negotiated.Vendor
	case ShapeMixed:
		qty = firstDecimal(p.Canonical.Qty, p.Negotiated.Quantity)
		price = firstDecimal(p.Canonical.Price, p.Negotiated.UnitPrice)
		buyer = firstString(p.Canonical.Buyer, p.Negotiated.Payer)
		seller = firstString(p.Canonical.Seller, p.Negotiated.Vendor)
	default:
		return DealInput{}, fmt.Errorf("%w: unrecognized shape %q", ErrInvalidProposal, p.Shape)
	}

	var missing []string
	if qty == nil {
		missing = append(missing, "quantity")
	}
	if price == nil {
		missing = append(missing, "unit price")
	}
	if buyer == "" {
		missing = append(missing, "buyer")
	}
	if seller == "" {
		missing = append(missing, "seller")
	}
	if len(missing) > 0 {
		return DealInput{}, fmt.Errorf("%w: missing %s", ErrInvalidProposal, strings.Join(missing, ", "))
	}
	if !qty.IsPositive() {
		return DealInput{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidProposal)
	}
	if !price.IsPositive() {
		return DealInput{}, fmt.Errorf("%w: unit price must be positive", ErrInvalidProposal)
	}

	taxRate := decimal.Zero
	if p.TaxRate != nil {
		if p.TaxRate.IsNegative() || p.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
			return DealInput{}, fmt.Errorf("%w: tax rate out of range", ErrInvalidProposal)
		}
		taxRate = *p.TaxRate
	}

	sku := p.SKU
	if sku == "" {
		sku = "SKU-DEMO"
	}

	return DealInput{
		Buyer:     NormalizeAddress(buyer),
		Seller:    NormalizeAddress(seller),
		SKU:       sku,
		Quantity:  *qty,
		UnitPrice: *price,
		TaxRate:   taxRate,
		Notional:  qty.Mul(*price),
		Mode:      p.Mode,
	}, nil
}

func firstDecimal(values ...*decimal.Decimal) *decimal.Decimal {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
