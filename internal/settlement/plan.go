package settlement

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"arcsettle/internal/model"
)

const maxDecimals = 36

// LegKind is the static role of a leg in the plan.
type LegKind string

const (
	LegIssuance LegKind = "issuance"
	LegTransfer LegKind = "transfer"
	LegOnward   LegKind = "onward"
)

// Leg is one planned ledger operation and the row it will produce.
type Leg struct {
	Name      string          `json:"name"`
	Kind      LegKind         `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	AmountUI  decimal.Decimal `json:"amount_ui"`
	AmountRaw string          `json:"amount_raw"`
	Issuance  bool            `json:"is_mint"`
	Eligible  bool            `json:"eligible"`
	TierFrom  int             `json:"tier_from"`
	TierTo    int             `json:"tier_to"`
	Note      string          `json:"note"`

	raw *big.Int
	key *ecdsa.PrivateKey
}

// Terms is the normalized proposal carried in the commitment document.
type Terms struct {
	Buyer     string          `json:"buyer"`
	Seller    string          `json:"seller"`
	SKU       string          `json:"sku"`
	Quantity  decimal.Decimal `json:"qty"`
	UnitPrice decimal.Decimal `json:"price"`
	TaxRate   decimal.Decimal `json:"vat_rate"`
	Notional  decimal.Decimal `json:"notional_ui"`
}

// Commitment is the leg plan persisted with the deal.
type Commitment struct {
	Version  int            `json:"version"`
	DealID   string         `json:"deal_id"`
	Mode     model.DealMode `json:"mode"`
	Token    string         `json:"token,omitempty"`
	Decimals uint8          `json:"decimals"`
	Terms    Terms          `json:"terms"`
	Legs     []Leg          `json:"legs"`
}

func (c Commitment) document() (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal commitment: %w", err)
	}
	return data, nil
}

type planParams struct {
	dealID     string
	mode       model.DealMode
	token      string
	decimals   uint8
	input      model.DealInput
	downstream string
	issuer     *ecdsa.PrivateKey
	buyer      *ecdsa.PrivateKey
	seller     *ecdsa.PrivateKey
}

// buildPlan lays out issuance to the buyer, the buyer's payment to the
// seller and, when a downstream address is set, the seller's onward transfer.
func buildPlan(p planParams) (Commitment, error) {
	raw, err := rawAmount(p.input.Notional, p.decimals)
	if err != nil {
		return Commitment{}, err
	}

	legs := []Leg{
		{
			Name:     "issuance",
			Kind:     LegIssuance,
			From:     model.ZeroAddress,
			To:       p.input.Buyer,
			Issuance: true,
			Eligible: false,
			TierFrom: 0,
			TierTo:   1,
			Note:     "mint for settlement",
			key:      p.issuer,
		},
		{
			Name:     "settlement",
			Kind:     LegTransfer,
			From:     p.input.Buyer,
			To:       p.input.Seller,
			Eligible: true,
			TierFrom: 1,
			TierTo:   1,
			Note:     "buyer pays seller",
			key:      p.buyer,
		},
	}
	if p.downstream != "" {
		legs = append(legs, Leg{
			Name:     "onward",
			Kind:     LegOnward,
			From:     p.input.Seller,
			To:       p.downstream,
			Eligible: false,
			TierFrom: 1,
			TierTo:   1,
			Note:     "seller forwards downstream",
			key:      p.seller,
		})
	}
	for i := range legs {
		legs[i].AmountUI = p.input.Notional
		legs[i].AmountRaw = raw.String()
		legs[i].raw = raw
	}

	return Commitment{
		Version:  1,
		DealID:   p.dealID,
		Mode:     p.mode,
		Token:    p.token,
		Decimals: p.decimals,
		Terms: Terms{
			Buyer:     p.input.Buyer,
			Seller:    p.input.Seller,
			SKU:       p.input.SKU,
			Quantity:  p.input.Quantity,
			UnitPrice: p.input.UnitPrice,
			TaxRate:   p.input.TaxRate,
			Notional:  p.input.Notional,
		},
		Legs: legs,
	}, nil
}

// rawAmount scales a token amount to integer base units. Amounts finer
// than the token precision or wider than uint256 are rejected.
func rawAmount(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if decimals > maxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDecimals, decimals)
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount %s has more than %d decimal places", ErrInvalidProposal, amount, decimals)
	}
	raw := scaled.BigInt()
	if raw.Sign() <= 0 || raw.BitLen() > 256 {
		return nil, fmt.Errorf("%w: amount %s out of range", ErrInvalidProposal, amount)
	}
	return raw, nil
}
