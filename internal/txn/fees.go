package txn

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// FeeSource is the RPC surface used to price transactions.
type FeeSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// Fees are EIP-1559 fee parameters.
type Fees struct {
	MaxFee *big.Int
	Tip    *big.Int
}

// FeePlanner derives fee parameters from current network conditions.
type FeePlanner struct {
	source FeeSource
}

// NewFeePlanner creates a fee planner.
func NewFeePlanner(source FeeSource) *FeePlanner {
	return &FeePlanner{source: source}
}

// PlanFees returns maxFee = base + 2*tip.
//
// The base is the latest header's base fee, or the legacy gas price on
// chains without one. The tip is the node's suggestion, or base/10000
// (at least 1 wei) when the node cannot suggest one.
func (p *FeePlanner) PlanFees(ctx context.Context) (Fees, error) {
	header, err := p.source.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fees{}, fmt.Errorf("get latest header: %w", err)
	}

	base := header.BaseFee
	if base == nil {
		base, err = p.source.SuggestGasPrice(ctx)
		if err != nil {
			return Fees{}, fmt.Errorf("suggest gas price: %w", err)
		}
	}
	base = new(big.Int).Set(base)

	tip, err := p.source.SuggestGasTipCap(ctx)
	if err != nil || tip == nil {
		tip = new(big.Int).Div(base, big.NewInt(10_000))
		if tip.Sign() <= 0 {
			tip = big.NewInt(1)
		}
	} else {
		tip = new(big.Int).Set(tip)
	}

	maxFee := new(big.Int).Mul(tip, big.NewInt(2))
	maxFee.Add(maxFee, base)
	return Fees{MaxFee: maxFee, Tip: tip}, nil
}
