package txn

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcsettle/internal/chain/chaintest"
)

var testToken = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestPlanFeesUsesBaseFeeAndTip(t *testing.T) {
	ledger := chaintest.New(1337, testToken, 6)
	ledger.SetFees(big.NewInt(1_000_000_000), big.NewInt(5_000_000_000), big.NewInt(100_000_000), nil)

	fees, err := NewFeePlanner(ledger).PlanFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100000000", fees.Tip.String())
	assert.Equal(t, "1200000000", fees.MaxFee.String())
	assert.Equal(t, 0, ledger.Calls("eth_gasPrice"))
}

func TestPlanFeesFallsBackWithoutBaseFee(t *testing.T) {
	ledger := chaintest.New(1337, testToken, 6)
	ledger.SetFees(nil, big.NewInt(2_000_000_000), nil, errors.New("method not found"))

	fees, err := NewFeePlanner(ledger).PlanFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "200000", fees.Tip.String())
	assert.Equal(t, "2000400000", fees.MaxFee.String())
}

func TestPlanFeesTipFloor(t *testing.T) {
	ledger := chaintest.New(1337, testToken, 6)
	ledger.SetFees(big.NewInt(5_000), big.NewInt(5_000), nil, errors.New("method not found"))

	fees, err := NewFeePlanner(ledger).PlanFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", fees.Tip.String())
	assert.Equal(t, "5002", fees.MaxFee.String())
}
