package postgres

import (
	"context"
	"math/big"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcsettle/internal/model"
	"arcsettle/internal/storage"
)

// Runs only against a disposable database named by ARCSETTLE_TEST_PG.
func TestApplyBatchAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("ARCSETTLE_TEST_PG")
	if dsn == "" {
		t.Skip("ARCSETTLE_TEST_PG not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	before, err := store.Metrics(ctx)
	require.NoError(t, err)

	hash := "0xpg" + decimal.NewFromInt(int64(before.LastBlock)+1).String()
	row := model.LedgerRow{
		TxHash:      hash,
		BlockNumber: before.LastBlock + 1,
		From:        model.ZeroAddress,
		To:          "0xbbbb",
		AmountRaw:   big.NewInt(1_000_000),
		AmountUI:    decimal.NewFromInt(1),
		Issuance:    true,
		Source:      model.SourceWatcher,
	}
	batch := model.Batch{
		Rows:      []model.LedgerRow{row},
		Delta:     model.MetricsDelta{MoneySupply: decimal.NewFromInt(1)},
		Threshold: 3,
		From:      before.LastBlock + 1,
		Cursor:    before.LastBlock + 1,
	}

	n, err := store.ApplyBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.ApplyBatch(ctx, batch)
	require.ErrorIs(t, err, storage.ErrStaleBatch)
	assert.Equal(t, 0, n)

	after, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.LastBlock+1, after.LastBlock)
	assert.True(t, after.MoneySupply.Equal(before.MoneySupply.Add(decimal.NewFromInt(1))))
}
