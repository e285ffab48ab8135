package sqlite

import (
	"context"
	"encoding/json"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcsettle/internal/model"
	"arcsettle/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "arcsettle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testRow(hash string, block uint64, amount int64) model.LedgerRow {
	return model.LedgerRow{
		TxHash:      hash,
		Timestamp:   1_700_000_000 + block,
		BlockNumber: block,
		From:        "0xAAAA000000000000000000000000000000000001",
		To:          "0xbbbb000000000000000000000000000000000002",
		AmountRaw:   big.NewInt(amount),
		AmountUI:    model.ScaleAmount(big.NewInt(amount), 6),
		TierFrom:    1,
		TierTo:      1,
		Eligible:    true,
		Source:      model.SourceWatcher,
	}
}

func TestDealLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	deal := &model.Deal{
		Mode:       model.ModeOnChain,
		Buyer:      "0xa",
		Seller:     "0xb",
		SKU:        "SKU-DEMO",
		Quantity:   decimal.NewFromInt(2),
		UnitPrice:  decimal.RequireFromString("1.25"),
		TaxRate:    decimal.RequireFromString("0.07"),
		Notional:   decimal.RequireFromString("2.5"),
		Commitment: json.RawMessage(`{"qty":"2"}`),
	}
	require.NoError(t, store.CreateDeal(ctx, deal))
	require.NotEmpty(t, deal.ID)

	got, err := store.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DealDraft, got.Status)
	assert.Nil(t, got.FinalizedAt)
	assert.True(t, got.Notional.Equal(decimal.RequireFromString("2.5")))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, store.FinalizeDeal(ctx, deal.ID, json.RawMessage(`{"legs":[]}`), at))

	got, err = store.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DealSettled, got.Status)
	require.NotNil(t, got.FinalizedAt)
	assert.True(t, got.FinalizedAt.Equal(at))
	assert.JSONEq(t, `{"legs":[]}`, string(got.Commitment))

	err = store.FailDeal(ctx, deal.ID, "late failure")
	assert.ErrorIs(t, err, storage.ErrDealClosed)

	_, err = store.GetDeal(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.FailDeal(ctx, "missing", "x"), storage.ErrNotFound)
}

func TestListDealsFiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 4; i++ {
		deal := &model.Deal{
			Mode:      model.ModeSimulated,
			Buyer:     "0xa",
			Seller:    "0xb",
			SKU:       "SKU-DEMO",
			Quantity:  decimal.NewFromInt(1),
			UnitPrice: decimal.NewFromInt(1),
			Notional:  decimal.NewFromInt(1),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.CreateDeal(ctx, deal))
		ids = append(ids, deal.ID)
	}
	require.NoError(t, store.FailDeal(ctx, ids[1], "boom"))
	require.NoError(t, store.FinalizeDeal(ctx, ids[2], nil, base))

	all, err := store.ListDeals(ctx, storage.DealFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID)

	asc, err := store.ListDeals(ctx, storage.DealFilter{Ascending: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, asc, 2)
	assert.Equal(t, ids[1], asc[0].ID)

	closed, err := store.ListDeals(ctx, storage.DealFilter{Statuses: []model.DealStatus{model.DealFailed, model.DealSettled}})
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, "boom", closed[1].FailureReason)
}

func TestNegotiationsAndAgents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &model.NegotiationRecord{Payer: "0xa", Vendor: "0xb", Auditor: "auditor", Transcript: "buyer proposes"}
	require.NoError(t, store.AppendNegotiation(ctx, first))
	last := &model.NegotiationRecord{Payer: "0xa", Vendor: "0xb", Auditor: "auditor", Transcript: "settlement legs committed",
		Settlement: json.RawMessage(`{"legs":["mint"]}`)}
	require.NoError(t, store.AppendNegotiation(ctx, last))
	assert.Greater(t, last.ID, first.ID)

	records, err := store.RecentNegotiations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, last.ID, records[0].ID)
	assert.Nil(t, records[1].Settlement)

	inserted, err := store.RegisterAgent(ctx, model.Agent{Address: "0xBBBB", Role: model.RoleVendor, Tier: 1})
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = store.RegisterAgent(ctx, model.Agent{Address: "0xbbbb", Role: model.RolePayer, Tier: 2})
	require.NoError(t, err)
	assert.False(t, inserted)

	registry, err := store.Agents(ctx)
	require.NoError(t, err)
	assert.True(t, registry.IsVendor("0xbbbb"))
}

func TestInsertLedgerRowIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row := testRow("0x01", 10, 1_500_000)
	row.DealID = "deal-1"
	inserted, err := store.InsertLedgerRow(ctx, row)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertLedgerRow(ctx, row)
	require.NoError(t, err)
	assert.False(t, inserted)

	rows, err := store.LedgerRowsByDeal(ctx, "deal-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "0xaaaa000000000000000000000000000000000001", rows[0].From)
	assert.Equal(t, "1500000", rows[0].AmountRaw.String())
	assert.Equal(t, "1.5", rows[0].AmountUI.String())
	assert.True(t, rows[0].Eligible)
}

func TestApplyBatchAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vendor := "0xbbbb000000000000000000000000000000000002"

	n, err := store.ApplyBatch(ctx, model.Batch{
		Rows: []model.LedgerRow{testRow("0x01", 5, 1_000_000), testRow("0x02", 6, 2_000_000)},
		Delta: model.MetricsDelta{
			MoneySupply: decimal.NewFromInt(3),
			TaxEstimate: decimal.RequireFromString("0.21"),
		},
		VendorHits: map[string]int64{vendor: 2},
		Threshold:  3,
		From:       1,
		Cursor:     20,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", m.MoneySupply.String())
	assert.Equal(t, "0.21", m.TaxEstimate.String())
	assert.Equal(t, int64(0), m.ActiveVendors)
	assert.Equal(t, uint64(20), m.LastBlock)

	// 0x02 was already recorded by another path; only 0x03 is new.
	n, err = store.ApplyBatch(ctx, model.Batch{
		Rows:       []model.LedgerRow{testRow("0x02", 6, 2_000_000), testRow("0x03", 21, 1_000_000)},
		Delta:      model.MetricsDelta{Leakage: decimal.NewFromInt(1)},
		VendorHits: map[string]int64{vendor: 1},
		Threshold:  3,
		From:       21,
		Cursor:     30,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err = store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", m.Leakage.String())
	assert.Equal(t, int64(1), m.ActiveVendors)
	assert.Equal(t, uint64(30), m.LastBlock)

	recent, err := store.RecentLedgerRows(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestApplyBatchRejectsCommittedBlocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vendor := "0xbbbb000000000000000000000000000000000002"

	batch := model.Batch{
		Rows:       []model.LedgerRow{testRow("0x01", 10, 1_000_000)},
		Delta:      model.MetricsDelta{MoneySupply: decimal.NewFromInt(1)},
		VendorHits: map[string]int64{vendor: 1},
		Threshold:  1,
		From:       1,
		Cursor:     10,
	}
	_, err := store.ApplyBatch(ctx, batch)
	require.NoError(t, err)

	n, err := store.ApplyBatch(ctx, batch)
	require.ErrorIs(t, err, storage.ErrStaleBatch)
	assert.Zero(t, n)

	// Overlapping the committed range is rejected as a whole, rows included.
	overlap := batch
	overlap.Rows = []model.LedgerRow{testRow("0x02", 12, 5_000_000)}
	overlap.From, overlap.Cursor = 8, 15
	_, err = store.ApplyBatch(ctx, overlap)
	require.ErrorIs(t, err, storage.ErrStaleBatch)

	m, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", m.MoneySupply.String())
	assert.Equal(t, int64(1), m.ActiveVendors)
	assert.Equal(t, uint64(10), m.LastBlock)

	recent, err := store.RecentLedgerRows(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestConcurrentWritersDoNotDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := store.InsertLedgerRow(ctx, testRow("0xdup", 3, 10))
			if err == nil {
				results <- inserted
			}
		}()
	}
	wg.Wait()
	close(results)

	count := 0
	for inserted := range results {
		if inserted {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
