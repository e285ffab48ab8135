package watcher

import (
	"bufio"
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcsettle/internal/chain/chaintest"
	"arcsettle/internal/model"
	"arcsettle/internal/notify"
	"arcsettle/internal/storage"
	"arcsettle/internal/storage/sqlite"
)

var (
	testToken = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	vendor    = common.HexToAddress("0x0000000000000000000000000000000000000ce1")
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "watch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestWatcher(t *testing.T, store storage.Store, ledger *chaintest.Chain, deps Deps) *Watcher {
	t.Helper()
	deps.Store = store
	deps.Ledger = ledger
	w, err := New(deps, Config{
		Token:        testToken,
		BatchSize:    2,
		PollInterval: 10 * time.Millisecond,
		TaxRate:      decimal.RequireFromString("0.07"),
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func TestPollRecordsIssuance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	w := newTestWatcher(t, store, ledger, Deps{})

	hash, block, err := ledger.EmitTransfer(common.Address{}, alice, big.NewInt(1_000_000))
	require.NoError(t, err)

	res, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, block, res.Cursor)

	rows, err := store.RecentLedgerRows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, hash.Hex(), row.TxHash)
	assert.True(t, row.Issuance)
	assert.False(t, row.Eligible)
	assert.Equal(t, "1", row.AmountUI.String())
	assert.Equal(t, model.SourceWatcher, row.Source)
	assert.Equal(t, model.TierUnknown, row.TierTo)

	metrics, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", metrics.MoneySupply.String())
	assert.True(t, metrics.Leakage.IsZero())
	assert.Equal(t, block, metrics.LastBlock)
}

func TestPollClassifiesAgainstRegistry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	w := newTestWatcher(t, store, ledger, Deps{})

	_, err := store.RegisterAgent(ctx, model.Agent{Address: model.NormalizeAddress(vendor.Hex()), Role: model.RoleVendor, Tier: 1})
	require.NoError(t, err)
	_, err = store.RegisterAgent(ctx, model.Agent{Address: model.NormalizeAddress(alice.Hex()), Role: model.RolePayer, Tier: 1})
	require.NoError(t, err)

	emit := func(from, to common.Address, amount *big.Int) {
		t.Helper()
		_, _, err := ledger.EmitTransfer(from, to, amount)
		require.NoError(t, err)
	}
	emit(common.Address{}, alice, units(10))
	emit(alice, vendor, units(2))
	emit(alice, bob, big.NewInt(500_000))
	emit(alice, vendor, units(1))
	emit(alice, vendor, units(1))

	_, err = w.Poll(ctx)
	require.NoError(t, err)

	metrics, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "14", metrics.MoneySupply.String())
	assert.Equal(t, "0.5", metrics.Leakage.String())
	assert.Equal(t, "0.28", metrics.TaxEstimate.String())
	assert.Equal(t, int64(1), metrics.ActiveVendors)
	assert.Equal(t, uint64(5), metrics.LastBlock)

	rows, err := store.RecentLedgerRows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	var eligible, issuance, leakage decimal.Decimal
	for _, row := range rows {
		switch {
		case row.Issuance:
			issuance = issuance.Add(row.AmountUI)
		case row.Eligible:
			eligible = eligible.Add(row.AmountUI)
			assert.Equal(t, 1, row.TierFrom)
			assert.Equal(t, 1, row.TierTo)
		default:
			leakage = leakage.Add(row.AmountUI)
		}
	}
	assert.True(t, metrics.MoneySupply.Equal(issuance.Add(eligible)))
	assert.True(t, metrics.Leakage.Equal(leakage))
}

func TestPollCursorNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	w := newTestWatcher(t, store, ledger, Deps{})

	ledger.MineEmpty(3)
	_, err := w.Poll(ctx)
	require.NoError(t, err)
	assertCursor(t, store, 3)

	res, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
	assertCursor(t, store, 3)

	_, _, err = ledger.EmitTransfer(common.Address{}, alice, units(1))
	require.NoError(t, err)
	ledger.FailFilterLogs(1)

	_, err = w.Poll(ctx)
	require.Error(t, err)
	assertCursor(t, store, 3)

	res, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assertCursor(t, store, 4)

	rows, err := store.RecentLedgerRows(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPollRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	w := newTestWatcher(t, store, ledger, Deps{})
	w.retry.retries = 2

	_, _, err := ledger.EmitTransfer(common.Address{}, alice, units(1))
	require.NoError(t, err)
	ledger.FailFilterLogs(2)

	res, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 3, ledger.Calls("eth_getLogs"))
}

func TestPollSkipsRowsAlreadyRecorded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	w := newTestWatcher(t, store, ledger, Deps{})

	hash, block, err := ledger.EmitTransfer(common.Address{}, alice, units(2))
	require.NoError(t, err)
	inserted, err := store.InsertLedgerRow(ctx, model.LedgerRow{
		TxHash:      hash.Hex(),
		BlockNumber: block,
		From:        model.ZeroAddress,
		To:          model.NormalizeAddress(alice.Hex()),
		AmountRaw:   units(2),
		AmountUI:    decimal.NewFromInt(2),
		Issuance:    true,
		DealID:      "deal-1",
		Source:      model.SourceOrchestrator,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	res, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.Zero(t, res.Inserted)

	rows, err := store.RecentLedgerRows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.SourceOrchestrator, rows[0].Source)

	metrics, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", metrics.MoneySupply.String())
}

// laggingStore hands out a cursor snapshot taken before another writer
// committed, as a second watcher that read the cursor first would see.
type laggingStore struct {
	storage.Store
	snapshot model.Metrics
	served   bool
}

func (s *laggingStore) Metrics(ctx context.Context) (model.Metrics, error) {
	if !s.served {
		s.served = true
		return s.snapshot, nil
	}
	return s.Store.Metrics(ctx)
}

func TestPollDoesNotDoubleCountAcrossWatchers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)

	_, block, err := ledger.EmitTransfer(common.Address{}, alice, big.NewInt(1_000_000))
	require.NoError(t, err)

	snapshot, err := store.Metrics(ctx)
	require.NoError(t, err)
	first := newTestWatcher(t, store, ledger, Deps{})
	second := newTestWatcher(t, &laggingStore{Store: store, snapshot: snapshot}, ledger, Deps{})

	res, err := first.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = second.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Zero(t, res.To)

	res, err = second.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Rows)

	metrics, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", metrics.MoneySupply.String())
	assert.Equal(t, block, metrics.LastBlock)
}

func TestConcurrentWatchersShareOneStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	for i := 0; i < 5; i++ {
		_, _, err := ledger.EmitTransfer(common.Address{}, alice, units(1))
		require.NoError(t, err)
	}

	watchers := []*Watcher{
		newTestWatcher(t, store, ledger, Deps{}),
		newTestWatcher(t, store, ledger, Deps{}),
	}
	for round := 0; round < 3; round++ {
		errs := make(chan error, len(watchers))
		for _, w := range watchers {
			go func(w *Watcher) {
				_, err := w.Poll(ctx)
				errs <- err
			}(w)
		}
		for range watchers {
			require.NoError(t, <-errs)
		}
	}

	metrics, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", metrics.MoneySupply.String())
	assert.Equal(t, uint64(5), metrics.LastBlock)

	rows, err := store.RecentLedgerRows(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestPollKeepsOneRowPerTransaction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	w := newTestWatcher(t, store, ledger, Deps{})

	hash, _, err := ledger.EmitTransfers(common.Address{}, units(1), alice, bob)
	require.NoError(t, err)

	res, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, 1, res.Inserted)

	rows, err := store.RecentLedgerRows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, hash.Hex(), rows[0].TxHash)
	assert.Equal(t, model.NormalizeAddress(alice.Hex()), rows[0].To)

	metrics, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", metrics.MoneySupply.String())
}

func TestPollStartsAtConfiguredBlock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)

	_, _, err := ledger.EmitTransfer(common.Address{}, alice, units(1))
	require.NoError(t, err)
	_, _, err = ledger.EmitTransfer(common.Address{}, bob, units(1))
	require.NoError(t, err)

	w, err := New(Deps{Store: store, Ledger: ledger}, Config{Token: testToken, StartBlock: 2})
	require.NoError(t, err)

	res, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.From)
	assert.Equal(t, 1, res.Rows)
}

func TestPollMirrorsAndPublishes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	mirrorPath := filepath.Join(t.TempDir(), "mirror", "rows.jsonl")
	events := &notify.Memory{}
	w := newTestWatcher(t, store, ledger, Deps{Mirror: storage.NewJsonlSink(mirrorPath, 0), Publisher: events})

	_, _, err := ledger.EmitTransfer(common.Address{}, alice, units(1))
	require.NoError(t, err)
	_, _, err = ledger.EmitTransfer(alice, bob, units(1))
	require.NoError(t, err)

	_, err = w.Poll(ctx)
	require.NoError(t, err)

	file, err := os.Open(mirrorPath)
	require.NoError(t, err)
	defer file.Close()
	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 2, lines)
	assert.Len(t, events.Events(notify.SubjectLedgerRow), 2)
}

func TestPollUsesDecimalsFallback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 18)
	ledger.SetDecimalsError(assert.AnError)
	w := newTestWatcher(t, store, ledger, Deps{})

	_, _, err := ledger.EmitTransfer(common.Address{}, alice, big.NewInt(3_000_000))
	require.NoError(t, err)

	_, err = w.Poll(ctx)
	require.NoError(t, err)

	rows, err := store.RecentLedgerRows(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "3", rows[0].AmountUI.String())
}

func TestStartStop(t *testing.T) {
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	w := newTestWatcher(t, store, ledger, Deps{})

	_, _, err := ledger.EmitTransfer(common.Address{}, alice, units(1))
	require.NoError(t, err)

	w.Start(context.Background())
	require.Eventually(t, func() bool {
		metrics, err := store.Metrics(context.Background())
		return err == nil && metrics.LastBlock == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop(time.Second))
	require.NoError(t, w.Stop(time.Second))
}

func TestRunReturnsOnCancel(t *testing.T) {
	store := newTestStore(t)
	ledger := chaintest.New(1337, testToken, 6)
	w := newTestWatcher(t, store, ledger, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func assertCursor(t *testing.T, store storage.Store, want uint64) {
	t.Helper()
	metrics, err := store.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, metrics.LastBlock)
}
