package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"arcsettle/internal/chain"
	"arcsettle/internal/model"
	"arcsettle/internal/notify"
	"arcsettle/internal/storage"
	"arcsettle/internal/telemetry"
	"arcsettle/internal/token"
)

const (
	defaultPollInterval    = 5 * time.Second
	defaultBatchSize       = 2000
	defaultVendorThreshold = 3
	defaultDecimals        = 6
)

// ErrStopTimeout is returned by Stop when the loop did not exit in time.
var ErrStopTimeout = errors.New("watcher did not stop in time")

// Config holds runtime settings for the watcher.
type Config struct {
	Token            common.Address
	StartBlock       uint64
	BatchSize        uint64
	PollInterval     time.Duration
	TaxRate          decimal.Decimal
	VendorThreshold  int64
	DecimalsFallback uint8
	MaxRetries       int
	RetryBackoff     time.Duration
}

// RowSink receives every row the watcher commits.
type RowSink interface {
	Append(rows []model.LedgerRow) error
}

// Deps are the collaborators of a Watcher. Mirror, Publisher and
// Telemetry are optional.
type Deps struct {
	Store     storage.Store
	Ledger    chain.Backend
	Mirror    RowSink
	Publisher notify.Publisher
	Telemetry *telemetry.Metrics
	Logger    *zap.Logger
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	From     uint64
	To       uint64
	Rows     int
	Inserted int
	Cursor   uint64
}

// Watcher polls the ledger for token transfers and folds them into the
// store. Poll is not safe for concurrent use; Run serializes it.
type Watcher struct {
	cfg       Config
	store     storage.Store
	ledger    chain.Backend
	mirror    RowSink
	publisher notify.Publisher
	telemetry *telemetry.Metrics
	logger    *zap.Logger

	topic    common.Hash
	retry    retrier
	decimals uint8
	resolved bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Watcher with its dependencies.
func New(deps Deps, cfg Config) (*Watcher, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger client is nil")
	}
	if cfg.Token == (common.Address{}) {
		return nil, fmt.Errorf("token address is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.VendorThreshold <= 0 {
		cfg.VendorThreshold = defaultVendorThreshold
	}
	if cfg.DecimalsFallback == 0 {
		cfg.DecimalsFallback = defaultDecimals
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	topic, err := token.TransferTopic()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:       cfg,
		store:     deps.Store,
		ledger:    deps.Ledger,
		mirror:    deps.Mirror,
		publisher: deps.Publisher,
		telemetry: deps.Telemetry,
		logger:    deps.Logger,
		topic:     topic,
		retry:     retrier{retries: cfg.MaxRetries, backoff: cfg.RetryBackoff, logger: deps.Logger},
	}, nil
}

// Start runs the poll loop in the background until Stop is called or ctx
// is done. Calling Start on a running watcher does nothing.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
}

// Stop cancels the background loop and waits up to timeout for it to exit.
func (w *Watcher) Stop(timeout time.Duration) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if done == nil {
		return nil
	}

	cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Run polls immediately and then on every interval. Poll errors are
// logged and retried on the next tick. It returns nil once ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watcher started",
		zap.String("token", w.cfg.Token.Hex()),
		zap.Duration("interval", w.cfg.PollInterval),
		zap.Uint64("batch_size", w.cfg.BatchSize),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle: it commits every block between the stored cursor
// and the current head, one batch per window. A failed window leaves the
// cursor at the last committed one. If another writer has already
// committed a window, the cycle ends early without error.
func (w *Watcher) Poll(ctx context.Context) (PollResult, error) {
	res, err := w.poll(ctx)
	switch {
	case err != nil:
		w.telemetry.ObservePoll("error")
	case res.To == 0:
		w.telemetry.ObservePoll("idle")
	default:
		w.telemetry.ObservePoll("ok")
	}
	return res, err
}

func (w *Watcher) poll(ctx context.Context) (PollResult, error) {
	if err := ctx.Err(); err != nil {
		return PollResult{}, err
	}

	metrics, err := w.store.Metrics(ctx)
	if err != nil {
		return PollResult{}, fmt.Errorf("load cursor: %w", err)
	}
	cursor := metrics.LastBlock
	res := PollResult{Cursor: cursor}

	var head uint64
	err = w.retry.do(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		head, err = w.ledger.LatestBlockNumber(ctx)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("get latest block: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	from := cursor + 1
	if cursor == 0 {
		from = w.cfg.StartBlock
	}
	if head <= cursor || head < from {
		return res, nil
	}

	decimals := w.tokenDecimals(ctx)
	agents, err := w.store.Agents(ctx)
	if err != nil {
		return res, fmt.Errorf("load agents: %w", err)
	}

	res.From = from
	for _, window := range planWindows(from, head, w.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rows, err := w.collect(ctx, window, agents, decimals)
		if err != nil {
			return res, err
		}

		delta, hits := Tally(rows, w.cfg.TaxRate)
		inserted, err := w.store.ApplyBatch(ctx, model.Batch{
			Rows:       rows,
			Delta:      delta,
			VendorHits: hits,
			Threshold:  w.cfg.VendorThreshold,
			From:       window.From,
			Cursor:     window.To,
		})
		if errors.Is(err, storage.ErrStaleBatch) {
			// Another writer got here first; the next poll resumes from its cursor.
			w.logger.Info("window already committed",
				zap.Uint64("from", window.From),
				zap.Uint64("to", window.To),
			)
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("apply batch %d-%d: %w", window.From, window.To, err)
		}

		res.To = window.To
		res.Cursor = window.To
		res.Rows += len(rows)
		res.Inserted += inserted
		w.telemetry.AddRows(inserted, len(rows)-inserted)
		w.telemetry.SetCursor(window.To)

		w.fanOut(ctx, rows)
		w.logger.Info("batch complete",
			zap.Uint64("blocks", window.Blocks()),
			zap.Int("rows", len(rows)),
			zap.Int("inserted", inserted),
			zap.Uint64("from", window.From),
			zap.Uint64("to", window.To),
		)
	}
	return res, nil
}

func (w *Watcher) collect(ctx context.Context, window Window, agents model.AgentRegistry, decimals uint8) ([]model.LedgerRow, error) {
	var logs []types.Log
	err := w.retry.do(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = w.ledger.FilterLogs(ctx, window.From, window.To, []common.Address{w.cfg.Token}, []common.Hash{w.topic})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Rows are keyed by transaction, so only the first Transfer of a
	// transaction becomes a row and is tallied.
	rows := make([]model.LedgerRow, 0, len(logs))
	kept := make(map[common.Hash]uint, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		if first, ok := kept[log.TxHash]; ok {
			w.logger.Warn("skip extra transfer in transaction",
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Uint("kept_log_index", first),
			)
			continue
		}
		transfer, err := token.DecodeTransfer(log)
		if err != nil {
			w.logger.Warn("skip undecodable log",
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err),
			)
			continue
		}

		var ts uint64
		err = w.retry.do(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
			var err error
			ts, err = w.ledger.BlockTimestamp(ctx, transfer.BlockNumber)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("block timestamp %d: %w", transfer.BlockNumber, err)
		}
		kept[log.TxHash] = log.Index
		rows = append(rows, Classify(transfer, ts, agents, decimals))
	}
	return rows, nil
}

func (w *Watcher) fanOut(ctx context.Context, rows []model.LedgerRow) {
	if len(rows) == 0 {
		return
	}
	if w.mirror != nil {
		if err := w.mirror.Append(rows); err != nil {
			w.logger.Warn("mirror rows failed", zap.Error(err))
		}
	}
	for _, row := range rows {
		if err := w.publisher.Publish(ctx, notify.SubjectLedgerRow, row); err != nil {
			w.logger.Warn("publish row failed", zap.String("tx_hash", row.TxHash), zap.Error(err))
			return
		}
	}
}

// tokenDecimals resolves the token precision once. Until the call succeeds
// the configured fallback is used.
func (w *Watcher) tokenDecimals(ctx context.Context) uint8 {
	if w.resolved {
		return w.decimals
	}
	decimals, err := token.Decimals(ctx, w.ledger, w.cfg.Token)
	if err != nil {
		w.logger.Warn("decimals call failed, using fallback",
			zap.Uint8("fallback", w.cfg.DecimalsFallback),
			zap.Error(err),
		)
		return w.cfg.DecimalsFallback
	}
	w.decimals = decimals
	w.resolved = true
	return decimals
}
