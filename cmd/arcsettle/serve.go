package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arcsettle/internal/api"
	"arcsettle/internal/chain"
	"arcsettle/internal/config"
	"arcsettle/internal/notify"
	"arcsettle/internal/storage"
	"arcsettle/internal/telemetry"
	"arcsettle/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := newPublisher(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var ledger *chain.Client
	if cfg.Ledger.RPCURL != "" {
		ledger, err = chain.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.ChainID)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer ledger.Close()
	}

	metrics := telemetry.New()
	orchestrator, err := newOrchestrator(cfg.Ledger, cfg.Settle, orchestratorDeps{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		telemetry: metrics,
		logger:    logger.Named("settlement"),
	})
	if err != nil {
		return err
	}

	var watch *watcher.Watcher
	if ledger != nil && cfg.Ledger.Token != "" {
		watch, err = newWatcher(cfg, watcherDeps{
			store:     store,
			ledger:    ledger,
			publisher: publisher,
			telemetry: metrics,
			logger:    logger.Named("watcher"),
		})
		if err != nil {
			return err
		}
	} else {
		logger.Warn("watcher disabled: rpc and token are required")
	}

	// Settlement requests block on up to three receipts plus gas top-ups.
	writeTimeout := 6*cfg.Settle.ReceiptTimeout + 30*time.Second
	server := api.NewServer(api.Deps{
		Store:     store,
		Settler:   orchestrator,
		Telemetry: metrics,
		Logger:    logger.Named("api"),
	}).NewHTTPServer(cfg.Listen, writeTimeout)

	logger.Info("serve start",
		zap.String("listen", cfg.Listen),
		zap.String("rpc", cfg.Ledger.RPCURL),
		zap.Int64("chain_id", cfg.Ledger.ChainID),
		zap.String("token", cfg.Ledger.Token),
		zap.Bool("watcher", watch != nil),
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if watch != nil {
		group.Go(func() error {
			return watch.Run(gctx)
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("serve stopped")
	return err
}

type watcherDeps struct {
	store     storage.Store
	ledger    *chain.Client
	publisher notify.Publisher
	telemetry *telemetry.Metrics
	logger    *zap.Logger
}

func newWatcher(cfg config.Config, deps watcherDeps) (*watcher.Watcher, error) {
	tokenAddr, err := parseAddress("token", cfg.Ledger.Token)
	if err != nil {
		return nil, err
	}

	var mirror watcher.RowSink
	if cfg.Watch.MirrorOut != "" {
		mirror = storage.NewJsonlSink(cfg.Watch.MirrorOut, cfg.Watch.MirrorMaxBytes)
	}

	return watcher.New(watcher.Deps{
		Store:     deps.store,
		Ledger:    deps.ledger,
		Mirror:    mirror,
		Publisher: deps.publisher,
		Telemetry: deps.telemetry,
		Logger:    deps.logger,
	}, watcher.Config{
		Token:            tokenAddr,
		StartBlock:       cfg.Watch.StartBlock,
		BatchSize:        cfg.Watch.BatchSize,
		PollInterval:     cfg.Watch.PollInterval,
		TaxRate:          cfg.Watch.TaxRate,
		VendorThreshold:  cfg.Watch.VendorThreshold,
		DecimalsFallback: cfg.Ledger.DecimalsFallback,
		MaxRetries:       cfg.Watch.MaxRetries,
		RetryBackoff:     cfg.Watch.RetryBackoff,
	})
}
