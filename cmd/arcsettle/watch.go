package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arcsettle/internal/chain"
	"arcsettle/internal/config"
)

func runWatch(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	once, _ := cmd.Flags().GetBool("once")

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Ledger.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if cfg.Ledger.Token == "" {
		return fmt.Errorf("token address is required")
	}

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

	ledger, err := chain.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.ChainID)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer ledger.Close()

	watch, err := newWatcher(cfg, watcherDeps{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
	})
	if err != nil {
		return err
	}

	logger.Info("watcher start",
		zap.String("rpc", cfg.Ledger.RPCURL),
		zap.String("token", cfg.Ledger.Token),
		zap.Uint64("start_block", cfg.Watch.StartBlock),
		zap.Bool("once", once),
	)

	if once {
		res, err := watch.Poll(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	}

	watch.Start(ctx)
	<-ctx.Done()
	return watch.Stop(shutdownTimeout)
}
