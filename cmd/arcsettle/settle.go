package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arcsettle/internal/chain"
	"arcsettle/internal/config"
	"arcsettle/internal/model"
	"arcsettle/internal/negotiation"
	"arcsettle/internal/settlement"
)

func runSettle(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadSettle(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// An empty mode defers to the proposal.
	var mode model.DealMode
	if cfg.Mode != "" {
		parsed, ok := model.ParseDealMode(cfg.Mode)
		if !ok {
			return fmt.Errorf("unknown mode %q", cfg.Mode)
		}
		mode = parsed
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

	var ledger *chain.Client
	if mode != model.ModeSimulated && cfg.Ledger.RPCURL != "" {
		ledger, err = chain.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.ChainID)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer ledger.Close()
	}

	orchestrator, err := newOrchestrator(cfg.Ledger, cfg.Settle, orchestratorDeps{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
	})
	if err != nil {
		return err
	}

	req := settlement.Request{Mode: mode, Transcript: cfg.Transcript}
	if cfg.Proposal != "" {
		req.Proposal, err = readProposal(cmd, cfg.Proposal)
		if err != nil {
			return err
		}
	} else {
		outcome, err := scriptedNegotiation(ctx, cfg)
		if err != nil {
			return err
		}
		req.Proposal = outcome.Proposal
		if req.Transcript == "" {
			req.Transcript = outcome.Transcript
		}
	}

	res, settleErr := orchestrator.Settle(ctx, req)
	if err := printJSON(res); err != nil {
		return err
	}
	if settleErr != nil {
		logger.Error("settlement did not complete", zap.String("status", string(res.Status)), zap.Error(settleErr))
		return settleErr
	}
	return nil
}

func readProposal(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read proposal: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proposal: %w", err)
	}
	return data, nil
}

func scriptedNegotiation(ctx context.Context, cfg config.SettleConfig) (negotiation.Outcome, error) {
	keys, err := loadKeys(cfg.Settle)
	if err != nil {
		return negotiation.Outcome{}, err
	}
	payer, vendor := cfg.Payer, cfg.Vendor
	if payer == "" && keys.Buyer != nil {
		payer = addressHex(keys.Buyer)
	}
	if vendor == "" && keys.Seller != nil {
		vendor = addressHex(keys.Seller)
	}

	var n negotiation.Negotiator = negotiation.Scripted{Terms: negotiation.Terms{
		Quantity:  cfg.Quantity,
		UnitPrice: cfg.UnitPrice,
		Payer:     payer,
		Vendor:    vendor,
		TaxRate:   cfg.TaxRate,
		SKU:       cfg.SKU,
	}}
	return n.Negotiate(ctx)
}
