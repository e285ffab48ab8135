package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"arcsettle/internal/chain"
	"arcsettle/internal/config"
	"arcsettle/internal/notify"
	"arcsettle/internal/settlement"
	"arcsettle/internal/storage"
	"arcsettle/internal/storage/postgres"
	"arcsettle/internal/storage/sqlite"
	"arcsettle/internal/telemetry"
)

// openStore picks the backend from the DSN scheme.
func openStore(ctx context.Context, dsn string) (storage.Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		store, err := sqlite.New(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store dsn %q", dsn)
	}
}

func newPublisher(url string, logger *zap.Logger) (notify.Publisher, error) {
	if url == "" {
		return notify.Nop{}, nil
	}
	publisher, err := notify.NewNATS(notify.Config{URL: url, Name: "arcsettle"}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return publisher, nil
}

func parseAddress(name, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", name, value)
	}
	return common.HexToAddress(value), nil
}

func parseKey(name, value string) (*ecdsa.PrivateKey, error) {
	if value == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(value, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return key, nil
}

func loadKeys(params config.SettleParams) (settlement.Keys, error) {
	var keys settlement.Keys
	for _, item := range []struct {
		name  string
		value string
		dst   **ecdsa.PrivateKey
	}{
		{"issuer-key", params.IssuerKey, &keys.Issuer},
		{"buyer-key", params.BuyerKey, &keys.Buyer},
		{"seller-key", params.SellerKey, &keys.Seller},
		{"funder-key", params.FunderKey, &keys.Funder},
	} {
		key, err := parseKey(item.name, item.value)
		if err != nil {
			return settlement.Keys{}, err
		}
		*item.dst = key
	}
	return keys, nil
}

type orchestratorDeps struct {
	store     storage.Store
	ledger    *chain.Client
	publisher notify.Publisher
	telemetry *telemetry.Metrics
	logger    *zap.Logger
}

func newOrchestrator(ledgerCfg config.LedgerConfig, params config.SettleParams, deps orchestratorDeps) (*settlement.Orchestrator, error) {
	tokenAddr, err := parseAddress("token", ledgerCfg.Token)
	if err != nil {
		return nil, err
	}
	downstream, err := parseAddress("downstream", params.Downstream)
	if err != nil {
		return nil, err
	}
	keys, err := loadKeys(params)
	if err != nil {
		return nil, err
	}

	var backend chain.Backend
	if deps.ledger != nil {
		backend = deps.ledger
	}

	return settlement.NewOrchestrator(settlement.Deps{
		Store:     deps.store,
		Ledger:    backend,
		Keys:      keys,
		Publisher: deps.publisher,
		Telemetry: deps.telemetry,
		Logger:    deps.logger,
	}, settlement.Config{
		ChainID:          ledgerCfg.ChainID,
		Token:            tokenAddr,
		Downstream:       downstream,
		DecimalsFallback: ledgerCfg.DecimalsFallback,
		Auditor:          params.Auditor,
		GasLimitMint:     params.GasLimitMint,
		GasLimitTransfer: params.GasLimitTransfer,
		GasLimitNative:   params.GasLimitNative,
		MinGasWei:        params.MinGasWei,
		GasTopupWei:      params.GasTopupWei,
		ReceiptTimeout:   params.ReceiptTimeout,
		ReceiptPoll:      params.ReceiptPoll,
	})
}

func printJSON(value interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
