package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arcsettle/internal/config"
	"arcsettle/internal/model"
	"arcsettle/internal/storage"
)

func runAgentAdd(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadQuery(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	address, _ := cmd.Flags().GetString("address")
	roleName, _ := cmd.Flags().GetString("role")
	tier, _ := cmd.Flags().GetInt("tier")
	region, _ := cmd.Flags().GetString("region")

	if !common.IsHexAddress(address) {
		return fmt.Errorf("address %q is not valid", address)
	}
	role, ok := model.ParseAgentRole(roleName)
	if !ok {
		return fmt.Errorf("unknown role %q", roleName)
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	agent := model.Agent{
		Address: model.NormalizeAddress(address),
		Role:    role,
		Region:  region,
		Tier:    tier,
	}
	inserted, err := store.RegisterAgent(ctx, agent)
	if err != nil {
		return err
	}
	logger.Info("agent add", zap.String("address", agent.Address), zap.String("role", string(role)), zap.Bool("inserted", inserted))
	return printJSON(map[string]interface{}{"agent": agent, "inserted": inserted})
}

func runDeals(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadQuery(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	filter := storage.DealFilter{Limit: cfg.Limit, Offset: cfg.Offset}
	switch cfg.Order {
	case "asc":
		filter.Ascending = true
	case "desc", "":
	default:
		return fmt.Errorf("order must be asc or desc")
	}
	for _, status := range cfg.Statuses {
		filter.Statuses = append(filter.Statuses, model.DealStatus(status))
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	deals, err := store.ListDeals(ctx, filter)
	if err != nil {
		return err
	}
	return printJSON(deals)
}

func runMetrics(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadQuery(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshot, err := store.Metrics(ctx)
	if err != nil {
		return err
	}
	return printJSON(snapshot)
}

func addressHex(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}
