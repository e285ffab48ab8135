package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "arcsettle",
		Short:        "Settlement orchestrator and ledger watcher",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the ledger watcher",
		RunE:  runServe,
	}
	addLedgerFlags(serveCmd)
	addWatchFlags(serveCmd)
	addSettleFlags(serveCmd)
	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	root.AddCommand(serveCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the ledger watcher",
		RunE:  runWatch,
	}
	addLedgerFlags(watchCmd)
	addWatchFlags(watchCmd)
	watchCmd.Flags().Bool("once", false, "run a single poll cycle and exit")
	root.AddCommand(watchCmd)

	settleCmd := &cobra.Command{
		Use:   "settle",
		Short: "Negotiate and settle one deal",
		RunE:  runSettle,
	}
	addLedgerFlags(settleCmd)
	addSettleFlags(settleCmd)
	settleCmd.Flags().String("proposal", "", "proposal JSON file ('-' for stdin); empty runs the scripted negotiation")
	settleCmd.Flags().String("mode", "", "settlement mode (on_chain, simulated)")
	settleCmd.Flags().String("transcript", "", "negotiation transcript to record with the deal")
	settleCmd.Flags().String("quantity", "1", "scripted negotiation quantity")
	settleCmd.Flags().String("unit-price", "1", "scripted negotiation unit price")
	settleCmd.Flags().String("tax-rate", "0.07", "scripted negotiation tax rate")
	settleCmd.Flags().String("sku", "SKU-DEMO", "scripted negotiation sku")
	settleCmd.Flags().String("payer", "", "scripted negotiation payer (defaults to the buyer key address)")
	settleCmd.Flags().String("vendor", "", "scripted negotiation vendor (defaults to the seller key address)")
	root.AddCommand(settleCmd)

	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent registry",
	}
	agentAddCmd := &cobra.Command{
		Use:   "add",
		Short: "Register an agent if absent",
		RunE:  runAgentAdd,
	}
	addStoreFlags(agentAddCmd)
	agentAddCmd.Flags().String("address", "", "agent address")
	agentAddCmd.Flags().String("role", "vendor", "agent role (payer, vendor, other)")
	agentAddCmd.Flags().Int("tier", 1, "agent tier")
	agentAddCmd.Flags().String("region", "", "agent region")
	agentCmd.AddCommand(agentAddCmd)
	root.AddCommand(agentCmd)

	dealsCmd := &cobra.Command{
		Use:   "deals",
		Short: "List deals",
		RunE:  runDeals,
	}
	addStoreFlags(dealsCmd)
	dealsCmd.Flags().StringSlice("status", nil, "deal statuses (comma-separated)")
	dealsCmd.Flags().Int("limit", 50, "maximum deals to list")
	dealsCmd.Flags().Int("offset", 0, "deals to skip")
	dealsCmd.Flags().String("order", "desc", "creation order (asc, desc)")
	root.AddCommand(dealsCmd)

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print the metrics snapshot",
		RunE:  runMetrics,
	}
	addStoreFlags(metricsCmd)
	root.AddCommand(metricsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("db", "sqlite://./data/arcsettle.db", "store DSN (postgres://... or sqlite://path)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
}

func addLedgerFlags(cmd *cobra.Command) {
	addStoreFlags(cmd)
	cmd.Flags().String("rpc", "https://rpc.testnet.arc.network", "ledger RPC URL")
	cmd.Flags().Int64("chain-id", 5042002, "expected chain id")
	cmd.Flags().String("token", "", "token contract address")
	cmd.Flags().Uint("decimals-fallback", 6, "token decimals when the decimals call fails")
	cmd.Flags().String("nats-url", "", "NATS server URL for event publishing (optional)")
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("poll-interval", 5*time.Second, "poll interval")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	cmd.Flags().Uint64("start-block", 0, "first block to watch when no cursor is stored")
	cmd.Flags().String("tax-rate", "0.07", "tax rate applied to eligible sales")
	cmd.Flags().Int64("vendor-threshold", 3, "eligible sales before a vendor counts as active")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts per RPC call")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().String("mirror-out", "", "optional JSONL mirror of watched rows")
	cmd.Flags().Int64("mirror-max-bytes", 64<<20, "rotate the mirror file past this size (0 disables)")
}

func addSettleFlags(cmd *cobra.Command) {
	cmd.Flags().String("issuer-key", "", "issuer private key (hex)")
	cmd.Flags().String("buyer-key", "", "buyer private key (hex)")
	cmd.Flags().String("seller-key", "", "seller private key (hex)")
	cmd.Flags().String("funder-key", "", "gas funder private key (hex)")
	cmd.Flags().String("downstream", "", "onward transfer recipient")
	cmd.Flags().Duration("receipt-timeout", 240*time.Second, "receipt wait per transaction")
	cmd.Flags().Duration("receipt-poll", 2*time.Second, "receipt poll interval")
	cmd.Flags().String("min-gas-wei", "30000000000000000", "native balance below which a signer is topped up")
	cmd.Flags().String("gas-topup-wei", "50000000000000000", "native amount sent per top-up")
	cmd.Flags().Uint64("gas-limit-mint", 200_000, "gas limit for mint")
	cmd.Flags().Uint64("gas-limit-transfer", 120_000, "gas limit for token transfers")
	cmd.Flags().Uint64("gas-limit-native", 21_000, "gas limit for native transfers")
	cmd.Flags().String("auditor", "AuditorBot", "auditor name on negotiation records")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
