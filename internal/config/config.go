package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LedgerConfig selects the node and the token contract.
type LedgerConfig struct {
	RPCURL           string
	ChainID          int64
	Token            string
	DecimalsFallback uint8
}

// WatchConfig holds the watcher loop settings.
type WatchConfig struct {
	PollInterval    time.Duration
	BatchSize       uint64
	StartBlock      uint64
	TaxRate         decimal.Decimal
	VendorThreshold int64
	MaxRetries      int
	RetryBackoff    time.Duration
	MirrorOut       string
	MirrorMaxBytes  int64
}

// SettleParams holds signing keys and transaction settings for settlement.
type SettleParams struct {
	IssuerKey        string
	BuyerKey         string
	SellerKey        string
	FunderKey        string
	Downstream       string
	ReceiptTimeout   time.Duration
	ReceiptPoll      time.Duration
	MinGasWei        *big.Int
	GasTopupWei      *big.Int
	GasLimitMint     uint64
	GasLimitTransfer uint64
	GasLimitNative   uint64
	Auditor          string
}

// Config holds configuration for the serve and watch commands.
type Config struct {
	Ledger   LedgerConfig
	Watch    WatchConfig
	Settle   SettleParams
	DB       string
	Listen   string
	NATSURL  string
	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(cfgFile, flags, func(v *viper.Viper) {
		setLedgerDefaults(v)
		setSettleDefaults(v)
		v.SetDefault("listen", ":8080")
		v.SetDefault("poll-interval", 5*time.Second)
		v.SetDefault("batch-size", uint64(2000))
		v.SetDefault("start-block", uint64(0))
		v.SetDefault("tax-rate", "0.07")
		v.SetDefault("vendor-threshold", 3)
		v.SetDefault("max-retries", 5)
		v.SetDefault("retry-backoff", 500*time.Millisecond)
		v.SetDefault("mirror-max-bytes", int64(64<<20))
	})
	if err != nil {
		return Config{}, err
	}

	taxRate, err := decimal.NewFromString(v.GetString("tax-rate"))
	if err != nil {
		return Config{}, fmt.Errorf("parse tax-rate: %w", err)
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(1)) {
		return Config{}, fmt.Errorf("tax-rate must be between 0 and 1")
	}
	settle, err := readSettleParams(v)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Ledger: readLedger(v),
		Watch: WatchConfig{
			PollInterval:    v.GetDuration("poll-interval"),
			BatchSize:       v.GetUint64("batch-size"),
			StartBlock:      v.GetUint64("start-block"),
			TaxRate:         taxRate,
			VendorThreshold: v.GetInt64("vendor-threshold"),
			MaxRetries:      v.GetInt("max-retries"),
			RetryBackoff:    v.GetDuration("retry-backoff"),
			MirrorOut:       v.GetString("mirror-out"),
			MirrorMaxBytes:  v.GetInt64("mirror-max-bytes"),
		},
		Settle:   settle,
		DB:       v.GetString("db"),
		Listen:   v.GetString("listen"),
		NATSURL:  v.GetString("nats-url"),
		LogLevel: v.GetString("log-level"),
	}

	return cfg, nil
}

func newViper(cfgFile string, flags *pflag.FlagSet, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCSETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db", "sqlite://./data/arcsettle.db")
	v.SetDefault("log-level", "info")
	if defaults != nil {
		defaults(v)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func setLedgerDefaults(v *viper.Viper) {
	v.SetDefault("rpc", "https://rpc.testnet.arc.network")
	v.SetDefault("chain-id", int64(5042002))
	v.SetDefault("decimals-fallback", 6)
}

func readLedger(v *viper.Viper) LedgerConfig {
	return LedgerConfig{
		RPCURL:           v.GetString("rpc"),
		ChainID:          v.GetInt64("chain-id"),
		Token:            strings.TrimSpace(v.GetString("token")),
		DecimalsFallback: uint8(v.GetUint("decimals-fallback")),
	}
}

func setSettleDefaults(v *viper.Viper) {
	v.SetDefault("receipt-timeout", 240*time.Second)
	v.SetDefault("receipt-poll", 2*time.Second)
	v.SetDefault("min-gas-wei", "30000000000000000")
	v.SetDefault("gas-topup-wei", "50000000000000000")
	v.SetDefault("gas-limit-mint", uint64(200_000))
	v.SetDefault("gas-limit-transfer", uint64(120_000))
	v.SetDefault("gas-limit-native", uint64(21_000))
	v.SetDefault("auditor", "AuditorBot")
}

func readSettleParams(v *viper.Viper) (SettleParams, error) {
	minGas, err := parseWei(v.GetString("min-gas-wei"))
	if err != nil {
		return SettleParams{}, fmt.Errorf("parse min-gas-wei: %w", err)
	}
	topup, err := parseWei(v.GetString("gas-topup-wei"))
	if err != nil {
		return SettleParams{}, fmt.Errorf("parse gas-topup-wei: %w", err)
	}
	return SettleParams{
		IssuerKey:        strings.TrimSpace(v.GetString("issuer-key")),
		BuyerKey:         strings.TrimSpace(v.GetString("buyer-key")),
		SellerKey:        strings.TrimSpace(v.GetString("seller-key")),
		FunderKey:        strings.TrimSpace(v.GetString("funder-key")),
		Downstream:       strings.TrimSpace(v.GetString("downstream")),
		ReceiptTimeout:   v.GetDuration("receipt-timeout"),
		ReceiptPoll:      v.GetDuration("receipt-poll"),
		MinGasWei:        minGas,
		GasTopupWei:      topup,
		GasLimitMint:     v.GetUint64("gas-limit-mint"),
		GasLimitTransfer: v.GetUint64("gas-limit-transfer"),
		GasLimitNative:   v.GetUint64("gas-limit-native"),
		Auditor:          v.GetString("auditor"),
	}, nil
}

func parseWei(input string) (*big.Int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(input, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", input)
	}
	return value, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
