package config

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SettleConfig holds configuration for the settle command.
type SettleConfig struct {
	Ledger     LedgerConfig
	Settle     SettleParams
	DB         string
	NATSURL    string
	LogLevel   string
	Proposal   string
	Mode       string
	Transcript string
	// Scripted negotiation terms, used when no proposal file is given.
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	TaxRate   decimal.Decimal
	SKU       string
	Payer     string
	Vendor    string
}

// LoadSettle merges config file, environment variables, and flags into SettleConfig.
func LoadSettle(cfgFile string, flags *pflag.FlagSet) (SettleConfig, error) {
	v, err := newViper(cfgFile, flags, func(v *viper.Viper) {
		setLedgerDefaults(v)
		setSettleDefaults(v)
		v.SetDefault("quantity", "1")
		v.SetDefault("unit-price", "1")
		v.SetDefault("tax-rate", "0.07")
		v.SetDefault("sku", "SKU-DEMO")
	})
	if err != nil {
		return SettleConfig{}, err
	}

	params, err := readSettleParams(v)
	if err != nil {
		return SettleConfig{}, err
	}

	cfg := SettleConfig{
		Ledger:     readLedger(v),
		Settle:     params,
		DB:         v.GetString("db"),
		NATSURL:    v.GetString("nats-url"),
		LogLevel:   v.GetString("log-level"),
		Proposal:   v.GetString("proposal"),
		Mode:       v.GetString("mode"),
		Transcript: v.GetString("transcript"),
		SKU:        v.GetString("sku"),
		Payer:      v.GetString("payer"),
		Vendor:     v.GetString("vendor"),
	}
	for key, dst := range map[string]*decimal.Decimal{
		"quantity":   &cfg.Quantity,
		"unit-price": &cfg.UnitPrice,
		"tax-rate":   &cfg.TaxRate,
	} {
		value, err := decimal.NewFromString(v.GetString(key))
		if err != nil {
			return SettleConfig{}, fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = value
	}

	return cfg, nil
}
