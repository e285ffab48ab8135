package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// QueryConfig holds configuration for the store-only commands
// (agent add, deals, metrics).
type QueryConfig struct {
	DB       string
	LogLevel string
	Statuses []string
	Limit    int
	Offset   int
	Order    string
}

// LoadQuery merges config file, environment variables, and flags into QueryConfig.
func LoadQuery(cfgFile string, flags *pflag.FlagSet) (QueryConfig, error) {
	v, err := newViper(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("limit", 50)
		v.SetDefault("order", "desc")
	})
	if err != nil {
		return QueryConfig{}, err
	}

	cfg := QueryConfig{
		DB:       v.GetString("db"),
		LogLevel: v.GetString("log-level"),
		Statuses: getStringSlice(v, "status"),
		Limit:    v.GetInt("limit"),
		Offset:   v.GetInt("offset"),
		Order:    v.GetString("order"),
	}

	return cfg, nil
}
