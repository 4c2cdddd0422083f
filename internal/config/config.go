// Package config loads daemon configuration from the environment (VENDERD_
// prefix) with defaults suitable for local development.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the daemon.
type Config struct {
	HTTPAddr    string `mapstructure:"http_addr"`
	DeviceAddr  string `mapstructure:"device_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	DBPath      string `mapstructure:"db_path"`

	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`

	DisplayCodeTTL time.Duration `mapstructure:"display_code_ttl"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`

	CodeLength        int `mapstructure:"code_length"`
	PendingCap        int `mapstructure:"pending_cap"`
	LowStockThreshold int `mapstructure:"low_stock_threshold"`

	LogLevel    string `mapstructure:"log_level"`
	TraceStdout bool   `mapstructure:"trace_stdout"`
}

// Load reads configuration from the environment. A missing database path is
// the one fatal misconfiguration: the store is mandatory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("VENDERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_addr", ":8002")
	v.SetDefault("device_addr", ":9100")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("db_path", "./data/venderd")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "venderd.commands")
	v.SetDefault("display_code_ttl", 10*time.Minute)
	v.SetDefault("lock_ttl", 10*time.Minute)
	v.SetDefault("sweep_interval", 5*time.Second)
	v.SetDefault("ping_interval", 30*time.Second)
	v.SetDefault("code_length", 6)
	v.SetDefault("pending_cap", 32)
	v.SetDefault("low_stock_threshold", 5)
	v.SetDefault("log_level", "info")
	v.SetDefault("trace_stdout", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		return nil, errors.New("db_path must not be empty")
	}
	return &cfg, nil
}
