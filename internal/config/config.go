// Package config loads process settings from the environment and bot
// definitions from YAML.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Env holds the process settings. Every field can be set from the
// environment or from an app.env file in the working directory.
type Env struct {
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	NatsURL     string `mapstructure:"NATS_URL"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
	LogFile  string `mapstructure:"LOG_FILE"`

	// Scheduler is realtime, test or cryptowatch.
	Scheduler string `mapstructure:"SCHEDULER"`
	// BarProvider is the bar series replayed by the cryptowatch scheduler.
	BarProvider string `mapstructure:"BAR_PROVIDER"`
	// Exchange is simulated or bitflyer.
	Exchange       string `mapstructure:"EXCHANGE"`
	BitflyerKey    string `mapstructure:"BITFLYER_KEY"`
	BitflyerSecret string `mapstructure:"BITFLYER_SECRET"`
	BotConfig      string `mapstructure:"BOT_CONFIG"`

	CacheTTL         time.Duration `mapstructure:"CACHE_TTL"`
	PollInterval     time.Duration `mapstructure:"POLL_INTERVAL"`
	RetryBackoff     time.Duration `mapstructure:"RETRY_BACKOFF"`
	RetryMaxFailures int           `mapstructure:"RETRY_MAX_FAILURES"`
	FeeRate          string        `mapstructure:"FEE_RATE"`
	StaleReady       string        `mapstructure:"STALE_READY_POLICY"`

	// Fee is FeeRate parsed.
	Fee decimal.Decimal `mapstructure:"-"`
}

var defaults = map[string]any{
	"PORT":               "8080",
	"DATABASE_URL":       "",
	"REDIS_URL":          "",
	"NATS_URL":           "",
	"LOG_LEVEL":          "info",
	"LOG_FILE":           "",
	"SCHEDULER":          "realtime",
	"BAR_PROVIDER":       "bitflyer",
	"EXCHANGE":           "simulated",
	"BITFLYER_KEY":       "",
	"BITFLYER_SECRET":    "",
	"BOT_CONFIG":         "bots.yaml",
	"CACHE_TTL":          "30s",
	"POLL_INTERVAL":      "10s",
	"RETRY_BACKOFF":      "10s",
	"RETRY_MAX_FAILURES": 10,
	"FEE_RATE":           "0",
	"STALE_READY_POLICY": "resume",
}

// LoadEnv reads app.env from the working directory when present, then the
// environment, which wins.
func LoadEnv() (Env, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Env{}, fmt.Errorf("read app.env: %w", err)
		}
	}

	var env Env
	if err := v.Unmarshal(&env); err != nil {
		return Env{}, fmt.Errorf("decode settings: %w", err)
	}
	fee, err := decimal.NewFromString(env.FeeRate)
	if err != nil {
		return Env{}, fmt.Errorf("FEE_RATE %q: %w", env.FeeRate, err)
	}
	if fee.IsNegative() {
		return Env{}, fmt.Errorf("FEE_RATE %q: must not be negative", env.FeeRate)
	}
	env.Fee = fee
	if env.RetryMaxFailures < 0 {
		return Env{}, fmt.Errorf("RETRY_MAX_FAILURES %d: must not be negative", env.RetryMaxFailures)
	}
	return env, nil
}
