// Package config loads process settings from the environment and market
// parameters from an optional YAML file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/seedsx/market-engine/internal/tax"
)

// Config is the process configuration read from environment variables.
type Config struct {
	Port         string        `env:"PORT" envDefault:"8080"`
	DatabaseURL  string        `env:"DATABASE_URL"`
	SQLitePath   string        `env:"SQLITE_PATH"`
	RedisURL     string        `env:"REDIS_URL"`
	KafkaBrokers []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string        `env:"KAFKA_TOPIC" envDefault:"seeds.events"`
	JWTSecret    string        `env:"JWT_SECRET"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string        `env:"LOG_FORMAT" envDefault:"json"`
	MarketConfig string        `env:"MARKET_CONFIG"`
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"30s"`
}

// Load reads .env (if present) and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Market holds the trading parameters of the engine.
type Market struct {
	Market  MarketDefaults `yaml:"market"`
	Ledger  LedgerConfig   `yaml:"ledger"`
	Tax     TaxConfig      `yaml:"tax"`
	Limits  LimitsConfig   `yaml:"limits"`
	History HistoryConfig  `yaml:"history"`
}

// MarketDefaults apply to decisions created without explicit parameters.
type MarketDefaults struct {
	TargetPrice  decimal.Decimal            `yaml:"default_target_price"`
	DefaultDepth string                     `yaml:"default_depth"` // preset name or number
	DepthPresets map[string]decimal.Decimal `yaml:"depth_presets"`
}

// LedgerConfig controls new accounts.
type LedgerConfig struct {
	InitialGrant decimal.Decimal `yaml:"initial_grant"`
}

// TaxConfig is the exit tax schedule.
type TaxConfig struct {
	Brackets  []BracketConfig `yaml:"brackets"`
	FinalRate decimal.Decimal `yaml:"final_rate"`
}

// BracketConfig applies Rate to holdings shorter than Below.
type BracketConfig struct {
	Below time.Duration   `yaml:"below"`
	Rate  decimal.Decimal `yaml:"rate"`
}

// LimitsConfig caps holdings and trade frequency. Zero disables a limit.
type LimitsConfig struct {
	MaxSharesPerPosition decimal.Decimal `yaml:"max_shares_per_position"`
	MaxSharesPerDecision decimal.Decimal `yaml:"max_shares_per_decision"`
	TradesPerMinute      float64         `yaml:"trades_per_minute"`
	Burst                int             `yaml:"burst"`
}

// HistoryConfig sizes the in-process tick cache.
type HistoryConfig struct {
	CacheTicks int64         `yaml:"cache_ticks"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// LoadMarket reads the YAML market file. An empty path yields the defaults.
func LoadMarket(path string) (*Market, error) {
	var m Market
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.LoadMarket: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("config.LoadMarket: parse YAML: %w", err)
		}
	}
	setDefaults(&m)

	if _, err := m.Schedule(); err != nil {
		return nil, fmt.Errorf("config.LoadMarket: %w", err)
	}
	return &m, nil
}

// Schedule builds the exit tax schedule.
func (m *Market) Schedule() (*tax.Schedule, error) {
	if len(m.Tax.Brackets) == 0 {
		return tax.Default(), nil
	}
	brackets := make([]tax.Bracket, len(m.Tax.Brackets))
	for i, b := range m.Tax.Brackets {
		brackets[i] = tax.Bracket{Below: b.Below, Rate: b.Rate}
	}
	return tax.NewSchedule(brackets, m.Tax.FinalRate)
}

// setDefaults fills anything the file left out.
func setDefaults(m *Market) {
	if !m.Market.TargetPrice.IsPositive() {
		m.Market.TargetPrice = decimal.NewFromInt(50)
	}
	if len(m.Market.DepthPresets) == 0 {
		m.Market.DepthPresets = map[string]decimal.Decimal{
			"meme":     decimal.NewFromInt(1000),
			"standard": decimal.NewFromInt(5000),
			"stable":   decimal.NewFromInt(10000),
		}
	}
	if m.Market.DefaultDepth == "" {
		m.Market.DefaultDepth = "standard"
	}
	if !m.Ledger.InitialGrant.IsPositive() {
		m.Ledger.InitialGrant = decimal.NewFromInt(1000)
	}
	if m.Limits.Burst <= 0 {
		m.Limits.Burst = 10
	}
	if m.History.CacheTicks <= 0 {
		m.History.CacheTicks = 1 << 20
	}
	if m.History.CacheTTL <= 0 {
		m.History.CacheTTL = 5 * time.Minute
	}
}

// SetupLogger installs the default slog logger.
func SetupLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
