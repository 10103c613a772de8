package config

import (
	"fmt"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds environment-driven settings for the paper-trading engine.
type Config struct {
	Port string `mapstructure:"PORT"`

	// Database
	DBPath string `mapstructure:"DB_PATH"`

	// Portfolio
	InitialCash float64 `mapstructure:"INITIAL_CASH"`

	// Scheduler
	TickInterval       time.Duration `mapstructure:"TICK_INTERVAL"`
	PollInterval       time.Duration `mapstructure:"POLL_INTERVAL"`
	MinDCAInterval     time.Duration `mapstructure:"MIN_DCA_INTERVAL"`
	EvalTimeout        time.Duration `mapstructure:"EVAL_TIMEOUT"`
	PriceHistoryLimit  int           `mapstructure:"PRICE_HISTORY_LIMIT"`
	IdempotencyWindow  time.Duration `mapstructure:"IDEMPOTENCY_WINDOW"`

	// Market data
	UseMockFeed     bool     `mapstructure:"USE_MOCK_FEED"`
	BinanceBaseURL  string   `mapstructure:"BINANCE_BASE_URL"`
	BinanceWSURL    string   `mapstructure:"BINANCE_WS_URL"`
	WatchedAssets   []string `mapstructure:"WATCHED_ASSETS"`
	PriceRatePerSec float64  `mapstructure:"PRICE_RATE_PER_SEC"`

	// Telemetry
	NATSUrl     string `mapstructure:"NATS_URL"`
	NATSSubject string `mapstructure:"NATS_SUBJECT"`

	// Auth
	JWTSecret string `mapstructure:"JWT_SECRET"`

	// Seeding
	SeedFile string `mapstructure:"SEED_FILE"`

	// InstanceID identifies this engine process in logs and telemetry.
	InstanceID string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_PATH", "./data/papertrader.db")
	v.SetDefault("INITIAL_CASH", 10000.0)
	v.SetDefault("TICK_INTERVAL", "15s")
	v.SetDefault("POLL_INTERVAL", "3m")
	v.SetDefault("MIN_DCA_INTERVAL", "1m")
	v.SetDefault("EVAL_TIMEOUT", "10s")
	v.SetDefault("PRICE_HISTORY_LIMIT", 200)
	v.SetDefault("IDEMPOTENCY_WINDOW", "5s")
	v.SetDefault("USE_MOCK_FEED", true)
	v.SetDefault("BINANCE_BASE_URL", "https://api.binance.com")
	v.SetDefault("BINANCE_WS_URL", "wss://stream.binance.com:9443/ws")
	v.SetDefault("WATCHED_ASSETS", []string{"BTC", "ETH"})
	v.SetDefault("PRICE_RATE_PER_SEC", 5.0)
	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT", "papertrader.trades")
	v.SetDefault("JWT_SECRET", "dev-secret")
	v.SetDefault("SEED_FILE", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.MinDCAInterval <= 0 {
		return nil, fmt.Errorf("MIN_DCA_INTERVAL must be positive")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive")
	}

	id, err := machineid.ProtectedID("papertrader")
	if err != nil {
		// Fall back to a fixed id; telemetry still works, just untagged.
		id = "unknown"
	}
	cfg.InstanceID = id[:minInt(12, len(id))]

	return &cfg, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
