package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Trading    TradingConfig    `yaml:"trading"`
	Market     MarketConfig     `yaml:"market"`
	Indicators IndicatorConfig  `yaml:"indicators"`
	Risk       RiskConfig       `yaml:"risk"`
	AI         AIConfig         `yaml:"ai"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Models     []ModelConfig    `yaml:"models"`
	Database   DatabaseConfig   `yaml:"database"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Web        WebConfig        `yaml:"web"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TradingConfig struct {
	Interval          time.Duration `yaml:"interval"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	Coins             []string      `yaml:"coins"`
	MinLeverage       int           `yaml:"min_leverage"`
	MaxLeverage       int           `yaml:"max_leverage"`
	MaxQuantity       float64       `yaml:"max_quantity"`
	InitialCapital    float64       `yaml:"initial_capital"`
	MaxParallelModels int           `yaml:"max_parallel_models"`
	TraceLimit        int           `yaml:"trace_limit"`
}

type SourceConfig struct {
	Disabled       bool          `yaml:"disabled"`
	BaseURL        string        `yaml:"base_url"`
	MinInterval    time.Duration `yaml:"min_interval"`
	PriceTimeout   time.Duration `yaml:"price_timeout"`
	HistoryTimeout time.Duration `yaml:"history_timeout"`
}

type MarketConfig struct {
	PriceTTL      time.Duration `yaml:"price_ttl"`
	HistoryTTL    time.Duration `yaml:"history_ttl"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	Binance       SourceConfig  `yaml:"binance"`
	CoinGecko     SourceConfig  `yaml:"coingecko"`
	CoinCap       SourceConfig  `yaml:"coincap"`
	CryptoCompare SourceConfig  `yaml:"cryptocompare"`
}

// MACD signal modes.
const (
	MACDSignalLegacy  = "legacy"
	MACDSignalRolling = "rolling"
)

type IndicatorConfig struct {
	HistoryDays int    `yaml:"history_days"`
	MinPoints   int    `yaml:"min_points"`
	MACDSignal  string `yaml:"macd_signal"`
}

type RiskConfig struct {
	EnforcePause      bool    `yaml:"enforce_pause"`
	MaxPositionRatio  float64 `yaml:"max_position_ratio"`
	MaxAvgLeverage    float64 `yaml:"max_avg_leverage"`
	MaxPositions      int     `yaml:"max_positions"`
	MaxUnrealizedLoss float64 `yaml:"max_unrealized_loss"`
	DrawdownWarning   float64 `yaml:"drawdown_warning"`
	DrawdownCritical  float64 `yaml:"drawdown_critical"`
	LosingStreak      int     `yaml:"losing_streak"`
	MinCashRatio      float64 `yaml:"min_cash_ratio"`
	MaxRiskPerTrade   float64 `yaml:"max_risk_per_trade"`
	HistoryLimit      int     `yaml:"history_limit"`
}

type AIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// BacktestConfig bounds historical replays. Every step is one provider call.
type BacktestConfig struct {
	DefaultDays   int `yaml:"default_days"`
	MaxDays       int `yaml:"max_days"`
	Warmup        int `yaml:"warmup"`
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ModelConfig seeds a trading model on startup when no model with the same name exists.
type ModelConfig struct {
	Name           string  `yaml:"name"`
	APIKey         string  `yaml:"api_key"`
	APIURL         string  `yaml:"api_url"`
	ModelName      string  `yaml:"model_name"`
	InitialCapital float64 `yaml:"initial_capital"`
	SystemPrompt   string  `yaml:"system_prompt"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied and no models.
func Default() *Config {
	cfg := &Config{}
	SetDefaults(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COIN_ARENA_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("COIN_ARENA_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("COIN_ARENA_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
}

func SetDefaults(cfg *Config) {
	t := &cfg.Trading
	if t.Interval == 0 {
		t.Interval = 180 * time.Second
	}
	if t.RetryBackoff == 0 {
		t.RetryBackoff = time.Minute
	}
	if len(t.Coins) == 0 {
		t.Coins = []string{"BTC", "ETH", "SOL", "BNB", "XRP", "DOGE"}
	}
	for i, c := range t.Coins {
		t.Coins[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	if t.MinLeverage == 0 {
		t.MinLeverage = 1
	}
	if t.MaxLeverage == 0 {
		t.MaxLeverage = 20
	}
	if t.MaxQuantity == 0 {
		t.MaxQuantity = 1000
	}
	if t.InitialCapital == 0 {
		t.InitialCapital = 10000
	}
	if t.MaxParallelModels == 0 {
		t.MaxParallelModels = 4
	}
	if t.TraceLimit == 0 {
		t.TraceLimit = 2000
	}

	m := &cfg.Market
	if m.PriceTTL == 0 {
		m.PriceTTL = 5 * time.Second
	}
	if m.HistoryTTL == 0 {
		m.HistoryTTL = 6 * time.Hour
	}
	if m.StaleAfter == 0 {
		m.StaleAfter = 30 * 24 * time.Hour
	}
	sourceDefaults(&m.Binance, "https://api.binance.com", 500*time.Millisecond, 5*time.Second)
	sourceDefaults(&m.CoinGecko, "https://api.coingecko.com/api/v3", 10*time.Second, 10*time.Second)
	sourceDefaults(&m.CoinCap, "https://api.coincap.io/v2", 2*time.Second, 5*time.Second)
	sourceDefaults(&m.CryptoCompare, "https://min-api.cryptocompare.com/data", 2*time.Second, 5*time.Second)

	ind := &cfg.Indicators
	if ind.HistoryDays == 0 {
		ind.HistoryDays = 30
	}
	if ind.MinPoints == 0 {
		ind.MinPoints = 14
	}
	if ind.MACDSignal == "" {
		ind.MACDSignal = MACDSignalLegacy
	}

	r := &cfg.Risk
	if r.MaxPositionRatio == 0 {
		r.MaxPositionRatio = 0.30
	}
	if r.MaxAvgLeverage == 0 {
		r.MaxAvgLeverage = 10
	}
	if r.MaxPositions == 0 {
		r.MaxPositions = 5
	}
	if r.MaxUnrealizedLoss == 0 {
		r.MaxUnrealizedLoss = 0.10
	}
	if r.DrawdownWarning == 0 {
		r.DrawdownWarning = 0.15
	}
	if r.DrawdownCritical == 0 {
		r.DrawdownCritical = 0.25
	}
	if r.LosingStreak == 0 {
		r.LosingStreak = 5
	}
	if r.MinCashRatio == 0 {
		r.MinCashRatio = 0.10
	}
	if r.MaxRiskPerTrade == 0 {
		r.MaxRiskPerTrade = 0.05
	}
	if r.HistoryLimit == 0 {
		r.HistoryLimit = 1000
	}

	a := &cfg.AI
	if a.BaseURL == "" {
		a.BaseURL = "https://api.deepseek.com/v1"
	}
	if a.Model == "" {
		a.Model = "deepseek-chat"
	}
	if a.Timeout == 0 {
		a.Timeout = 90 * time.Second
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = 3
	}
	if a.Temperature == 0 {
		a.Temperature = 0.7
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = 2000
	}

	b := &cfg.Backtest
	if b.DefaultDays == 0 {
		b.DefaultDays = 30
	}
	if b.MaxDays == 0 {
		b.MaxDays = 90
	}
	if b.Warmup == 0 {
		b.Warmup = ind.MinPoints
	}
	if b.MaxConcurrent == 0 {
		b.MaxConcurrent = 1
	}

	for i := range cfg.Models {
		if cfg.Models[i].InitialCapital == 0 {
			cfg.Models[i].InitialCapital = t.InitialCapital
		}
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/coin-arena.db"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func sourceDefaults(s *SourceConfig, baseURL string, interval, priceTimeout time.Duration) {
	if s.BaseURL == "" {
		s.BaseURL = baseURL
	}
	if s.MinInterval == 0 {
		s.MinInterval = interval
	}
	if s.PriceTimeout == 0 {
		s.PriceTimeout = priceTimeout
	}
	if s.HistoryTimeout == 0 {
		s.HistoryTimeout = 10 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.Trading.Interval < time.Second {
		return fmt.Errorf("trading.interval must be at least 1s, got %s", c.Trading.Interval)
	}
	if c.Trading.MinLeverage < 1 || c.Trading.MaxLeverage < c.Trading.MinLeverage {
		return fmt.Errorf("invalid leverage bounds [%d, %d]", c.Trading.MinLeverage, c.Trading.MaxLeverage)
	}
	if c.Trading.MaxQuantity <= 0 {
		return fmt.Errorf("trading.max_quantity must be positive")
	}
	if c.Indicators.MACDSignal != MACDSignalLegacy && c.Indicators.MACDSignal != MACDSignalRolling {
		return fmt.Errorf("invalid indicators.macd_signal %q", c.Indicators.MACDSignal)
	}
	if c.Market.Binance.Disabled && c.Market.CoinGecko.Disabled &&
		c.Market.CoinCap.Disabled && c.Market.CryptoCompare.Disabled {
		return fmt.Errorf("at least one market source must be enabled")
	}
	if c.Backtest.DefaultDays > c.Backtest.MaxDays {
		return fmt.Errorf("backtest.default_days %d exceeds backtest.max_days %d", c.Backtest.DefaultDays, c.Backtest.MaxDays)
	}
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d].name is required", i)
		}
		if m.InitialCapital <= 0 {
			return fmt.Errorf("models[%d].initial_capital must be positive", i)
		}
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// IsSupported reports whether coin is in the configured trading universe.
func (c *Config) IsSupported(coin string) bool {
	return slices.Contains(c.Trading.Coins, coin)
}
