package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Easonluoyuchen/OKX-Grid-Trading-Bot/logs"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Exchange ExchangeConfig `yaml:"exchange"`
	Grid     GridConfig     `yaml:"grid"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Logging  logs.Config    `yaml:"logging"`
}

type ExchangeConfig struct {
	BaseURL    string `yaml:"baseURL"`
	WSURL      string `yaml:"wsURL"`
	APIKey     string `yaml:"apiKey"`
	APISecret  string `yaml:"apiSecret"`
	Passphrase string `yaml:"passphrase"`
	Symbol     string `yaml:"symbol"` // 例如 BTC-USDT-SWAP
	Simulated  bool   `yaml:"simulated"`
	UseWS      bool   `yaml:"useWS"` // 启用公共行情 WS 缓存标记价
}

type GridConfig struct {
	LowerPrice    float64 `yaml:"lowerPrice"`
	UpperPrice    float64 `yaml:"upperPrice"`
	Levels        int     `yaml:"levels"`
	OrderNotional float64 `yaml:"orderNotional"` // 每格名义金额（USDT）
	InitialHedge  bool    `yaml:"initialHedge"`
}

type RuntimeConfig struct {
	StatePath      string  `yaml:"statePath"`
	CommandsPath   string  `yaml:"commandsPath"`
	FeeRate        float64 `yaml:"feeRate"`
	PlaceDelayMs   int     `yaml:"placeDelayMs"`
	PollIntervalMs int     `yaml:"pollIntervalMs"`
	BandTTLSec     int     `yaml:"bandTTLSec"`
	HeartbeatEvery int     `yaml:"heartbeatEvery"`
	// RetryBackoff 交易所连续出错后的退避策略：none 或 exponential。
	RetryBackoff     string `yaml:"retryBackoff"`
	RetryBaseMs      int    `yaml:"retryBaseMs"`
	RetryMaxMs       int    `yaml:"retryMaxMs"`
	RestRate         float64 `yaml:"restRate"`  // REST 限流：每秒令牌数
	RestBurst        int     `yaml:"restBurst"` // REST 限流：突发令牌数
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func loadFile(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides credentials from env vars
// if present (OKX_API_KEY / OKX_API_SECRET / OKX_PASSPHRASE / OKX_USE_TESTNET).
// Validation runs after the overrides, so credentials may live in the
// environment only.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("OKX_API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("OKX_API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := os.Getenv("OKX_PASSPHRASE"); v != "" {
		cfg.Exchange.Passphrase = v
	}
	if v := os.Getenv("OKX_USE_TESTNET"); v == "true" || v == "1" {
		cfg.Exchange.Simulated = true
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present and bounds are sane.
func Validate(cfg AppConfig) error {
	if cfg.Exchange.Symbol == "" {
		return errors.New("exchange.symbol is required")
	}
	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" || cfg.Exchange.Passphrase == "" {
		return errors.New("exchange credentials are required (or env overrides)")
	}
	if cfg.Grid.LowerPrice <= 0 || cfg.Grid.UpperPrice <= 0 {
		return errors.New("grid.lowerPrice/upperPrice must be > 0")
	}
	if cfg.Grid.UpperPrice <= cfg.Grid.LowerPrice {
		return errors.New("grid.upperPrice must be > grid.lowerPrice")
	}
	if cfg.Grid.Levels < 2 {
		return errors.New("grid.levels must be >= 2")
	}
	if cfg.Grid.OrderNotional <= 0 {
		return errors.New("grid.orderNotional must be > 0")
	}
	if cfg.Runtime.FeeRate < 0 {
		return errors.New("runtime.feeRate must be >= 0")
	}
	if cfg.Runtime.PollIntervalMs < 0 || cfg.Runtime.PlaceDelayMs < 0 || cfg.Runtime.BandTTLSec < 0 {
		return errors.New("runtime intervals must be >= 0")
	}
	switch cfg.Runtime.RetryBackoff {
	case "", "none", "exponential":
	default:
		return fmt.Errorf("runtime.retryBackoff must be none or exponential, got %q", cfg.Runtime.RetryBackoff)
	}
	return nil
}
