// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	HeliusAPIKey  string `mapstructure:"helius_api_key"`
	HeliusBaseURL string `mapstructure:"helius_base_url"`
	PriceAPIKey   string `mapstructure:"price_api_key"`
	PriceBaseURL  string `mapstructure:"price_base_url"`

	SignaturePageSize int     `mapstructure:"signature_page_size"`
	SignatureRPS      float64 `mapstructure:"signature_rps"`
	TxBatchSize       int     `mapstructure:"tx_batch_size"`
	TxConcurrency     int     `mapstructure:"tx_concurrency"`
	TxRetries         int     `mapstructure:"tx_retries"`
	TxBatchTimeout    int     `mapstructure:"tx_batch_timeout"` // seconds

	PriceRPS         float64 `mapstructure:"price_rps"`
	PriceBatchSize   int     `mapstructure:"price_batch_size"`
	PriceConcurrency int     `mapstructure:"price_concurrency"`
	PriceCachePath   string  `mapstructure:"price_cache_path"`

	RedisURL      string `mapstructure:"redis_url"`
	CacheTTL      int    `mapstructure:"cache_ttl"` // seconds
	CacheCapacity int    `mapstructure:"cache_capacity"`

	CostBasisMethod string `mapstructure:"cost_basis_method"`
	DustThreshold   string `mapstructure:"dust_threshold"`

	DebugLogging bool   `mapstructure:"debug_logging"`
	LogFile      string `mapstructure:"log_file"`
}

const (
	DefaultHeliusBaseURL     = "https://api.helius.xyz"
	DefaultPriceBaseURL      = "https://public-api.birdeye.so"
	DefaultSignaturePageSize = 1000
	DefaultSignatureRPS      = 10
	DefaultTxBatchSize       = 100
	DefaultTxConcurrency     = 40
	DefaultTxRetries         = 3
	DefaultTxBatchTimeout    = 30
	DefaultPriceRPS          = 2
	DefaultPriceBatchSize    = 100
	DefaultPriceConcurrency  = 3
	DefaultCacheTTL          = 900
	DefaultCacheCapacity     = 256
	DefaultCostBasisMethod   = "fifo"
	DefaultDustThreshold     = "0.000001"
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	defaults := map[string]interface{}{
		"helius_base_url":     DefaultHeliusBaseURL,
		"price_base_url":      DefaultPriceBaseURL,
		"signature_page_size": DefaultSignaturePageSize,
		"signature_rps":       DefaultSignatureRPS,
		"tx_batch_size":       DefaultTxBatchSize,
		"tx_concurrency":      DefaultTxConcurrency,
		"tx_retries":          DefaultTxRetries,
		"tx_batch_timeout":    DefaultTxBatchTimeout,
		"price_rps":           DefaultPriceRPS,
		"price_batch_size":    DefaultPriceBatchSize,
		"price_concurrency":   DefaultPriceConcurrency,
		"cache_ttl":           DefaultCacheTTL,
		"cache_capacity":      DefaultCacheCapacity,
		"cost_basis_method":   DefaultCostBasisMethod,
		"dust_threshold":      DefaultDustThreshold,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("WALLET_PNL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	loadEnvironmentVariables(v, &cfg)

	return &cfg, validateConfig(&cfg)
}

// validateConfig is the one fatal error path: missing credentials or
// nonsensical numeric parameters fail at construction. Everything after
// construction degrades to partial results instead of aborting.
func validateConfig(cfg *Config) error {
	if cfg.HeliusAPIKey == "" {
		return errors.New("missing helius_api_key in configuration")
	}
	if cfg.PriceAPIKey == "" {
		return errors.New("missing price_api_key in configuration")
	}
	if cfg.CostBasisMethod != "fifo" && cfg.CostBasisMethod != "weighted_average" {
		return errors.New("cost_basis_method must be fifo or weighted_average")
	}
	if _, err := decimal.NewFromString(cfg.DustThreshold); err != nil {
		return errors.New("invalid dust_threshold")
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.SignaturePageSize <= 0 {
		return errors.New("invalid signature_page_size")
	}
	if cfg.SignatureRPS <= 0 || cfg.PriceRPS <= 0 {
		return errors.New("rate limits must be positive")
	}
	if cfg.TxBatchSize <= 0 || cfg.TxConcurrency <= 0 {
		return errors.New("invalid transaction batch parameters")
	}
	if cfg.TxRetries < 0 {
		return errors.New("invalid tx_retries count")
	}
	if cfg.TxBatchTimeout <= 0 {
		return errors.New("invalid tx_batch_timeout")
	}
	if cfg.PriceBatchSize <= 0 || cfg.PriceBatchSize > 100 {
		return errors.New("price_batch_size must be between 1 and 100")
	}
	if cfg.PriceConcurrency <= 0 {
		return errors.New("invalid price_concurrency")
	}
	if cfg.CacheTTL <= 0 {
		return errors.New("invalid cache_ttl")
	}
	if cfg.CacheCapacity <= 0 {
		return errors.New("invalid cache_capacity")
	}
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) {
	if key := v.GetString("HELIUS_API_KEY"); key != "" {
		cfg.HeliusAPIKey = key
	}
	if key := v.GetString("PRICE_API_KEY"); key != "" {
		cfg.PriceAPIKey = key
	}
	if url := v.GetString("REDIS_URL"); url != "" {
		cfg.RedisURL = url
	}
}
