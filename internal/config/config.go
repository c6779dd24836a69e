// Package config handles configuration loading for the portfolio advisor.
// It supports YAML config files with environment variable overrides and
// validates all limits at load time; the rest of the application treats the
// resulting struct as immutable for the run's duration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	DeepSeek DeepSeekConfig `mapstructure:"deepseek" yaml:"deepseek"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	API      APIConfig      `mapstructure:"api"      yaml:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
}

// DeepSeekConfig holds the recommendation model backend settings.
type DeepSeekConfig struct {
	APIKey      string  `mapstructure:"api_key"     yaml:"api_key"`
	Model       string  `mapstructure:"model"       yaml:"model"`
	BaseURL     string  `mapstructure:"base_url"    yaml:"base_url"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"  yaml:"max_tokens"`
}

// AnalysisConfig holds the pipeline limits and lookback windows.
type AnalysisConfig struct {
	MaxRetries              int     `mapstructure:"max_retries"                yaml:"max_retries"`
	BaseDelaySec            float64 `mapstructure:"base_delay_sec"             yaml:"base_delay_sec"`
	APITimeoutSec           int     `mapstructure:"api_timeout_sec"            yaml:"api_timeout_sec"`
	NewsDaysLookback        int     `mapstructure:"news_days_lookback"         yaml:"news_days_lookback"`
	MOEXDaysLookback        int     `mapstructure:"moex_days_lookback"         yaml:"moex_days_lookback"`
	MaxNewsItems            int     `mapstructure:"max_news_items"             yaml:"max_news_items"`
	MaxIFRSContentLength    int     `mapstructure:"max_ifrs_content_length"    yaml:"max_ifrs_content_length"`
	MaxConcurrentModelCalls int     `mapstructure:"max_concurrent_model_calls" yaml:"max_concurrent_model_calls"`
	MaxConcurrentTickers    int     `mapstructure:"max_concurrent_tickers"     yaml:"max_concurrent_tickers"`
	MaxDigestLength         int     `mapstructure:"max_digest_length"          yaml:"max_digest_length"`
	CacheMaxEntries         int     `mapstructure:"cache_max_entries"          yaml:"cache_max_entries"`
	AdapterRatePerSec       int     `mapstructure:"adapter_rate_per_sec"       yaml:"adapter_rate_per_sec"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host        string   `mapstructure:"host"         yaml:"host"`
	Port        int      `mapstructure:"port"         yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "text" or "json"
}

// BaseDelay returns the retry base delay as a duration.
func (a AnalysisConfig) BaseDelay() time.Duration {
	return time.Duration(a.BaseDelaySec * float64(time.Second))
}

// APITimeout returns the per-call timeout budget as a duration.
func (a AnalysisConfig) APITimeout() time.Duration {
	return time.Duration(a.APITimeoutSec) * time.Second
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.moexadvisor/config.yaml (home directory)
//  3. /etc/moexadvisor/config.yaml (system)
//
// Environment variables override config file values.
// Format: MOEXADVISOR_<SECTION>_<KEY>, e.g., MOEXADVISOR_DEEPSEEK_API_KEY
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".moexadvisor"))
	v.AddConfigPath("/etc/moexadvisor")

	v.SetEnvPrefix("MOEXADVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found — that's fine, use defaults + env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("MOEXADVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every limit is usable. The pipeline relies on these
// invariants and does not re-check them at runtime.
func (c *Config) Validate() error {
	a := c.Analysis
	positive := map[string]int{
		"analysis.max_retries":                a.MaxRetries,
		"analysis.api_timeout_sec":            a.APITimeoutSec,
		"analysis.news_days_lookback":         a.NewsDaysLookback,
		"analysis.moex_days_lookback":         a.MOEXDaysLookback,
		"analysis.max_news_items":             a.MaxNewsItems,
		"analysis.max_ifrs_content_length":    a.MaxIFRSContentLength,
		"analysis.max_concurrent_model_calls": a.MaxConcurrentModelCalls,
		"analysis.max_concurrent_tickers":     a.MaxConcurrentTickers,
		"analysis.max_digest_length":          a.MaxDigestLength,
		"analysis.adapter_rate_per_sec":       a.AdapterRatePerSec,
	}
	for key, val := range positive {
		if val <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", key, val)
		}
	}
	if a.BaseDelaySec <= 0 {
		return fmt.Errorf("config: analysis.base_delay_sec must be positive, got %g", a.BaseDelaySec)
	}
	if a.CacheMaxEntries < 0 {
		return fmt.Errorf("config: analysis.cache_max_entries must be non-negative, got %d", a.CacheMaxEntries)
	}
	if c.DeepSeek.Model == "" {
		return fmt.Errorf("config: deepseek.model must be set")
	}
	if c.DeepSeek.BaseURL == "" {
		return fmt.Errorf("config: deepseek.base_url must be set")
	}
	return nil
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	// DeepSeek defaults
	v.SetDefault("deepseek.model", "deepseek-chat")
	v.SetDefault("deepseek.base_url", "https://api.deepseek.com")
	v.SetDefault("deepseek.temperature", 1.0)
	v.SetDefault("deepseek.max_tokens", 2048)

	// Analysis defaults
	v.SetDefault("analysis.max_retries", 3)
	v.SetDefault("analysis.base_delay_sec", 1.0)
	v.SetDefault("analysis.api_timeout_sec", 30)
	v.SetDefault("analysis.news_days_lookback", 1)
	v.SetDefault("analysis.moex_days_lookback", 180)
	v.SetDefault("analysis.max_news_items", 3)
	v.SetDefault("analysis.max_ifrs_content_length", 1500)
	v.SetDefault("analysis.max_concurrent_model_calls", 3)
	v.SetDefault("analysis.max_concurrent_tickers", 5)
	v.SetDefault("analysis.max_digest_length", 6000)
	v.SetDefault("analysis.cache_max_entries", 128)
	v.SetDefault("analysis.adapter_rate_per_sec", 2)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// overrideFromEnv explicitly reads sensitive keys from environment variables.
func overrideFromEnv(cfg *Config) {
	if key := os.Getenv("MOEXADVISOR_DEEPSEEK_API_KEY"); key != "" {
		cfg.DeepSeek.APIKey = key
	}
	// Legacy name used by earlier deployments.
	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" && cfg.DeepSeek.APIKey == "" {
		cfg.DeepSeek.APIKey = key
	}
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
