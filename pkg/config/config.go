// Package config holds the gateway configuration, loaded from a TOML file
// with environment overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

type Config struct {
	ListenAddr              string  `toml:"listen_addr"`
	LogLevel                string  `toml:"log_level"`
	DatabaseURL             string  `toml:"database_url"`
	RedisURL                string  `toml:"redis_url,omitempty"`
	AnalyticsDir            string  `toml:"analytics_dir,omitempty"`
	EnforceVerification     bool    `toml:"enforce_verification"`
	DefaultSpendingLimitUSD float64 `toml:"default_spending_limit_usd"`
	MaxBodyBytes            int64   `toml:"max_body_bytes"`

	Upstream    UpstreamConfig    `toml:"upstream"`
	Moderations ModerationsConfig `toml:"moderations"`
	OCR         OCRConfig         `toml:"ocr"`
	Predictions PredictionsConfig `toml:"predictions"`
	Models      ModelsConfig      `toml:"models"`
	Blocklist   BlocklistConfig   `toml:"blocklist"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	TLS         TLSConfig         `toml:"tls"`
}

// UpstreamConfig points at the OpenAI-compatible provider all language,
// embedding and image traffic is forwarded to. RefererURL and AppTitle are
// sent as attribution headers on every upstream call.
type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	RefererURL     string `toml:"referer_url,omitempty"`
	AppTitle       string `toml:"app_title,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

// ModerationsConfig points at a dedicated moderations upstream. Requests are
// relayed verbatim; no audit row is written for them.
type ModerationsConfig struct {
	BaseURL        string `toml:"base_url,omitempty"`
	APIKey         string `toml:"api_key,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type OCRConfig struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url,omitempty"`
	APIKey         string `toml:"api_key,omitempty"`
	Model          string `toml:"model,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type PredictionsConfig struct {
	Enabled        bool               `toml:"enabled"`
	BaseURL        string             `toml:"base_url,omitempty"`
	APIKey         string             `toml:"api_key,omitempty"`
	AllowedModels  []string           `toml:"allowed_models,omitempty"`
	VersionAliases map[string]string  `toml:"version_aliases,omitempty"`
	CostPerCallUSD map[string]float64 `toml:"cost_per_call_usd,omitempty"`
	TimeoutSeconds int                `toml:"timeout_seconds,omitempty"`
}

// ModelsConfig carries the allow-list pools. The first entry of each pool is
// the default model a request is silently routed to when it names a model
// outside the pool.
type ModelsConfig struct {
	Language          []string `toml:"language"`
	Embedding         []string `toml:"embedding"`
	Image             []string `toml:"image"`
	Premium           []string `toml:"premium,omitempty"`
	CatalogTTLSeconds int      `toml:"catalog_ttl_seconds,omitempty"`
	CatalogCachePath  string   `toml:"catalog_cache_path,omitempty"`
}

type BlocklistConfig struct {
	Message    string   `toml:"message,omitempty"`
	Apps       []string `toml:"apps,omitempty"`
	UserAgents []string `toml:"user_agents,omitempty"`
	Prompts    []string `toml:"prompts,omitempty"`
}

type WindowLimit struct {
	Limit         int `toml:"limit"`
	WindowSeconds int `toml:"window_seconds"`
}

func (w WindowLimit) Window() time.Duration {
	return time.Duration(w.WindowSeconds) * time.Second
}

type RateLimitConfig struct {
	Standard    WindowLimit `toml:"standard"`
	Moderations WindowLimit `toml:"moderations"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain,omitempty"`
	Email    string `toml:"email,omitempty"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

func Default() *Config {
	return &Config{
		ListenAddr:              ":8787",
		LogLevel:                "info",
		DefaultSpendingLimitUSD: 10,
		MaxBodyBytes:            40 << 20,
		Upstream: UpstreamConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			TimeoutSeconds: 300,
		},
		OCR: OCRConfig{
			Model:          "mistral-ocr-latest",
			TimeoutSeconds: 120,
		},
		Predictions: PredictionsConfig{
			TimeoutSeconds: 300,
		},
		Models: ModelsConfig{
			CatalogTTLSeconds: 300,
		},
		RateLimit: RateLimitConfig{
			Standard:    WindowLimit{Limit: 450, WindowSeconds: 1800},
			Moderations: WindowLimit{Limit: 300, WindowSeconds: 1800},
		},
	}
}

// DefaultPath returns the per-user config location, creating nothing.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || strings.TrimSpace(dir) == "" {
		return "modelgate.toml"
	}
	return filepath.Join(dir, "modelgate", "modelgate.toml")
}

// Load reads the TOML file at path, falling back to defaults when the file
// does not exist. Environment overrides are applied afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// First run, defaults plus environment.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}

// Save writes the config atomically, so a crash mid-write never leaves a
// truncated file behind.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write config temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.ListenAddr, "MODELGATE_LISTEN_ADDR")
	setFromEnv(&c.LogLevel, "MODELGATE_LOG_LEVEL")
	setFromEnv(&c.DatabaseURL, "MODELGATE_DATABASE_URL")
	setFromEnv(&c.RedisURL, "MODELGATE_REDIS_URL")
	setFromEnv(&c.AnalyticsDir, "MODELGATE_ANALYTICS_DIR")
	setFromEnv(&c.Upstream.APIKey, "MODELGATE_UPSTREAM_API_KEY")
	setFromEnv(&c.Moderations.APIKey, "MODELGATE_MODERATIONS_API_KEY")
	setFromEnv(&c.OCR.APIKey, "MODELGATE_OCR_API_KEY")
	setFromEnv(&c.Predictions.APIKey, "MODELGATE_PREDICTIONS_API_KEY")
	if v := strings.TrimSpace(os.Getenv("MODELGATE_ENFORCE_VERIFICATION")); v != "" {
		c.EnforceVerification = v == "1" || strings.EqualFold(v, "true")
	}
}

func setFromEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// Normalize fills gaps so the rest of the code never re-checks defaults.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = ":8787"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if c.DefaultSpendingLimitUSD <= 0 {
		c.DefaultSpendingLimitUSD = 10
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 40 << 20
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 300
	}
	if c.Moderations.TimeoutSeconds <= 0 {
		c.Moderations.TimeoutSeconds = 60
	}
	if c.OCR.TimeoutSeconds <= 0 {
		c.OCR.TimeoutSeconds = 120
	}
	if strings.TrimSpace(c.OCR.Model) == "" {
		c.OCR.Model = "mistral-ocr-latest"
	}
	if c.Predictions.TimeoutSeconds <= 0 {
		c.Predictions.TimeoutSeconds = 300
	}
	if c.Models.CatalogTTLSeconds <= 0 {
		c.Models.CatalogTTLSeconds = 300
	}
	if c.RateLimit.Standard.Limit <= 0 {
		c.RateLimit.Standard = WindowLimit{Limit: 450, WindowSeconds: 1800}
	}
	if c.RateLimit.Standard.WindowSeconds <= 0 {
		c.RateLimit.Standard.WindowSeconds = 1800
	}
	if c.RateLimit.Moderations.Limit <= 0 {
		c.RateLimit.Moderations = WindowLimit{Limit: 300, WindowSeconds: 1800}
	}
	if c.RateLimit.Moderations.WindowSeconds <= 0 {
		c.RateLimit.Moderations.WindowSeconds = 1800
	}
	if strings.TrimSpace(c.Blocklist.Message) == "" {
		c.Blocklist.Message = "This service is not available for automated coding tools."
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return errors.New("upstream.base_url is required")
	}
	if strings.TrimSpace(c.Upstream.APIKey) == "" {
		return errors.New("upstream.api_key is required (or MODELGATE_UPSTREAM_API_KEY)")
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("database_url is required (or MODELGATE_DATABASE_URL)")
	}
	if len(c.Models.Language) == 0 {
		return errors.New("models.language must list at least one model")
	}
	if c.OCR.Enabled && strings.TrimSpace(c.OCR.BaseURL) == "" {
		return errors.New("ocr.base_url is required when ocr is enabled")
	}
	if c.Predictions.Enabled && strings.TrimSpace(c.Predictions.BaseURL) == "" {
		return errors.New("predictions.base_url is required when predictions are enabled")
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.Domain) == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	return nil
}
