// Package config loads server configuration from environment variables,
// optionally layered over a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabaseURL    string // empty selects the in-memory journal
	RedisURL       string // optional journal cache
	CacheTTL       time.Duration
	OrderAPIURL    string
	OrderTimeout   time.Duration
	OrderRPS       float64
	OrderBurst     int
	PromptTimeout  time.Duration
	CurrencySymbol string
	RequireLogin   bool // checkout needs a bearer token
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:           "8080",
		LogLevel:       "INFO",
		CacheTTL:       30 * time.Second,
		OrderTimeout:   15 * time.Second,
		OrderRPS:       5,
		OrderBurst:     10,
		PromptTimeout:  60 * time.Second,
		CurrencySymbol: "R$",
		RequireLogin:   true,
	}
}

// Load loads configuration from environment variables. Malformed values
// fall back to their defaults.
func Load() *Config {
	return fromEnv(Defaults())
}

// LoadFile reads a YAML file over the defaults and then applies
// environment variables, which win over the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	base := Defaults()
	if err := fc.apply(&base); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return fromEnv(base), nil
}

// fileConfig is the YAML layout. Zero values leave defaults alone.
type fileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	Redis       struct {
		URL string `yaml:"url"`
		TTL string `yaml:"ttl"`
	} `yaml:"redis"`
	OrderAPI struct {
		URL     string  `yaml:"url"`
		Timeout string  `yaml:"timeout"`
		RPS     float64 `yaml:"rps"`
		Burst   int     `yaml:"burst"`
	} `yaml:"order_api"`
	PromptTimeout  string `yaml:"prompt_timeout"`
	CurrencySymbol string `yaml:"currency_symbol"`
	RequireLogin   *bool  `yaml:"require_login"`
}

func (fc *fileConfig) apply(cfg *Config) error {
	setString(&cfg.Port, fc.Port)
	setString(&cfg.LogLevel, strings.ToUpper(fc.LogLevel))
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.RedisURL, fc.Redis.URL)
	setString(&cfg.OrderAPIURL, fc.OrderAPI.URL)
	setString(&cfg.CurrencySymbol, fc.CurrencySymbol)
	if fc.OrderAPI.RPS > 0 {
		cfg.OrderRPS = fc.OrderAPI.RPS
	}
	if fc.OrderAPI.Burst > 0 {
		cfg.OrderBurst = fc.OrderAPI.Burst
	}
	if fc.RequireLogin != nil {
		cfg.RequireLogin = *fc.RequireLogin
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"redis.ttl", fc.Redis.TTL, &cfg.CacheTTL},
		{"order_api.timeout", fc.OrderAPI.Timeout, &cfg.OrderTimeout},
		{"prompt_timeout", fc.PromptTimeout, &cfg.PromptTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.raw)
		}
		*d.dst = v
	}
	return nil
}

func fromEnv(base Config) *Config {
	cfg := base
	cfg.Port = getenv("PORT", base.Port)
	cfg.LogLevel = strings.ToUpper(getenv("LOG_LEVEL", base.LogLevel))
	cfg.DatabaseURL = getenv("DATABASE_URL", base.DatabaseURL)
	cfg.RedisURL = getenv("REDIS_URL", base.RedisURL)
	cfg.CacheTTL = duration("CACHE_TTL", base.CacheTTL)
	cfg.OrderAPIURL = getenv("ORDER_API_URL", base.OrderAPIURL)
	cfg.OrderTimeout = duration("ORDER_API_TIMEOUT", base.OrderTimeout)
	cfg.OrderRPS = float("ORDER_API_RPS", base.OrderRPS)
	cfg.OrderBurst = integer("ORDER_API_BURST", base.OrderBurst)
	cfg.PromptTimeout = duration("PROMPT_TIMEOUT", base.PromptTimeout)
	cfg.CurrencySymbol = getenv("CURRENCY_SYMBOL", base.CurrencySymbol)
	if v := os.Getenv("REQUIRE_LOGIN"); v != "" {
		cfg.RequireLogin = !strings.EqualFold(v, "false")
	}
	return &cfg
}

// SlogLevel maps LogLevel onto a slog level; unknown names mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func float(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}

func integer(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
