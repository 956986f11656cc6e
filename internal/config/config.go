package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	StreamURL        string            `yaml:"stream_url"`
	APIBaseURL       string            `yaml:"api_base_url"`
	APIToken         string            `yaml:"api_token"`
	WatchAccounts    []string          `yaml:"watch_accounts"`
	MarketLabels     map[string]string `yaml:"market_labels"`
	CollectionFilter string            `yaml:"collection_filter"`
	LowBudgetMax     string            `yaml:"low_budget_max"`
	FloorPrices      map[string]string `yaml:"floor_prices"`
	BotToken         string            `yaml:"bot_token"`
	ChatID           string            `yaml:"chat_id"`
	AppURL           string            `yaml:"app_url"`
	BuyURLTemplate   string            `yaml:"buy_url_template"`
	BackendURL       string            `yaml:"backend_url"`
	BackendToken     string            `yaml:"backend_token"`
	BackendUserKey   string            `yaml:"backend_user_key"`
	Port             int               `yaml:"port"`
	LogLevel         string            `yaml:"log_level"`
	ReconnectSeconds int               `yaml:"reconnect_seconds"`
	DedupTTLMinutes  int               `yaml:"dedup_ttl_minutes"`
	DedupCapacity    int               `yaml:"dedup_capacity"`
	MetaTTLMinutes   int               `yaml:"meta_ttl_minutes"`
	SalesTTLMinutes  int               `yaml:"sales_ttl_minutes"`

	// Parsed during Load; not part of the file format.
	Floors    map[string]decimal.Decimal `yaml:"-"`
	LowBudget decimal.Decimal            `yaml:"-"`
	HasBudget bool                       `yaml:"-"`
}

func defaults() Config {
	return Config{
		StreamURL:        "wss://tonapi.io/v2/websocket",
		APIBaseURL:       "https://tonapi.io",
		Port:             8087,
		LogLevel:         "info",
		ReconnectSeconds: 3,
		DedupTTLMinutes:  10,
		DedupCapacity:    5000,
		MetaTTLMinutes:   30,
		SalesTTLMinutes:  5,
	}
}

// Load reads config.yaml (optional; defaults apply when absent) and then
// applies environment overrides on top. Missing required secrets are fatal:
// the process refuses to run rather than alerting into the void.
func Load(path string) (Config, error) {
	cfg := defaults()

	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	// Validation & normalization
	if cfg.BotToken == "" {
		return cfg, errors.New("bot token required (BOT_TOKEN)")
	}
	if cfg.ChatID == "" {
		return cfg, errors.New("chat id required (CHAT_ID)")
	}
	if cfg.StreamURL == "" {
		return cfg, errors.New("stream url required (STREAM_URL)")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, errors.New("invalid port")
	}
	if cfg.ReconnectSeconds < 1 {
		return cfg, errors.New("reconnect_seconds must be >=1")
	}
	if cfg.DedupCapacity < 1 {
		return cfg, errors.New("dedup_capacity must be >=1")
	}
	if cfg.BuyURLTemplate != "" && !strings.Contains(cfg.BuyURLTemplate, "%s") {
		return cfg, errors.New(`buy_url_template must contain "%s"`)
	}

	cfg.Floors = make(map[string]decimal.Decimal, len(cfg.FloorPrices))
	for model, raw := range cfg.FloorPrices {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return cfg, fmt.Errorf("floor price for %q: %w", model, err)
		}
		cfg.Floors[strings.ToLower(model)] = d
	}
	if cfg.LowBudgetMax != "" {
		d, err := decimal.NewFromString(cfg.LowBudgetMax)
		if err != nil {
			return cfg, fmt.Errorf("low_budget_max: %w", err)
		}
		if d.Sign() < 0 {
			return cfg, errors.New("low_budget_max must be >=0")
		}
		cfg.LowBudget, cfg.HasBudget = d, true
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str(&cfg.StreamURL, "STREAM_URL")
	str(&cfg.APIBaseURL, "TONAPI_BASE_URL")
	str(&cfg.APIToken, "TONAPI_TOKEN")
	str(&cfg.CollectionFilter, "COLLECTION_FILTER")
	str(&cfg.LowBudgetMax, "LOW_BUDGET_MAX")
	str(&cfg.BotToken, "BOT_TOKEN")
	str(&cfg.ChatID, "CHAT_ID")
	str(&cfg.AppURL, "APP_URL")
	str(&cfg.BuyURLTemplate, "BUY_URL_TEMPLATE")
	str(&cfg.BackendURL, "BACKEND_URL")
	str(&cfg.BackendToken, "BACKEND_TOKEN")
	str(&cfg.BackendUserKey, "BACKEND_USER_KEY")
	str(&cfg.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("WATCH_ACCOUNTS"); v != "" {
		cfg.WatchAccounts = splitList(v)
	}
	if v := os.Getenv("MARKET_LABELS"); v != "" {
		cfg.MarketLabels = splitPairs(v)
	}
	if v := os.Getenv("FLOOR_PRICES"); v != "" {
		cfg.FloorPrices = splitPairs(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitPairs parses "key=value,key=value" lists. Entries without "=" are
// dropped; a malformed label is not worth refusing to start over.
func splitPairs(v string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		out[k] = val
	}
	return out
}

func NewLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
