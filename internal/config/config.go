package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
)

// Upstream names bind key specs to vendor clients and rate-limit ledgers.
const (
	UpstreamCoinGecko    = "coingecko"
	UpstreamFrankfurter  = "frankfurter"
	UpstreamAlphaVantage = "alphavantage"
)

type Server struct {
	Port                int `yaml:"port"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"` // 0 disables; cold fetches can hold a response for minutes
}

type Cache struct {
	TTLMinSeconds int `yaml:"ttl_min_seconds"`
	TTLMaxSeconds int `yaml:"ttl_max_seconds"`
}

type Scheduler struct {
	IntervalSeconds         int  `yaml:"interval_seconds"`
	RefreshThresholdSeconds int  `yaml:"refresh_threshold_seconds"`
	SeedOnStartup           bool `yaml:"seed_on_startup"`
}

type RateLimit struct {
	WindowSeconds int `yaml:"window_seconds"`
}

type Retry struct {
	MaxRetries       int `yaml:"max_retries"`
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
}

type Upstream struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PaceRPM        int    `yaml:"pace_rpm"` // courtesy ceiling on request rate, 0 disables
}

type AlphaVantage struct {
	Upstream       `yaml:",inline"`
	APIKey         string `yaml:"api_key"` // normally injected via ALPHA_VANTAGE_API_KEY
	QuotaPerWindow int    `yaml:"quota_per_window"`
}

type Upstreams struct {
	CoinGecko    Upstream     `yaml:"coingecko"`
	Frankfurter  Upstream     `yaml:"frankfurter"`
	AlphaVantage AlphaVantage `yaml:"alphavantage"`
}

// KeySpec declares one served price: its name, which vendor produces it, the
// vendor-specific request parameters, and the static fallback served when
// neither the upstream nor the cache can provide a value.
type KeySpec struct {
	Key      string   `yaml:"key"`
	Upstream string   `yaml:"upstream"`
	Coin     string   `yaml:"coin,omitempty"`   // coingecko asset id
	Vs       string   `yaml:"vs,omitempty"`     // coingecko quote currency
	Base     string   `yaml:"base,omitempty"`   // FX base currency
	Quote    string   `yaml:"quote,omitempty"`  // FX quote currency
	Symbol   string   `yaml:"symbol,omitempty"` // equity ticker
	Fallback Fallback `yaml:"fallback"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Alerts struct {
	SlackWebhookURL     string `yaml:"slack_webhook_url"`
	DedupeWindowSeconds int    `yaml:"dedupe_window_seconds"`
}

type Root struct {
	Server    Server    `yaml:"server"`
	Cache     Cache     `yaml:"cache"`
	Scheduler Scheduler `yaml:"scheduler"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Retry     Retry     `yaml:"retry"`
	Upstreams Upstreams `yaml:"upstreams"`
	Keys      []KeySpec `yaml:"keys"`
	Log       Log       `yaml:"log"`
	Alerts    Alerts    `yaml:"alerts"`
}

// Fallback decodes from either a bare number or a quote mapping, mirroring
// the two value shapes.
type Fallback struct {
	Value prices.Value
}

func (f *Fallback) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var n float64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
		f.Value = prices.Scalar(n)
	case yaml.MappingNode:
		var q prices.Quote
		if err := node.Decode(&q); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
		f.Value = q
	default:
		return fmt.Errorf("fallback: expected a number or a quote mapping")
	}
	return nil
}

// Default is the complete reference deployment: seven keys across three
// vendors, five-to-ten-minute TTLs, and the free-tier AlphaVantage quota.
func Default() Root {
	return Root{
		Server:    Server{Port: 3001, ReadTimeoutSeconds: 10},
		Cache:     Cache{TTLMinSeconds: 300, TTLMaxSeconds: 600},
		Scheduler: Scheduler{IntervalSeconds: 30, RefreshThresholdSeconds: 60, SeedOnStartup: true},
		RateLimit: RateLimit{WindowSeconds: 60},
		Retry:     Retry{MaxRetries: 5, BaseDelaySeconds: 16},
		Upstreams: Upstreams{
			CoinGecko:   Upstream{BaseURL: "https://api.coingecko.com/api/v3", TimeoutSeconds: 5, PaceRPM: 30},
			Frankfurter: Upstream{BaseURL: "https://api.frankfurter.app", TimeoutSeconds: 5, PaceRPM: 30},
			AlphaVantage: AlphaVantage{
				Upstream:       Upstream{BaseURL: "https://www.alphavantage.co", TimeoutSeconds: 5},
				QuotaPerWindow: 5,
			},
		},
		Keys: defaultKeys(),
		Log:  Log{Level: "info", Format: "json"},
		Alerts: Alerts{
			DedupeWindowSeconds: 600,
		},
	}
}

func defaultKeys() []KeySpec {
	equity := func(symbol string, fallback float64) KeySpec {
		return KeySpec{
			Key:      symbol,
			Upstream: UpstreamAlphaVantage,
			Symbol:   symbol,
			Fallback: Fallback{Value: prices.Quote{Price: fallback}},
		}
	}
	return []KeySpec{
		{Key: "btc", Upstream: UpstreamCoinGecko, Coin: "bitcoin", Vs: "usd", Fallback: Fallback{Value: prices.Scalar(100000)}},
		{Key: "eurUsd", Upstream: UpstreamFrankfurter, Base: "EUR", Quote: "USD", Fallback: Fallback{Value: prices.Scalar(1.05)}},
		equity("MSTR", 420),
		equity("STRF", 95),
		equity("STRC", 100),
		equity("STRK", 85),
		equity("STRD", 85),
	}
}

// Load reads the YAML file at path, layering file values over defaults and
// environment variables over both. A missing file is not an error; the
// defaults describe the complete reference deployment.
func Load(path string) (Root, error) {
	_ = godotenv.Load()

	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return c, err
		default:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	applyEnv(&c)

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Root) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("ALPHA_VANTAGE_API_KEY"); v != "" {
		c.Upstreams.AlphaVantage.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("SEED_ON_STARTUP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.SeedOnStartup = b
		}
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Alerts.SlackWebhookURL = v
	}
}

// Validate rejects configurations that would break the refresh pipeline.
// A missing AlphaVantage API key is deliberately not rejected here: the
// service boots without it and reports a per-request configuration error.
func (c Root) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Cache.TTLMinSeconds < 1 {
		return fmt.Errorf("cache.ttl_min_seconds must be positive")
	}
	if c.Cache.TTLMaxSeconds < c.Cache.TTLMinSeconds {
		return fmt.Errorf("cache.ttl_max_seconds %d below ttl_min_seconds %d", c.Cache.TTLMaxSeconds, c.Cache.TTLMinSeconds)
	}
	if c.Scheduler.RefreshThresholdSeconds < 1 {
		return fmt.Errorf("scheduler.refresh_threshold_seconds must be positive")
	}
	if c.Scheduler.RefreshThresholdSeconds > c.Cache.TTLMinSeconds {
		return fmt.Errorf("scheduler.refresh_threshold_seconds %d exceeds cache.ttl_min_seconds %d", c.Scheduler.RefreshThresholdSeconds, c.Cache.TTLMinSeconds)
	}
	if c.Scheduler.IntervalSeconds < 1 {
		return fmt.Errorf("scheduler.interval_seconds must be positive")
	}
	if c.Scheduler.IntervalSeconds >= c.Scheduler.RefreshThresholdSeconds {
		return fmt.Errorf("scheduler.interval_seconds %d must stay below refresh_threshold_seconds %d so entries cannot expire between ticks", c.Scheduler.IntervalSeconds, c.Scheduler.RefreshThresholdSeconds)
	}
	if c.RateLimit.WindowSeconds < 1 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be positive")
	}
	if c.Retry.BaseDelaySeconds < 1 {
		return fmt.Errorf("retry.base_delay_seconds must be positive")
	}
	if c.Upstreams.AlphaVantage.QuotaPerWindow < 0 {
		return fmt.Errorf("upstreams.alphavantage.quota_per_window must not be negative")
	}
	if len(c.Keys) == 0 {
		return fmt.Errorf("at least one key must be configured")
	}

	seen := make(map[string]bool, len(c.Keys))
	for _, k := range c.Keys {
		if k.Key == "" {
			return fmt.Errorf("key with empty name")
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate key %q", k.Key)
		}
		seen[k.Key] = true
		if k.Fallback.Value == nil {
			return fmt.Errorf("key %s: fallback is required", k.Key)
		}
		switch k.Upstream {
		case UpstreamCoinGecko:
			if k.Coin == "" || k.Vs == "" {
				return fmt.Errorf("key %s: coingecko keys need coin and vs", k.Key)
			}
		case UpstreamFrankfurter:
			if k.Base == "" || k.Quote == "" {
				return fmt.Errorf("key %s: frankfurter keys need base and quote", k.Key)
			}
		case UpstreamAlphaVantage:
			if k.Symbol == "" {
				return fmt.Errorf("key %s: alphavantage keys need symbol", k.Key)
			}
		default:
			return fmt.Errorf("key %s: unknown upstream %q", k.Key, k.Upstream)
		}
	}
	return nil
}

// Quotas maps each upstream name to its per-window request budget.
// Zero means the upstream has no declared quota.
func (c Root) Quotas() map[string]int {
	return map[string]int{
		UpstreamCoinGecko:    0,
		UpstreamFrankfurter:  0,
		UpstreamAlphaVantage: c.Upstreams.AlphaVantage.QuotaPerWindow,
	}
}
