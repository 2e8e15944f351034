package upstream

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/config"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
)

// Source binds one price key to the closure that fetches its value.
type Source struct {
	Key      prices.Key
	Upstream string
	Fetch    func(ctx context.Context) (prices.Value, error)
}

// Sources builds the fetch bindings for every configured key, in
// configuration order. Vendor clients are shared across keys so pacing
// applies per vendor, not per key.
func Sources(cfg config.Root, logger *logrus.Logger) ([]Source, error) {
	coingecko := NewCoinGecko(cfg.Upstreams.CoinGecko, logger)
	frankfurter := NewFrankfurter(cfg.Upstreams.Frankfurter, logger)
	alphavantage := NewAlphaVantage(cfg.Upstreams.AlphaVantage, logger)

	out := make([]Source, 0, len(cfg.Keys))
	for _, spec := range cfg.Keys {
		key := prices.Key(spec.Key)
		switch spec.Upstream {
		case config.UpstreamCoinGecko:
			coin, vs := spec.Coin, spec.Vs
			out = append(out, Source{
				Key:      key,
				Upstream: config.UpstreamCoinGecko,
				Fetch: func(ctx context.Context) (prices.Value, error) {
					return coingecko.Spot(ctx, key, coin, vs)
				},
			})
		case config.UpstreamFrankfurter:
			base, quote := spec.Base, spec.Quote
			out = append(out, Source{
				Key:      key,
				Upstream: config.UpstreamFrankfurter,
				Fetch: func(ctx context.Context) (prices.Value, error) {
					return frankfurter.Rate(ctx, key, base, quote)
				},
			})
		case config.UpstreamAlphaVantage:
			symbol := spec.Symbol
			out = append(out, Source{
				Key:      key,
				Upstream: config.UpstreamAlphaVantage,
				Fetch: func(ctx context.Context) (prices.Value, error) {
					return alphavantage.GlobalQuote(ctx, key, symbol)
				},
			})
		default:
			return nil, fmt.Errorf("key %s: unknown upstream %q", spec.Key, spec.Upstream)
		}
	}

	logger.WithFields(logrus.Fields{
		"keys":           len(out),
		"api_key_masked": maskAPIKey(cfg.Upstreams.AlphaVantage.APIKey),
	}).Info("upstream sources configured")
	return out, nil
}

// maskAPIKey masks the credential for logging.
func maskAPIKey(key string) string {
	if key == "" {
		return "(unset)"
	}
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}
