package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/config"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
)

// CoinGecko fetches crypto spot prices from the CoinGecko simple-price API.
// No API key is required and no quota applies on the free tier.
type CoinGecko struct {
	baseURL string
	hc      *http.Client
	pacer   *rate.Limiter
	logger  *logrus.Logger
}

func NewCoinGecko(cfg config.Upstream, logger *logrus.Logger) *CoinGecko {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	return &CoinGecko{
		baseURL: baseURL,
		hc:      newHTTPClient(cfg.TimeoutSeconds),
		pacer:   newPacer(cfg.PaceRPM),
		logger:  logger,
	}
}

// Spot returns the current price of coin denominated in vs.
func (c *CoinGecko) Spot(ctx context.Context, key prices.Key, coin, vs string) (prices.Scalar, error) {
	reqURL := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=%s",
		c.baseURL, url.QueryEscape(coin), url.QueryEscape(vs))

	body, err := getJSON(ctx, c.hc, c.pacer, key, config.UpstreamCoinGecko, reqURL)
	if err != nil {
		return 0, err
	}

	v := gjson.GetBytes(body, coin+"."+vs)
	if !v.Exists() {
		return 0, prices.NewTransientError(key, config.UpstreamCoinGecko,
			fmt.Sprintf("missing %s.%s in response: %s", coin, vs, truncate(body, 200)), nil)
	}
	price := v.Float()
	if price <= 0 {
		return 0, prices.NewTransientError(key, config.UpstreamCoinGecko,
			fmt.Sprintf("non-positive price %v for %s", price, coin), nil)
	}

	c.logger.WithFields(logrus.Fields{"key": key, "price": price}).Debug("coingecko spot fetched")
	return prices.Scalar(price), nil
}
