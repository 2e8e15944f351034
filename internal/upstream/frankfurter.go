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

// Frankfurter fetches FX reference rates from the Frankfurter API.
// No API key is required and no quota applies.
type Frankfurter struct {
	baseURL string
	hc      *http.Client
	pacer   *rate.Limiter
	logger  *logrus.Logger
}

func NewFrankfurter(cfg config.Upstream, logger *logrus.Logger) *Frankfurter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.frankfurter.app"
	}
	return &Frankfurter{
		baseURL: baseURL,
		hc:      newHTTPClient(cfg.TimeoutSeconds),
		pacer:   newPacer(cfg.PaceRPM),
		logger:  logger,
	}
}

// Rate returns how much one unit of base is worth in quote.
func (f *Frankfurter) Rate(ctx context.Context, key prices.Key, base, quote string) (prices.Scalar, error) {
	reqURL := fmt.Sprintf("%s/latest?from=%s&to=%s",
		f.baseURL, url.QueryEscape(base), url.QueryEscape(quote))

	body, err := getJSON(ctx, f.hc, f.pacer, key, config.UpstreamFrankfurter, reqURL)
	if err != nil {
		return 0, err
	}

	v := gjson.GetBytes(body, "rates."+quote)
	if !v.Exists() {
		return 0, prices.NewTransientError(key, config.UpstreamFrankfurter,
			fmt.Sprintf("missing rates.%s in response: %s", quote, truncate(body, 200)), nil)
	}
	rate := v.Float()
	if rate <= 0 {
		return 0, prices.NewTransientError(key, config.UpstreamFrankfurter,
			fmt.Sprintf("non-positive rate %v for %s/%s", rate, base, quote), nil)
	}

	f.logger.WithFields(logrus.Fields{"key": key, "rate": rate}).Debug("frankfurter rate fetched")
	return prices.Scalar(rate), nil
}
