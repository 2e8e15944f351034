package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/config"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
)

// AlphaVantage fetches equity quotes via the GLOBAL_QUOTE function. The free
// tier is severely limited, so calls to this client sit behind the rate-limit
// ledger and the missing-key check must not consume an HTTP request.
type AlphaVantage struct {
	apiKey  string
	baseURL string
	hc      *http.Client
	pacer   *rate.Limiter
	logger  *logrus.Logger
}

func NewAlphaVantage(cfg config.AlphaVantage, logger *logrus.Logger) *AlphaVantage {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://www.alphavantage.co"
	}
	return &AlphaVantage{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		hc:      newHTTPClient(cfg.TimeoutSeconds),
		pacer:   newPacer(cfg.PaceRPM),
		logger:  logger,
	}
}

// GlobalQuote returns the latest quote for symbol. Optional fields stay nil
// when the vendor omits them or sends something unparseable.
func (av *AlphaVantage) GlobalQuote(ctx context.Context, key prices.Key, symbol string) (prices.Quote, error) {
	if av.apiKey == "" {
		return prices.Quote{}, prices.NewConfigError(key, config.UpstreamAlphaVantage,
			"ALPHA_VANTAGE_API_KEY is not set")
	}

	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)
	params.Set("apikey", av.apiKey)
	reqURL := fmt.Sprintf("%s/query?%s", av.baseURL, params.Encode())

	body, err := getJSON(ctx, av.hc, av.pacer, key, config.UpstreamAlphaVantage, reqURL)
	if err != nil {
		return prices.Quote{}, err
	}
	return av.parseGlobalQuote(key, symbol, body)
}

func (av *AlphaVantage) parseGlobalQuote(key prices.Key, symbol string, body []byte) (prices.Quote, error) {
	var response struct {
		GlobalQuote  map[string]string `json:"Global Quote"`
		ErrorMessage string            `json:"Error Message"`
		Information  string            `json:"Information"`
		Note         string            `json:"Note"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return prices.Quote{}, prices.NewTransientError(key, config.UpstreamAlphaVantage,
			fmt.Sprintf("malformed response: %s", truncate(body, 200)), err)
	}

	// AlphaVantage reports throttling and misuse as 200s with a message body.
	if response.Information != "" {
		return prices.Quote{}, prices.NewTransientError(key, config.UpstreamAlphaVantage,
			fmt.Sprintf("vendor throttled request: %s", response.Information), nil)
	}
	if response.Note != "" {
		return prices.Quote{}, prices.NewTransientError(key, config.UpstreamAlphaVantage,
			fmt.Sprintf("vendor throttled request: %s", response.Note), nil)
	}
	if response.ErrorMessage != "" {
		return prices.Quote{}, prices.NewTransientError(key, config.UpstreamAlphaVantage,
			fmt.Sprintf("vendor error: %s", response.ErrorMessage), nil)
	}
	if len(response.GlobalQuote) == 0 {
		return prices.Quote{}, prices.NewTransientError(key, config.UpstreamAlphaVantage,
			fmt.Sprintf("no quote data for %s", symbol), nil)
	}

	raw := response.GlobalQuote
	price, err := strconv.ParseFloat(raw["05. price"], 64)
	if err != nil || price <= 0 {
		return prices.Quote{}, prices.NewTransientError(key, config.UpstreamAlphaVantage,
			fmt.Sprintf("unusable price %q for %s", raw["05. price"], symbol), err)
	}

	quote := prices.Quote{Price: price}
	if high, err := strconv.ParseFloat(raw["03. high"], 64); err == nil {
		quote.High = &high
	}
	if low, err := strconv.ParseFloat(raw["04. low"], 64); err == nil {
		quote.Low = &low
	}
	if volume, err := strconv.ParseInt(raw["06. volume"], 10, 64); err == nil {
		quote.Volume = &volume
	}

	av.logger.WithFields(logrus.Fields{"key": key, "price": price}).Debug("alphavantage quote fetched")
	return quote, nil
}
