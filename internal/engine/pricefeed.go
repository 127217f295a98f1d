package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// PriceFeed returns current prices for a batch of instruments in one call.
// A feed failure skips the evaluation cycle; it is never fatal.
type PriceFeed interface {
	GetPrices(ctx context.Context, mints []string) (map[string]float64, error)
}

// HTTPPriceFeedConfig configures the aggregator price API.
type HTTPPriceFeedConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// HTTPPriceFeed fetches batched prices from an aggregator price API that
// answers GET <url>?ids=a,b,c with {"data": {"<id>": {"price": ...}}}.
type HTTPPriceFeed struct {
	url    string
	client *resty.Client
}

func NewHTTPPriceFeed(cfg HTTPPriceFeedConfig) (*HTTPPriceFeed, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("price feed: url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 2
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == 429 || resp.StatusCode() == 502 || resp.StatusCode() == 503
		})
	return &HTTPPriceFeed{url: cfg.URL, client: client}, nil
}

func (f *HTTPPriceFeed) GetPrices(ctx context.Context, mints []string) (map[string]float64, error) {
	if len(mints) == 0 {
		return map[string]float64{}, nil
	}
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("ids", strings.Join(mints, ",")).
		Get(f.url)
	if err != nil {
		return nil, fmt.Errorf("price fetch failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("price fetch HTTP %d", resp.StatusCode())
	}

	data := gjson.GetBytes(resp.Body(), "data")
	if !data.Exists() {
		return nil, fmt.Errorf("price response missing data object")
	}
	prices := make(map[string]float64, len(mints))
	for _, mint := range mints {
		entry := data.Get(mint)
		if !entry.Exists() {
			continue
		}
		if price := entry.Get("price").Float(); price > 0 {
			prices[mint] = price
		}
	}
	return prices, nil
}
