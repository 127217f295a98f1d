package venue

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// HTTPVenueConfig configures one aggregator-style quote/swap HTTP API.
type HTTPVenueConfig struct {
	Name     string        `mapstructure:"name"`
	QuoteURL string        `mapstructure:"quote_url"`
	SwapURL  string        `mapstructure:"swap_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retries  int           `mapstructure:"retries"`
}

// HTTPVenue speaks the common aggregator wire shape: GET quote with
// inputMint/outputMint/amount/slippageBps, POST swap with the echoed quote
// payload, returning a base64 unsigned transaction.
type HTTPVenue struct {
	name     string
	quoteURL string
	swapURL  string
	client   *resty.Client
}

func NewHTTPVenue(cfg HTTPVenueConfig) (*HTTPVenue, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("venue: name required")
	}
	if cfg.QuoteURL == "" || cfg.SwapURL == "" {
		return nil, fmt.Errorf("venue %s: quote_url and swap_url required", cfg.Name)
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
	return &HTTPVenue{
		name:     cfg.Name,
		quoteURL: cfg.QuoteURL,
		swapURL:  cfg.SwapURL,
		client:   client,
	}, nil
}

func (v *HTTPVenue) Name() string { return v.name }

func (v *HTTPVenue) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	resp, err := v.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":   req.InputMint,
			"outputMint":  req.OutputMint,
			"amount":      strconv.FormatUint(req.Amount, 10),
			"slippageBps": strconv.Itoa(req.SlippageBps),
		}).
		Get(v.quoteURL)
	if err != nil {
		return nil, retryableErr(v.name, "quote request failed", err)
	}
	if resp.StatusCode() != 200 {
		return nil, retryableErr(v.name, fmt.Sprintf("quote HTTP %d", resp.StatusCode()), nil)
	}

	body := resp.Body()
	outAmount := gjson.GetBytes(body, "outAmount")
	inAmount := gjson.GetBytes(body, "inAmount")
	if !outAmount.Exists() || outAmount.Uint() == 0 {
		return nil, permanentErr(v.name, "malformed quote: missing outAmount", nil)
	}
	q := &Quote{
		Venue:          v.name,
		InputAmount:    inAmount.Uint(),
		OutputAmount:   outAmount.Uint(),
		PriceImpactPct: gjson.GetBytes(body, "priceImpactPct").Float(),
		SlippageBps:    req.SlippageBps,
		QuoteTime:      time.Now(),
		Raw:            body,
	}
	if q.InputAmount == 0 {
		q.InputAmount = req.Amount
	}
	return q, nil
}

func (v *HTTPVenue) BuildSwap(ctx context.Context, q *Quote, owner string) ([]byte, error) {
	if len(q.Raw) == 0 {
		return nil, permanentErr(v.name, "quote carries no raw payload", nil)
	}
	payload := map[string]any{
		"quoteResponse":             gjson.ParseBytes(q.Raw).Value(),
		"userPublicKey":             owner,
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
	}
	resp, err := v.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(v.swapURL)
	if err != nil {
		return nil, retryableErr(v.name, "swap request failed", err)
	}
	if resp.StatusCode() != 200 {
		return nil, retryableErr(v.name, fmt.Sprintf("swap HTTP %d", resp.StatusCode()), nil)
	}
	encoded := gjson.GetBytes(resp.Body(), "swapTransaction").String()
	if encoded == "" {
		return nil, permanentErr(v.name, "malformed swap response: missing swapTransaction", nil)
	}
	tx, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, permanentErr(v.name, "swap transaction is not valid base64", err)
	}
	return tx, nil
}
