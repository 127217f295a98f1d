package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"keeper/internal/pkg/circuit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVenue struct {
	name     string
	quote    *Quote
	quoteErr error
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	q := *f.quote
	return &q, nil
}

func (f *fakeVenue) BuildSwap(ctx context.Context, q *Quote, owner string) ([]byte, error) {
	return []byte("unsigned-tx-" + f.name), nil
}

func quoteFor(name string, out uint64, impact float64) *Quote {
	return &Quote{Venue: name, InputAmount: 1000, OutputAmount: out, PriceImpactPct: impact}
}

func testRouterConfig() RouterConfig {
	return RouterConfig{
		BreakerThreshold: 2,
		BreakerCooldown:  50 * time.Millisecond,
		QuoteTimeout:     time.Second,
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
	}
}

func TestRankQuotes(t *testing.T) {
	quotes := []*Quote{
		quoteFor("alpha", 100, 0.1),
		quoteFor("beta", 105, 0.3),
		quoteFor("gamma", 105, 0.1),
	}
	RankQuotes(quotes)

	assert.Equal(t, "gamma", quotes[0].Venue, "ties break on lower price impact")
	assert.Equal(t, "beta", quotes[1].Venue)
	assert.Equal(t, "alpha", quotes[2].Venue)
}

func TestCollectQuotesSkipsBrokenVenues(t *testing.T) {
	good := &fakeVenue{name: "good", quote: quoteFor("good", 100, 0.1)}
	bad := &fakeVenue{name: "bad", quoteErr: errors.New("down")}
	r := NewRouter([]Venue{good, bad}, testRouterConfig())

	quotes := r.CollectQuotes(context.Background(), QuoteRequest{Amount: 1000})
	require.Len(t, quotes, 1)
	assert.Equal(t, "good", quotes[0].Venue)

	// Second failed pass trips the breaker.
	_ = r.CollectQuotes(context.Background(), QuoteRequest{Amount: 1000})
	assert.Equal(t, circuit.StateOpen, r.Breaker("bad").State())
}

func TestCollectQuotesOverridesWhenAllBreakersOpen(t *testing.T) {
	v := &fakeVenue{name: "only", quote: quoteFor("only", 100, 0.1)}
	r := NewRouter([]Venue{v}, testRouterConfig())
	r.Breaker("only").RecordFailure()
	r.Breaker("only").RecordFailure()
	require.Equal(t, circuit.StateOpen, r.Breaker("only").State())

	quotes := r.CollectQuotes(context.Background(), QuoteRequest{Amount: 1000})
	assert.Len(t, quotes, 1, "a fully broken set is still tried")
}

func TestExecuteBestFallsBackOnRetryableFailure(t *testing.T) {
	best := &fakeVenue{name: "best", quote: quoteFor("best", 200, 0.1)}
	second := &fakeVenue{name: "second", quote: quoteFor("second", 150, 0.1)}
	r := NewRouter([]Venue{second, best}, testRouterConfig())

	res := r.ExecuteBest(context.Background(), QuoteRequest{Amount: 1000}, func(ctx context.Context, v Venue, q *Quote) (string, error) {
		if v.Name() == "best" {
			return "", retryableErr("best", "congestion", nil)
		}
		return "sig-second", nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, "second", res.Venue)
	assert.Equal(t, "sig-second", res.Signature)
	assert.Equal(t, []string{"best", "second"}, res.VenuesTried)
	assert.GreaterOrEqual(t, res.ExecutionTimeMS, int64(0))
}

func TestExecuteBestAbortsOnNonRetryableFailure(t *testing.T) {
	best := &fakeVenue{name: "best", quote: quoteFor("best", 200, 0.1)}
	second := &fakeVenue{name: "second", quote: quoteFor("second", 150, 0.1)}
	r := NewRouter([]Venue{best, second}, testRouterConfig())

	calls := 0
	res := r.ExecuteBest(context.Background(), QuoteRequest{Amount: 1000}, func(ctx context.Context, v Venue, q *Quote) (string, error) {
		calls++
		return "", permanentErr(v.Name(), "simulation rejected: insufficient funds", nil)
	})

	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.Equal(t, 1, calls, "a logic error must not cascade through the venue list")
	assert.Contains(t, res.Error, "insufficient funds")
}

func TestExecuteBestExhaustsAllPasses(t *testing.T) {
	v := &fakeVenue{name: "only", quote: quoteFor("only", 100, 0.1)}
	cfg := testRouterConfig()
	cfg.BreakerThreshold = 100 // keep the breaker out of the way
	r := NewRouter([]Venue{v}, cfg)

	calls := 0
	res := r.ExecuteBest(context.Background(), QuoteRequest{Amount: 1000}, func(ctx context.Context, v Venue, q *Quote) (string, error) {
		calls++
		return "", retryableErr("only", "timeout", nil)
	})

	assert.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, cfg.MaxRetries, calls)
}

func TestIsRetryableDefaultsToTransient(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(permanentErr("v", "bad quote", nil)))
	assert.False(t, IsRetryable(nil))
}
