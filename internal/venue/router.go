package venue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"keeper/internal/logger"
	"keeper/internal/pkg/circuit"

	"golang.org/x/sync/errgroup"
)

// RouterConfig tunes breaker and retry behavior. Zero values take defaults.
type RouterConfig struct {
	BreakerThreshold int
	BreakerCooldown  time.Duration
	QuoteTimeout     time.Duration
	MaxRetries       int           // ranked passes before giving up
	RetryDelay       time.Duration // base delay, grows linearly per pass
}

func (c *RouterConfig) applyDefaults() {
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// ExecFunc performs the execution of one chosen quote (build, sign, submit,
// confirm) and returns the submitted transaction signature.
type ExecFunc func(ctx context.Context, v Venue, q *Quote) (string, error)

// Router fans quote requests out to all healthy venues, ranks the answers,
// and drives execution attempts through the ranked list with per-venue
// circuit breakers.
type Router struct {
	cfg      RouterConfig
	venues   []Venue
	breakers map[string]*circuit.CircuitBreaker
}

func NewRouter(venues []Venue, cfg RouterConfig) *Router {
	cfg.applyDefaults()
	breakers := make(map[string]*circuit.CircuitBreaker, len(venues))
	for _, v := range venues {
		breakers[v.Name()] = circuit.NewCircuitBreaker("venue:"+v.Name(), cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
	return &Router{cfg: cfg, venues: venues, breakers: breakers}
}

// Venues returns the configured venue set.
func (r *Router) Venues() []Venue { return r.venues }

// Breaker exposes a venue's breaker, mainly for the status API and tests.
func (r *Router) Breaker(name string) *circuit.CircuitBreaker { return r.breakers[name] }

// CollectQuotes queries all available venues concurrently. Venues whose
// breaker is open are skipped — unless every breaker is open, in which case
// the whole set is tried anyway: no healthy venue is worse than a possibly
// stale one. Quote failures drop the venue from the result set silently.
func (r *Router) CollectQuotes(ctx context.Context, req QuoteRequest) []*Quote {
	available := make([]Venue, 0, len(r.venues))
	for _, v := range r.venues {
		if r.breakers[v.Name()].Allow() {
			available = append(available, v)
		}
	}
	if len(available) == 0 {
		logger.Warnf("all %d venues circuit-broken, overriding breakers for this pass", len(r.venues))
		available = r.venues
	}

	var mu sync.Mutex
	quotes := make([]*Quote, 0, len(available))
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range available {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, r.cfg.QuoteTimeout)
			defer cancel()
			q, err := v.Quote(qctx, req)
			if err != nil {
				logger.Debugf("quote from %s failed: %v", v.Name(), err)
				r.breakers[v.Name()].RecordFailure()
				return nil
			}
			r.breakers[v.Name()].RecordSuccess()
			q.Venue = v.Name()
			if q.QuoteTime.IsZero() {
				q.QuoteTime = time.Now()
			}
			mu.Lock()
			quotes = append(quotes, q)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	RankQuotes(quotes)
	return quotes
}

// RankQuotes orders quotes best-first: highest output amount, ties broken by
// lowest price impact. The ordering is deterministic for a fixed quote set.
func RankQuotes(quotes []*Quote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].OutputAmount != quotes[j].OutputAmount {
			return quotes[i].OutputAmount > quotes[j].OutputAmount
		}
		if quotes[i].PriceImpactPct != quotes[j].PriceImpactPct {
			return quotes[i].PriceImpactPct < quotes[j].PriceImpactPct
		}
		return quotes[i].Venue < quotes[j].Venue
	})
}

// ExecuteBest runs up to MaxRetries ranked passes. Within a pass venues are
// attempted best-quote-first; a retryable failure falls through to the next
// venue, a non-retryable one aborts immediately — retrying a rejected
// simulation on another venue would not help. The delay between passes grows
// linearly.
func (r *Router) ExecuteBest(ctx context.Context, req QuoteRequest, exec ExecFunc) *ExecutionResult {
	started := time.Now()
	res := &ExecutionResult{}
	finish := func() *ExecutionResult {
		res.ExecutionTimeMS = time.Since(started).Milliseconds()
		return res
	}

	var lastErr error
	for pass := 0; pass < r.cfg.MaxRetries; pass++ {
		if pass > 0 {
			delay := time.Duration(pass) * r.cfg.RetryDelay
			logger.Infof("execution pass %d/%d in %s", pass+1, r.cfg.MaxRetries, delay)
			select {
			case <-ctx.Done():
				res.Error = ctx.Err().Error()
				res.Retryable = true
				return finish()
			case <-time.After(delay):
			}
		}

		quotes := r.CollectQuotes(ctx, req)
		if len(quotes) == 0 {
			lastErr = fmt.Errorf("no venue produced a quote")
			continue
		}

		for _, q := range quotes {
			res.VenuesTried = append(res.VenuesTried, q.Venue)
			v := r.venueByName(q.Venue)
			if v == nil {
				continue
			}
			sig, err := exec(ctx, v, q)
			if err == nil {
				r.breakers[q.Venue].RecordSuccess()
				res.Success = true
				res.Venue = q.Venue
				res.Signature = sig
				return finish()
			}
			lastErr = err
			r.breakers[q.Venue].RecordFailure()
			if !IsRetryable(err) {
				logger.Errorf("non-retryable execution failure on %s: %v", q.Venue, err)
				res.Error = err.Error()
				res.ErrorHint = hintFrom(err)
				res.Retryable = false
				return finish()
			}
			logger.Warnf("retryable execution failure on %s, falling back: %v", q.Venue, err)
		}
	}

	if lastErr != nil {
		res.Error = lastErr.Error()
		res.ErrorHint = hintFrom(lastErr)
	} else {
		res.Error = "execution failed"
	}
	res.Retryable = true
	return finish()
}

func (r *Router) venueByName(name string) Venue {
	for _, v := range r.venues {
		if v.Name() == name {
			return v
		}
	}
	return nil
}

func hintFrom(err error) string {
	var h interface{ Hint() string }
	if errors.As(err, &h) {
		return h.Hint()
	}
	return ""
}
