package chain

import (
	"context"
	"sync"
	"time"

	"keeper/internal/logger"

	"golang.org/x/sync/errgroup"
)

// HealthConfig tunes probe caching and the per-endpoint breaker window.
type HealthConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryWindow   time.Duration `mapstructure:"recovery_window"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
}

func (c *HealthConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = 60 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

type healthEntry struct {
	healthy bool
	at      time.Time
}

// EndpointStatus is a point-in-time health view for the status API.
type EndpointStatus struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Healthy   bool   `json:"healthy"`
	Available bool   `json:"available"`
	Failures  int    `json:"failures"`
}

// HealthTracker keeps per-endpoint failure counts and cached probe results.
// State is process-wide, mutated only by the probe and submission paths, and
// read without blocking by ranking logic — eventually-consistent reads are
// fine here.
type HealthTracker struct {
	cfg       HealthConfig
	newClient ClientFactory

	mu          sync.Mutex
	failures    map[string]int
	lastFailure map[string]time.Time
	cache       map[string]healthEntry
}

func NewHealthTracker(cfg HealthConfig, factory ClientFactory) *HealthTracker {
	cfg.applyDefaults()
	if factory == nil {
		factory = NewHTTPClient
	}
	return &HealthTracker{
		cfg:         cfg,
		newClient:   factory,
		failures:    make(map[string]int),
		lastFailure: make(map[string]time.Time),
		cache:       make(map[string]healthEntry),
	}
}

// MarkFailure records a failure for breaker accounting.
func (t *HealthTracker) MarkFailure(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[url]++
	t.lastFailure[url] = time.Now()
	logger.Warnf("rpc endpoint failure #%d: %s", t.failures[url], url)
}

// MarkSuccess resets the failure count.
func (t *HealthTracker) MarkSuccess(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[url] = 0
}

// Available reports whether the endpoint is not circuit-broken. A broken
// endpoint becomes available again once the recovery window has elapsed.
func (t *HealthTracker) Available(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.availableLocked(url)
}

func (t *HealthTracker) availableLocked(url string) bool {
	if t.failures[url] < t.cfg.FailureThreshold {
		return true
	}
	return time.Since(t.lastFailure[url]) > t.cfg.RecoveryWindow
}

// Healthy filters endpoints down to those passing a liveness probe. Circuit-
// broken endpoints are excluded first; probes run concurrently with a short
// cache. If filtering leaves nothing, the full configured list is returned —
// a last-resort submission beats none at all.
func (t *HealthTracker) Healthy(ctx context.Context, endpoints []Endpoint) []Endpoint {
	if len(endpoints) == 0 {
		return nil
	}

	available := make([]Endpoint, 0, len(endpoints))
	t.mu.Lock()
	for _, ep := range endpoints {
		if t.availableLocked(ep.URL) {
			available = append(available, ep)
		}
	}
	t.mu.Unlock()
	if len(available) == 0 {
		logger.Warnf("all rpc endpoints circuit-broken, allowing recovery attempt on the full set")
		available = endpoints
	}

	results := make([]bool, len(available))
	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range available {
		g.Go(func() error {
			results[i] = t.probe(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	healthy := make([]Endpoint, 0, len(available))
	for i, ep := range available {
		if results[i] {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		logger.Warnf("no healthy rpc endpoints, falling back to all %d available", len(available))
		return available
	}
	return healthy
}

func (t *HealthTracker) probe(ctx context.Context, ep Endpoint) bool {
	t.mu.Lock()
	if entry, ok := t.cache[ep.URL]; ok && time.Since(entry.at) < t.cfg.CacheTTL {
		t.mu.Unlock()
		return entry.healthy
	}
	t.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()
	err := t.newClient(ep).Health(pctx)

	t.mu.Lock()
	t.cache[ep.URL] = healthEntry{healthy: err == nil, at: time.Now()}
	if err == nil {
		t.failures[ep.URL] = 0
	} else {
		t.failures[ep.URL]++
		t.lastFailure[ep.URL] = time.Now()
	}
	t.mu.Unlock()

	if err != nil {
		logger.Debugf("health probe failed for %s: %v", ep.Name, err)
	}
	return err == nil
}

// Status reports each endpoint's current view for the status API.
func (t *HealthTracker) Status(ctx context.Context, endpoints []Endpoint) []EndpointStatus {
	out := make([]EndpointStatus, 0, len(endpoints))
	for _, ep := range endpoints {
		healthy := t.probe(ctx, ep)
		t.mu.Lock()
		failures := t.failures[ep.URL]
		available := t.availableLocked(ep.URL)
		t.mu.Unlock()
		out = append(out, EndpointStatus{
			Name:      ep.Name,
			URL:       ep.URL,
			Healthy:   healthy,
			Available: available,
			Failures:  failures,
		})
	}
	return out
}
