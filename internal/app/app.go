package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"keeper/internal/chain"
	"keeper/internal/config"
	"keeper/internal/engine"
	"keeper/internal/logger"
	"keeper/internal/store"
	statushttp "keeper/internal/transport/http/status"
	"keeper/internal/venue"

	"golang.org/x/sync/errgroup"
)

// App owns the wired component graph: store, endpoint registry, venue router,
// submitter, trigger engine, and the optional status API.
type App struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	server *statushttp.Server
}

// Option adjusts construction. Options run before components that depend on
// them are built.
type Option func(*options)

type options struct {
	signer chain.Signer
	scores engine.ScoreReporter
}

// WithSigner injects the external signing capability. Without it the daemon
// still evaluates and journals, but refuses live executions.
func WithSigner(s chain.Signer) Option {
	return func(o *options) { o.signer = s }
}

// WithScoreReporter installs the strategy outcome hook.
func WithScoreReporter(r engine.ScoreReporter) Option {
	return func(o *options) { o.scores = r }
}

// New builds the application from configuration. All construction errors are
// fatal; a partially wired daemon must not start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	history, err := store.OpenHistoryLog(filepath.Join(cfg.App.DataDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("opening history log: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.App.DataDir, "intents.db"), history)
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("opening intent store: %w", err)
	}

	registry, err := chain.NewRegistry(cfg.Chain.EndpointsFile)
	if err != nil {
		st.Close()
		history.Close()
		return nil, fmt.Errorf("loading rpc endpoints: %w", err)
	}
	health := chain.NewHealthTracker(cfg.Chain.Health, nil)
	registry.OnChange(func(endpoints []chain.Endpoint) {
		logger.Infof("rpc endpoint set rotated, %d endpoints now active", len(endpoints))
	})
	submitter := chain.NewSubmitter(registry, health, nil, chain.SubmitOptions{
		Simulate:       cfg.Chain.Simulate,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		PollInterval:   cfg.Chain.PollInterval,
		MaxRetries:     cfg.Chain.MaxRetries,
		RetryDelay:     cfg.Chain.RetryDelay,
	})

	venues := make([]venue.Venue, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		v, err := venue.NewHTTPVenue(vc)
		if err != nil {
			st.Close()
			history.Close()
			return nil, fmt.Errorf("building venue: %w", err)
		}
		venues = append(venues, v)
	}
	router := venue.NewRouter(venues, venue.RouterConfig{
		BreakerThreshold: cfg.Router.BreakerThreshold,
		BreakerCooldown:  cfg.Router.BreakerCooldown,
		QuoteTimeout:     cfg.Router.QuoteTimeout,
		MaxRetries:       cfg.Router.MaxRetries,
		RetryDelay:       cfg.Router.RetryDelay,
	})

	feed, err := engine.NewHTTPPriceFeed(cfg.Feed)
	if err != nil {
		st.Close()
		history.Close()
		return nil, fmt.Errorf("building price feed: %w", err)
	}

	eng := engine.New(cfg.Engine, st, feed, router, submitter, o.signer)
	if o.scores != nil {
		eng.SetScoreReporter(o.scores)
	}

	var server *statushttp.Server
	if cfg.HTTP.Enabled {
		server, err = statushttp.NewServer(statushttp.ServerConfig{
			Addr:   cfg.HTTP.Addr,
			Router: statushttp.NewRouter(st, registry, health),
		})
		if err != nil {
			st.Close()
			history.Close()
			return nil, fmt.Errorf("building status server: %w", err)
		}
	}

	return &App{cfg: cfg, store: st, engine: eng, server: server}, nil
}

// Store exposes the intent store so embedders (entry flow, reconciler) can
// create and cancel intents through the same process.
func (a *App) Store() *store.Store { return a.store }

// Engine exposes the trigger engine, mainly for tests and manual cycles.
func (a *App) Engine() *engine.Engine { return a.engine }

// Run starts the engine loop and the status server and blocks until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.server != nil {
		g.Go(func() error {
			logger.Infof("status API listening on %s", a.server.Addr())
			return a.server.Start(gctx)
		})
	}
	err := g.Wait()
	if closeErr := a.store.Close(); closeErr != nil {
		logger.Warnf("closing intent store: %v", closeErr)
	}
	if closeErr := a.store.History().Close(); closeErr != nil {
		logger.Warnf("closing history log: %v", closeErr)
	}
	return err
}
