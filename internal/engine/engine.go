package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"keeper/internal/chain"
	"keeper/internal/intent"
	"keeper/internal/logger"
	"keeper/internal/store"
	"keeper/internal/venue"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Config tunes the evaluation loop.
type Config struct {
	Interval        time.Duration `mapstructure:"interval"`
	SlippageBps     int           `mapstructure:"slippage_bps"`
	OutputMint      string        `mapstructure:"output_mint"`
	DefaultDecimals int           `mapstructure:"default_decimals"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = 100
	}
	if c.DefaultDecimals <= 0 {
		c.DefaultDecimals = 9
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 90 * time.Second
	}
}

// TxSubmitter abstracts the chain submission path so tests can stand in a
// fake without a live RPC endpoint.
type TxSubmitter interface {
	Submit(ctx context.Context, signedTx []byte) (*chain.SubmitResult, error)
}

// ScoreReporter receives per-strategy exit outcomes so entry sizing elsewhere
// can adapt. Nil disables reporting.
type ScoreReporter interface {
	ReportExit(strategyID string, kind intent.TriggerKind, pnlPct float64, executed bool)
}

// Engine drives the evaluation cycle: load open intents, fetch one price
// batch, evaluate each intent under its writer lock, and execute whatever
// fires. Per-intent failures are isolated; a panic-free cycle is the unit of
// progress.
type Engine struct {
	cfg       Config
	store     *store.Store
	feed      PriceFeed
	router    *venue.Router
	submitter TxSubmitter
	signer    chain.Signer
	scores    ScoreReporter

	mu       sync.Mutex
	inflight map[string]bool
}

func New(cfg Config, st *store.Store, feed PriceFeed, router *venue.Router, submitter TxSubmitter, signer chain.Signer) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		store:     st,
		feed:      feed,
		router:    router,
		submitter: submitter,
		signer:    signer,
		inflight:  make(map[string]bool),
	}
}

// SetScoreReporter installs the optional outcome hook. Call before Run.
func (e *Engine) SetScoreReporter(r ScoreReporter) { e.scores = r }

// Run evaluates on a fixed interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	logger.Infof("trigger engine started (interval=%s)", e.cfg.Interval)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("trigger engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle performs one full evaluation pass. A price feed failure skips the
// cycle entirely: intents stay untouched and the next tick tries again. The
// time stop still fires for intents whose instrument is missing from the
// batch, since it needs no price.
func (e *Engine) RunCycle(ctx context.Context) {
	actives, err := e.store.LoadActive(ctx)
	if err != nil {
		logger.Errorf("loading active intents failed: %v", err)
		return
	}
	if len(actives) == 0 {
		return
	}

	prices, err := e.feed.GetPrices(ctx, distinctMints(actives))
	if err != nil {
		logger.Warnf("price fetch failed, skipping cycle: %v", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrent)
	for _, it := range actives {
		if it.PendingReconcile {
			// Frozen until the reconciler resolves the ambiguous submission;
			// not worth a lock or a store round-trip.
			continue
		}
		id := it.ID
		price := prices[it.Mint]
		g.Go(func() error {
			e.processIntent(gctx, id, price)
			return nil
		})
	}
	_ = g.Wait()
}

// processIntent evaluates and, when a trigger fires, executes one intent. The
// whole sequence runs inside the store's per-key update so no other writer
// can interleave. If a previous cycle's execution for the same intent is
// still in flight the cycle skips it rather than queueing behind the lock.
func (e *Engine) processIntent(ctx context.Context, id string, price float64) {
	if !e.acquire(id) {
		logger.Debugf("intent %s still executing, skipping this cycle", id)
		return
	}
	defer e.release(id)

	now := time.Now()
	_, err := e.store.Update(ctx, id, func(it *intent.ExitIntent) error {
		if it.PendingReconcile {
			// Frozen until the reconciler resolves the ambiguous submission.
			return nil
		}

		trig := intent.Evaluate(it, price, now)
		if trig == nil {
			return nil
		}
		logger.Infof("%s trigger for %s (%s): price=%v target=%v size=%.1f%% of remaining",
			trig.Kind, it.Symbol, it.ID, trig.Price, trig.TargetPrice, trig.SizePct)

		if it.IsPaper {
			e.applyPaperFill(ctx, it, trig, now)
			return nil
		}
		e.executeLive(ctx, it, trig, now)
		return nil
	})
	if err != nil {
		logger.Errorf("intent %s update failed: %v", id, err)
	}
}

// applyPaperFill settles a paper trade at the observed price without touching
// venues or the chain. The execution is still journaled so reliability stats
// and the audit trail treat paper and live uniformly.
func (e *Engine) applyPaperFill(ctx context.Context, it *intent.ExitIntent, trig *intent.Trigger, now time.Time) {
	intent.ApplyFill(it, trig, trig.Price, now)
	e.appendExecution(ctx, it, trig, &venue.ExecutionResult{
		Success: true,
		Venue:   "paper",
	})
	e.reportOutcome(it, trig, trig.Price, true)
	logger.Infof("paper fill for %s: %s at %v, remaining=%v", it.Symbol, trig.Kind, trig.Price, it.RemainingQuantity)
}

// executeLive routes the triggered quantity through the venue router and the
// chain submitter. On success the fill is applied; on failure the trigger is
// left unfilled for the next cycle, except for a confirmation timeout, which
// freezes the intent for reconciliation instead.
func (e *Engine) executeLive(ctx context.Context, it *intent.ExitIntent, trig *intent.Trigger, now time.Time) {
	if e.signer == nil {
		it.EnforcementFailures++
		it.AppendNote("execution blocked: " + chain.ErrSignerMissing.Error())
		e.appendExecution(ctx, it, trig, &venue.ExecutionResult{
			Success: false,
			Error:   chain.ErrSignerMissing.Error(),
		})
		logger.Errorf("cannot execute %s trigger for %s: %v", trig.Kind, it.ID, chain.ErrSignerMissing)
		return
	}

	amount, err := baseUnits(quantityShare(it.RemainingQuantity, trig.SizePct), e.cfg.DefaultDecimals)
	if err != nil || amount == 0 {
		it.EnforcementFailures++
		logger.Errorf("bad execution amount for %s (remaining=%v size=%v%%): %v",
			it.ID, it.RemainingQuantity, trig.SizePct, err)
		return
	}

	req := venue.QuoteRequest{
		InputMint:   it.Mint,
		OutputMint:  e.cfg.OutputMint,
		Amount:      amount,
		SlippageBps: e.cfg.SlippageBps,
	}

	ectx, cancel := context.WithTimeout(ctx, e.cfg.ExecTimeout)
	defer cancel()

	var ambiguous bool
	res := e.router.ExecuteBest(ectx, req, func(ctx context.Context, v venue.Venue, q *venue.Quote) (string, error) {
		tx, err := v.BuildSwap(ctx, q, e.signer.Pubkey())
		if err != nil {
			return "", err
		}
		signed, err := e.signer.Sign(ctx, tx)
		if err != nil {
			return "", fatalErr{fmt.Errorf("signing failed: %w", err)}
		}
		sub, err := e.submitter.Submit(ctx, signed)
		if err != nil {
			if errors.Is(err, chain.ErrConfirmationTimeout) {
				ambiguous = true
			}
			return "", err
		}
		return sub.Signature, nil
	})

	e.appendExecution(ctx, it, trig, res)

	if res.Success {
		intent.ApplyFill(it, trig, trig.Price, now)
		e.reportOutcome(it, trig, trig.Price, true)
		logger.Infof("executed %s for %s via %s: %s (remaining=%v)",
			trig.Kind, it.Symbol, res.Venue, res.Signature, it.RemainingQuantity)
		return
	}

	it.EnforcementFailures++
	if ambiguous {
		// The transaction may have landed. Evaluation stops until the
		// reconciler compares on-chain state with the intent and clears the
		// flag (or cancels the intent).
		it.PendingReconcile = true
		it.AppendNote(fmt.Sprintf("pending_reconcile: %s submission unconfirmed at %s", trig.Kind, now.UTC().Format(time.RFC3339)))
		logger.Warnf("ambiguous execution outcome for %s, frozen pending reconciliation", it.ID)
		return
	}
	e.reportOutcome(it, trig, trig.Price, false)
	logger.Errorf("execution failed for %s (%s): %s [venues: %v]", it.ID, trig.Kind, res.Error, res.VenuesTried)
}

func (e *Engine) appendExecution(ctx context.Context, it *intent.ExitIntent, trig *intent.Trigger, res *venue.ExecutionResult) {
	payload := map[string]any{
		"trigger":      trig.Kind,
		"level":        trig.Level,
		"size_pct":     trig.SizePct,
		"price":        trig.Price,
		"target_price": trig.TargetPrice,
		"result":       res,
	}
	err := e.store.History().AppendJSON(ctx, store.HistoryRecord{
		IntentID:   it.ID,
		PositionID: it.PositionID,
		Event:      store.EventExecution,
		Venue:      res.Venue,
		Signature:  res.Signature,
		Error:      res.Error,
	}, payload)
	if err != nil {
		logger.Warnf("recording execution for %s failed: %v", it.ID, err)
	}
}

func (e *Engine) reportOutcome(it *intent.ExitIntent, trig *intent.Trigger, fillPrice float64, executed bool) {
	if e.scores == nil {
		return
	}
	strategyID := intent.ExtractStrategyID(it.Notes)
	if strategyID == "" {
		return
	}
	e.scores.ReportExit(strategyID, trig.Kind, pnlPct(it, fillPrice), executed)
}

// pnlPct is the signed percent move from entry to fill, direction-adjusted.
func pnlPct(it *intent.ExitIntent, fillPrice float64) float64 {
	if it.EntryPrice <= 0 || fillPrice <= 0 {
		return 0
	}
	pct := (fillPrice - it.EntryPrice) / it.EntryPrice * 100
	if it.Short {
		return -pct
	}
	return pct
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[id] {
		return false
	}
	e.inflight[id] = true
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func distinctMints(intents []*intent.ExitIntent) []string {
	seen := make(map[string]bool, len(intents))
	mints := make([]string, 0, len(intents))
	for _, it := range intents {
		if it.Mint == "" || seen[it.Mint] {
			continue
		}
		seen[it.Mint] = true
		mints = append(mints, it.Mint)
	}
	return mints
}

// quantityShare returns sizePct percent of remaining as a token quantity.
func quantityShare(remaining, sizePct float64) float64 {
	q := decimal.NewFromFloat(remaining).
		Mul(decimal.NewFromFloat(sizePct)).
		Div(decimal.NewFromInt(100))
	f, _ := q.Float64()
	return f
}

// baseUnits converts a token quantity to integer base units.
func baseUnits(quantity float64, decimals int) (uint64, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("non-positive quantity %v", quantity)
	}
	units := decimal.NewFromFloat(quantity).Shift(int32(decimals)).IntPart()
	if units < 0 {
		return 0, fmt.Errorf("quantity %v overflows at %d decimals", quantity, decimals)
	}
	return uint64(units), nil
}

// fatalErr marks a local logic failure (signing) that no amount of venue or
// endpoint fallback can fix.
type fatalErr struct{ error }

func (f fatalErr) Retryable() bool { return false }
func (f fatalErr) Unwrap() error   { return f.error }
