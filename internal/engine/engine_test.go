package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"keeper/internal/chain"
	"keeper/internal/intent"
	"keeper/internal/store"
	"keeper/internal/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFeed struct {
	prices map[string]float64
	err    error
	calls  int
}

func (f *stubFeed) GetPrices(ctx context.Context, mints []string) (map[string]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.prices, nil
}

type stubVenue struct {
	name string
	out  uint64
}

func (v *stubVenue) Name() string { return v.name }

func (v *stubVenue) Quote(ctx context.Context, req venue.QuoteRequest) (*venue.Quote, error) {
	return &venue.Quote{
		Venue:        v.name,
		InputAmount:  req.Amount,
		OutputAmount: v.out,
		Raw:          []byte(`{"outAmount":"1"}`),
	}, nil
}

func (v *stubVenue) BuildSwap(ctx context.Context, q *venue.Quote, owner string) ([]byte, error) {
	return []byte("unsigned-tx"), nil
}

type stubSubmitter struct {
	result *chain.SubmitResult
	err    error
	calls  int
}

func (s *stubSubmitter) Submit(ctx context.Context, signedTx []byte) (*chain.SubmitResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubSigner struct{}

func (stubSigner) Pubkey() string { return "FakePubkey11111111111111111111111111111111" }

func (stubSigner) Sign(ctx context.Context, tx []byte) ([]byte, error) {
	return append([]byte("signed:"), tx...), nil
}

// ambiguousErr mimics a submission whose confirmation never arrived.
type ambiguousErr struct{}

func (ambiguousErr) Error() string   { return "no confirmation within timeout" }
func (ambiguousErr) Retryable() bool { return false }
func (ambiguousErr) Unwrap() error   { return chain.ErrConfirmationTimeout }

type recordedExit struct {
	strategy string
	kind     intent.TriggerKind
	pnlPct   float64
	executed bool
}

type stubScores struct {
	exits []recordedExit
}

func (s *stubScores) ReportExit(strategyID string, kind intent.TriggerKind, pnlPct float64, executed bool) {
	s.exits = append(s.exits, recordedExit{strategyID, kind, pnlPct, executed})
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	history, err := store.OpenHistoryLog(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "intents.db"), history)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		history.Close()
	})
	return st
}

func newTestEngine(t *testing.T, st *store.Store, feed PriceFeed, sub TxSubmitter, signer chain.Signer) *Engine {
	t.Helper()
	router := venue.NewRouter([]venue.Venue{&stubVenue{name: "stub", out: 1}}, venue.RouterConfig{
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	return New(Config{
		Interval:    time.Hour, // cycles are driven manually in tests
		OutputMint:  "USDCMint",
		ExecTimeout: time.Second,
	}, st, feed, router, sub, signer)
}

func createIntent(t *testing.T, st *store.Store, paper bool) *intent.ExitIntent {
	t.Helper()
	it, err := intent.NewSpotIntent("pos-1", "MintAAA", "AAA", 100, 1000, intent.LadderParams{
		StrategyID: "momentum_scalp",
		IsPaper:    paper,
	})
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), it))
	return it
}

func TestRunCyclePaperFill(t *testing.T) {
	st := newTestStore(t)
	it := createIntent(t, st, true)
	sub := &stubSubmitter{}
	scores := &stubScores{}

	eng := newTestEngine(t, st, &stubFeed{prices: map[string]float64{"MintAAA": 109}}, sub, nil)
	eng.SetScoreReporter(scores)
	eng.RunCycle(context.Background())

	cur, err := st.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusPartial, cur.Status)
	assert.True(t, cur.TakeProfits[0].Filled)
	assert.InDelta(t, 109, cur.TakeProfits[0].FillPrice, 1e-9)
	assert.InDelta(t, 400, cur.RemainingQuantity, 1e-9)
	assert.Zero(t, sub.calls, "paper fills never touch the chain")

	records, err := st.History().ListByIntent(context.Background(), it.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, store.EventUpdated, records[0].Event)
	assert.Equal(t, store.EventExecution, records[1].Event)
	assert.Equal(t, "paper", records[1].Venue)

	require.Len(t, scores.exits, 1)
	assert.Equal(t, "momentum_scalp", scores.exits[0].strategy)
	assert.Equal(t, intent.TriggerTakeProfit, scores.exits[0].kind)
	assert.InDelta(t, 9, scores.exits[0].pnlPct, 1e-9)
	assert.True(t, scores.exits[0].executed)
}

func TestRunCycleLiveExecution(t *testing.T) {
	st := newTestStore(t)
	it := createIntent(t, st, false)
	sub := &stubSubmitter{result: &chain.SubmitResult{Signature: "sig-live", Endpoint: "primary"}}

	eng := newTestEngine(t, st, &stubFeed{prices: map[string]float64{"MintAAA": 109}}, sub, stubSigner{})
	eng.RunCycle(context.Background())

	cur, err := st.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.True(t, cur.TakeProfits[0].Filled)
	assert.InDelta(t, 400, cur.RemainingQuantity, 1e-9)
	assert.Equal(t, 1, sub.calls)

	records, err := st.History().ListByIntent(context.Background(), it.ID, 10)
	require.NoError(t, err)
	var exec *store.HistoryRecord
	for i := range records {
		if records[i].Event == store.EventExecution {
			exec = &records[i]
		}
	}
	require.NotNil(t, exec)
	assert.Equal(t, "stub", exec.Venue)
	assert.Equal(t, "sig-live", exec.Signature)
	assert.Empty(t, exec.Error)
}

func TestRunCycleQuietTickLeavesNoAuditTrail(t *testing.T) {
	st := newTestStore(t)
	it := createIntent(t, st, true)

	// Price sits between the stop and TP1: nothing fires, for many ticks.
	eng := newTestEngine(t, st, &stubFeed{prices: map[string]float64{"MintAAA": 100}}, &stubSubmitter{}, nil)
	for i := 0; i < 3; i++ {
		eng.RunCycle(context.Background())
	}

	cur, err := st.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cur.EnforcementAttempts, "bookkeeping still persists")
	assert.InDelta(t, 100, cur.LastCheckPrice, 1e-9)

	records, err := st.History().ListByIntent(context.Background(), it.ID, 20)
	require.NoError(t, err)
	require.Len(t, records, 1, "no-trigger cycles must not flood the history log")
	assert.Equal(t, store.EventCreated, records[0].Event)
}

func TestRunCycleSkipsOnFeedFailure(t *testing.T) {
	st := newTestStore(t)
	it := createIntent(t, st, true)
	feed := &stubFeed{err: errors.New("aggregator down")}

	eng := newTestEngine(t, st, feed, &stubSubmitter{}, nil)
	eng.RunCycle(context.Background())

	cur, err := st.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Zero(t, cur.EnforcementAttempts, "a failed cycle must not count as an attempt")
	assert.Equal(t, intent.StatusActive, cur.Status)
	assert.Equal(t, 1, feed.calls)
}

func TestRunCycleRefusesLiveExecutionWithoutSigner(t *testing.T) {
	st := newTestStore(t)
	it := createIntent(t, st, false)
	sub := &stubSubmitter{}

	eng := newTestEngine(t, st, &stubFeed{prices: map[string]float64{"MintAAA": 109}}, sub, nil)
	eng.RunCycle(context.Background())

	cur, err := st.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.False(t, cur.TakeProfits[0].Filled, "no fill may be recorded without an execution")
	assert.InDelta(t, 1000, cur.RemainingQuantity, 1e-9)
	assert.Equal(t, 1, cur.EnforcementFailures)
	assert.Contains(t, cur.Notes, "signer unavailable")
	assert.Zero(t, sub.calls)
}

func TestRunCycleFreezesOnConfirmationTimeout(t *testing.T) {
	st := newTestStore(t)
	it := createIntent(t, st, false)
	sub := &stubSubmitter{err: ambiguousErr{}}

	eng := newTestEngine(t, st, &stubFeed{prices: map[string]float64{"MintAAA": 109}}, sub, stubSigner{})
	eng.RunCycle(context.Background())

	cur, err := st.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.True(t, cur.PendingReconcile)
	assert.False(t, cur.TakeProfits[0].Filled)
	assert.InDelta(t, 1000, cur.RemainingQuantity, 1e-9)
	assert.Contains(t, cur.Notes, "pending_reconcile")
	assert.Equal(t, 1, sub.calls)

	records, err := st.History().ListByIntent(context.Background(), it.ID, 20)
	require.NoError(t, err)
	frozenTrail := len(records)

	// Frozen intents are not re-evaluated, let alone re-executed — and the
	// idle ticks leave no trace in the history log.
	eng.RunCycle(context.Background())
	assert.Equal(t, 1, sub.calls)

	cur, err = st.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.EnforcementAttempts)

	records, err = st.History().ListByIntent(context.Background(), it.ID, 20)
	require.NoError(t, err)
	assert.Len(t, records, frozenTrail)
}

func TestDistinctMints(t *testing.T) {
	a := &intent.ExitIntent{Mint: "A"}
	b := &intent.ExitIntent{Mint: "B"}
	a2 := &intent.ExitIntent{Mint: "A"}
	assert.Equal(t, []string{"A", "B"}, distinctMints([]*intent.ExitIntent{a, b, a2}))
}

func TestBaseUnits(t *testing.T) {
	units, err := baseUnits(1.5, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), units)

	_, err = baseUnits(0, 9)
	assert.Error(t, err)
}
