package venue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// QuoteRequest describes one swap to be priced: sell Amount base units of
// InputMint for OutputMint, tolerating at most SlippageBps deviation.
type QuoteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64 // base units of the input mint
	SlippageBps int
}

// Quote is one venue's priced offer. Quotes are ephemeral: they rank venues
// for a single execution attempt and are never persisted.
type Quote struct {
	Venue          string
	InputAmount    uint64
	OutputAmount   uint64
	PriceImpactPct float64
	SlippageBps    int
	QuoteTime      time.Time

	// Raw carries the venue's original quote payload so BuildSwap can echo it
	// back without re-quoting.
	Raw []byte
}

// ExecutionResult is the outcome of one execution attempt across the ranked
// venue list. Persisted to the history log, never mutated afterwards.
type ExecutionResult struct {
	Success         bool     `json:"success"`
	Venue           string   `json:"venue,omitempty"`
	Signature       string   `json:"signature,omitempty"`
	Error           string   `json:"error,omitempty"`
	ErrorHint       string   `json:"error_hint,omitempty"`
	Retryable       bool     `json:"retryable"`
	VenuesTried     []string `json:"venues_tried,omitempty"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
}

// Venue is an independent liquidity source capable of quoting and preparing a
// swap. Implementations form a closed set selected by configuration.
type Venue interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
	// BuildSwap turns a quote into an unsigned transaction for owner.
	BuildSwap(ctx context.Context, q *Quote, owner string) ([]byte, error)
}

// Error is a venue-layer failure carrying retryability. Timeouts and upstream
// unavailability are retryable; a malformed quote is not.
type Error struct {
	Venue     string
	Msg       string
	retryable bool
	wrapped   error
}

func (e *Error) Error() string {
	if e.Venue == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Msg)
}

func (e *Error) Unwrap() error   { return e.wrapped }
func (e *Error) Retryable() bool { return e.retryable }

func retryableErr(venueName, msg string, wrapped error) *Error {
	return &Error{Venue: venueName, Msg: msg, retryable: true, wrapped: wrapped}
}

func permanentErr(venueName, msg string, wrapped error) *Error {
	return &Error{Venue: venueName, Msg: msg, retryable: false, wrapped: wrapped}
}

// IsRetryable classifies an execution error. Errors that do not declare
// themselves are treated as transient, matching the error-handling policy:
// only explicit logic errors abort a ranked pass.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
