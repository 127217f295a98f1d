package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrSimulationFailed means the simulated execution itself would fail.
	// This is a logic error, not a transient fault: retrying on another
	// endpoint or venue cannot help.
	ErrSimulationFailed = errors.New("chain: simulation failed")

	// ErrConfirmationTimeout means the transaction was submitted but no
	// confirmation arrived in time. The transaction may or may not have
	// landed; the outcome is ambiguous and must be reconciled externally,
	// never blindly retried.
	ErrConfirmationTimeout = errors.New("chain: confirmation timeout")

	// ErrNoEndpoints means no RPC endpoint is configured at all.
	ErrNoEndpoints = errors.New("chain: no rpc endpoints configured")

	// ErrSignerMissing means no signer capability is available. Detected
	// before any submission attempt, never mid-flight.
	ErrSignerMissing = errors.New("chain: signer unavailable")
)

// SubmitError wraps a submission failure with its classification.
type SubmitError struct {
	Endpoint  string
	Msg       string
	hint      string
	retryable bool
	sentinel  error
}

func (e *SubmitError) Error() string {
	if e.Endpoint == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s (endpoint=%s)", e.Msg, e.Endpoint)
}

func (e *SubmitError) Unwrap() error   { return e.sentinel }
func (e *SubmitError) Retryable() bool { return e.retryable }
func (e *SubmitError) Hint() string    { return e.hint }

func simulationError(endpoint, simErr string) *SubmitError {
	return &SubmitError{
		Endpoint:  endpoint,
		Msg:       "simulation rejected: " + simErr,
		hint:      describeError(simErr),
		retryable: false,
		sentinel:  ErrSimulationFailed,
	}
}

func confirmationTimeoutError(endpoint, signature string) *SubmitError {
	return &SubmitError{
		Endpoint:  endpoint,
		Msg:       "no confirmation for " + signature + " within timeout",
		hint:      "Transaction may still land; reconcile against on-chain balance before retrying.",
		retryable: false,
		sentinel:  ErrConfirmationTimeout,
	}
}

func transientError(endpoint, msg string) *SubmitError {
	return &SubmitError{
		Endpoint:  endpoint,
		Msg:       msg,
		hint:      describeError(msg),
		retryable: true,
	}
}

func exhaustedError(msg string) *SubmitError {
	return &SubmitError{
		Msg:       "all endpoints exhausted: " + msg,
		hint:      describeError(msg),
		retryable: isRetryableMsg(msg) || classifyError(msg) == classUnknown,
	}
}
