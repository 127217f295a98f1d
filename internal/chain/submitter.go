package chain

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"keeper/internal/logger"
)

// SubmitOptions tunes the simulate/submit/confirm protocol.
type SubmitOptions struct {
	Simulate       bool
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	MaxRetries     int           // full passes over the endpoint list
	RetryDelay     time.Duration // base delay between passes, grows linearly
}

func (o *SubmitOptions) applyDefaults() {
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// SubmitResult reports a confirmed submission.
type SubmitResult struct {
	Signature string
	Endpoint  string
}

// Submitter turns a signed transaction into a confirmed on-chain action,
// failing over across health-scored RPC endpoints.
type Submitter struct {
	registry  *Registry
	health    *HealthTracker
	newClient ClientFactory
	opts      SubmitOptions
}

func NewSubmitter(registry *Registry, health *HealthTracker, factory ClientFactory, opts SubmitOptions) *Submitter {
	opts.applyDefaults()
	if factory == nil {
		factory = NewHTTPClient
	}
	return &Submitter{registry: registry, health: health, newClient: factory, opts: opts}
}

// Submit runs the per-attempt protocol — simulate, send, poll confirmation —
// against each eligible endpoint in priority order.
//
// A permanent simulation rejection aborts with ErrSimulationFailed: the
// transaction is wrong, not the endpoint. A confirmation timeout aborts with
// ErrConfirmationTimeout without trying further endpoints — the transaction
// may have landed, and resubmitting elsewhere risks a duplicate fill. All
// other failures advance to the next endpoint; once simulation has passed on
// any endpoint it is not repeated after failover.
func (s *Submitter) Submit(ctx context.Context, signedTx []byte) (*SubmitResult, error) {
	endpoints := s.registry.Endpoints()
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	txBase64 := base64.StdEncoding.EncodeToString(signedTx)

	lastErr := "rpc failed"
	simulated := false

	for pass := 0; pass < s.opts.MaxRetries; pass++ {
		if pass > 0 {
			delay := time.Duration(pass) * s.opts.RetryDelay
			logger.Infof("submission pass %d/%d in %s", pass+1, s.opts.MaxRetries, delay)
			select {
			case <-ctx.Done():
				return nil, transientError("", ctx.Err().Error())
			case <-time.After(delay):
			}
		}

		for _, ep := range s.health.Healthy(ctx, endpoints) {
			client := s.newClient(ep)

			if s.opts.Simulate && !simulated {
				sim, err := client.SimulateTransaction(ctx, txBase64)
				if err != nil {
					lastErr = err.Error()
					s.health.MarkFailure(ep.URL)
					continue
				}
				if sim.Err != "" {
					if classifyError(sim.Err) == classPermanent {
						logger.Errorf("permanent simulation error on %s: %s", ep.Name, sim.Err)
						return nil, simulationError(ep.Name, sim.Err)
					}
					lastErr = sim.Err
					s.health.MarkFailure(ep.URL)
					continue
				}
				simulated = true
			}

			signature, err := client.SendTransaction(ctx, txBase64)
			if err != nil {
				lastErr = err.Error()
				s.health.MarkFailure(ep.URL)
				continue
			}
			if !ValidSignature(signature) {
				lastErr = fmt.Sprintf("endpoint %s returned malformed signature %q", ep.Name, signature)
				s.health.MarkFailure(ep.URL)
				continue
			}
			logger.Infof("transaction sent via %s: %s...", ep.Name, signature[:16])

			confirmed, confirmErr := s.confirm(ctx, client, signature)
			if confirmed {
				s.health.MarkSuccess(ep.URL)
				return &SubmitResult{Signature: signature, Endpoint: ep.Name}, nil
			}
			if confirmErr == "" {
				// No explicit failure and no confirmation: ambiguous. Stop
				// here and leave resolution to the reconciler.
				logger.Warnf("confirmation timeout for %s... on %s", signature[:16], ep.Name)
				return nil, confirmationTimeoutError(ep.Name, signature)
			}
			// Explicit on-chain failure: the transaction definitively did not
			// land, failover is safe.
			lastErr = confirmErr
			s.health.MarkFailure(ep.URL)
		}
	}

	logger.Errorf("transaction failed after %d passes: %s", s.opts.MaxRetries, lastErr)
	return nil, exhaustedError(lastErr)
}

// confirm polls the signature status until it finalizes, explicitly fails, or
// the confirmation window closes. Returns (false, "") on timeout.
func (s *Submitter) confirm(ctx context.Context, client RPCClient, signature string) (bool, string) {
	deadline := time.Now().Add(s.opts.ConfirmTimeout)
	poll := s.opts.PollInterval

	for time.Now().Before(deadline) {
		status, err := client.SignatureStatus(ctx, signature)
		if err == nil && status.Found {
			if status.Err != "" {
				logger.Warnf("transaction %s... failed on-chain: %s", signature[:16], status.Err)
				return false, status.Err
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				logger.Infof("transaction %s... %s", signature[:16], status.ConfirmationStatus)
				return true, ""
			}
		}
		select {
		case <-ctx.Done():
			return false, ""
		case <-time.After(poll):
		}
		// Gentle poll backoff, capped so the deadline stays meaningful.
		poll = min(poll*6/5, 2*time.Second)
	}
	return false, ""
}
