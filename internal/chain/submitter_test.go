package chain

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSignature = base58.Encode(bytes.Repeat([]byte{7}, 64))

type fakeRPCClient struct {
	healthErr error

	simResult *SimulateResult
	simErr    error
	simCalls  int

	sendSig   string
	sendErr   error
	sendCalls int

	status    *SignatureStatus
	statusErr error
}

func (f *fakeRPCClient) Health(ctx context.Context) error { return f.healthErr }

func (f *fakeRPCClient) SimulateTransaction(ctx context.Context, txBase64 string) (*SimulateResult, error) {
	f.simCalls++
	if f.simErr != nil {
		return nil, f.simErr
	}
	if f.simResult != nil {
		return f.simResult, nil
	}
	return &SimulateResult{}, nil
}

func (f *fakeRPCClient) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if f.sendSig != "" {
		return f.sendSig, nil
	}
	return testSignature, nil
}

func (f *fakeRPCClient) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.status != nil {
		return f.status, nil
	}
	return &SignatureStatus{}, nil
}

func testSubmitter(clients map[string]*fakeRPCClient, endpoints []Endpoint, opts SubmitOptions) *Submitter {
	factory := func(ep Endpoint) RPCClient { return clients[ep.URL] }
	registry := NewStaticRegistry(endpoints)
	health := NewHealthTracker(HealthConfig{CacheTTL: time.Hour}, factory)
	return NewSubmitter(registry, health, factory, opts)
}

func fastOpts() SubmitOptions {
	return SubmitOptions{
		Simulate:       true,
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
	}
}

func TestSubmitConfirmsOnFirstEndpoint(t *testing.T) {
	client := &fakeRPCClient{status: &SignatureStatus{Found: true, ConfirmationStatus: "confirmed"}}
	s := testSubmitter(
		map[string]*fakeRPCClient{"http://a": client},
		[]Endpoint{{Name: "a", URL: "http://a"}},
		fastOpts(),
	)

	res, err := s.Submit(context.Background(), []byte("signed-tx"))
	require.NoError(t, err)
	assert.Equal(t, testSignature, res.Signature)
	assert.Equal(t, "a", res.Endpoint)
	assert.Equal(t, 1, client.simCalls)
}

func TestSubmitPermanentSimulationErrorAborts(t *testing.T) {
	a := &fakeRPCClient{simResult: &SimulateResult{Err: `{"InstructionError":[0,"InsufficientFunds"]}`}}
	b := &fakeRPCClient{status: &SignatureStatus{Found: true, ConfirmationStatus: "confirmed"}}
	s := testSubmitter(
		map[string]*fakeRPCClient{"http://a": a, "http://b": b},
		[]Endpoint{{Name: "a", URL: "http://a"}, {Name: "b", URL: "http://b"}},
		fastOpts(),
	)

	_, err := s.Submit(context.Background(), []byte("signed-tx"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSimulationFailed)
	assert.Zero(t, a.sendCalls, "a rejected transaction must never be sent")
	assert.Zero(t, b.sendCalls, "a logic error must not fail over")

	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Retryable())
	assert.NotEmpty(t, se.Hint())
}

func TestSubmitConfirmationTimeoutIsAmbiguous(t *testing.T) {
	// Send succeeds but the signature never shows up: the outcome is unknown.
	a := &fakeRPCClient{status: &SignatureStatus{}}
	b := &fakeRPCClient{status: &SignatureStatus{Found: true, ConfirmationStatus: "confirmed"}}
	s := testSubmitter(
		map[string]*fakeRPCClient{"http://a": a, "http://b": b},
		[]Endpoint{{Name: "a", URL: "http://a"}, {Name: "b", URL: "http://b"}},
		fastOpts(),
	)

	_, err := s.Submit(context.Background(), []byte("signed-tx"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Equal(t, 1, a.sendCalls)
	assert.Zero(t, b.sendCalls, "an ambiguous outcome must not be resubmitted elsewhere")
}

func TestSubmitFailsOverOnTransportError(t *testing.T) {
	a := &fakeRPCClient{sendErr: errors.New("connection refused")}
	b := &fakeRPCClient{status: &SignatureStatus{Found: true, ConfirmationStatus: "finalized"}}
	s := testSubmitter(
		map[string]*fakeRPCClient{"http://a": a, "http://b": b},
		[]Endpoint{{Name: "a", URL: "http://a"}, {Name: "b", URL: "http://b"}},
		fastOpts(),
	)

	res, err := s.Submit(context.Background(), []byte("signed-tx"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Endpoint)
	// Simulation passed on endpoint a before the send failed; it is not
	// repeated after failover.
	assert.Equal(t, 1, a.simCalls)
	assert.Zero(t, b.simCalls)
}

func TestSubmitFailsOverOnExplicitOnChainFailure(t *testing.T) {
	a := &fakeRPCClient{status: &SignatureStatus{Found: true, Err: `{"InstructionError":[2,{"Custom":6001}]}`}}
	b := &fakeRPCClient{status: &SignatureStatus{Found: true, ConfirmationStatus: "confirmed"}}
	s := testSubmitter(
		map[string]*fakeRPCClient{"http://a": a, "http://b": b},
		[]Endpoint{{Name: "a", URL: "http://a"}, {Name: "b", URL: "http://b"}},
		fastOpts(),
	)

	res, err := s.Submit(context.Background(), []byte("signed-tx"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Endpoint, "a definitive on-chain failure allows failover")
}

func TestSubmitExhaustedEndpoints(t *testing.T) {
	a := &fakeRPCClient{sendErr: errors.New("blockhash not found")}
	opts := fastOpts()
	opts.MaxRetries = 2
	s := testSubmitter(
		map[string]*fakeRPCClient{"http://a": a},
		[]Endpoint{{Name: "a", URL: "http://a"}},
		opts,
	)

	_, err := s.Submit(context.Background(), []byte("signed-tx"))
	require.Error(t, err)
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable())
	assert.Equal(t, 2, a.sendCalls)
}

func TestSubmitNoEndpoints(t *testing.T) {
	s := testSubmitter(nil, nil, fastOpts())
	_, err := s.Submit(context.Background(), []byte("signed-tx"))
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		want errorClass
	}{
		{"InsufficientFundsForRent", classPermanent},
		{"AlreadyProcessed", classPermanent},
		{`{"InstructionError":[2,{"Custom":6001}]}`, classPermanent},
		{"Blockhash not found", classRetryable},
		{"connection reset by peer", classRetryable},
		{"rate limited (429)", classRetryable},
		{"something novel", classUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyError(tc.msg), tc.msg)
	}
}

func TestValidSignature(t *testing.T) {
	assert.True(t, ValidSignature(testSignature))
	assert.False(t, ValidSignature("nonsense"))
	assert.False(t, ValidSignature(base58.Encode(bytes.Repeat([]byte{7}, 32))))
}
