package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// RPCClient is the per-endpoint capability the submitter and health tracker
// need. Implementations are cheap to construct; one is made per (endpoint,
// attempt).
type RPCClient interface {
	Health(ctx context.Context) error
	SimulateTransaction(ctx context.Context, txBase64 string) (*SimulateResult, error)
	SendTransaction(ctx context.Context, txBase64 string) (string, error)
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
}

// SimulateResult carries the simulated execution outcome. Err is empty when
// the transaction would succeed.
type SimulateResult struct {
	Err  string
	Logs []string
}

// SignatureStatus is one confirmation poll answer.
type SignatureStatus struct {
	Found              bool
	Err                string
	ConfirmationStatus string // processed | confirmed | finalized
}

// ClientFactory builds an RPCClient for one endpoint. Injected so tests can
// swap the transport.
type ClientFactory func(Endpoint) RPCClient

// NewHTTPClient is the production ClientFactory: JSON-RPC 2.0 over HTTP.
func NewHTTPClient(ep Endpoint) RPCClient {
	return &httpRPCClient{
		endpoint: ep,
		client:   &http.Client{Timeout: ep.Timeout},
	}
}

type httpRPCClient struct {
	endpoint  Endpoint
	client    *http.Client
	requestID atomic.Uint64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func (c *httpRPCClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *httpRPCClient) Health(ctx context.Context) error {
	var result string
	if err := c.call(ctx, "getHealth", nil, &result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("endpoint %s reports %q", c.endpoint.Name, result)
	}
	return nil
}

type simulateValue struct {
	Err  json.RawMessage `json:"err"`
	Logs []string        `json:"logs"`
}

type valueEnvelope[T any] struct {
	Value T `json:"value"`
}

func (c *httpRPCClient) SimulateTransaction(ctx context.Context, txBase64 string) (*SimulateResult, error) {
	var result valueEnvelope[simulateValue]
	params := []any{txBase64, map[string]any{"encoding": "base64", "commitment": "processed"}}
	if err := c.call(ctx, "simulateTransaction", params, &result); err != nil {
		return nil, err
	}
	out := &SimulateResult{Logs: result.Value.Logs}
	if errRaw := result.Value.Err; len(errRaw) > 0 && string(errRaw) != "null" {
		out.Err = string(errRaw)
	}
	return out, nil
}

func (c *httpRPCClient) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	var signature string
	params := []any{txBase64, map[string]any{"encoding": "base64", "skipPreflight": false, "maxRetries": 3}}
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	if signature == "" {
		return "", fmt.Errorf("send returned no signature")
	}
	return signature, nil
}

type signatureStatusValue struct {
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

func (c *httpRPCClient) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	var result valueEnvelope[[]*signatureStatusValue]
	if err := c.call(ctx, "getSignatureStatuses", []any{[]string{signature}}, &result); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return &SignatureStatus{}, nil
	}
	status := result.Value[0]
	out := &SignatureStatus{Found: true, ConfirmationStatus: status.ConfirmationStatus}
	if errRaw := status.Err; len(errRaw) > 0 && string(errRaw) != "null" {
		out.Err = string(errRaw)
	}
	return out, nil
}
