package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/risc0/kailua-validator/validator/types"
)

// DelegatedBackend preflights locally and delegates proof computation to a
// remote proving service, polling until the proof completes. Segment limits
// are a local-chunking concern and have no effect here.
type DelegatedBackend struct {
	log   log.Logger
	cfg   Config
	host  *hostRunner
	api   *proverClient
	store *Store
}

func (b *DelegatedBackend) Preflight(ctx context.Context, subject types.Subject) (types.Witness, error) {
	return b.host.Preflight(ctx, subject)
}

func (b *DelegatedBackend) Prove(ctx context.Context, witness types.Witness) (types.Proof, error) {
	if err := checkWitnessSize(witness, b.cfg.MaxWitnessSize); err != nil {
		return types.Proof{}, err
	}
	if proof, ok := b.store.Find(witness.Digest); ok {
		b.log.Info("Proof cache hit", "subject", witness.Subject, "witness", witness.Digest)
		proof.Subject = witness.Subject
		return proof, nil
	}

	requestID, err := b.api.submitWitness(ctx, witness.Path)
	if err != nil {
		return types.Proof{}, fmt.Errorf("failed to delegate proof for %v: %w", witness.Subject, err)
	}
	b.log.Info("Delegated proof request", "subject", witness.Subject, "request", requestID)

	for {
		status, err := b.api.proofStatus(ctx, requestID)
		if err != nil {
			return types.Proof{}, fmt.Errorf("failed to poll proof request %s: %w", requestID, err)
		}
		switch status.State {
		case proofStateComplete:
			proof := types.Proof{
				Subject: witness.Subject,
				Kind:    witness.Subject.Kind,
				Seal:    status.Seal,
				Journal: status.Journal,
			}
			b.store.Save(witness.Digest, proof)
			return proof, nil
		case proofStateFailed:
			return types.Proof{}, fmt.Errorf("delegated proof request %s failed: %s", requestID, status.Error)
		}
		select {
		case <-time.After(b.cfg.PollInterval):
		case <-ctx.Done():
			return types.Proof{}, ctx.Err()
		}
	}
}

const (
	proofStatePending  = "pending"
	proofStateComplete = "complete"
	proofStateFailed   = "failed"
)

type proofStatusResponse struct {
	State   string        `json:"state"`
	Seal    hexutil.Bytes `json:"seal,omitempty"`
	Journal hexutil.Bytes `json:"journal,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type submitWitnessResponse struct {
	RequestID string `json:"request_id"`
}

// proverClient is a JSON-RPC client for the remote proving service,
// authenticated with a bearer API key.
type proverClient struct {
	url    string
	apiKey string
	client *http.Client
}

func newProverClient(url, apiKey string) *proverClient {
	return &proverClient{url: url, apiKey: apiKey, client: http.DefaultClient}
}

// submitWitness streams the witness file to the service's upload endpoint.
// Witnesses run to gigabytes; buffering one in memory is not an option.
func (c *proverClient) submitWitness(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open witness %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat witness %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.url, "/")+"/witness", f)
	if err != nil {
		return "", err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpRes, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer httpRes.Body.Close()
	if httpRes.StatusCode != http.StatusOK {
		return "", fmt.Errorf("witness upload rejected: %s", httpRes.Status)
	}
	var res submitWitnessResponse
	if err := json.NewDecoder(httpRes.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("failed to decode witness upload response: %w", err)
	}
	return res.RequestID, nil
}

func (c *proverClient) proofStatus(ctx context.Context, requestID string) (*proofStatusResponse, error) {
	return send[proofStatusResponse](ctx, c, "prover_proofStatus", []any{requestID})
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      string `json:"id"`
}

type rpcResponse[T any] struct {
	Result *T        `json:"result"`
	Error  *rpcError `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("[%d] %s", e.Code, e.Message) }

func send[T any](ctx context.Context, c *proverClient, method string, params any) (*T, error) {
	body, err := json.Marshal(rpcRequest{Jsonrpc: "2.0", Method: method, Params: params, ID: "0"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpRes, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpRes.Body.Close()
	data, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, err
	}
	var res rpcResponse[T]
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s response: %w", method, err)
	}
	if res.Error != nil {
		return nil, res.Error
	}
	if res.Result == nil {
		return nil, fmt.Errorf("empty %s response", method)
	}
	return res.Result, nil
}
