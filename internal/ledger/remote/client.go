// Package remote implements ledger.Client over the full node's JSON
// HTTP API. Transport failures and 5xx responses surface as
// ledger.ErrUnavailable so callers can distinguish "could not ask"
// from "asked and was refused".
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"memvault.org/internal/ledger"
)

const defaultTimeout = 10 * time.Second

// Client talks to a ledger full node.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the node at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("remote: invalid node url %q", baseURL)
	}
	c := &Client{
		base:   u.String(),
		http:   &http.Client{Timeout: defaultTimeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type simulateRequest struct {
	TxBytes string `json:"tx_bytes"`
}

type simulateResponse struct {
	Authorized bool   `json:"authorized"`
	Error      string `json:"error,omitempty"`
}

// SimulateTransaction dry-runs an unsigned transaction on the node.
func (c *Client) SimulateTransaction(ctx context.Context, txBytes []byte) (bool, error) {
	var out simulateResponse
	err := c.post(ctx, "/v1/transactions/simulate",
		simulateRequest{TxBytes: base64.StdEncoding.EncodeToString(txBytes)}, &out)
	if err != nil {
		return false, err
	}
	if out.Error != "" {
		return false, fmt.Errorf("%w: %s", ledger.ErrInvalidTransaction, out.Error)
	}
	return out.Authorized, nil
}

// SubmitTransaction executes a signed transaction on the node.
func (c *Client) SubmitTransaction(ctx context.Context, signedTx []byte) (*ledger.TxResult, error) {
	var out ledger.TxResult
	err := c.post(ctx, "/v1/transactions",
		simulateRequest{TxBytes: base64.StdEncoding.EncodeToString(signedTx)}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetObject fetches a ledger object by id.
func (c *Client) GetObject(ctx context.Context, id string) (*ledger.Object, error) {
	var out ledger.Object
	if err := c.get(ctx, "/v1/objects/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryEvents fetches contract events matching the filter.
func (c *Client) QueryEvents(ctx context.Context, f ledger.EventFilter) ([]ledger.Event, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Owner != "" {
		q.Set("owner", f.Owner)
	}
	var out struct {
		Events []ledger.Event `json:"events"`
	}
	if err := c.get(ctx, "/v1/events", q, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("remote: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("ledger node unreachable", zap.String("url", req.URL.String()), zap.Error(err))
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ledger.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("remote: decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ledger.ErrObjectNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ledger.ErrUnauthorized, string(data))
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ledger.ErrInvalidTransaction, string(data))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: node returned %d", ledger.ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("remote: unexpected status %d: %s", resp.StatusCode, string(data))
	}
}

var _ ledger.Client = (*Client)(nil)
