package keyserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"memvault.org/internal/seal"
)

// ShareSource is one committee member as seen by the gateway: either a
// remote server reached over HTTP or an in-process instance.
type ShareSource interface {
	Name() string
	PublicKey() []byte
	FetchShare(ctx context.Context, req ShareRequest) (seal.Share, error)
}

// HTTPClient fetches shares from a remote key server.
type HTTPClient struct {
	name string
	base string
	pub  []byte
	http *http.Client
}

// NewHTTPClient creates a client for the server at baseURL. The
// server's public key is pinned at construction; shares are wrapped to
// it at encryption time.
func NewHTTPClient(name, baseURL string, pub []byte, timeout time.Duration) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("keyserver: invalid server url %q", baseURL)
	}
	if len(pub) != 32 {
		return nil, fmt.Errorf("keyserver: bad public key for %s", name)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		name: name,
		base: u.String(),
		pub:  append([]byte(nil), pub...),
		http: &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) Name() string { return c.name }

func (c *HTTPClient) PublicKey() []byte { return append([]byte(nil), c.pub...) }

// FetchShare posts the request and maps HTTP statuses back onto the
// package's sentinel errors, keeping denial and unavailability apart.
func (c *HTTPClient) FetchShare(ctx context.Context, req ShareRequest) (seal.Share, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return seal.Share{}, fmt.Errorf("keyserver: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/share", bytes.NewReader(body))
	if err != nil {
		return seal.Share{}, fmt.Errorf("keyserver: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return seal.Share{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return seal.Share{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out shareResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return seal.Share{}, fmt.Errorf("%w: decode response: %v", ErrBadShare, err)
		}
		return seal.Share{Index: out.Index, Value: out.Value}, nil
	case http.StatusUnauthorized:
		return seal.Share{}, fmt.Errorf("%w: %s", ErrBadSession, errBody(data))
	case http.StatusForbidden:
		return seal.Share{}, fmt.Errorf("%w: %s", ErrDenied, errBody(data))
	case http.StatusUnprocessableEntity:
		return seal.Share{}, fmt.Errorf("%w: %s", ErrBadShare, errBody(data))
	default:
		return seal.Share{}, fmt.Errorf("%w: server returned %d", ErrUnavailable, resp.StatusCode)
	}
}

func errBody(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return "no detail"
}

// Local adapts an in-process Server to the ShareSource interface, used
// by tests and single-binary deployments.
type Local struct {
	Server *Server
}

func (l Local) Name() string { return l.Server.Name() }

func (l Local) PublicKey() []byte { return l.Server.PublicKey() }

func (l Local) FetchShare(ctx context.Context, req ShareRequest) (seal.Share, error) {
	return l.Server.Release(ctx, req)
}

// ParsePublicKey decodes a hex-encoded X25519 public key from config.
func ParsePublicKey(s string) ([]byte, error) {
	pub, err := hex.DecodeString(s)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("keyserver: malformed public key %q", s)
	}
	return pub, nil
}

var (
	_ ShareSource = (*HTTPClient)(nil)
	_ ShareSource = Local{}
)
