package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"memvault.org/internal/seal"
)

// HTTPStore keeps objects on an external blob service speaking the
// same Put/Get/Delete JSON API.
type HTTPStore struct {
	base string
	http *http.Client
}

// NewHTTPStore creates a client for the service at baseURL.
func NewHTTPStore(baseURL string, timeout time.Duration) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("blob: invalid store url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{base: u.String(), http: &http.Client{Timeout: timeout}}, nil
}

func (s *HTTPStore) Put(ctx context.Context, id string, obj *seal.EncryptedObject) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("blob: encode object: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(id), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("blob: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("blob: put %s: status %d", id, resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) Get(ctx context.Context, id string) (*seal.EncryptedObject, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("blob: build request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: get %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob: get %s: status %d", id, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("blob: get %s: %w", id, err)
	}
	var obj seal.EncryptedObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("blob: decode object %s: %w", id, err)
	}
	return &obj, nil
}

func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(id), nil)
	if err != nil {
		return fmt.Errorf("blob: build request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("blob: delete %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("blob: delete %s: status %d", id, resp.StatusCode)
	}
	return nil
}

func (s *HTTPStore) objectURL(id string) string {
	return s.base + "/v1/objects/" + url.PathEscape(id)
}

var _ Store = (*HTTPStore)(nil)
