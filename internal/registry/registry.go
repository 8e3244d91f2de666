// Package registry manages on-ledger permission grants: creating them,
// revoking them, and listing the ones still in force. Every mutation is
// a wallet-signed transaction; the registry never holds user keys.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"memvault.org/internal/audit"
	"memvault.org/internal/ledger"
	"memvault.org/internal/txn"
)

var (
	ErrPermissionNotFound     = errors.New("registry: permission not found")
	ErrUnauthorizedRevocation = errors.New("registry: only the owner may revoke")
	ErrInvalidGrant           = errors.New("registry: invalid grant")
	ErrLedgerUnavailable      = errors.New("registry: ledger unavailable")
)

// Registry fronts the access contract's permission objects.
type Registry struct {
	ledger   ledger.Client
	recorder audit.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures the registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAudit attaches an audit recorder.
func WithAudit(rec audit.Recorder) Option {
	return func(r *Registry) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// New creates a registry over the given ledger client.
func New(lc ledger.Client, opts ...Option) *Registry {
	r := &Registry{ledger: lc, recorder: audit.Nop{}, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GrantRequest describes one permission to create. A zero ExpiresAtMs
// means the grant never expires on its own.
type GrantRequest struct {
	App         string   `json:"app"`
	DataIDs     []string `json:"data_ids"`
	ExpiresAtMs int64    `json:"expires_at_ms,omitempty"`
}

// BuildGrantPayload returns the unsigned transaction payload for a
// grant; the caller signs it with their wallet and submits the result
// through SubmitSigned.
func (r *Registry) BuildGrantPayload(owner string, req GrantRequest) ([]byte, error) {
	if err := validateGrant(req); err != nil {
		return nil, err
	}
	payload, err := txn.BuildGrantPayload(owner, req.App, req.DataIDs, req.ExpiresAtMs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	return payload, nil
}

// BuildRevokePayload returns the unsigned transaction payload for a
// revocation.
func (r *Registry) BuildRevokePayload(owner, grantID string) ([]byte, error) {
	if grantID == "" {
		return nil, fmt.Errorf("%w: empty grant id", ErrInvalidGrant)
	}
	payload, err := txn.BuildRevokePayload(owner, grantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	return payload, nil
}

// SubmitSigned executes a wallet-signed grant or revoke transaction.
// Committed transactions land in the audit trail.
func (r *Registry) SubmitSigned(ctx context.Context, signedTx []byte) (*ledger.TxResult, error) {
	res, err := r.ledger.SubmitTransaction(ctx, signedTx)
	if err != nil {
		return nil, mapLedgerErr(err)
	}
	r.recordSubmitted(ctx, signedTx, res)
	return res, nil
}

func (r *Registry) recordSubmitted(ctx context.Context, signedTx []byte, res *ledger.TxResult) {
	parsed, err := txn.ParseSigned(signedTx)
	if err != nil {
		return // the ledger accepted it, nothing more to say here
	}
	switch parsed.Kind {
	case txn.SignedGrant:
		e := audit.NewEvent(audit.ActionGrant, parsed.Signer, "", "ok")
		if len(res.CreatedIDs) == 1 {
			e.Detail = res.CreatedIDs[0]
		}
		r.recorder.Record(ctx, e)
	case txn.SignedRevoke:
		e := audit.NewEvent(audit.ActionRevoke, parsed.Signer, "", "ok")
		if rv, err := txn.ParseRevoke(parsed.Payload); err == nil {
			e.Detail = rv.GrantID
		}
		r.recorder.Record(ctx, e)
	}
}

// Grant creates a permission using the given signer. This is the
// embedded-wallet path used by tests and in-process callers.
func (r *Registry) Grant(ctx context.Context, signer *txn.Signer, req GrantRequest) (string, error) {
	payload, err := r.BuildGrantPayload(signer.Address(), req)
	if err != nil {
		return "", err
	}
	signed, err := signer.SignTx(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	res, err := r.SubmitSigned(ctx, signed)
	if err != nil {
		return "", err
	}
	if len(res.CreatedIDs) != 1 {
		return "", fmt.Errorf("%w: grant produced no object", ErrInvalidGrant)
	}
	r.logger.Info("permission granted",
		zap.String("grant_id", res.CreatedIDs[0]),
		zap.String("owner", signer.Address()),
		zap.String("app", req.App),
		zap.Int("data_ids", len(req.DataIDs)))
	return res.CreatedIDs[0], nil
}

// Revoke revokes a permission using the given signer.
func (r *Registry) Revoke(ctx context.Context, signer *txn.Signer, grantID string) error {
	payload, err := r.BuildRevokePayload(signer.Address(), grantID)
	if err != nil {
		return err
	}
	signed, err := signer.SignTx(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	if _, err := r.SubmitSigned(ctx, signed); err != nil {
		return err
	}
	r.logger.Info("permission revoked",
		zap.String("grant_id", grantID),
		zap.String("owner", signer.Address()))
	return nil
}

// BatchResult reports the outcome of one item in a batch call.
type BatchResult struct {
	GrantID string `json:"grant_id,omitempty"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

// GrantBatch creates several permissions, continuing past individual
// failures. Results align with the request slice.
func (r *Registry) GrantBatch(ctx context.Context, signer *txn.Signer, reqs []GrantRequest) []BatchResult {
	out := make([]BatchResult, len(reqs))
	for i, req := range reqs {
		id, err := r.Grant(ctx, signer, req)
		out[i] = BatchResult{GrantID: id, Err: err}
		if err != nil {
			out[i].Error = err.Error()
		}
	}
	return out
}

// RevokeBatch revokes several permissions, continuing past individual
// failures.
func (r *Registry) RevokeBatch(ctx context.Context, signer *txn.Signer, grantIDs []string) []BatchResult {
	out := make([]BatchResult, len(grantIDs))
	for i, id := range grantIDs {
		err := r.Revoke(ctx, signer, id)
		out[i] = BatchResult{GrantID: id, Err: err}
		if err != nil {
			out[i].Error = err.Error()
		}
	}
	return out
}

// Get fetches a single grant by id, whether or not it is still live.
func (r *Registry) Get(ctx context.Context, grantID string) (*ledger.Grant, error) {
	obj, err := r.ledger.GetObject(ctx, grantID)
	if err != nil {
		return nil, mapLedgerErr(err)
	}
	if obj.Type != ledger.ObjectTypeGrant {
		return nil, fmt.Errorf("%w: %s is not a grant", ErrPermissionNotFound, grantID)
	}
	var g ledger.Grant
	if err := json.Unmarshal(obj.Data, &g); err != nil {
		return nil, fmt.Errorf("registry: decode grant %s: %w", grantID, err)
	}
	return &g, nil
}

// List returns the owner's grants that are still in force: created,
// not revoked, and not past expiry at call time.
func (r *Registry) List(ctx context.Context, owner string) ([]ledger.Grant, error) {
	events, err := r.ledger.QueryEvents(ctx, ledger.EventFilter{
		Type:  ledger.EventGrantCreated,
		Owner: owner,
	})
	if err != nil {
		return nil, mapLedgerErr(err)
	}
	now := r.now()
	var out []ledger.Grant
	for _, e := range events {
		g, err := r.Get(ctx, e.ObjectID)
		if errors.Is(err, ErrPermissionNotFound) {
			continue // pruned since the event was written
		}
		if err != nil {
			return nil, err
		}
		if g.LiveAt(now) {
			out = append(out, *g)
		}
	}
	return out, nil
}

func validateGrant(req GrantRequest) error {
	if req.App == "" {
		return fmt.Errorf("%w: missing app", ErrInvalidGrant)
	}
	if len(req.DataIDs) == 0 {
		return fmt.Errorf("%w: no data ids", ErrInvalidGrant)
	}
	for _, id := range req.DataIDs {
		if id == "" {
			return fmt.Errorf("%w: empty data id", ErrInvalidGrant)
		}
	}
	if req.ExpiresAtMs < 0 {
		return fmt.Errorf("%w: negative expiry", ErrInvalidGrant)
	}
	return nil
}

func mapLedgerErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrObjectNotFound):
		return fmt.Errorf("%w: %v", ErrPermissionNotFound, err)
	case errors.Is(err, ledger.ErrUnauthorized):
		return fmt.Errorf("%w: %v", ErrUnauthorizedRevocation, err)
	case errors.Is(err, ledger.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	case errors.Is(err, ledger.ErrInvalidTransaction):
		return fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	default:
		return err
	}
}
