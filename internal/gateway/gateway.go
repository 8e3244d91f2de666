// Package gateway orchestrates threshold encryption and decryption
// against the key-server committee. Encryption is local and needs no
// session; decryption requires a signed session and release of at
// least threshold shares.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"memvault.org/internal/audit"
	"memvault.org/internal/blob"
	"memvault.org/internal/identity"
	"memvault.org/internal/ids"
	"memvault.org/internal/keyserver"
	"memvault.org/internal/obs"
	"memvault.org/internal/seal"
	"memvault.org/internal/session"
	"memvault.org/internal/txn"
)

const defaultDecryptTimeout = 30 * time.Second

// Gateway fronts the committee for one deployment.
type Gateway struct {
	sources  []keyserver.ShareSource
	sessions *session.Manager
	contract string
	open     bool
	escrow   bool
	timeout  time.Duration
	store    blob.Store
	recorder audit.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures the gateway.
type Option func(*Gateway)

// WithOpenMode switches the deployment to open approvals: key servers
// simulate seal_approve_open instead of seal_approve. This is a
// startup decision, never a per-request one.
func WithOpenMode(open bool) Option {
	return func(g *Gateway) { g.open = open }
}

// WithEscrow controls whether encryption embeds a backup copy of the
// data key for disaster recovery.
func WithEscrow(escrow bool) Option {
	return func(g *Gateway) { g.escrow = escrow }
}

// WithDecryptTimeout bounds the whole scatter/gather phase.
func WithDecryptTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithBlobStore attaches object persistence; Encrypt then stores the
// result and DecryptByID can fetch by data id.
func WithBlobStore(s blob.Store) Option {
	return func(g *Gateway) { g.store = s }
}

// WithAudit attaches an audit recorder.
func WithAudit(r audit.Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a gateway over the given committee. contract is the
// access contract's address on the ledger.
func New(sources []keyserver.ShareSource, sessions *session.Manager, contract string, opts ...Option) (*Gateway, error) {
	if len(sources) == 0 {
		return nil, errors.New("gateway: no key servers configured")
	}
	if _, err := identity.DecodeAddress(contract); err != nil {
		return nil, fmt.Errorf("gateway: contract address: %w", err)
	}
	g := &Gateway{
		sources:  sources,
		sessions: sessions,
		contract: contract,
		timeout:  defaultDecryptTimeout,
		recorder: audit.Nop{},
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Encrypt seals plaintext under the policy so that any threshold-sized
// subset of the committee can later authorize decryption. The result
// is stored if a blob store is attached.
func (g *Gateway) Encrypt(ctx context.Context, plaintext []byte, pol identity.Policy, threshold int) (*seal.EncryptedObject, error) {
	if threshold < 1 || threshold > len(g.sources) {
		return nil, fmt.Errorf("%w: %d of %d servers", ErrBadThreshold, threshold, len(g.sources))
	}
	id, err := identity.Encode(pol)
	if err != nil {
		return nil, err
	}

	dek, err := seal.GenerateDEK()
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, err := seal.SealPlaintext(dek, id, plaintext)
	if err != nil {
		return nil, err
	}
	shares, err := seal.Split(dek, len(g.sources), threshold)
	if err != nil {
		return nil, err
	}

	obj := &seal.EncryptedObject{
		Version:    seal.ObjectVersion,
		Identity:   id,
		DataID:     ids.New(),
		Threshold:  threshold,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Shares:     make([]seal.WrappedShare, 0, len(g.sources)),
	}
	for i, src := range g.sources {
		ws, err := seal.WrapShare(src.Name(), src.PublicKey(), id, shares[i])
		if err != nil {
			return nil, err
		}
		obj.Shares = append(obj.Shares, ws)
	}
	if g.escrow {
		obj.BackupKey = dek
	}

	if g.store != nil {
		if err := g.store.Put(ctx, obj.DataID, obj); err != nil {
			return nil, err
		}
	}

	g.recorder.Record(ctx, audit.NewEvent(audit.ActionEncrypt, pol.User, obj.DataID, "ok"))
	g.logger.Info("object encrypted",
		zap.String("data_id", obj.DataID),
		zap.Int("threshold", threshold),
		zap.Int("servers", len(g.sources)))
	return obj, nil
}

// Decrypt recovers the plaintext of obj for the given session. The
// caller must hold a signed session for (user, scope); the gateway
// never retries a denial.
func (g *Gateway) Decrypt(ctx context.Context, obj *seal.EncryptedObject, user, scope string) ([]byte, error) {
	start := g.now()
	dataID := ""
	if obj != nil {
		dataID = obj.DataID
	}
	plaintext, err := g.decrypt(ctx, obj, user, scope)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrAccessDenied):
		outcome = "denied"
	case errors.Is(err, ErrServerUnavailable):
		outcome = "unavailable"
	case errors.Is(err, ErrInconsistentServerResponse):
		outcome = "inconsistent"
	case err != nil:
		outcome = "error"
	}
	// Both latency endpoints come from the injected clock.
	elapsed := g.now().Sub(start)
	obs.ObserveDecrypt(outcome, elapsed)
	g.recorder.Record(ctx, audit.NewEvent(audit.ActionDecrypt, user, dataID, outcome))
	g.logger.Debug("decrypt finished",
		zap.String("data_id", dataID),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed))
	return plaintext, err
}

func (g *Gateway) decrypt(ctx context.Context, obj *seal.EncryptedObject, user, scope string) ([]byte, error) {
	if obj == nil || obj.Version != seal.ObjectVersion {
		return nil, fmt.Errorf("%w: unknown version", ErrBadObject)
	}
	if obj.Threshold < 1 || obj.Threshold > len(obj.Shares) {
		return nil, fmt.Errorf("%w: threshold out of range", ErrBadObject)
	}

	sess, err := g.sessions.Use(user, scope)
	if err != nil {
		return nil, err
	}
	cert, err := sess.Certificate()
	if err != nil {
		return nil, err
	}
	token, err := sess.RequestToken(g.now())
	if err != nil {
		return nil, err
	}

	fn := txn.FuncApprove
	if g.open {
		fn = txn.FuncApproveOpen
	}
	pol, err := identity.Parse(obj.Identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadObject, err)
	}
	txBytes, err := txn.BuildApproval(txn.Approval{
		Sender:   user,
		Contract: g.contract,
		Function: fn,
		Identity: obj.Identity,
		DataID:   obj.DataID,
		App:      pol.App,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadObject, err)
	}

	shares, err := g.gatherShares(ctx, obj, cert, token, txBytes)
	if err != nil {
		return nil, err
	}

	dek, err := seal.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistentServerResponse, err)
	}
	plaintext, err := seal.OpenPlaintext(dek, obj.Identity, obj.Nonce, obj.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: reassembled key does not open object", ErrInconsistentServerResponse)
	}
	return plaintext, nil
}

type fetchResult struct {
	server string
	share  seal.Share
	err    error
}

// gatherShares scatters one request per wrapped share and collects
// responses until the threshold is met, a denial arrives, or every
// request has finished. A single denial fails the whole decrypt.
func (g *Gateway) gatherShares(ctx context.Context, obj *seal.EncryptedObject, cert session.Certificate, token string, txBytes []byte) ([]seal.Share, error) {
	byName := make(map[string]keyserver.ShareSource, len(g.sources))
	for _, src := range g.sources {
		byName[src.Name()] = src
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	results := make(chan fetchResult, len(obj.Shares))
	var launched int
	var wg sync.WaitGroup
	for _, ws := range obj.Shares {
		src, ok := byName[ws.Server]
		if !ok {
			continue // committee changed since encryption
		}
		launched++
		wg.Add(1)
		go func(src keyserver.ShareSource, ws seal.WrappedShare) {
			defer wg.Done()
			share, err := src.FetchShare(ctx, keyserver.ShareRequest{
				Identity:    obj.Identity,
				DataID:      obj.DataID,
				TxBytes:     txBytes,
				Token:       token,
				Certificate: cert,
				Share:       ws,
			})
			select {
			case results <- fetchResult{server: src.Name(), share: share, err: err}:
			case <-ctx.Done():
			}
		}(src, ws)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	if launched < obj.Threshold {
		return nil, fmt.Errorf("%w: only %d of %d committee members known", ErrBadObject, launched, obj.Threshold)
	}

	var shares []seal.Share
	var badShares, failures int
	for res := range results {
		switch {
		case res.err == nil:
			shares = append(shares, res.share)
			if len(shares) >= obj.Threshold {
				return shares, nil
			}
		case errors.Is(res.err, keyserver.ErrDenied):
			g.logger.Info("share denied", zap.String("server", res.server))
			return nil, fmt.Errorf("%w: %s refused release", ErrAccessDenied, res.server)
		case errors.Is(res.err, keyserver.ErrBadSession):
			return nil, res.err
		case errors.Is(res.err, keyserver.ErrBadShare):
			badShares++
			g.logger.Warn("share unusable", zap.String("server", res.server), zap.Error(res.err))
		default:
			failures++
			g.logger.Warn("share fetch failed", zap.String("server", res.server), zap.Error(res.err))
		}
	}

	if badShares > 0 {
		return nil, fmt.Errorf("%w: %d servers returned unusable shares", ErrInconsistentServerResponse, badShares)
	}
	return nil, fmt.Errorf("%w: %d of %d shares released", ErrServerUnavailable, len(shares), obj.Threshold)
}

// DecryptByID fetches the object from the blob store and decrypts it.
func (g *Gateway) DecryptByID(ctx context.Context, dataID, user, scope string) ([]byte, error) {
	if g.store == nil {
		return nil, errors.New("gateway: no blob store configured")
	}
	obj, err := g.store.Get(ctx, dataID)
	if err != nil {
		return nil, err
	}
	return g.Decrypt(ctx, obj, user, scope)
}

// Recover opens an object with its escrowed backup key, bypassing the
// committee entirely. It only works for objects encrypted with escrow
// enabled.
func (g *Gateway) Recover(obj *seal.EncryptedObject) ([]byte, error) {
	if obj == nil || len(obj.BackupKey) == 0 {
		return nil, fmt.Errorf("%w: no backup key", ErrBadObject)
	}
	plaintext, err := seal.OpenPlaintext(obj.BackupKey, obj.Identity, obj.Nonce, obj.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: backup key does not open object", ErrBadObject)
	}
	return plaintext, nil
}

// Sessions exposes the session manager for the HTTP layer.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// OpenMode reports whether the deployment runs open approvals.
func (g *Gateway) OpenMode() bool { return g.open }
