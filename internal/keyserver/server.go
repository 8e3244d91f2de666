// Package keyserver implements one member of the decryption committee.
// A server holds an X25519 keypair and releases its wrapped key share
// only to callers with a valid session whose approval transaction
// simulates clean against the access contract.
package keyserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"memvault.org/internal/ledger"
	"memvault.org/internal/obs"
	"memvault.org/internal/seal"
	"memvault.org/internal/session"
	"memvault.org/internal/txn"
)

// ShareRequest carries everything a server needs to decide one share
// release. TxBytes is the unsigned approval transaction the server
// simulates; it is never executed.
type ShareRequest struct {
	Identity    []byte              `json:"identity"`
	DataID      string              `json:"data_id"`
	TxBytes     []byte              `json:"tx_bytes"`
	Token       string              `json:"token"`
	Certificate session.Certificate `json:"certificate"`
	Share       seal.WrappedShare   `json:"share"`
}

// Server is a single key server instance.
type Server struct {
	name   string
	priv   []byte
	pub    []byte
	ledger ledger.Client
	now    func() time.Time
	logger *zap.Logger
}

// Option configures the server.
type Option func(*Server)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Server) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a key server from its X25519 private key.
func NewServer(name string, priv []byte, lc ledger.Client, opts ...Option) (*Server, error) {
	if name == "" {
		return nil, errors.New("keyserver: empty server name")
	}
	pub, err := seal.PublicKey(priv)
	if err != nil {
		return nil, fmt.Errorf("keyserver: derive public key: %w", err)
	}
	s := &Server{
		name:   name,
		priv:   priv,
		pub:    pub,
		ledger: lc,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the server's committee name.
func (s *Server) Name() string { return s.name }

// PublicKey returns the server's X25519 public key.
func (s *Server) PublicKey() []byte { return append([]byte(nil), s.pub...) }

// Release verifies the session and the approval transaction, then
// unwraps and returns the requested share. Every failure path is
// classified: credential problems, clean denials, and evaluation
// failures are distinct errors.
func (s *Server) Release(ctx context.Context, req ShareRequest) (seal.Share, error) {
	if err := s.verifySession(req); err != nil {
		obs.ShareOutcome(s.name, "bad_session")
		return seal.Share{}, err
	}

	if err := s.checkApproval(req); err != nil {
		obs.ShareOutcome(s.name, "denied")
		return seal.Share{}, err
	}

	ok, err := s.ledger.SimulateTransaction(ctx, req.TxBytes)
	if err != nil {
		if errors.Is(err, ledger.ErrUnavailable) {
			obs.ShareOutcome(s.name, "unavailable")
			s.logger.Warn("ledger unreachable during simulation", zap.Error(err))
			return seal.Share{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		obs.ShareOutcome(s.name, "denied")
		return seal.Share{}, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	if !ok {
		obs.ShareOutcome(s.name, "denied")
		s.logger.Info("share release denied",
			zap.String("user", req.Certificate.User),
			zap.String("data_id", req.DataID))
		return seal.Share{}, ErrDenied
	}

	share, err := seal.UnwrapShare(s.priv, req.Identity, req.Share)
	if err != nil {
		obs.ShareOutcome(s.name, "bad_share")
		return seal.Share{}, fmt.Errorf("%w: %v", ErrBadShare, err)
	}

	obs.ShareOutcome(s.name, "released")
	return share, nil
}

// verifySession checks the full credential chain: wallet signature on
// the certificate, session expiry, and the per-request token. The
// expiry boundary is inclusive.
func (s *Server) verifySession(req ShareRequest) error {
	cert := req.Certificate
	if err := session.VerifyCertificate(cert); err != nil {
		return fmt.Errorf("%w: certificate: %v", ErrBadSession, err)
	}
	if s.now().UnixMilli() >= cert.ExpiresAtMs {
		return fmt.Errorf("%w: session expired", ErrBadSession)
	}
	if err := session.VerifyRequestToken(req.Token, cert, s.now); err != nil {
		return fmt.Errorf("%w: request token: %v", ErrBadSession, err)
	}
	return nil
}

// checkApproval makes sure the transaction the caller wants simulated
// actually matches the session and the requested object. Without this
// a caller could present someone else's transaction alongside their
// own valid session.
func (s *Server) checkApproval(req ShareRequest) error {
	a, err := txn.ParseApproval(req.TxBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDenied, err)
	}
	if a.Sender != req.Certificate.User {
		return fmt.Errorf("%w: transaction sender is not the session user", ErrDenied)
	}
	if !bytes.Equal(a.Identity, req.Identity) {
		return fmt.Errorf("%w: identity mismatch", ErrDenied)
	}
	if a.DataID != req.DataID {
		return fmt.Errorf("%w: data id mismatch", ErrDenied)
	}
	return nil
}
