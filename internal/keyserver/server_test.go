package keyserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"memvault.org/internal/identity"
	"memvault.org/internal/ledger"
	"memvault.org/internal/seal"
	"memvault.org/internal/session"
	"memvault.org/internal/txn"
)

const contractAddr = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"

type fixture struct {
	server  *Server
	ledger  *ledger.Memory
	priv    []byte
	pub     []byte
	wallet  ed25519.PrivateKey
	user    string
	mgr     *session.Manager
	session *session.Session
	cert    session.Certificate
	token   string
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	priv, pub, err := seal.GenerateServerKey()
	if err != nil {
		t.Fatal(err)
	}
	mem := ledger.NewMemory(contractAddr, ledger.WithClock(clock))
	srv, err := NewServer("ks-1", priv, mem, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	walletPub, walletPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	user := identity.AddressFromKey(walletPub)

	mgr := session.NewManager(session.NewStore(), session.WithClock(clock))
	challenge, _, err := mgr.IssueChallenge(user, "scope-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.AcceptSignature(user, "scope-1", ed25519.Sign(walletPriv, challenge)); err != nil {
		t.Fatal(err)
	}
	sess, err := mgr.Use(user, "scope-1")
	if err != nil {
		t.Fatal(err)
	}
	cert, err := sess.Certificate()
	if err != nil {
		t.Fatal(err)
	}
	token, err := sess.RequestToken(now)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		server: srv, ledger: mem, priv: priv, pub: pub,
		wallet: walletPriv, user: user,
		mgr: mgr, session: sess, cert: cert, token: token, now: now,
	}
}

// request builds a complete self-policy ShareRequest for the fixture
// user, with a genuinely wrapped share.
func (f *fixture) request(t *testing.T) ShareRequest {
	t.Helper()
	pol := identity.Policy{Kind: identity.KindSelf, User: f.user}
	id, err := identity.Encode(pol)
	if err != nil {
		t.Fatal(err)
	}

	shares, err := seal.Split([]byte("0123456789abcdef0123456789abcdef"), 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := seal.WrapShare("ks-1", f.pub, id, shares[0])
	if err != nil {
		t.Fatal(err)
	}

	txBytes, err := txn.BuildApproval(txn.Approval{
		Sender:   f.user,
		Contract: contractAddr,
		Identity: id,
		DataID:   "doc-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	return ShareRequest{
		Identity:    id,
		DataID:      "doc-1",
		TxBytes:     txBytes,
		Token:       f.token,
		Certificate: f.cert,
		Share:       wrapped,
	}
}

func TestReleaseHappyPath(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)

	share, err := f.server.Release(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if share.Index != req.Share.Index || len(share.Value) == 0 {
		t.Fatalf("unexpected share: %#v", share)
	}
}

func TestReleaseDeniesForeignSender(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)

	// Swap in a transaction whose sender is not the session user.
	other, _ := txn.GenerateSigner()
	txBytes, err := txn.BuildApproval(txn.Approval{
		Sender:   other.Address(),
		Contract: contractAddr,
		Identity: req.Identity,
		DataID:   req.DataID,
	})
	if err != nil {
		t.Fatal(err)
	}
	req.TxBytes = txBytes

	if _, err := f.server.Release(context.Background(), req); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestReleaseDeniesOnContractRefusal(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)

	// A policy owned by someone else simulates to a clean denial.
	stranger, _ := txn.GenerateSigner()
	pol := identity.Policy{Kind: identity.KindSelf, User: stranger.Address()}
	id, err := identity.Encode(pol)
	if err != nil {
		t.Fatal(err)
	}
	req.Identity = id
	txBytes, err := txn.BuildApproval(txn.Approval{
		Sender:   f.user,
		Contract: contractAddr,
		Identity: id,
		DataID:   req.DataID,
	})
	if err != nil {
		t.Fatal(err)
	}
	req.TxBytes = txBytes

	if _, err := f.server.Release(context.Background(), req); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestReleaseRejectsForgedCertificate(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)
	req.Certificate.Scope = "escalated"

	if _, err := f.server.Release(context.Background(), req); !errors.Is(err, ErrBadSession) {
		t.Fatalf("expected ErrBadSession, got %v", err)
	}
}

func TestReleaseRejectsExpiredSessionAtBoundary(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)

	expired, err := NewServer("ks-1", f.priv, f.ledger, WithClock(func() time.Time {
		return time.UnixMilli(f.cert.ExpiresAtMs)
	}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := expired.Release(context.Background(), req); !errors.Is(err, ErrBadSession) {
		t.Fatalf("expected ErrBadSession, got %v", err)
	}
}

func TestReleaseRejectsMismatchedDataID(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)
	req.DataID = "doc-2"

	if _, err := f.server.Release(context.Background(), req); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestReleaseBadShareAfterAuthorization(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)

	// Wrap to a different server key; authorization passes but the
	// unwrap must fail.
	_, otherPub, err := seal.GenerateServerKey()
	if err != nil {
		t.Fatal(err)
	}
	shares, err := seal.Split([]byte("0123456789abcdef0123456789abcdef"), 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	req.Share, err = seal.WrapShare("ks-1", otherPub, req.Identity, shares[0])
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.server.Release(context.Background(), req); !errors.Is(err, ErrBadShare) {
		t.Fatalf("expected ErrBadShare, got %v", err)
	}
}

type unavailableLedger struct{ ledger.Client }

func (unavailableLedger) SimulateTransaction(context.Context, []byte) (bool, error) {
	return false, ledger.ErrUnavailable
}

func TestReleaseUnavailableLedger(t *testing.T) {
	f := newFixture(t)
	req := f.request(t)

	srv, err := NewServer("ks-1", f.priv, unavailableLedger{}, WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Release(context.Background(), req); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
