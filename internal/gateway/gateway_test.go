package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"memvault.org/internal/identity"
	"memvault.org/internal/keyserver"
	"memvault.org/internal/ledger"
	"memvault.org/internal/seal"
	"memvault.org/internal/session"
	"memvault.org/internal/txn"
)

const contractAddr = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"

type wallet struct {
	priv ed25519.PrivateKey
	addr string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return wallet{priv: priv, addr: identity.AddressFromKey(pub)}
}

type env struct {
	ledger   *ledger.Memory
	sources  []keyserver.ShareSource
	sessions *session.Manager
	gw       *Gateway
	now      time.Time
}

func newEnv(t *testing.T, servers int, opts ...Option) *env {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	mem := ledger.NewMemory(contractAddr, ledger.WithClock(clock))
	var sources []keyserver.ShareSource
	for i := 0; i < servers; i++ {
		priv, _, err := seal.GenerateServerKey()
		if err != nil {
			t.Fatal(err)
		}
		srv, err := keyserver.NewServer("ks-"+string(rune('a'+i)), priv, mem, keyserver.WithClock(clock))
		if err != nil {
			t.Fatal(err)
		}
		sources = append(sources, keyserver.Local{Server: srv})
	}
	sessions := session.NewManager(session.NewStore(), session.WithClock(clock))

	gw, err := New(sources, sessions, contractAddr, append([]Option{WithClock(clock)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return &env{ledger: mem, sources: sources, sessions: sessions, gw: gw, now: now}
}

func (e *env) openSession(t *testing.T, w wallet, scope string) {
	t.Helper()
	challenge, _, err := e.sessions.IssueChallenge(w.addr, scope, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.sessions.AcceptSignature(w.addr, scope, ed25519.Sign(w.priv, challenge)); err != nil {
		t.Fatal(err)
	}
}

func TestEncryptDecryptSelfPolicy(t *testing.T) {
	e := newEnv(t, 3)
	owner := newWallet(t)
	e.openSession(t, owner, "default")

	plaintext := []byte("the vault contents")
	obj, err := e.gw.Encrypt(context.Background(), plaintext,
		identity.Policy{Kind: identity.KindSelf, User: owner.addr}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(obj.Shares) != 3 || obj.Threshold != 2 {
		t.Fatalf("unexpected object shape: %#v", obj)
	}
	if obj.BackupKey != nil {
		t.Fatal("escrow disabled but backup key present")
	}

	got, err := e.gw.Decrypt(context.Background(), obj, owner.addr, "default")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("plaintext mismatch: %q", got)
	}
}

func TestDecryptDeniedForStranger(t *testing.T) {
	e := newEnv(t, 3)
	owner := newWallet(t)
	stranger := newWallet(t)
	e.openSession(t, stranger, "default")

	obj, err := e.gw.Encrypt(context.Background(), []byte("secret"),
		identity.Policy{Kind: identity.KindSelf, User: owner.addr}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.gw.Decrypt(context.Background(), obj, stranger.addr, "default"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestAppPolicyGrantAndRevoke(t *testing.T) {
	e := newEnv(t, 3)
	owner := newWallet(t)
	app := newWallet(t)
	e.openSession(t, app, "default")
	ctx := context.Background()

	obj, err := e.gw.Encrypt(ctx, []byte("shared with the app"),
		identity.Policy{Kind: identity.KindApp, User: owner.addr, App: app.addr}, 2)
	if err != nil {
		t.Fatal(err)
	}

	// Without a grant the app is denied.
	if _, err := e.gw.Decrypt(ctx, obj, app.addr, "default"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}

	grantID := grantOnLedger(t, e.ledger, owner, app.addr, obj.DataID)

	got, err := e.gw.Decrypt(ctx, obj, app.addr, "default")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "shared with the app" {
		t.Fatalf("plaintext mismatch: %q", got)
	}

	revokeOnLedger(t, e.ledger, owner, grantID)
	if _, err := e.gw.Decrypt(ctx, obj, app.addr, "default"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied after revoke, got %v", err)
	}
}

func TestOpenModeSkipsGrants(t *testing.T) {
	e := newEnv(t, 3, WithOpenMode(true))
	owner := newWallet(t)
	app := newWallet(t)
	e.openSession(t, app, "default")

	obj, err := e.gw.Encrypt(context.Background(), []byte("open deployment"),
		identity.Policy{Kind: identity.KindApp, User: owner.addr, App: app.addr}, 2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.gw.Decrypt(context.Background(), obj, app.addr, "default")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "open deployment" {
		t.Fatalf("plaintext mismatch: %q", got)
	}
}

// downSource simulates an unreachable committee member.
type downSource struct {
	name string
	pub  []byte
}

func (d downSource) Name() string      { return d.name }
func (d downSource) PublicKey() []byte { return d.pub }
func (d downSource) FetchShare(context.Context, keyserver.ShareRequest) (seal.Share, error) {
	return seal.Share{}, keyserver.ErrUnavailable
}

func TestThresholdFailsClosed(t *testing.T) {
	e := newEnv(t, 3)
	owner := newWallet(t)
	e.openSession(t, owner, "default")

	obj, err := e.gw.Encrypt(context.Background(), []byte("secret"),
		identity.Policy{Kind: identity.KindSelf, User: owner.addr}, 2)
	if err != nil {
		t.Fatal(err)
	}

	// Rebuild the gateway with two of three members down: only one
	// share can be released, below the threshold of two.
	crippled := []keyserver.ShareSource{
		e.sources[0],
		downSource{name: e.sources[1].Name(), pub: e.sources[1].PublicKey()},
		downSource{name: e.sources[2].Name(), pub: e.sources[2].PublicKey()},
	}
	gw, err := New(crippled, e.sessions, contractAddr, WithClock(func() time.Time { return e.now }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gw.Decrypt(context.Background(), obj, owner.addr, "default"); !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("expected ErrServerUnavailable, got %v", err)
	}
}

// garbageSource responds with a well-formed but wrong share.
type garbageSource struct {
	keyserver.ShareSource
}

func (g garbageSource) FetchShare(ctx context.Context, req keyserver.ShareRequest) (seal.Share, error) {
	share, err := g.ShareSource.FetchShare(ctx, req)
	if err != nil {
		return seal.Share{}, err
	}
	for i := range share.Value {
		share.Value[i] ^= 0xa5
	}
	return share, nil
}

func TestInconsistentSharesDetected(t *testing.T) {
	e := newEnv(t, 2)
	owner := newWallet(t)
	e.openSession(t, owner, "default")

	obj, err := e.gw.Encrypt(context.Background(), []byte("secret"),
		identity.Policy{Kind: identity.KindSelf, User: owner.addr}, 2)
	if err != nil {
		t.Fatal(err)
	}

	poisoned := []keyserver.ShareSource{
		garbageSource{e.sources[0]},
		e.sources[1],
	}
	gw, err := New(poisoned, e.sessions, contractAddr, WithClock(func() time.Time { return e.now }))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gw.Decrypt(context.Background(), obj, owner.addr, "default"); !errors.Is(err, ErrInconsistentServerResponse) {
		t.Fatalf("expected ErrInconsistentServerResponse, got %v", err)
	}
}

func TestDecryptWithoutSession(t *testing.T) {
	e := newEnv(t, 3)
	owner := newWallet(t)

	obj, err := e.gw.Encrypt(context.Background(), []byte("secret"),
		identity.Policy{Kind: identity.KindSelf, User: owner.addr}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.gw.Decrypt(context.Background(), obj, owner.addr, "default"); !errors.Is(err, session.ErrNoSessionFound) {
		t.Fatalf("expected ErrNoSessionFound, got %v", err)
	}
}

func TestEncryptThresholdBounds(t *testing.T) {
	e := newEnv(t, 3)
	owner := newWallet(t)
	pol := identity.Policy{Kind: identity.KindSelf, User: owner.addr}

	if _, err := e.gw.Encrypt(context.Background(), []byte("x"), pol, 0); !errors.Is(err, ErrBadThreshold) {
		t.Fatalf("expected ErrBadThreshold, got %v", err)
	}
	if _, err := e.gw.Encrypt(context.Background(), []byte("x"), pol, 4); !errors.Is(err, ErrBadThreshold) {
		t.Fatalf("expected ErrBadThreshold, got %v", err)
	}
}

func TestDecryptLatencyFromInjectedClock(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := newEnv(t, 2, WithLogger(zap.New(core)))
	owner := newWallet(t)
	e.openSession(t, owner, "default")

	obj, err := e.gw.Encrypt(context.Background(), []byte("timed"),
		identity.Policy{Kind: identity.KindSelf, User: owner.addr}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.gw.Decrypt(context.Background(), obj, owner.addr, "default"); err != nil {
		t.Fatal(err)
	}

	entries := logs.FilterMessage("decrypt finished").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion entry, got %d", len(entries))
	}
	// The env clock never advances, so mixing in wall time would show
	// up as a wildly nonzero duration here.
	if elapsed := entries[0].ContextMap()["elapsed"].(time.Duration); elapsed != 0 {
		t.Fatalf("elapsed %v under a fixed clock", elapsed)
	}
}

func TestRecoverWithEscrowKey(t *testing.T) {
	e := newEnv(t, 3, WithEscrow(true))
	owner := newWallet(t)

	obj, err := e.gw.Encrypt(context.Background(), []byte("disaster recovery"),
		identity.Policy{Kind: identity.KindSelf, User: owner.addr}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(obj.BackupKey) == 0 {
		t.Fatal("escrow enabled but no backup key")
	}
	got, err := e.gw.Recover(obj)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "disaster recovery" {
		t.Fatalf("plaintext mismatch: %q", got)
	}

	obj.BackupKey = nil
	if _, err := e.gw.Recover(obj); !errors.Is(err, ErrBadObject) {
		t.Fatalf("expected ErrBadObject, got %v", err)
	}
}

func grantOnLedger(t *testing.T, mem *ledger.Memory, owner wallet, app, dataID string) string {
	t.Helper()
	signer := txn.NewSigner(owner.priv)
	payload, err := txn.BuildGrantPayload(owner.addr, app, []string{dataID}, 0)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := signer.SignTx(payload)
	if err != nil {
		t.Fatal(err)
	}
	res, err := mem.SubmitTransaction(context.Background(), signed)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.CreatedIDs) != 1 {
		t.Fatalf("expected one grant id, got %v", res.CreatedIDs)
	}
	return res.CreatedIDs[0]
}

func revokeOnLedger(t *testing.T, mem *ledger.Memory, owner wallet, grantID string) {
	t.Helper()
	signer := txn.NewSigner(owner.priv)
	payload, err := txn.BuildRevokePayload(owner.addr, grantID)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := signer.SignTx(payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.SubmitTransaction(context.Background(), signed); err != nil {
		t.Fatal(err)
	}
}
