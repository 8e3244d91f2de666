package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"memvault.org/internal/identity"
	"memvault.org/internal/txn"
)

const testContract = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"

func approvalBytes(t *testing.T, sender string, pol identity.Policy, dataID, fn string) []byte {
	t.Helper()
	id, err := identity.Encode(pol)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := txn.BuildApproval(txn.Approval{
		Sender:   sender,
		Contract: testContract,
		Function: fn,
		Identity: id,
		DataID:   dataID,
		App:      pol.App,
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func submitGrant(t *testing.T, m *Memory, owner *txn.Signer, app string, dataIDs []string, expiresAtMs int64) string {
	t.Helper()
	payload, err := txn.BuildGrantPayload(owner.Address(), app, dataIDs, expiresAtMs)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := owner.SignTx(payload)
	if err != nil {
		t.Fatal(err)
	}
	res, err := m.SubmitTransaction(context.Background(), signed)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.CreatedIDs) != 1 {
		t.Fatalf("expected one created id, got %v", res.CreatedIDs)
	}
	return res.CreatedIDs[0]
}

func TestSimulateSelfPolicy(t *testing.T) {
	m := NewMemory(testContract)
	owner, _ := txn.GenerateSigner()
	stranger, _ := txn.GenerateSigner()
	pol := identity.Policy{Kind: identity.KindSelf, User: owner.Address()}

	ok, err := m.SimulateTransaction(context.Background(), approvalBytes(t, owner.Address(), pol, "doc-1", ""))
	if err != nil || !ok {
		t.Fatalf("owner should be authorized: ok=%v err=%v", ok, err)
	}
	ok, err = m.SimulateTransaction(context.Background(), approvalBytes(t, stranger.Address(), pol, "doc-1", ""))
	if err != nil || ok {
		t.Fatalf("stranger must be denied: ok=%v err=%v", ok, err)
	}
}

func TestSimulateAppPolicyWithGrantLifecycle(t *testing.T) {
	m := NewMemory(testContract)
	owner, _ := txn.GenerateSigner()
	app, _ := txn.GenerateSigner()
	pol := identity.Policy{Kind: identity.KindApp, User: owner.Address(), App: app.Address()}
	ctx := context.Background()

	// No grant yet: denied.
	ok, err := m.SimulateTransaction(ctx, approvalBytes(t, app.Address(), pol, "doc-1", ""))
	if err != nil || ok {
		t.Fatalf("expected denial without grant: ok=%v err=%v", ok, err)
	}

	grantID := submitGrant(t, m, owner, app.Address(), []string{"doc-1"}, 0)

	ok, err = m.SimulateTransaction(ctx, approvalBytes(t, app.Address(), pol, "doc-1", ""))
	if err != nil || !ok {
		t.Fatalf("expected approval with live grant: ok=%v err=%v", ok, err)
	}

	// Grant does not cover another data item.
	ok, _ = m.SimulateTransaction(ctx, approvalBytes(t, app.Address(), pol, "doc-2", ""))
	if ok {
		t.Fatal("grant must not cover doc-2")
	}

	// Revoke and re-check.
	payload, err := txn.BuildRevokePayload(owner.Address(), grantID)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := owner.SignTx(payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.SubmitTransaction(ctx, signed); err != nil {
		t.Fatal(err)
	}
	ok, _ = m.SimulateTransaction(ctx, approvalBytes(t, app.Address(), pol, "doc-1", ""))
	if ok {
		t.Fatal("revoked grant must deny")
	}
}

func TestSimulateAppOpenModeSkipsGrantCheck(t *testing.T) {
	m := NewMemory(testContract)
	owner, _ := txn.GenerateSigner()
	app, _ := txn.GenerateSigner()
	pol := identity.Policy{Kind: identity.KindApp, User: owner.Address(), App: app.Address()}

	ok, err := m.SimulateTransaction(context.Background(),
		approvalBytes(t, app.Address(), pol, "doc-1", txn.FuncApproveOpen))
	if err != nil || !ok {
		t.Fatalf("open mode should approve the addressed app: ok=%v err=%v", ok, err)
	}

	// Even in open mode only the addressed app gets through.
	other, _ := txn.GenerateSigner()
	ok, _ = m.SimulateTransaction(context.Background(),
		approvalBytes(t, other.Address(), pol, "doc-1", txn.FuncApproveOpen))
	if ok {
		t.Fatal("open mode must still reject foreign senders")
	}
}

func TestGrantExpiryBoundary(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	m := NewMemory(testContract, WithClock(func() time.Time { return now }))
	owner, _ := txn.GenerateSigner()
	app, _ := txn.GenerateSigner()
	pol := identity.Policy{Kind: identity.KindApp, User: owner.Address(), App: app.Address()}

	expiry := start.Add(time.Hour)
	submitGrant(t, m, owner, app.Address(), []string{"doc-1"}, expiry.UnixMilli())

	ok, _ := m.SimulateTransaction(context.Background(), approvalBytes(t, app.Address(), pol, "doc-1", ""))
	if !ok {
		t.Fatal("grant should be live before expiry")
	}

	now = expiry // boundary is inclusive: expired
	ok, _ = m.SimulateTransaction(context.Background(), approvalBytes(t, app.Address(), pol, "doc-1", ""))
	if ok {
		t.Fatal("grant must be dead at the expiry instant")
	}
}

func TestSimulateTimeLockedPolicy(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	m := NewMemory(testContract, WithClock(func() time.Time { return now }))
	owner, _ := txn.GenerateSigner()
	pol := identity.Policy{Kind: identity.KindTimeLocked, User: owner.Address(), ExpiresAtMs: start.Add(time.Hour).UnixMilli()}

	ok, err := m.SimulateTransaction(context.Background(), approvalBytes(t, owner.Address(), pol, "doc-1", ""))
	if err != nil || !ok {
		t.Fatalf("inside the window: ok=%v err=%v", ok, err)
	}

	now = start.Add(time.Hour)
	ok, _ = m.SimulateTransaction(context.Background(), approvalBytes(t, owner.Address(), pol, "doc-1", ""))
	if ok {
		t.Fatal("window end is inclusive-expired")
	}
}

func TestSimulateRoleAndConditionPolicies(t *testing.T) {
	m := NewMemory(testContract)
	owner, _ := txn.GenerateSigner()
	member, _ := txn.GenerateSigner()
	ctx := context.Background()

	rolePol := identity.Policy{Kind: identity.KindRole, User: owner.Address(), Role: "auditor"}
	ok, _ := m.SimulateTransaction(ctx, approvalBytes(t, member.Address(), rolePol, "doc-1", ""))
	if ok {
		t.Fatal("role not assigned yet")
	}
	m.SetRole(owner.Address(), "auditor", member.Address())
	ok, _ = m.SimulateTransaction(ctx, approvalBytes(t, member.Address(), rolePol, "doc-1", ""))
	if !ok {
		t.Fatal("assigned role must authorize")
	}

	hash, err := identity.ConditionHash(map[string]any{"kyc": true})
	if err != nil {
		t.Fatal(err)
	}
	condPol := identity.Policy{Kind: identity.KindConditional, User: owner.Address(), ConditionHash: hash}
	ok, _ = m.SimulateTransaction(ctx, approvalBytes(t, member.Address(), condPol, "doc-1", ""))
	if ok {
		t.Fatal("condition not satisfied yet")
	}
	m.SetCondition(hash, true)
	ok, _ = m.SimulateTransaction(ctx, approvalBytes(t, member.Address(), condPol, "doc-1", ""))
	if !ok {
		t.Fatal("satisfied condition must authorize")
	}
}

func TestRevokeRequiresOwner(t *testing.T) {
	m := NewMemory(testContract)
	owner, _ := txn.GenerateSigner()
	app, _ := txn.GenerateSigner()
	attacker, _ := txn.GenerateSigner()
	grantID := submitGrant(t, m, owner, app.Address(), []string{"doc-1"}, 0)

	payload, err := txn.BuildRevokePayload(attacker.Address(), grantID)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := attacker.SignTx(payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.SubmitTransaction(context.Background(), signed); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestQueryEventsFiltered(t *testing.T) {
	m := NewMemory(testContract)
	owner, _ := txn.GenerateSigner()
	other, _ := txn.GenerateSigner()
	app, _ := txn.GenerateSigner()

	submitGrant(t, m, owner, app.Address(), []string{"doc-1"}, 0)
	submitGrant(t, m, other, app.Address(), []string{"doc-2"}, 0)

	events, err := m.QueryEvents(context.Background(), EventFilter{Type: EventGrantCreated, Owner: owner.Address()})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Owner != owner.Address() {
		t.Fatalf("unexpected events: %#v", events)
	}
}

func TestGetObjectRoundTrip(t *testing.T) {
	m := NewMemory(testContract)
	owner, _ := txn.GenerateSigner()
	app, _ := txn.GenerateSigner()
	grantID := submitGrant(t, m, owner, app.Address(), []string{"doc-1"}, 0)

	obj, err := m.GetObject(context.Background(), grantID)
	if err != nil {
		t.Fatal(err)
	}
	if obj.Type != ObjectTypeGrant || obj.Owner != owner.Address() {
		t.Fatalf("unexpected object: %#v", obj)
	}
	if _, err := m.GetObject(context.Background(), "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}
