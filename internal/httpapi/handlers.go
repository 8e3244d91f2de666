package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"memvault.org/internal/audit"
	"memvault.org/internal/blob"
	"memvault.org/internal/gateway"
	"memvault.org/internal/identity"
	"memvault.org/internal/keyserver"
	"memvault.org/internal/ledger"
	"memvault.org/internal/registry"
	"memvault.org/internal/seal"
	"memvault.org/internal/session"
	"memvault.org/internal/txn"
)

// policyDTO is the wire form of an access policy.
type policyDTO struct {
	Kind          string `json:"kind"`
	User          string `json:"user"`
	App           string `json:"app,omitempty"`
	ExpiresAtMs   int64  `json:"expires_at_ms,omitempty"`
	Role          string `json:"role,omitempty"`
	ConditionHash string `json:"condition_hash,omitempty"`
}

func (d policyDTO) toPolicy() (identity.Policy, error) {
	p := identity.Policy{
		User:          d.User,
		App:           d.App,
		ExpiresAtMs:   d.ExpiresAtMs,
		Role:          d.Role,
		ConditionHash: d.ConditionHash,
	}
	switch d.Kind {
	case "self":
		p.Kind = identity.KindSelf
	case "app":
		p.Kind = identity.KindApp
	case "time":
		p.Kind = identity.KindTimeLocked
	case "role":
		p.Kind = identity.KindRole
	case "cond":
		p.Kind = identity.KindConditional
	default:
		return identity.Policy{}, fmt.Errorf("%w: unknown kind %q", identity.ErrInvalidIdentity, d.Kind)
	}
	return p, nil
}

func (a *API) handleSessionChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User  string `json:"user"`
		Scope string `json:"scope"`
		TTLMs int64  `json:"ttl_ms,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	challenge, expiresAt, err := a.gw.Sessions().IssueChallenge(req.User, req.Scope, msToDuration(req.TTLMs))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), audit.ActionSessionIssued, req.User, req.Scope)
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":     challenge,
		"expires_at_ms": expiresAt.UnixMilli(),
	})
}

func (a *API) handleSessionSignature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User      string `json:"user"`
		Scope     string `json:"scope"`
		Signature []byte `json:"signature"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := a.gw.Sessions().AcceptSignature(req.User, req.Scope, req.Signature); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), audit.ActionSessionSigned, req.User, req.Scope)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plaintext []byte    `json:"plaintext"`
		Policy    policyDTO `json:"policy"`
		Threshold int       `json:"threshold"`
	}
	if !decode(w, r, &req) {
		return
	}
	pol, err := req.Policy.toPolicy()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	obj, err := a.gw.Encrypt(r.Context(), req.Plaintext, pol, req.Threshold)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data_id": obj.DataID,
		"object":  obj,
	})
}

func (a *API) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DataID string                `json:"data_id,omitempty"`
		Object *seal.EncryptedObject `json:"object,omitempty"`
		User   string                `json:"user"`
		Scope  string                `json:"scope"`
	}
	if !decode(w, r, &req) {
		return
	}

	var plaintext []byte
	var err error
	switch {
	case req.Object != nil:
		plaintext, err = a.gw.Decrypt(r.Context(), req.Object, req.User, req.Scope)
	case req.DataID != "":
		plaintext, err = a.gw.DecryptByID(r.Context(), req.DataID, req.User, req.Scope)
	default:
		writeError(w, http.StatusBadRequest, "either object or data_id is required")
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plaintext": plaintext})
}

func (a *API) handlePermissionBuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner         string                 `json:"owner"`
		Grant         *registry.GrantRequest `json:"grant,omitempty"`
		RevokeGrantID string                 `json:"revoke_grant_id,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}

	var payload []byte
	var err error
	switch {
	case req.Grant != nil:
		payload, err = a.reg.BuildGrantPayload(req.Owner, *req.Grant)
	case req.RevokeGrantID != "":
		payload, err = a.reg.BuildRevokePayload(req.Owner, req.RevokeGrantID)
	default:
		writeError(w, http.StatusBadRequest, "either grant or revoke_grant_id is required")
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": payload})
}

func (a *API) handlePermissionSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignedTx []byte `json:"signed_tx"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := a.reg.SubmitSigned(r.Context(), req.SignedTx)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handlePermissionBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignedTxs [][]byte `json:"signed_txs"`
	}
	if !decode(w, r, &req) {
		return
	}
	type item struct {
		Digest     string   `json:"digest,omitempty"`
		CreatedIDs []string `json:"created_ids,omitempty"`
		Error      string   `json:"error,omitempty"`
	}
	results := make([]item, len(req.SignedTxs))
	for i, tx := range req.SignedTxs {
		res, err := a.reg.SubmitSigned(r.Context(), tx)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Digest = res.Digest
		results[i].CreatedIDs = res.CreatedIDs
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) handlePermissionRevoke(w http.ResponseWriter, r *http.Request) {
	grantID := chi.URLParam(r, "id")
	var req struct {
		SignedTx []byte `json:"signed_tx"`
	}
	if !decode(w, r, &req) {
		return
	}

	// The transaction must actually revoke the grant named in the URL.
	parsed, err := txn.ParseSigned(req.SignedTx)
	if err != nil || parsed.Kind != txn.SignedRevoke {
		writeError(w, http.StatusBadRequest, "signed_tx is not a revoke transaction")
		return
	}
	rv, err := txn.ParseRevoke(parsed.Payload)
	if err != nil || rv.GrantID != grantID {
		writeError(w, http.StatusBadRequest, "transaction does not revoke this grant")
		return
	}

	if _, err := a.reg.SubmitSigned(r.Context(), req.SignedTx); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissionList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}
	grants, err := a.reg.List(r.Context(), owner)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if grants == nil {
		grants = []ledger.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": grants})
}

// handleEvents streams audit events as server-sent events until the
// client disconnects.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		writeError(w, http.StatusNotFound, "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := a.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Action, data)
			flusher.Flush()
		}
	}
}

// fail maps domain errors onto HTTP statuses. Denial and
// unavailability must stay distinguishable for clients.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrAccessDenied),
		errors.Is(err, registry.ErrUnauthorizedRevocation):
		status = http.StatusForbidden
	case errors.Is(err, gateway.ErrServerUnavailable),
		errors.Is(err, registry.ErrLedgerUnavailable),
		errors.Is(err, ledger.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrInconsistentServerResponse):
		status = http.StatusBadGateway
	case errors.Is(err, session.ErrNoSessionFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrExpiredSession),
		errors.Is(err, session.ErrSignatureInvalid),
		errors.Is(err, keyserver.ErrBadSession):
		status = http.StatusUnauthorized
	case errors.Is(err, registry.ErrPermissionNotFound),
		errors.Is(err, ledger.ErrObjectNotFound),
		errors.Is(err, blob.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gateway.ErrBadObject),
		errors.Is(err, gateway.ErrBadThreshold),
		errors.Is(err, registry.ErrInvalidGrant),
		errors.Is(err, ledger.ErrInvalidTransaction),
		errors.Is(err, identity.ErrMissingParameter),
		errors.Is(err, identity.ErrInvalidIdentity),
		errors.Is(err, identity.ErrInvalidAddress):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func (a *API) audit(ctx context.Context, action, actor, detail string) {
	e := audit.NewEvent(action, actor, "", "ok")
	e.Detail = detail
	a.recorder.Record(ctx, e)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func msToDuration(ms int64) (d time.Duration) {
	if ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}
	return d
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
