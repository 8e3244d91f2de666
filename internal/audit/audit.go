// Package audit records security-relevant actions: encryptions,
// decrypt attempts and their outcomes, grants and revocations. Records
// are append-only and never block the calling path on failure.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"memvault.org/internal/ids"
)

// Action values recorded by the service.
const (
	ActionEncrypt       = "encrypt"
	ActionDecrypt       = "decrypt"
	ActionGrant         = "grant"
	ActionRevoke        = "revoke"
	ActionSessionIssued = "session_issued"
	ActionSessionSigned = "session_signed"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	DataID    string    `json:"data_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

// Recorder persists audit events. Implementations must tolerate being
// called concurrently.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// NewEvent fills in the id and timestamp.
func NewEvent(action, actor, dataID, outcome string) Event {
	return Event{
		ID:      ids.New(),
		Action:  action,
		Actor:   actor,
		DataID:  dataID,
		Outcome: outcome,
		At:      time.Now().UTC(),
	}
}

type ctxKey struct{}

// WithRequestID stamps the request id used to correlate audit records
// with access logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID returns the stamped request id, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Logger writes events to a zap logger. It is the default recorder.
type Logger struct {
	log *zap.Logger
}

// NewLogger creates a log-backed recorder.
func NewLogger(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{log: l}
}

func (r *Logger) Record(ctx context.Context, e Event) {
	if e.RequestID == "" {
		e.RequestID = RequestID(ctx)
	}
	r.log.Info("audit",
		zap.String("audit_id", e.ID),
		zap.String("action", e.Action),
		zap.String("actor", e.Actor),
		zap.String("data_id", e.DataID),
		zap.String("outcome", e.Outcome),
		zap.String("detail", e.Detail),
		zap.String("request_id", e.RequestID),
		zap.Time("at", e.At),
	)
}

// Multi fans one event out to several recorders.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Event) {
	for _, r := range m {
		r.Record(ctx, e)
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

var (
	_ Recorder = (*Logger)(nil)
	_ Recorder = Multi(nil)
	_ Recorder = Nop{}
)
