package audit

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const insertEvent = `INSERT INTO audit_events
	(id, action, actor, data_id, outcome, detail, request_id, at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// PG persists audit events to PostgreSQL. Insert failures are logged
// and swallowed: auditing must never fail a request.
type PG struct {
	db      *sql.DB
	log     *zap.Logger
	timeout time.Duration
}

// NewPG wraps an open database handle.
func NewPG(db *sql.DB, log *zap.Logger) *PG {
	if log == nil {
		log = zap.NewNop()
	}
	return &PG{db: db, log: log, timeout: 5 * time.Second}
}

// OpenPG connects to the given DSN using the pgx stdlib driver.
func OpenPG(dsn string, log *zap.Logger) (*PG, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(time.Minute)
	return NewPG(db, log), nil
}

// Close releases the connection pool.
func (r *PG) Close() error { return r.db.Close() }

func (r *PG) Record(ctx context.Context, e Event) {
	if e.RequestID == "" {
		e.RequestID = RequestID(ctx)
	}
	// Detach from the request context so cancellation cannot drop the
	// record; only the local timeout applies.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, insertEvent,
		e.ID, e.Action, e.Actor, e.DataID, e.Outcome, e.Detail, e.RequestID, e.At)
	if err != nil {
		r.log.Error("audit insert failed", zap.String("audit_id", e.ID), zap.Error(err))
	}
}

var _ Recorder = (*PG)(nil)
