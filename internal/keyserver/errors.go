package keyserver

import "errors"

var (
	// ErrDenied means the approval transaction was evaluated and
	// refused. It must never be reported as an availability problem.
	ErrDenied = errors.New("keyserver: access denied")

	// ErrBadSession covers every session-credential failure: missing or
	// forged certificate, expired session, bad request token.
	ErrBadSession = errors.New("keyserver: session invalid")

	// ErrUnavailable means the server could not evaluate the request,
	// typically because the ledger node was unreachable.
	ErrUnavailable = errors.New("keyserver: unavailable")

	// ErrBadShare means authorization succeeded but the wrapped share
	// could not be opened with this server's key.
	ErrBadShare = errors.New("keyserver: share unusable")
)
