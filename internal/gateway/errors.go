package gateway

import "errors"

var (
	// ErrAccessDenied means at least one key server evaluated the
	// approval transaction and refused it. It is terminal: retrying
	// cannot succeed until the on-ledger policy state changes.
	ErrAccessDenied = errors.New("gateway: access denied")

	// ErrServerUnavailable means too few servers answered to reach the
	// threshold and none of them issued a denial. Retrying later may
	// succeed.
	ErrServerUnavailable = errors.New("gateway: key servers unavailable")

	// ErrInconsistentServerResponse means enough servers answered but
	// their shares do not reassemble a key that opens the object.
	ErrInconsistentServerResponse = errors.New("gateway: inconsistent server response")

	// ErrBadObject means the encrypted object itself is unusable:
	// unknown version, malformed identity, or no matching shares.
	ErrBadObject = errors.New("gateway: malformed encrypted object")

	// ErrBadThreshold rejects encryption parameters that the committee
	// cannot satisfy.
	ErrBadThreshold = errors.New("gateway: invalid threshold")
)
