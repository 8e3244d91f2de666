package txn

import (
	"fmt"
)

// Contract entry points evaluated during simulation. FuncApproveOpen
// is only ever emitted by deployments configured for open mode at
// startup; it is not reachable through request input.
const (
	FuncApprove     = "seal_approve"
	FuncApproveOpen = "seal_approve_open"
)

// Approval is a decoded approval transaction. It is never executed,
// only simulated: each key server evaluates the referenced contract
// call against current ledger state to decide whether to release its
// share.
type Approval struct {
	Sender   string
	Contract string
	Function string
	Identity []byte
	DataID   string

	// App carries the explicit app argument for app-scoped identities;
	// empty otherwise.
	App string
}

// BuildApproval encodes an unsigned approval transaction. The result
// is deterministic for identical inputs, which lets every key server
// arrive at the same simulation input independently.
func BuildApproval(a Approval) ([]byte, error) {
	if len(a.Identity) == 0 {
		return nil, fmt.Errorf("%w: empty identity", ErrMalformedTx)
	}
	if a.DataID == "" {
		return nil, fmt.Errorf("%w: empty data id", ErrMalformedTx)
	}
	if a.Function == "" {
		a.Function = FuncApprove
	}

	w := newWriter(kindApproval)
	if err := w.address(a.Sender); err != nil {
		return nil, fmt.Errorf("sender %w", err)
	}
	if err := w.address(a.Contract); err != nil {
		return nil, fmt.Errorf("contract %w", err)
	}
	w.str(a.Function)

	argc := byte(2)
	if a.App != "" {
		argc = 3
	}
	w.byteN(argc)
	w.taggedBytes(a.Identity)
	w.taggedBytes([]byte(a.DataID))
	if a.App != "" {
		if err := w.taggedAddress(a.App); err != nil {
			return nil, fmt.Errorf("app %v", err)
		}
	}
	return w.bytes(), nil
}

// ParseApproval decodes and validates an approval transaction.
func ParseApproval(data []byte) (Approval, error) {
	r, err := newReader(data, kindApproval)
	if err != nil {
		return Approval{}, err
	}

	var a Approval
	if a.Sender, err = r.address(); err != nil {
		return Approval{}, err
	}
	if a.Contract, err = r.address(); err != nil {
		return Approval{}, err
	}
	if a.Function, err = r.str(); err != nil {
		return Approval{}, err
	}
	if a.Function != FuncApprove && a.Function != FuncApproveOpen {
		return Approval{}, fmt.Errorf("%w: unknown function %q", ErrMalformedTx, a.Function)
	}

	argc, err := r.byteN()
	if err != nil {
		return Approval{}, err
	}
	if argc != 2 && argc != 3 {
		return Approval{}, fmt.Errorf("%w: %d args", ErrMalformedTx, argc)
	}
	if a.Identity, err = r.taggedBytes(); err != nil {
		return Approval{}, err
	}
	dataID, err := r.taggedBytes()
	if err != nil {
		return Approval{}, err
	}
	a.DataID = string(dataID)
	if argc == 3 {
		if a.App, err = r.taggedAddress(); err != nil {
			return Approval{}, err
		}
	}
	if err := r.done(); err != nil {
		return Approval{}, err
	}
	return a, nil
}
