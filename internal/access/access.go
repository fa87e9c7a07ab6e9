// Package access is the out-of-core access-check collaborator: it may veto
// node creation, but the core never enforces policy itself. The Checker's
// computed verdict is final — nothing downstream overwrites it.
package access

import "context"

// Request describes the node-creation request being checked.
type Request struct {
	ClientID  string
	Sandboxed bool
}

// Verdict is the checker's decision for a Request.
type Verdict struct {
	Allowed   bool
	Sandboxed bool
	Reason    string
}

// Checker decides whether a client may create a node.
type Checker interface {
	Check(ctx context.Context, req Request) (Verdict, error)
}

// AllowAll is the default Checker: every request is allowed, and the
// request's own Sandboxed flag is trusted as-is rather than recomputed or
// overwritten.
type AllowAll struct{}

// Check implements Checker.
func (AllowAll) Check(_ context.Context, req Request) (Verdict, error) {
	return Verdict{Allowed: true, Sandboxed: req.Sandboxed}, nil
}
