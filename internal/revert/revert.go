// Package revert provides a small helper for unwinding partially completed
// setup on an error path, in LIFO order — used by memblock.Alloc to close
// its memfd when a later setup step fails.
package revert

// Hook is a single cleanup step.
type Hook func()

// Reverter accumulates hooks and runs them in reverse order unless Success
// is called first.
type Reverter struct {
	hooks     []Hook
	succeeded bool
}

// New returns an empty Reverter.
func New() *Reverter {
	return &Reverter{}
}

// Add appends a cleanup hook. Hooks run in reverse order of addition.
func (r *Reverter) Add(hook Hook) {
	r.hooks = append(r.hooks, hook)
}

// Success marks the Reverter as having completed without error. Fail becomes
// a no-op afterwards.
func (r *Reverter) Success() {
	r.succeeded = true
}

// Fail runs all added hooks in reverse order, unless Success was already
// called. Safe to call unconditionally via defer.
func (r *Reverter) Fail() {
	if r.succeeded {
		return
	}

	for i := len(r.hooks) - 1; i >= 0; i-- {
		r.hooks[i]()
	}

	r.hooks = nil
}

// Clone returns a new Reverter carrying a copy of the current hooks, useful
// when a helper function wants to extend a caller's revert chain without
// taking ownership of calling Fail itself.
func (r *Reverter) Clone() *Reverter {
	c := &Reverter{hooks: make([]Hook, len(r.hooks))}
	copy(c.hooks, r.hooks)
	return c
}
