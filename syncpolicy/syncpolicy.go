// Package syncpolicy generalizes spec.md §5's "#define"-selected locks into
// a small interface with two concrete strategies: a uniprocessor no-op and
// an atomic compare-and-swap spinlock, matching the spec's "the atomics
// discipline is the entire shared-state protocol; no other synchronization
// is assumed."
package syncpolicy

import (
	"sync/atomic"
)

// Policy is the lock the controller takes around I/O submission, covering
// the shared queue pair, PRP bitmap and untagged slot.
type Policy interface {
	TryAcquire() bool
	Release()
}

// noOp assumes the host guarantees mutual exclusion between the submission
// and completion entry points (spec.md §5's uniprocessor case).
type noOp struct{}

// NoOp returns a Policy that always succeeds and does nothing on release.
func NoOp() Policy { return noOp{} }

func (noOp) TryAcquire() bool { return true }
func (noOp) Release()         {}

// cas is a spinlock over a single atomic.Uint32: 0 means free, 1 held.
type cas struct {
	state atomic.Uint32
}

// CAS returns a Policy backed by a compare-and-swap spinlock (spec.md §5's
// multiprocessor option): one CompareAndSwap(0, 1) attempt per TryAcquire
// call. A caller that must wait for the lock retries between calls (the
// entry points spec.md §5 describes never block on contention, they fall
// back to the fallback-timer/polling path instead).
func CAS() Policy { return &cas{} }

func (c *cas) TryAcquire() bool {
	return c.state.CompareAndSwap(0, 1)
}

func (c *cas) Release() {
	c.state.Store(0)
}

// New selects a Policy constructor by name ("none" or "cas"), matching
// config.Config.SyncPolicy.
func New(name string) Policy {
	if name == "cas" {
		return CAS()
	}
	return NoOp()
}
