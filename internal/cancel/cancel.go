// Package cancel provides a cooperative cancellation handle: an externally
// observable flag that long-running operations (search, insert-batch,
// flush, compact, acceptance) poll at coarse-grained safe points, returning
// a cancelled error at the next one once set. A plain atomic flag rather
// than a context.Context, since callers here are not goroutine trees
// sharing a ctx tree.
package cancel

import (
	"sync/atomic"
	"time"
)

// Handle is a single-shot, concurrency-safe cancellation flag. The zero
// value is a valid, never-cancelled handle; a nil *Handle is also always
// treated as never-cancelled by Cancelled, so passing no handle is free.
type Handle struct {
	flag     atomic.Bool
	timedOut atomic.Bool
	timer    *time.Timer
}

// New returns a fresh, unarmed handle.
func New() *Handle {
	return &Handle{}
}

// NewWithTimeout returns a handle that cancels itself after d, marking the
// cancellation as a timeout so callers can surface a timeout error rather
// than a plain cancellation. Release with Stop once the guarded operation
// returns.
func NewWithTimeout(d time.Duration) *Handle {
	h := New()
	h.timer = time.AfterFunc(d, func() {
		h.timedOut.Store(true)
		h.flag.Store(true)
	})
	return h
}

// TimedOut reports whether the handle's cancellation came from its own
// timeout rather than an external Cancel.
func (h *Handle) TimedOut() bool {
	if h == nil {
		return false
	}
	return h.timedOut.Load()
}

// Stop releases a NewWithTimeout handle's timer. A no-op for plain handles.
func (h *Handle) Stop() {
	if h == nil || h.timer == nil {
		return
	}
	h.timer.Stop()
}

// Cancel arms the handle. Idempotent; safe to call from any goroutine.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.flag.Store(true)
}

// Cancelled reports whether the handle has been cancelled. A nil handle is
// never cancelled, so every call site can treat "no handle supplied" and "an
// unarmed handle" identically.
func (h *Handle) Cancelled() bool {
	if h == nil {
		return false
	}
	return h.flag.Load()
}
