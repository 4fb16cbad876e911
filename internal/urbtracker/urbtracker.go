// Package urbtracker tracks in-flight URBs per connection so a CMD_UNLINK
// can cancel the right pending submission and so a dropped connection can
// drain its outstanding work before the backend handle is released.
package urbtracker

import (
	"fmt"
	"sync"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/usbiperr"
)

// Tracker records one connection's outstanding URBs, keyed by seqnum.
type Tracker struct {
	mu      sync.Mutex
	pending map[uint32]context
	done    chan struct{}
	count   int
}

type context struct {
	handle backend.Handle
}

func New() *Tracker {
	return &Tracker{pending: make(map[uint32]context)}
}

// CancelResult reports how RequestCancel found the targeted submission.
type CancelResult int

const (
	// Pending means the submission was still outstanding; the caller
	// should report success (status 0) to the client immediately.
	Pending CancelResult = iota
	// AlreadyCompleted means the submission had already been taken (or
	// was never registered); the caller should report a cancelled-style
	// negative status.
	AlreadyCompleted
)

// Register records seqnum as in flight against handle. It must be called
// before the backend.Submit call it corresponds to is issued, so a
// concurrent CMD_UNLINK always finds it. It fails if seqnum is already
// tracked, since a client may never reuse a seqnum still in flight.
func (t *Tracker) Register(seqnum uint32, handle backend.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[seqnum]; exists {
		return usbiperr.New(usbiperr.ProtocolViolation, fmt.Sprintf("duplicate seqnum %d", seqnum))
	}
	t.pending[seqnum] = context{handle: handle}
	t.count++
	return nil
}

// Take removes and returns the tracked handle for seqnum, reporting whether
// it was still outstanding (false means it already completed or was never
// registered).
func (t *Tracker) Take(seqnum uint32) (backend.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.pending[seqnum]
	if ok {
		delete(t.pending, seqnum)
		t.count--
		t.notifyIfDrainedLocked()
	}
	return c.handle, ok
}

// RequestCancel asks the backend to cancel seqnum without removing it from
// the tracked set; the eventual completion (real or synthesized) still
// flows through Take. It reports Pending if seqnum was still outstanding
// at the time of the call, AlreadyCompleted if it had already been taken
// or was never registered. The returned error is the backend's Cancel
// error, if any, and is independent of the CancelResult.
func (t *Tracker) RequestCancel(seqnum uint32) (CancelResult, error) {
	t.mu.Lock()
	c, ok := t.pending[seqnum]
	t.mu.Unlock()
	if !ok {
		return AlreadyCompleted, nil
	}
	return Pending, c.handle.Cancel(seqnum)
}

// Outstanding returns the number of URBs currently tracked.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Drained returns a channel that closes once Outstanding reaches zero,
// letting a shutting-down connection wait for in-flight URBs to finish.
func (t *Tracker) Drained() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		t.done = make(chan struct{})
		if t.count == 0 {
			close(t.done)
		}
	}
	return t.done
}

func (t *Tracker) notifyIfDrainedLocked() {
	if t.count == 0 && t.done != nil {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
}
