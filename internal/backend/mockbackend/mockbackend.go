// Package mockbackend is a fully scriptable backend.UsbBackend for unit
// tests: function fields supplied by the test stand in for fixed fake
// behavior.
package mockbackend

import (
	"context"
	"sync"

	"github.com/relaygo/usbipd/internal/backend"
)

// Backend is a test double whose Enumerate/Describe/Open behavior is
// entirely controlled by the fields below. A nil field falls back to a
// reasonable zero-value default.
type Backend struct {
	EnumerateFunc func(ctx context.Context) ([]backend.Locator, error)
	DescribeFunc  func(ctx context.Context, loc backend.Locator) (backend.Descriptor, error)
	OpenFunc      func(ctx context.Context, loc backend.Locator) (backend.Handle, error)

	mu       sync.Mutex
	OpenLog  []backend.Locator
	CloseLog int
}

func (b *Backend) Enumerate(ctx context.Context) ([]backend.Locator, error) {
	if b.EnumerateFunc != nil {
		return b.EnumerateFunc(ctx)
	}
	return nil, nil
}

func (b *Backend) Describe(ctx context.Context, loc backend.Locator) (backend.Descriptor, error) {
	if b.DescribeFunc != nil {
		return b.DescribeFunc(ctx, loc)
	}
	return backend.Descriptor{}, nil
}

func (b *Backend) Open(ctx context.Context, loc backend.Locator) (backend.Handle, error) {
	b.mu.Lock()
	b.OpenLog = append(b.OpenLog, loc)
	b.mu.Unlock()
	if b.OpenFunc != nil {
		return b.OpenFunc(ctx, loc)
	}
	return NewHandle(backend.Descriptor{}), nil
}

// Handle is a scriptable backend.Handle; by default Submit echoes back a
// zero-length success completion and Cancel/Close are no-ops.
type Handle struct {
	desc       backend.Descriptor
	SubmitFunc func(ctx context.Context, req backend.Request) (backend.Completion, error)
	CancelFunc func(seqnum uint32) error

	mu       sync.Mutex
	closed   bool
	canceled []uint32
}

func NewHandle(desc backend.Descriptor) *Handle {
	return &Handle{desc: desc}
}

func (h *Handle) Descriptor() backend.Descriptor { return h.desc }

func (h *Handle) Submit(ctx context.Context, req backend.Request) (backend.Completion, error) {
	if h.SubmitFunc != nil {
		return h.SubmitFunc(ctx, req)
	}
	return backend.Completion{Seqnum: req.Seqnum}, nil
}

func (h *Handle) Cancel(seqnum uint32) error {
	h.mu.Lock()
	h.canceled = append(h.canceled, seqnum)
	h.mu.Unlock()
	if h.CancelFunc != nil {
		return h.CancelFunc(seqnum)
	}
	return nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *Handle) Canceled() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint32, len(h.canceled))
	copy(out, h.canceled)
	return out
}
