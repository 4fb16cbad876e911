//go:build linux

package realusb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/usbiperr"
)

// handle wraps one claimed interface's endpoints. Non-control transfers are
// routed to a single claimed interface/altsetting; control transfers go
// through the gousb.Device control-request path directly.
type handle struct {
	desc backend.Descriptor
	dev  *gousb.Device
	cfg  *gousb.Config
	loc  backend.Locator

	mu       sync.Mutex
	intf     *gousb.Interface
	inEps    map[uint8]*gousb.InEndpoint
	outEps   map[uint8]*gousb.OutEndpoint
	canceled map[uint32]bool
}

func (h *handle) Descriptor() backend.Descriptor { return h.desc }

func (h *handle) claimIntf() (*gousb.Interface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.intf != nil {
		return h.intf, nil
	}
	intf, err := h.cfg.Interface(0, 0)
	if err != nil {
		if rawErr := rawClaimInterface(h.loc.BusNum, h.loc.DevNum, 0); rawErr == nil {
			if intf, err = h.cfg.Interface(0, 0); err == nil {
				h.intf = intf
				h.inEps = make(map[uint8]*gousb.InEndpoint)
				h.outEps = make(map[uint8]*gousb.OutEndpoint)
				return intf, nil
			}
		}
		return nil, fmt.Errorf("realusb: claim interface on %s: %w", h.loc.BusID, err)
	}
	h.intf = intf
	h.inEps = make(map[uint8]*gousb.InEndpoint)
	h.outEps = make(map[uint8]*gousb.OutEndpoint)
	return intf, nil
}

func (h *handle) inEndpoint(ep uint8) (*gousb.InEndpoint, error) {
	intf, err := h.claimIntf()
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.inEps[ep]; ok {
		return e, nil
	}
	e, err := intf.InEndpoint(int(ep))
	if err != nil {
		return nil, err
	}
	h.inEps[ep] = e
	return e, nil
}

func (h *handle) outEndpoint(ep uint8) (*gousb.OutEndpoint, error) {
	intf, err := h.claimIntf()
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.outEps[ep]; ok {
		return e, nil
	}
	e, err := intf.OutEndpoint(int(ep))
	if err != nil {
		return nil, err
	}
	h.outEps[ep] = e
	return e, nil
}

// Submit performs the URB synchronously against the claimed endpoint. Control
// transfers use gousb's Control call directly since libusb handles EP0 itself.
func (h *handle) Submit(ctx context.Context, req backend.Request) (backend.Completion, error) {
	if h.wasCanceled(req.Seqnum) {
		return backend.Completion{Seqnum: req.Seqnum, Status: -125}, nil // -ECANCELED
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if req.IsControl {
		return h.submitControl(cctx, req)
	}
	if req.Direction == 1 { // DirIn
		return h.submitIn(cctx, req)
	}
	return h.submitOut(cctx, req)
}

func (h *handle) submitControl(ctx context.Context, req backend.Request) (backend.Completion, error) {
	reqType := req.Setup[0]
	breq := req.Setup[1]
	value := uint16(req.Setup[2]) | uint16(req.Setup[3])<<8
	index := uint16(req.Setup[4]) | uint16(req.Setup[5])<<8

	var data []byte
	if req.Direction == 1 {
		data = make([]byte, len(req.Buffer))
	} else {
		data = req.Buffer
	}

	n, err := h.dev.Control(reqType, breq, value, index, data)
	if err != nil {
		return backend.Completion{Seqnum: req.Seqnum, Status: usbiperr.Wrap(usbiperr.BackendTransient, err, "control transfer").WireStatus()}, nil
	}
	comp := backend.Completion{Seqnum: req.Seqnum, ActualLength: uint32(n)}
	if req.Direction == 1 {
		comp.Data = data[:n]
	}
	return comp, nil
}

func (h *handle) submitIn(ctx context.Context, req backend.Request) (backend.Completion, error) {
	ep, err := h.inEndpoint(req.Endpoint)
	if err != nil {
		return backend.Completion{Seqnum: req.Seqnum, Status: usbiperr.Wrap(usbiperr.BackendFatal, err, "in endpoint").WireStatus()}, nil
	}
	buf := make([]byte, len(req.Buffer))
	n, err := ep.ReadContext(ctx, buf)
	if err != nil {
		return backend.Completion{Seqnum: req.Seqnum, Status: usbiperr.Wrap(usbiperr.BackendTransient, err, "bulk/interrupt read").WireStatus()}, nil
	}
	return backend.Completion{Seqnum: req.Seqnum, ActualLength: uint32(n), Data: buf[:n]}, nil
}

func (h *handle) submitOut(ctx context.Context, req backend.Request) (backend.Completion, error) {
	ep, err := h.outEndpoint(req.Endpoint)
	if err != nil {
		return backend.Completion{Seqnum: req.Seqnum, Status: usbiperr.Wrap(usbiperr.BackendFatal, err, "out endpoint").WireStatus()}, nil
	}
	n, err := ep.WriteContext(ctx, req.Buffer)
	if err != nil {
		return backend.Completion{Seqnum: req.Seqnum, Status: usbiperr.Wrap(usbiperr.BackendTransient, err, "bulk/interrupt write").WireStatus()}, nil
	}
	return backend.Completion{Seqnum: req.Seqnum, ActualLength: uint32(n)}, nil
}

func (h *handle) Cancel(seqnum uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled == nil {
		h.canceled = make(map[uint32]bool)
	}
	h.canceled[seqnum] = true
	return nil
}

func (h *handle) wasCanceled(seqnum uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled[seqnum]
}

func (h *handle) Close() error {
	h.mu.Lock()
	intf := h.intf
	h.intf = nil
	h.mu.Unlock()

	if intf != nil {
		intf.Close()
	}
	if h.cfg != nil {
		h.cfg.Close()
	}
	if h.dev != nil {
		return h.dev.Close()
	}
	return nil
}
