// Package simulated implements backend.UsbBackend entirely in memory,
// answering standard control requests (GET_DESCRIPTOR, GET_CONFIGURATION)
// and letting a registered handler answer interrupt/bulk transfers. Used
// for local testing and demos where no physical device or libusb runtime
// is available.
package simulated

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/relaygo/usbipd/internal/backend"
)

const (
	descTypeDevice        = 0x01
	descTypeConfiguration = 0x02
	descTypeString        = 0x03

	reqTypeStandardFromDevice = 0x80
	reqTypeStandardToDevice   = 0x00

	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09
	reqGetDescriptor    = 0x06
	reqSetAddress       = 0x05
)

// TransferHandler answers a non-control (interrupt/bulk) transfer for a
// simulated device. For IN transfers it returns the payload to send; for
// OUT it receives the payload and returns nil.
type TransferHandler func(ep uint8, dirIn bool, out []byte) []byte

// DeviceSpec is the static, user-supplied description of one simulated
// device plus the behavior driving its non-control endpoints.
type DeviceSpec struct {
	Descriptor backend.Descriptor
	Transfer   TransferHandler
}

// Backend hosts a fixed catalog of simulated devices, each at the bus
// position given when it was registered.
type Backend struct {
	mu      sync.Mutex
	devices map[string]*simDevice
	order   []string
}

type simDevice struct {
	loc  backend.Locator
	spec DeviceSpec
}

func New() *Backend {
	return &Backend{devices: make(map[string]*simDevice)}
}

// Register adds a simulated device under busID (e.g. "1-1"). It must be
// called before the backend is handed to the registry for enumeration to
// see it.
func (b *Backend) Register(busID string, busNum, devNum uint32, spec DeviceSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	loc := backend.Locator{BusID: busID, DevID: busNum<<16 | devNum, BusNum: busNum, DevNum: devNum}
	if _, exists := b.devices[busID]; !exists {
		b.order = append(b.order, busID)
	}
	b.devices[busID] = &simDevice{loc: loc, spec: spec}
}

func (b *Backend) Enumerate(ctx context.Context) ([]backend.Locator, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	locs := make([]backend.Locator, 0, len(b.order))
	for _, id := range b.order {
		locs = append(locs, b.devices[id].loc)
	}
	return locs, nil
}

func (b *Backend) Describe(ctx context.Context, loc backend.Locator) (backend.Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[loc.BusID]
	if !ok {
		return backend.Descriptor{}, fmt.Errorf("simulated: no device at %s", loc.BusID)
	}
	return d.spec.Descriptor, nil
}

func (b *Backend) Open(ctx context.Context, loc backend.Locator) (backend.Handle, error) {
	b.mu.Lock()
	d, ok := b.devices[loc.BusID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("simulated: no device at %s", loc.BusID)
	}
	return &simHandle{spec: d.spec}, nil
}

type simHandle struct {
	spec   DeviceSpec
	mu     sync.Mutex
	closed bool
}

func (h *simHandle) Descriptor() backend.Descriptor { return h.spec.Descriptor }

func (h *simHandle) Submit(ctx context.Context, req backend.Request) (backend.Completion, error) {
	if req.Endpoint != 0 {
		var data []byte
		if h.spec.Transfer != nil {
			data = h.spec.Transfer(req.Endpoint, req.Direction == 1, req.Buffer)
		}
		return backend.Completion{Seqnum: req.Seqnum, ActualLength: uint32(len(data)), Data: data}, nil
	}
	return h.processControl(req), nil
}

func (h *simHandle) processControl(req backend.Request) backend.Completion {
	setup := req.Setup[:]
	bm := setup[0]
	breq := setup[1]
	wValue := binary.LittleEndian.Uint16(setup[2:4])
	wLength := binary.LittleEndian.Uint16(setup[6:8])

	comp := backend.Completion{Seqnum: req.Seqnum}

	switch {
	case breq == reqSetAddress && bm == reqTypeStandardToDevice:
	case breq == reqSetConfiguration && bm == reqTypeStandardToDevice:
	case breq == reqGetConfiguration && bm == reqTypeStandardFromDevice:
		comp.Data = []byte{h.spec.Descriptor.ConfigurationValue}
	case breq == reqGetDescriptor && bm == reqTypeStandardFromDevice:
		dtype := uint8(wValue >> 8)
		switch dtype {
		case descTypeDevice:
			comp.Data = encodeDeviceDescriptor(h.spec.Descriptor)
		case descTypeConfiguration:
			comp.Data = encodeConfigDescriptor(h.spec.Descriptor)
		case descTypeString:
			comp.Data = nil
		}
		if len(comp.Data) > int(wLength) {
			comp.Data = comp.Data[:wLength]
		}
	}
	comp.ActualLength = uint32(len(comp.Data))
	return comp
}

func encodeDeviceDescriptor(d backend.Descriptor) []byte {
	buf := make([]byte, 18)
	buf[0] = 18
	buf[1] = descTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], 0x0200)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = 64
	binary.LittleEndian.PutUint16(buf[8:10], d.IDVendor)
	binary.LittleEndian.PutUint16(buf[10:12], d.IDProduct)
	binary.LittleEndian.PutUint16(buf[12:14], d.BcdDevice)
	buf[17] = d.NumConfigurations
	return buf
}

func encodeConfigDescriptor(d backend.Descriptor) []byte {
	var b bytes.Buffer
	b.WriteByte(9)
	b.WriteByte(descTypeConfiguration)
	b.Write([]byte{0, 0}) // wTotalLength, patched below
	b.WriteByte(uint8(len(d.Interfaces)))
	b.WriteByte(d.ConfigurationValue)
	b.WriteByte(0)
	b.WriteByte(0x80) // bus-powered
	b.WriteByte(50)   // 100mA

	for i, intf := range d.Interfaces {
		b.WriteByte(9)
		b.WriteByte(0x04)
		b.WriteByte(uint8(i))
		b.WriteByte(0)
		b.WriteByte(0)
		b.WriteByte(intf.Class)
		b.WriteByte(intf.SubClass)
		b.WriteByte(intf.Protocol)
		b.WriteByte(0)
	}

	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

func (h *simHandle) Cancel(seqnum uint32) error { return nil }

func (h *simHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
