// Package backend defines the capability boundary between the protocol
// engine and whatever actually moves bytes to a physical or virtual USB
// device: a real kernel-bypassed device via gousb, a fully simulated
// in-memory device for tests, or a scriptable mock.
package backend

import "context"

// Speed mirrors the usbip_device_speed wire enumeration.
type Speed uint32

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
	SpeedSuperPlus
)

// Locator identifies one physical/virtual device independent of whether it
// is currently claimed. BusID is the "B-D" string USB/IP clients use to
// request a device (e.g. "1-1"); DevID packs busnum/devnum the way the wire
// format does (busnum<<16 | devnum).
type Locator struct {
	BusID  string
	DevID  uint32
	BusNum uint32
	DevNum uint32
}

// Descriptor is the subset of standard USB descriptor fields the codec's
// ExportedDevice record and OP_REP_IMPORT reply need.
type Descriptor struct {
	Path               string
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	Speed              Speed
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	Interfaces         []InterfaceDescriptor
}

// InterfaceDescriptor is one interface's class triplet.
type InterfaceDescriptor struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// Request is a single URB submission translated from CMD_SUBMIT, with the
// wire-level Setup packet and endpoint/direction preserved verbatim so the
// backend can hand it to the real USB stack unmodified.
type Request struct {
	Seqnum     uint32
	Endpoint   uint8
	Direction  uint32 // usbip.DirIn or usbip.DirOut
	Setup      [8]byte
	Buffer     []byte // OUT payload, or the IN buffer capacity to fill
	IsControl  bool
	TimeoutMs  uint32
}

// Completion is the result of a Request once the backend has finished the
// transfer (or it has been cancelled), ready to become a RET_SUBMIT.
type Completion struct {
	Seqnum       uint32
	Status       int32 // 0 on success, negative errno-style value otherwise
	ActualLength uint32
	Data         []byte // IN payload, empty for OUT completions
}

// Handle is an open, claimed device ready to carry traffic. Submit may be
// called concurrently by multiple goroutines (one per in-flight URB); the
// backend is responsible for its own internal serialization if the
// underlying transport requires it.
type Handle interface {
	Descriptor() Descriptor
	Submit(ctx context.Context, req Request) (Completion, error)
	Cancel(seqnum uint32) error
	Close() error
}

// UsbBackend is the capability interface the registry and claim manager
// depend on. Enumerate must be safe to call repeatedly and cheaply, since
// the registry polls it for hotplug detection.
type UsbBackend interface {
	Enumerate(ctx context.Context) ([]Locator, error)
	Describe(ctx context.Context, loc Locator) (Descriptor, error)
	Open(ctx context.Context, loc Locator) (Handle, error)
}
