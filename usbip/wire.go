// Package usbip implements the USB/IP wire protocol: binary framing for the
// management (OP_*) messages used during device discovery/import and the
// URB (USB Request Block) messages used once a device has been imported.
//
// All multi-byte integers are big-endian. Every Encode method returns a
// freshly allocated, fully-populated frame; every Decode function is a total
// function over its input buffer, returning either a parsed value plus the
// unconsumed remainder, ErrNeedMore if the buffer is a valid but incomplete
// prefix, or a *FrameError for anything else.
package usbip

import "encoding/binary"

// Protocol version and command codes (see usbip.h in the Linux kernel).
const (
	Version = 0x0111

	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// Frame sizes, all fixed by the wire protocol.
const (
	OpHeaderSize       = 8
	ExportedDeviceSize = 312
	BusIDFieldSize     = 32
	InterfaceDescSize  = 4
	URBCommonSize      = 20
	URBTrailerSize     = 28
	URBHeaderSize      = URBCommonSize + URBTrailerSize // 48
)

// OpHeader is the 8-byte header shared by every OP_* management message.
type OpHeader struct {
	Version uint16
	Code    uint16
	Status  uint32
}

// Encode returns the 8-byte wire representation.
func (h OpHeader) Encode() []byte {
	buf := make([]byte, OpHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Code)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	return buf
}

// DecodeOpHeader parses an OpHeader and validates the protocol version.
func DecodeOpHeader(buf []byte) (OpHeader, []byte, error) {
	if len(buf) < OpHeaderSize {
		return OpHeader{}, nil, ErrNeedMore
	}
	h := OpHeader{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Code:    binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.Version != Version {
		return OpHeader{}, nil, newFrameErrorf(UnsupportedVersion, "got 0x%04x, want 0x%04x", h.Version, Version)
	}
	return h, buf[OpHeaderSize:], nil
}

// InterfaceDesc is one bNumInterfaces entry appended to OP_REP_DEVLIST
// records: class, subclass, protocol, and a padding byte.
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// ExportedDevice is the 312-byte device record embedded in OP_REP_DEVLIST
// and OP_REP_IMPORT. Interfaces is only populated/emitted when encoding for
// a devlist reply; OP_REP_IMPORT stops at bNumInterfaces.
type ExportedDevice struct {
	Path                [256]byte
	BusID               [32]byte
	BusNum              uint32
	DevNum              uint32
	Speed               uint32
	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8
	Interfaces          []InterfaceDesc
}

// SetPath copies a Go string into the fixed-size, NUL-padded Path field.
func (d *ExportedDevice) SetPath(s string) { putFixedString(d.Path[:], s) }

// SetBusID copies a Go string into the fixed-size, NUL-padded BusID field.
func (d *ExportedDevice) SetBusID(s string) { putFixedString(d.BusID[:], s) }

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func (d ExportedDevice) encodeFixed() []byte {
	buf := make([]byte, ExportedDeviceSize)
	copy(buf[0:256], d.Path[:])
	copy(buf[256:288], d.BusID[:])
	binary.BigEndian.PutUint32(buf[288:292], d.BusNum)
	binary.BigEndian.PutUint32(buf[292:296], d.DevNum)
	binary.BigEndian.PutUint32(buf[296:300], d.Speed)
	binary.BigEndian.PutUint16(buf[300:302], d.IDVendor)
	binary.BigEndian.PutUint16(buf[302:304], d.IDProduct)
	binary.BigEndian.PutUint16(buf[304:306], d.BcdDevice)
	buf[306] = d.BDeviceClass
	buf[307] = d.BDeviceSubClass
	buf[308] = d.BDeviceProtocol
	buf[309] = d.BConfigurationValue
	buf[310] = d.BNumConfigurations
	buf[311] = d.BNumInterfaces
	return buf
}

// EncodeForImport returns the 312-byte record with no trailing interface
// records, as used by OP_REP_IMPORT.
func (d ExportedDevice) EncodeForImport() []byte {
	return d.encodeFixed()
}

// EncodeForDevlist returns the 312-byte record followed by one 4-byte
// interface record (class, subclass, protocol, 0x00) per entry in
// d.Interfaces, as used by OP_REP_DEVLIST.
func (d ExportedDevice) EncodeForDevlist() []byte {
	buf := d.encodeFixed()
	for _, iface := range d.Interfaces {
		buf = append(buf, iface.Class, iface.SubClass, iface.Protocol, 0x00)
	}
	return buf
}

// DecodeExportedDevice parses a 312-byte record and numInterfaces trailing
// 4-byte interface records (pass 0 when decoding an OP_REP_IMPORT record).
func DecodeExportedDevice(buf []byte, numInterfaces int) (ExportedDevice, []byte, error) {
	need := ExportedDeviceSize + numInterfaces*InterfaceDescSize
	if len(buf) < need {
		return ExportedDevice{}, nil, ErrNeedMore
	}
	var d ExportedDevice
	copy(d.Path[:], buf[0:256])
	copy(d.BusID[:], buf[256:288])
	d.BusNum = binary.BigEndian.Uint32(buf[288:292])
	d.DevNum = binary.BigEndian.Uint32(buf[292:296])
	d.Speed = binary.BigEndian.Uint32(buf[296:300])
	d.IDVendor = binary.BigEndian.Uint16(buf[300:302])
	d.IDProduct = binary.BigEndian.Uint16(buf[302:304])
	d.BcdDevice = binary.BigEndian.Uint16(buf[304:306])
	d.BDeviceClass = buf[306]
	d.BDeviceSubClass = buf[307]
	d.BDeviceProtocol = buf[308]
	d.BConfigurationValue = buf[309]
	d.BNumConfigurations = buf[310]
	d.BNumInterfaces = buf[311]

	rest := buf[ExportedDeviceSize:]
	for i := 0; i < numInterfaces; i++ {
		d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: rest[0], SubClass: rest[1], Protocol: rest[2]})
		rest = rest[InterfaceDescSize:]
	}
	return d, rest, nil
}

// DevListReplyHeader is the device-count header following OpHeader in
// OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

// Encode returns the 4-byte wire representation.
func (d DevListReplyHeader) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, d.NDevices)
	return buf
}

// DecodeDevListReplyHeader parses the device-count header.
func DecodeDevListReplyHeader(buf []byte) (DevListReplyHeader, []byte, error) {
	if len(buf) < 4 {
		return DevListReplyHeader{}, nil, ErrNeedMore
	}
	return DevListReplyHeader{NDevices: binary.BigEndian.Uint32(buf[0:4])}, buf[4:], nil
}

// EncodeBusID returns the 32-byte, NUL-padded busid field used in
// OP_REQ_IMPORT requests.
func EncodeBusID(id string) []byte {
	buf := make([]byte, BusIDFieldSize)
	putFixedString(buf, id)
	return buf
}

// DecodeBusID parses the 32-byte busid field, stopping at the first NUL.
func DecodeBusID(buf []byte) (string, []byte, error) {
	if len(buf) < BusIDFieldSize {
		return "", nil, ErrNeedMore
	}
	field := buf[:BusIDFieldSize]
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	return string(field[:n]), buf[BusIDFieldSize:], nil
}
