package usbip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpHeaderRoundTrip(t *testing.T) {
	h := OpHeader{Version: Version, Code: OpRepDevlist, Status: 0}
	encoded := h.Encode()
	require.Len(t, encoded, OpHeaderSize)

	got, remainder, err := DecodeOpHeader(encoded)
	require.NoError(t, err)
	require.Empty(t, remainder)
	require.Equal(t, h, got)
}

func TestOpHeaderRejectsWrongVersion(t *testing.T) {
	h := OpHeader{Version: 0x0222, Code: OpRepDevlist, Status: 0}
	_, _, err := DecodeOpHeader(h.Encode())
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, UnsupportedVersion, fe.Kind)
}

func TestOpHeaderNeedsMoreOnShortBuffer(t *testing.T) {
	_, _, err := DecodeOpHeader(make([]byte, 3))
	require.ErrorIs(t, err, ErrNeedMore)
}

func TestExportedDeviceRoundTripImport(t *testing.T) {
	var d ExportedDevice
	d.SetPath("/sys/devices/pci0000:00/usb1/1-1")
	d.SetBusID("1-1")
	d.BusNum, d.DevNum = 1, 1
	d.Speed = 1
	d.IDVendor, d.IDProduct = 0x05ac, 0x030d
	d.BNumInterfaces = 0

	buf := d.EncodeForImport()
	require.Len(t, buf, ExportedDeviceSize)

	got, remainder, err := DecodeExportedDevice(buf, 0)
	require.NoError(t, err)
	require.Empty(t, remainder)
	require.Equal(t, d.BusNum, got.BusNum)
	require.Equal(t, d.IDVendor, got.IDVendor)
	require.Equal(t, d.Speed, got.Speed)
}

func TestExportedDeviceRoundTripDevlistWithInterfaces(t *testing.T) {
	d := ExportedDevice{
		BusNum:         1,
		DevNum:         1,
		BNumInterfaces: 2,
		Interfaces: []InterfaceDesc{
			{Class: 0x03, SubClass: 0x01, Protocol: 0x02},
			{Class: 0x03, SubClass: 0x00, Protocol: 0x00},
		},
	}
	d.SetBusID("1-1")

	buf := d.EncodeForDevlist()
	require.Len(t, buf, ExportedDeviceSize+2*InterfaceDescSize)

	got, remainder, err := DecodeExportedDevice(buf, 2)
	require.NoError(t, err)
	require.Empty(t, remainder)
	require.Equal(t, d.Interfaces, got.Interfaces)
}

func TestBusIDRoundTrip(t *testing.T) {
	encoded := EncodeBusID("1-1")
	require.Len(t, encoded, BusIDFieldSize)

	got, remainder, err := DecodeBusID(encoded)
	require.NoError(t, err)
	require.Equal(t, "1-1", got)
	require.Empty(t, remainder)
}

func TestURBRoundTrip(t *testing.T) {
	cs := CmdSubmit{
		Basic:                HeaderBasic{Command: CmdSubmitCode, Seqnum: 1, Dir: DirIn, Ep: 0},
		TransferBufferLength: 18,
		Setup:                [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	}
	got, remainder, err := DecodeCmdSubmit(cs.Encode())
	require.NoError(t, err)
	require.Empty(t, remainder)
	require.Equal(t, cs, got)

	rs := RetSubmit{Basic: HeaderBasic{Command: RetSubmitCode, Seqnum: 1}, ActualLength: 18}
	gotR, _, err := DecodeRetSubmit(rs.Encode())
	require.NoError(t, err)
	require.Equal(t, rs, gotR)

	cu := CmdUnlink{Basic: HeaderBasic{Command: CmdUnlinkCode, Seqnum: 2}, UnlinkSeqnum: 0x42}
	gotU, _, err := DecodeCmdUnlink(cu.Encode())
	require.NoError(t, err)
	require.Equal(t, cu, gotU)

	ru := RetUnlink{Basic: HeaderBasic{Command: RetUnlinkCode, Seqnum: 2}, Status: -104}
	gotRU, _, err := DecodeRetUnlink(ru.Encode())
	require.NoError(t, err)
	require.Equal(t, ru, gotRU)
}

func TestDecodeRejectsWrongCommand(t *testing.T) {
	cu := CmdUnlink{Basic: HeaderBasic{Command: CmdUnlinkCode}}
	_, _, err := DecodeCmdSubmit(cu.Encode())
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, UnknownCommand, fe.Kind)
}

// TestDecodeMisEndianClient fuzzes a handful of malformed/mis-endian
// prefixes and checks decode always returns an error or ErrNeedMore, never
// a panic, satisfying P4/P9.
func TestDecodeMisEndianClient(t *testing.T) {
	cases := [][]byte{
		{},
		{0x11, 0x01},
		{0x01, 0x11, 0x00, 0x05, 0x00, 0x00, 0x00}, // version bytes swapped, short
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		make([]byte, OpHeaderSize-1),
	}
	for _, c := range cases {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("decode panicked on %v: %v", c, r)
				}
			}()
			_, _, err := DecodeOpHeader(c)
			require.Error(t, err)
		}()
	}
}

func TestCheckPayloadLimit(t *testing.T) {
	require.NoError(t, CheckPayloadLimit(100, 1000))
	err := CheckPayloadLimit(2000, 1000)
	require.Error(t, err)
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, PayloadTooLarge, fe.Kind)
}
