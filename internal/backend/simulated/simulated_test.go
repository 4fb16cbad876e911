package simulated

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygo/usbipd/internal/backend"
)

func TestEnumerateReturnsRegisteredDevices(t *testing.T) {
	b := New()
	b.Register("1-1", 1, 1, DeviceSpec{Descriptor: backend.Descriptor{IDVendor: 0x1234, IDProduct: 0xabcd, NumConfigurations: 1}})

	locs, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, locs, 1)
	require.Equal(t, "1-1", locs[0].BusID)
}

func TestOpenAndGetDeviceDescriptor(t *testing.T) {
	b := New()
	b.Register("1-1", 1, 1, DeviceSpec{Descriptor: backend.Descriptor{
		IDVendor: 0x1234, IDProduct: 0xabcd, NumConfigurations: 1, ConfigurationValue: 1,
	}})

	h, err := b.Open(context.Background(), backend.Locator{BusID: "1-1"})
	require.NoError(t, err)
	defer h.Close()

	req := backend.Request{
		Seqnum:    1,
		Direction: 1,
		IsControl: true,
		Setup:     [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
		Buffer:    make([]byte, 18),
	}
	comp, err := h.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint32(18), comp.ActualLength)
	require.Equal(t, uint8(18), comp.Data[0])
	require.Equal(t, uint16(0x1234), uint16(comp.Data[8])|uint16(comp.Data[9])<<8)
}

func TestTransferHandlerServesNonControlEndpoints(t *testing.T) {
	b := New()
	b.Register("1-1", 1, 1, DeviceSpec{
		Descriptor: backend.Descriptor{},
		Transfer: func(ep uint8, dirIn bool, out []byte) []byte {
			if dirIn {
				return []byte{0xaa, 0xbb}
			}
			return nil
		},
	})

	h, err := b.Open(context.Background(), backend.Locator{BusID: "1-1"})
	require.NoError(t, err)

	comp, err := h.Submit(context.Background(), backend.Request{Seqnum: 2, Endpoint: 1, Direction: 1})
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xbb}, comp.Data)
}
