package dispatcher_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/backend/mockbackend"
	"github.com/relaygo/usbipd/internal/backend/simulated"
	"github.com/relaygo/usbipd/internal/binding"
	"github.com/relaygo/usbipd/internal/claim"
	"github.com/relaygo/usbipd/internal/dispatcher"
	"github.com/relaygo/usbipd/internal/obslog"
	"github.com/relaygo/usbipd/internal/registry"
	"github.com/relaygo/usbipd/internal/usbiptest"
	"github.com/relaygo/usbipd/usbip"
)

type memBindingStore struct{ data map[string]binding.Binding }

func (m *memBindingStore) Load() (map[string]binding.Binding, error) { return m.data, nil }
func (m *memBindingStore) Save(b map[string]binding.Binding) error   { m.data = b; return nil }

func newTestServer(t *testing.T, b backend.UsbBackend, boundBusIDs ...string) (*dispatcher.Dispatcher, func()) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: obslog.LevelTrace}))

	reg := registry.New(b, logger)
	require.NoError(t, reg.Refresh(context.Background()))

	store, err := binding.New(&memBindingStore{})
	require.NoError(t, err)
	for _, busID := range boundBusIDs {
		require.NoError(t, store.Bind(busID))
	}

	claims := claim.New(b)

	d := dispatcher.New(dispatcher.Config{
		Addr:              "127.0.0.1:0",
		ShutdownTimeout:   2 * time.Second,
		ConnectionTimeout: 5 * time.Second,
	}, logger, reg, claims, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.ListenAndServe(ctx) }()

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("dispatcher exited before ready: %v", err)
	}

	return d, func() {
		cancel()
		_ = d.Close()
		<-errCh
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func demoDescriptor() backend.Descriptor {
	return backend.Descriptor{
		Path:               "1-1",
		IDVendor:           0x0781,
		IDProduct:          0x5567,
		ConfigurationValue: 1,
		NumConfigurations:  1,
		Interfaces:         []backend.InterfaceDescriptor{{Class: 8, SubClass: 6, Protocol: 0x50}},
	}
}

func TestDevListOnlyShowsBoundDevices(t *testing.T) {
	b := &fakeBackend{
		locs:  []backend.Locator{{BusID: "1-1", DevID: 1<<16 | 1, BusNum: 1, DevNum: 1}},
		descs: map[string]backend.Descriptor{"1-1": demoDescriptor()},
	}
	d, stop := newTestServer(t, b)
	defer stop()

	c := usbiptest.New(d.Addr())
	devs, err := c.ListDevices()
	require.NoError(t, err)
	require.Empty(t, devs, "unbound device must not appear in devlist")
}

func TestImportRejectsUnboundDevice(t *testing.T) {
	b := &fakeBackend{
		locs:  []backend.Locator{{BusID: "1-1", DevID: 1<<16 | 1, BusNum: 1, DevNum: 1}},
		descs: map[string]backend.Descriptor{"1-1": demoDescriptor()},
	}
	d, stop := newTestServer(t, b)
	defer stop()

	c := usbiptest.New(d.Addr())
	_, _, err := c.Import("1-1")
	require.Error(t, err)
}

func TestImportAndSubmitControlOnBoundDevice(t *testing.T) {
	b := simulated.New()
	b.Register("1-1", 1, 1, simulated.DeviceSpec{Descriptor: demoDescriptor()})

	d, stop := newTestServer(t, b, "1-1")
	defer stop()

	c := usbiptest.New(d.Addr())
	devs, err := c.ListDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)

	sess, exported, err := c.Import("1-1")
	require.NoError(t, err)
	defer sess.Close()

	devid := exported.BusNum<<16 | exported.DevNum

	// GET_DESCRIPTOR(DEVICE): bmRequestType=0x80, bRequest=0x06, wValue=0x0100
	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 18, 0}
	ret, payload, err := sess.SubmitControl(devid, usbip.DirIn, setup, nil, 18)
	require.NoError(t, err)
	require.Equal(t, int32(0), ret.Status)
	require.Len(t, payload, 18)
	require.Equal(t, byte(0x81), payload[8]) // idVendor low byte, little-endian
}

func TestImportFailsWhenAlreadyClaimed(t *testing.T) {
	b := simulated.New()
	b.Register("1-1", 1, 1, simulated.DeviceSpec{Descriptor: demoDescriptor()})

	d, stop := newTestServer(t, b, "1-1")
	defer stop()

	c := usbiptest.New(d.Addr())
	sess, _, err := c.Import("1-1")
	require.NoError(t, err)
	defer sess.Close()

	_, _, err = c.Import("1-1")
	require.Error(t, err, "importing an already-claimed device must report a non-zero status, not succeed and then drop the connection")
}

func TestUnlinkRaceEmitsImmediateZeroStatus(t *testing.T) {
	loc := backend.Locator{BusID: "1-1", DevID: 1<<16 | 1, BusNum: 1, DevNum: 1}
	release := make(chan struct{})
	canceled := make(chan uint32, 1)

	b := &mockbackend.Backend{
		EnumerateFunc: func(ctx context.Context) ([]backend.Locator, error) { return []backend.Locator{loc}, nil },
		DescribeFunc: func(ctx context.Context, l backend.Locator) (backend.Descriptor, error) {
			return demoDescriptor(), nil
		},
		OpenFunc: func(ctx context.Context, l backend.Locator) (backend.Handle, error) {
			h := mockbackend.NewHandle(demoDescriptor())
			h.SubmitFunc = func(ctx context.Context, req backend.Request) (backend.Completion, error) {
				<-release
				return backend.Completion{Seqnum: req.Seqnum}, nil
			}
			h.CancelFunc = func(seqnum uint32) error {
				canceled <- seqnum
				close(release)
				return nil
			}
			return h, nil
		},
	}

	d, stop := newTestServer(t, b, "1-1")
	defer stop()

	conn, err := net.Dial("tcp", d.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeAll(conn, usbip.OpHeader{Version: usbip.Version, Code: usbip.OpReqImport}.Encode()))
	require.NoError(t, writeAll(conn, usbip.EncodeBusID("1-1")))

	var opHdrBuf [usbip.OpHeaderSize]byte
	require.NoError(t, usbip.ReadExactly(conn, opHdrBuf[:]))
	opHdr, _, err := usbip.DecodeOpHeader(opHdrBuf[:])
	require.NoError(t, err)
	require.Equal(t, uint32(0), opHdr.Status)

	fixed := make([]byte, usbip.ExportedDeviceSize)
	require.NoError(t, usbip.ReadExactly(conn, fixed))
	exported, _, err := usbip.DecodeExportedDevice(fixed, 0)
	require.NoError(t, err)
	devid := exported.BusNum<<16 | exported.DevNum

	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 18, 0}
	cs := usbip.CmdSubmit{
		Basic:                usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 0x42, Devid: devid, Dir: usbip.DirIn, Ep: 0},
		TransferBufferLength: 18,
		Setup:                setup,
	}
	require.NoError(t, writeAll(conn, cs.Encode()))

	cu := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 0x43, Devid: devid},
		UnlinkSeqnum: 0x42,
	}
	require.NoError(t, writeAll(conn, cu.Encode()))

	var unlinkHdr [usbip.URBHeaderSize]byte
	require.NoError(t, usbip.ReadExactly(conn, unlinkHdr[:]))
	retUnlink, _, err := usbip.DecodeRetUnlink(unlinkHdr[:])
	require.NoError(t, err)
	require.Equal(t, int32(0), retUnlink.Status, "unlinking a still in-flight submission must report status 0 immediately")

	select {
	case seq := <-canceled:
		require.Equal(t, uint32(0x42), seq)
	case <-time.After(2 * time.Second):
		t.Fatal("backend Cancel was never invoked")
	}

	var submitHdr [usbip.URBHeaderSize]byte
	require.NoError(t, usbip.ReadExactly(conn, submitHdr[:]))
	retSubmit, _, err := usbip.DecodeRetSubmit(submitHdr[:])
	require.NoError(t, err)
	require.Equal(t, uint32(0x42), retSubmit.Basic.Seqnum, "the submission must still receive its own RET_SUBMIT")
}

func writeAll(conn net.Conn, b []byte) error {
	_, err := conn.Write(b)
	return err
}

type fakeBackend struct {
	locs  []backend.Locator
	descs map[string]backend.Descriptor
}

func (f *fakeBackend) Enumerate(ctx context.Context) ([]backend.Locator, error) { return f.locs, nil }
func (f *fakeBackend) Describe(ctx context.Context, loc backend.Locator) (backend.Descriptor, error) {
	return f.descs[loc.BusID], nil
}
func (f *fakeBackend) Open(ctx context.Context, loc backend.Locator) (backend.Handle, error) {
	return nil, nil
}
