// Package dispatcher runs the USB/IP TCP listener: one goroutine per
// connection, a protocol state machine gating which messages are legal,
// and a completion fan-in so multiple in-flight URBs on a connection can
// complete out of order without serializing on the backend.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/binding"
	"github.com/relaygo/usbipd/internal/claim"
	"github.com/relaygo/usbipd/internal/obslog"
	"github.com/relaygo/usbipd/internal/protocol"
	"github.com/relaygo/usbipd/internal/registry"
	"github.com/relaygo/usbipd/internal/urbtracker"
	"github.com/relaygo/usbipd/internal/usbiperr"
	"github.com/relaygo/usbipd/usbip"
)

// Config is the subset of server configuration the dispatcher needs.
type Config struct {
	Addr                    string
	MaxConnections          int
	ConnectionTimeout       time.Duration
	ShutdownTimeout         time.Duration
	WriteBatchFlushInterval time.Duration
	MaxPayloadBytes         uint32
}

// Dispatcher owns the listener and every active connection's lifecycle.
type Dispatcher struct {
	cfg      Config
	logger   *slog.Logger
	registry *registry.Registry
	claims   *claim.Manager
	bindings *binding.Store
	tracer   obslog.WireTracer

	sem         *semaphore.Weighted
	activeConns atomic.Int64

	mu       sync.Mutex
	ln       net.Listener
	ready    chan struct{}
	readyOne sync.Once
	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc
}

func New(cfg Config, logger *slog.Logger, reg *registry.Registry, claims *claim.Manager, bindings *binding.Store, tracer obslog.WireTracer) *Dispatcher {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 32
	}
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = 16 << 20
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		claims:   claims,
		bindings: bindings,
		tracer:   tracer,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		ready:    make(chan struct{}),
	}
}

// Ready closes once the listener is bound and accepting connections.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// ActiveConnections reports the number of currently handled connections.
func (d *Dispatcher) ActiveConnections() int { return int(d.activeConns.Load()) }

func (d *Dispatcher) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln != nil {
		return d.ln.Addr().String()
	}
	return d.cfg.Addr
}

// ListenAndServe binds the listener and accepts connections until ctx is
// canceled or Close is called, then returns once every connection handler
// has finished. Open connections are not closed by the dispatcher when ctx
// is canceled; a connection ends when its client disconnects.
func (d *Dispatcher) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dispatcher: listen: %w", err)
	}

	groupCtx, cancel := context.WithCancel(ctx)
	g, groupCtx := errgroup.WithContext(groupCtx)

	d.mu.Lock()
	d.ln = ln
	d.group = g
	d.groupCtx = groupCtx
	d.cancel = cancel
	d.mu.Unlock()

	d.readyOne.Do(func() { close(d.ready) })
	d.logger.Info("usbip dispatcher listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				d.logger.Info("usbip dispatcher stopped accepting")
				break
			}
			d.logger.Error("accept error", "error", err)
			continue
		}
		if err := d.sem.Acquire(groupCtx, 1); err != nil {
			_ = c.Close()
			continue
		}
		conn := c
		d.activeConns.Add(1)
		g.Go(func() error {
			defer d.sem.Release(1)
			defer d.activeConns.Add(-1)
			if err := d.handleConn(groupCtx, conn); err != nil && !isClientDisconnect(err) {
				d.logger.Error("connection handler error", "remote", conn.RemoteAddr(), "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// Close stops accepting new connections and waits up to ShutdownTimeout for
// active connections to finish. Connections still open after that are left
// open and their claims stay held until they end.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	ln := d.ln
	cancel := d.cancel
	group := d.group
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	if group == nil {
		return nil
	}

	timeout := d.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return nil
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	tc := &tracedConn{Conn: conn, tracer: d.tracer}

	if d.cfg.ConnectionTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.ConnectionTimeout))
	}

	var hdrBuf [usbip.OpHeaderSize]byte
	if err := usbip.ReadExactly(tc, hdrBuf[:]); err != nil {
		return fmt.Errorf("read op header: %w", err)
	}
	hdr, _, err := usbip.DecodeOpHeader(hdrBuf[:])
	if err != nil {
		return fmt.Errorf("decode op header: %w", err)
	}

	switch hdr.Code {
	case usbip.OpReqDevlist:
		_ = conn.SetDeadline(time.Time{})
		return d.handleDevList(ctx, tc)
	case usbip.OpReqImport:
		_ = conn.SetDeadline(time.Time{})
		loc, handle, err := d.handleImport(ctx, tc, conn)
		if err != nil {
			return err
		}
		return d.handleURBStream(ctx, tc, loc, handle)
	default:
		return usbiperr.New(usbiperr.ProtocolViolation, fmt.Sprintf("unexpected op code %#x before any stream established", hdr.Code))
	}
}

func (d *Dispatcher) handleDevList(ctx context.Context, conn io.Writer) error {
	entries := d.registry.List()

	var buf bytes.Buffer
	buf.Write(usbip.OpHeader{Version: usbip.Version, Code: usbip.OpRepDevlist, Status: 0}.Encode())

	var bound []registry.Entry
	for _, e := range entries {
		if d.bindings == nil || d.bindings.IsBound(e.Locator.BusID) {
			bound = append(bound, e)
		}
	}

	buf.Write(usbip.DevListReplyHeader{NDevices: uint32(len(bound))}.Encode())
	for _, e := range bound {
		buf.Write(exportedDeviceFor(e))
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

// handleImport looks up busid, claims the device, and only then writes
// OP_REP_IMPORT: the claim must succeed before the client is told the
// import succeeded, or a second importer of an already-claimed device
// would be told status=0 and then see the connection die.
func (d *Dispatcher) handleImport(ctx context.Context, rw io.ReadWriter, owner claim.Owner) (backend.Locator, backend.Handle, error) {
	var busIDBuf [usbip.BusIDFieldSize]byte
	if err := usbip.ReadExactly(rw, busIDBuf[:]); err != nil {
		return backend.Locator{}, nil, fmt.Errorf("read import busid: %w", err)
	}
	busID, _, err := usbip.DecodeBusID(busIDBuf[:])
	if err != nil {
		return backend.Locator{}, nil, fmt.Errorf("decode import busid: %w", err)
	}

	entry, ok := d.registry.Lookup(busID)
	replyErr := func() error {
		if !ok {
			return usbiperr.New(usbiperr.DeviceNotPresent, fmt.Sprintf("no device at bus id %s", busID))
		}
		if d.bindings != nil && !d.bindings.IsBound(busID) {
			return usbiperr.New(usbiperr.DeviceNotBound, fmt.Sprintf("device %s is not bound", busID))
		}
		return nil
	}()

	var handle backend.Handle
	if replyErr == nil {
		handle, replyErr = d.claims.Claim(ctx, entry.Locator, owner)
	}

	if replyErr != nil {
		var buf bytes.Buffer
		buf.Write(usbip.OpHeader{Version: usbip.Version, Code: usbip.OpRepImport, Status: 1}.Encode())
		_, _ = rw.Write(buf.Bytes())
		return backend.Locator{}, nil, replyErr
	}

	var buf bytes.Buffer
	buf.Write(usbip.OpHeader{Version: usbip.Version, Code: usbip.OpRepImport, Status: 0}.Encode())
	buf.Write(exportedDeviceRecord(entry).EncodeForImport())
	if _, err := rw.Write(buf.Bytes()); err != nil {
		d.claims.Release(entry.Locator.BusID)
		return backend.Locator{}, nil, fmt.Errorf("write import reply: %w", err)
	}
	return entry.Locator, handle, nil
}

func exportedDeviceFor(e registry.Entry) []byte {
	return exportedDeviceRecord(e).EncodeForDevlist()
}

func exportedDeviceRecord(e registry.Entry) usbip.ExportedDevice {
	var ed usbip.ExportedDevice
	ed.SetPath(e.Descriptor.Path)
	ed.SetBusID(e.Locator.BusID)
	ed.BusNum = e.Locator.BusNum
	ed.DevNum = e.Locator.DevNum
	ed.Speed = uint32(e.Descriptor.Speed)
	ed.IDVendor = e.Descriptor.IDVendor
	ed.IDProduct = e.Descriptor.IDProduct
	ed.BcdDevice = e.Descriptor.BcdDevice
	ed.BDeviceClass = e.Descriptor.DeviceClass
	ed.BDeviceSubClass = e.Descriptor.DeviceSubClass
	ed.BDeviceProtocol = e.Descriptor.DeviceProtocol
	ed.BConfigurationValue = e.Descriptor.ConfigurationValue
	ed.BNumConfigurations = e.Descriptor.NumConfigurations
	ed.BNumInterfaces = uint8(len(e.Descriptor.Interfaces))
	for _, intf := range e.Descriptor.Interfaces {
		ed.Interfaces = append(ed.Interfaces, usbip.InterfaceDesc{Class: intf.Class, SubClass: intf.SubClass, Protocol: intf.Protocol})
	}
	return ed
}

// handleURBStream pumps CMD_SUBMIT/CMD_UNLINK to completion against an
// already-claimed handle. Submissions run concurrently; a single writer
// goroutine serializes RET_SUBMIT/RET_UNLINK writes through the batching
// writer.
func (d *Dispatcher) handleURBStream(ctx context.Context, conn net.Conn, loc backend.Locator, handle backend.Handle) error {
	defer d.claims.Release(loc.BusID)

	tracker := urbtracker.New()
	completions := make(chan []byte, 64)

	var writer io.Writer = conn
	var bw *batchingWriter
	if d.cfg.WriteBatchFlushInterval > 0 {
		bw = newBatchingWriter(conn, 0, d.cfg.WriteBatchFlushInterval, writeBatcherFlushAtBytes)
		writer = bw
		defer bw.Close()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range completions {
			if _, err := writer.Write(frame); err != nil {
				return
			}
		}
	}()

	readErr := d.readURBLoop(ctx, conn, loc, handle, tracker, completions)

	select {
	case <-tracker.Drained():
	case <-time.After(2 * time.Second):
	}
	close(completions)
	<-writerDone

	return readErr
}

func (d *Dispatcher) readURBLoop(ctx context.Context, conn net.Conn, loc backend.Locator, handle backend.Handle, tracker *urbtracker.Tracker, completions chan<- []byte) error {
	machine := protocol.NewMachine()
	machine.CompleteImport(loc)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var hdrBuf [usbip.URBHeaderSize]byte
		if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
			return fmt.Errorf("read urb header: %w", err)
		}

		basic, _, err := usbip.DecodeHeaderBasic(hdrBuf[:])
		if err != nil {
			return fmt.Errorf("decode urb header: %w", err)
		}
		if err := machine.AllowURB(basic.Devid); err != nil && basic.Devid != 0 {
			return err
		}

		switch basic.Command {
		case usbip.CmdUnlinkCode:
			cu, _, err := usbip.DecodeCmdUnlink(hdrBuf[:])
			if err != nil {
				return fmt.Errorf("decode cmd_unlink: %w", err)
			}
			result, cancelErr := tracker.RequestCancel(cu.UnlinkSeqnum)
			if cancelErr != nil {
				d.logger.Warn("backend cancel failed", "seqnum", cu.UnlinkSeqnum, "error", cancelErr)
			}
			status := int32(-104) // -ECONNRESET: already completed, nothing to cancel
			if result == urbtracker.Pending {
				status = 0
			}
			ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: cu.Basic.Seqnum}, Status: status}
			completions <- ret.Encode()

		case usbip.CmdSubmitCode:
			cs, _, err := usbip.DecodeCmdSubmit(hdrBuf[:])
			if err != nil {
				return fmt.Errorf("decode cmd_submit: %w", err)
			}
			if err := usbip.CheckPayloadLimit(cs.TransferBufferLength, d.cfg.MaxPayloadBytes); err != nil {
				return fmt.Errorf("submit rejected: %w", err)
			}

			var outPayload []byte
			if cs.Basic.Dir == usbip.DirOut && cs.TransferBufferLength > 0 {
				outPayload = make([]byte, cs.TransferBufferLength)
				if err := usbip.ReadExactly(conn, outPayload); err != nil {
					return fmt.Errorf("read out payload: %w", err)
				}
			}

			req := backend.Request{
				Seqnum:    cs.Basic.Seqnum,
				Endpoint:  uint8(cs.Basic.Ep),
				Direction: cs.Basic.Dir,
				Setup:     cs.Setup,
				Buffer:    allocInBuffer(cs.Basic.Dir, outPayload, cs.TransferBufferLength),
				IsControl: cs.Basic.Ep == 0,
			}
			if err := tracker.Register(req.Seqnum, handle); err != nil {
				return fmt.Errorf("register urb: %w", err)
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				comp, err := handle.Submit(ctx, req)
				if _, ok := tracker.Take(req.Seqnum); !ok {
					return // seqnum no longer tracked; no RET_SUBMIT is sent for it
				}
				if err != nil {
					comp.Status = usbiperr.WireStatusOf(err)
				}
				ret := usbip.RetSubmit{
					Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: comp.Seqnum},
					Status:       comp.Status,
					ActualLength: comp.ActualLength,
				}
				frame := append(ret.Encode(), comp.Data...)
				completions <- frame
			}()

		default:
			return usbiperr.New(usbiperr.ProtocolViolation, fmt.Sprintf("unsupported urb command %d", basic.Command))
		}
	}
}

func allocInBuffer(dir uint32, outPayload []byte, length uint32) []byte {
	if dir == usbip.DirOut {
		return outPayload
	}
	return make([]byte, length)
}

type tracedConn struct {
	net.Conn
	tracer obslog.WireTracer
}

func (t *tracedConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 && t.tracer != nil {
		t.tracer.Trace(true, p[:n])
	}
	return n, err
}

func (t *tracedConn) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	if n > 0 && t.tracer != nil {
		t.tracer.Trace(false, p[:n])
	}
	return n, err
}

func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return errors.Is(err, io.EOF) ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection")
}
