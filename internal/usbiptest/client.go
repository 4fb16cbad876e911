// Package usbiptest is a minimal USB/IP wire client for exercising the
// dispatcher end-to-end in tests, built on this repo's own codec types
// (usbip.OpHeader, ExportedDevice, CmdSubmit/RetSubmit).
package usbiptest

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/relaygo/usbipd/usbip"
)

// Client drives one or more connections to a dispatcher over TCP, encoding
// and decoding frames with the same usbip codec the dispatcher uses.
type Client struct {
	addr string
	seq  uint32
}

func New(addr string) *Client {
	return &Client{addr: addr}
}

func (c *Client) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1)
}

// ListDevices opens a fresh connection, sends OP_REQ_DEVLIST, and returns
// the exported device records.
func (c *Client) ListDevices() ([]usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write(usbip.OpHeader{Version: usbip.Version, Code: usbip.OpReqDevlist}.Encode()); err != nil {
		return nil, err
	}

	var hdrBuf [usbip.OpHeaderSize]byte
	if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
		return nil, err
	}
	hdr, _, err := usbip.DecodeOpHeader(hdrBuf[:])
	if err != nil {
		return nil, err
	}
	if hdr.Code != usbip.OpRepDevlist {
		return nil, fmt.Errorf("usbiptest: unexpected reply code %#x", hdr.Code)
	}

	var countBuf [4]byte
	if err := usbip.ReadExactly(conn, countBuf[:]); err != nil {
		return nil, err
	}
	reply, _, err := usbip.DecodeDevListReplyHeader(countBuf[:])
	if err != nil {
		return nil, err
	}

	devices := make([]usbip.ExportedDevice, 0, reply.NDevices)
	for i := uint32(0); i < reply.NDevices; i++ {
		fixed := make([]byte, usbip.ExportedDeviceSize)
		if err := usbip.ReadExactly(conn, fixed); err != nil {
			return nil, err
		}
		d, rest, err := usbip.DecodeExportedDevice(fixed, 0)
		if err != nil {
			return nil, err
		}
		_ = rest
		numIfaces := int(d.BNumInterfaces)
		if numIfaces > 0 {
			ifaceBuf := make([]byte, numIfaces*usbip.InterfaceDescSize)
			if err := usbip.ReadExactly(conn, ifaceBuf); err != nil {
				return nil, err
			}
			full := append(fixed, ifaceBuf...)
			d, _, err = usbip.DecodeExportedDevice(full, numIfaces)
			if err != nil {
				return nil, err
			}
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Session is an open, imported USB/IP connection ready to carry URBs.
type Session struct {
	conn   net.Conn
	client *Client
}

// Import dials a fresh connection and imports busID, returning a Session
// that can submit URBs against it.
func (c *Client) Import(busID string) (*Session, usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, usbip.ExportedDevice{}, err
	}

	if _, err := conn.Write(usbip.OpHeader{Version: usbip.Version, Code: usbip.OpReqImport}.Encode()); err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}
	if _, err := conn.Write(usbip.EncodeBusID(busID)); err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}

	var hdrBuf [usbip.OpHeaderSize]byte
	if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}
	hdr, _, err := usbip.DecodeOpHeader(hdrBuf[:])
	if err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}
	if hdr.Code != usbip.OpRepImport {
		conn.Close()
		return nil, usbip.ExportedDevice{}, fmt.Errorf("usbiptest: unexpected reply code %#x", hdr.Code)
	}
	if hdr.Status != 0 {
		conn.Close()
		return nil, usbip.ExportedDevice{}, fmt.Errorf("usbiptest: import failed, status %d", hdr.Status)
	}

	fixed := make([]byte, usbip.ExportedDeviceSize)
	if err := usbip.ReadExactly(conn, fixed); err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}
	d, _, err := usbip.DecodeExportedDevice(fixed, 0)
	if err != nil {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}

	return &Session{conn: conn, client: c}, d, nil
}

// SubmitControl sends a CMD_SUBMIT for endpoint 0 with the given setup
// packet and optional OUT payload, and returns the decoded RET_SUBMIT plus
// any IN payload.
func (s *Session) SubmitControl(devid uint32, dir uint32, setup [8]byte, out []byte, inLen uint32) (usbip.RetSubmit, []byte, error) {
	seq := s.client.nextSeq()
	cs := usbip.CmdSubmit{
		Basic:                usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: devid, Dir: dir, Ep: 0},
		TransferBufferLength: inLen,
		Setup:                setup,
	}
	if dir == usbip.DirOut {
		cs.TransferBufferLength = uint32(len(out))
	}
	if _, err := s.conn.Write(cs.Encode()); err != nil {
		return usbip.RetSubmit{}, nil, err
	}
	if dir == usbip.DirOut && len(out) > 0 {
		if _, err := s.conn.Write(out); err != nil {
			return usbip.RetSubmit{}, nil, err
		}
	}
	return s.readRetSubmit()
}

func (s *Session) readRetSubmit() (usbip.RetSubmit, []byte, error) {
	var hdrBuf [usbip.URBHeaderSize]byte
	if err := usbip.ReadExactly(s.conn, hdrBuf[:]); err != nil {
		return usbip.RetSubmit{}, nil, err
	}
	ret, _, err := usbip.DecodeRetSubmit(hdrBuf[:])
	if err != nil {
		return usbip.RetSubmit{}, nil, err
	}
	var payload []byte
	if ret.ActualLength > 0 {
		payload = make([]byte, ret.ActualLength)
		if err := usbip.ReadExactly(s.conn, payload); err != nil {
			return ret, nil, err
		}
	}
	return ret, payload, nil
}

// Unlink sends a CMD_UNLINK for seqnum and returns the RET_UNLINK status.
func (s *Session) Unlink(devid, seqnum uint32) (int32, error) {
	cu := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: s.client.nextSeq(), Devid: devid},
		UnlinkSeqnum: seqnum,
	}
	if _, err := s.conn.Write(cu.Encode()); err != nil {
		return 0, err
	}
	var hdrBuf [usbip.URBHeaderSize]byte
	if err := usbip.ReadExactly(s.conn, hdrBuf[:]); err != nil {
		return 0, err
	}
	ret, _, err := usbip.DecodeRetUnlink(hdrBuf[:])
	if err != nil {
		return 0, err
	}
	return ret.Status, nil
}

func (s *Session) Close() error { return s.conn.Close() }
