package usbip

import "encoding/binary"

// HeaderBasic is the 20-byte prefix common to every URB command and reply.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h HeaderBasic) encodeInto(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Dir)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
}

func decodeHeaderBasic(buf []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(buf[0:4]),
		Seqnum:  binary.BigEndian.Uint32(buf[4:8]),
		Devid:   binary.BigEndian.Uint32(buf[8:12]),
		Dir:     binary.BigEndian.Uint32(buf[12:16]),
		Ep:      binary.BigEndian.Uint32(buf[16:20]),
	}
}

// DecodeHeaderBasic parses just the 20-byte common header, letting the
// caller branch on Command before decoding the command-specific trailer.
func DecodeHeaderBasic(buf []byte) (HeaderBasic, []byte, error) {
	if len(buf) < URBCommonSize {
		return HeaderBasic{}, nil, ErrNeedMore
	}
	return decodeHeaderBasic(buf), buf[URBCommonSize:], nil
}

// CmdSubmit is USBIP_CMD_SUBMIT: the 48-byte header preceding an optional
// OUT data payload of TransferBufferLength bytes.
type CmdSubmit struct {
	Basic                HeaderBasic
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           uint32
	NumberOfPackets      uint32
	Interval             uint32
	Setup                [8]byte
}

// Encode returns the 48-byte header (payload, if any, is written separately).
func (c CmdSubmit) Encode() []byte {
	buf := make([]byte, URBHeaderSize)
	c.Basic.encodeInto(buf[0:URBCommonSize])
	o := URBCommonSize
	binary.BigEndian.PutUint32(buf[o:o+4], c.TransferFlags)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], c.TransferBufferLength)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], c.StartFrame)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], c.NumberOfPackets)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], c.Interval)
	o += 4
	copy(buf[o:o+8], c.Setup[:])
	return buf
}

// DecodeCmdSubmit parses a 48-byte USBIP_CMD_SUBMIT header. The header's
// Basic.Command field must already be known to be CmdSubmitCode.
func DecodeCmdSubmit(buf []byte) (CmdSubmit, []byte, error) {
	if len(buf) < URBHeaderSize {
		return CmdSubmit{}, nil, ErrNeedMore
	}
	var c CmdSubmit
	c.Basic = decodeHeaderBasic(buf[0:URBCommonSize])
	if c.Basic.Command != CmdSubmitCode {
		return CmdSubmit{}, nil, newFrameErrorf(UnknownCommand, "command=%d, want CMD_SUBMIT", c.Basic.Command)
	}
	o := URBCommonSize
	c.TransferFlags = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	c.TransferBufferLength = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	c.StartFrame = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	c.NumberOfPackets = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	c.Interval = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	copy(c.Setup[:], buf[o:o+8])
	return c, buf[URBHeaderSize:], nil
}

// RetSubmit is USBIP_RET_SUBMIT: the 48-byte header preceding an optional IN
// data payload of ActualLength bytes.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

// Encode returns the 48-byte header (payload, if any, is written separately).
func (r RetSubmit) Encode() []byte {
	buf := make([]byte, URBHeaderSize)
	r.Basic.encodeInto(buf[0:URBCommonSize])
	o := URBCommonSize
	binary.BigEndian.PutUint32(buf[o:o+4], uint32(r.Status))
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], r.ActualLength)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], r.StartFrame)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], r.NumberOfPackets)
	o += 4
	binary.BigEndian.PutUint32(buf[o:o+4], r.ErrorCount)
	// remaining 8 bytes are the unused setup/padding field, left zero.
	return buf
}

// DecodeRetSubmit parses a 48-byte USBIP_RET_SUBMIT header.
func DecodeRetSubmit(buf []byte) (RetSubmit, []byte, error) {
	if len(buf) < URBHeaderSize {
		return RetSubmit{}, nil, ErrNeedMore
	}
	var r RetSubmit
	r.Basic = decodeHeaderBasic(buf[0:URBCommonSize])
	if r.Basic.Command != RetSubmitCode {
		return RetSubmit{}, nil, newFrameErrorf(UnknownCommand, "command=%d, want RET_SUBMIT", r.Basic.Command)
	}
	o := URBCommonSize
	r.Status = int32(binary.BigEndian.Uint32(buf[o : o+4]))
	o += 4
	r.ActualLength = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	r.StartFrame = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	r.NumberOfPackets = binary.BigEndian.Uint32(buf[o : o+4])
	o += 4
	r.ErrorCount = binary.BigEndian.Uint32(buf[o : o+4])
	return r, buf[URBHeaderSize:], nil
}

// CmdUnlink is USBIP_CMD_UNLINK: 48 bytes, no payload.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
}

// Encode returns the 48-byte frame.
func (c CmdUnlink) Encode() []byte {
	buf := make([]byte, URBHeaderSize)
	c.Basic.encodeInto(buf[0:URBCommonSize])
	binary.BigEndian.PutUint32(buf[URBCommonSize:URBCommonSize+4], c.UnlinkSeqnum)
	return buf
}

// DecodeCmdUnlink parses a 48-byte USBIP_CMD_UNLINK frame.
func DecodeCmdUnlink(buf []byte) (CmdUnlink, []byte, error) {
	if len(buf) < URBHeaderSize {
		return CmdUnlink{}, nil, ErrNeedMore
	}
	var c CmdUnlink
	c.Basic = decodeHeaderBasic(buf[0:URBCommonSize])
	if c.Basic.Command != CmdUnlinkCode {
		return CmdUnlink{}, nil, newFrameErrorf(UnknownCommand, "command=%d, want CMD_UNLINK", c.Basic.Command)
	}
	c.UnlinkSeqnum = binary.BigEndian.Uint32(buf[URBCommonSize : URBCommonSize+4])
	return c, buf[URBHeaderSize:], nil
}

// RetUnlink is USBIP_RET_UNLINK: 48 bytes, no payload.
type RetUnlink struct {
	Basic  HeaderBasic
	Status int32
}

// Encode returns the 48-byte frame.
func (r RetUnlink) Encode() []byte {
	buf := make([]byte, URBHeaderSize)
	r.Basic.encodeInto(buf[0:URBCommonSize])
	binary.BigEndian.PutUint32(buf[URBCommonSize:URBCommonSize+4], uint32(r.Status))
	return buf
}

// DecodeRetUnlink parses a 48-byte USBIP_RET_UNLINK frame.
func DecodeRetUnlink(buf []byte) (RetUnlink, []byte, error) {
	if len(buf) < URBHeaderSize {
		return RetUnlink{}, nil, ErrNeedMore
	}
	var r RetUnlink
	r.Basic = decodeHeaderBasic(buf[0:URBCommonSize])
	if r.Basic.Command != RetUnlinkCode {
		return RetUnlink{}, nil, newFrameErrorf(UnknownCommand, "command=%d, want RET_UNLINK", r.Basic.Command)
	}
	r.Status = int32(binary.BigEndian.Uint32(buf[URBCommonSize : URBCommonSize+4]))
	return r, buf[URBHeaderSize:], nil
}
