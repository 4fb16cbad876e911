package usbip

import (
	"errors"
	"fmt"
)

// ErrNeedMore indicates the supplied buffer is a valid prefix of a legal
// message but does not yet contain enough bytes to decode it. Callers
// reading from a stream should buffer more data and retry.
var ErrNeedMore = errors.New("usbip: need more data")

// ErrorKind classifies codec-level decode failures (spec section 4.1).
type ErrorKind int

const (
	ShortFrame ErrorKind = iota
	UnsupportedVersion
	UnknownCommand
	MalformedField
	PayloadTooLarge
)

func (k ErrorKind) String() string {
	switch k {
	case ShortFrame:
		return "short frame"
	case UnsupportedVersion:
		return "unsupported version"
	case UnknownCommand:
		return "unknown command"
	case MalformedField:
		return "malformed field"
	case PayloadTooLarge:
		return "payload too large"
	default:
		return "unknown codec error"
	}
}

// FrameError is returned by Decode* functions for any byte sequence that is
// not, and can never become, a valid prefix of a legal message.
type FrameError struct {
	Kind   ErrorKind
	Detail string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return "usbip: " + e.Kind.String()
	}
	return fmt.Sprintf("usbip: %s: %s", e.Kind, e.Detail)
}

func newFrameErrorf(kind ErrorKind, format string, args ...any) error {
	return &FrameError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// CheckPayloadLimit rejects a claimed payload length that exceeds a
// caller-supplied bound, so the codec never allocates an unbounded buffer
// for an attacker-controlled length field.
func CheckPayloadLimit(length, max uint32) error {
	if length > max {
		return newFrameErrorf(PayloadTooLarge, "length %d exceeds limit %d", length, max)
	}
	return nil
}
