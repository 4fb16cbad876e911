// Package protocol enforces which USB/IP message a connection may legally
// receive at any point in its lifecycle: OP_REQ_DEVLIST/OP_REQ_IMPORT
// before import, CMD_SUBMIT/CMD_UNLINK only after a successful import, and
// only against the device that was actually imported.
package protocol

import (
	"fmt"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/usbiperr"
)

// State names the two legal phases of a USB/IP connection.
type State int

const (
	AwaitingOp State = iota
	Imported
)

func (s State) String() string {
	if s == Imported {
		return "imported"
	}
	return "awaiting-op"
}

// Machine enforces the legal message sequence for one connection. It is not
// safe for concurrent use; callers serialize access to it per-connection.
type Machine struct {
	state    State
	imported backend.Locator
}

func NewMachine() *Machine {
	return &Machine{state: AwaitingOp}
}

func (m *Machine) State() State { return m.state }

// AllowDevList reports whether OP_REQ_DEVLIST is legal right now: only
// before the connection has imported a device.
func (m *Machine) AllowDevList() error {
	if m.state == Imported {
		return usbiperr.New(usbiperr.ProtocolViolation, "OP_REQ_DEVLIST sent on an already-imported connection")
	}
	return nil
}

// AllowImport reports whether OP_REQ_IMPORT is legal right now. The wire
// protocol only ever imports once per connection.
func (m *Machine) AllowImport() error {
	if m.state == Imported {
		return usbiperr.New(usbiperr.ProtocolViolation, "OP_REQ_IMPORT sent on an already-imported connection")
	}
	return nil
}

// CompleteImport transitions the machine into Imported, binding it to loc.
func (m *Machine) CompleteImport(loc backend.Locator) {
	m.state = Imported
	m.imported = loc
}

// AllowURB reports whether a CMD_SUBMIT/CMD_UNLINK for devid is legal right
// now: the connection must have completed an import, and devid must match
// the imported device.
func (m *Machine) AllowURB(devid uint32) error {
	if m.state != Imported {
		return usbiperr.New(usbiperr.ProtocolViolation, "URB sent before OP_REQ_IMPORT completed")
	}
	if devid != m.imported.DevID {
		return usbiperr.New(usbiperr.ProtocolViolation, fmt.Sprintf("URB devid %d does not match imported device %d", devid, m.imported.DevID))
	}
	return nil
}

// ImportedLocator returns the device this connection imported. Only valid
// when State() is Imported.
func (m *Machine) ImportedLocator() backend.Locator { return m.imported }
