package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/usbiperr"
)

func TestURBBeforeImportIsRejected(t *testing.T) {
	m := NewMachine()
	err := m.AllowURB(1)
	require.Error(t, err)
	require.Equal(t, usbiperr.ProtocolViolation, usbiperr.KindOf(err))
}

func TestImportThenURBAllowed(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.AllowImport())
	m.CompleteImport(backend.Locator{BusID: "1-1", DevID: 42})
	require.Equal(t, Imported, m.State())
	require.NoError(t, m.AllowURB(42))
}

func TestURBForWrongDeviceIsRejected(t *testing.T) {
	m := NewMachine()
	m.CompleteImport(backend.Locator{BusID: "1-1", DevID: 42})
	err := m.AllowURB(7)
	require.Error(t, err)
	require.Equal(t, usbiperr.ProtocolViolation, usbiperr.KindOf(err))
}

func TestDoubleImportIsRejected(t *testing.T) {
	m := NewMachine()
	m.CompleteImport(backend.Locator{BusID: "1-1", DevID: 1})
	err := m.AllowImport()
	require.Error(t, err)
}
