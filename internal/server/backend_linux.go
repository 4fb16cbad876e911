//go:build linux

package server

import (
	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/backend/realusb"
)

func newRealBackend() (backend.UsbBackend, error) {
	return realusb.New(), nil
}
