//go:build !linux

package server

import (
	"fmt"
	"runtime"

	"github.com/relaygo/usbipd/internal/backend"
)

func newRealBackend() (backend.UsbBackend, error) {
	return nil, fmt.Errorf("real backend requires Linux (gousb/libusb), running on %s; use --backend simulated or --backend mock", runtime.GOOS)
}
