//go:build linux

// Package realusb implements backend.UsbBackend against physically attached
// USB devices via gousb (libusb bindings), the way guiperry-HASHER's
// internal/driver/device package opens and claims a device directly instead
// of going through a kernel driver.
package realusb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/relaygo/usbipd/internal/backend"
)

// Backend enumerates and opens devices through a single shared libusb
// context. The zero value is not usable; call New.
type Backend struct {
	ctx *gousb.Context

	mu      sync.Mutex
	nextDev uint32
	busNums map[string]uint32 // vendor bus string -> assigned wire busnum
}

func New() *Backend {
	return &Backend{
		ctx:     gousb.NewContext(),
		busNums: make(map[string]uint32),
	}
}

func (b *Backend) Close() error {
	return b.ctx.Close()
}

// Enumerate lists every USB device currently visible to libusb.
func (b *Backend) Enumerate(ctx context.Context) ([]backend.Locator, error) {
	var locs []backend.Locator
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		locs = append(locs, b.locatorFor(desc))
		return false // never actually open here, just inspect descriptors
	})
	if err != nil {
		return nil, fmt.Errorf("realusb: enumerate: %w", err)
	}
	for _, d := range devs {
		_ = d.Close()
	}
	return locs, nil
}

func (b *Backend) locatorFor(desc *gousb.DeviceDesc) backend.Locator {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := fmt.Sprintf("%d", desc.Bus)
	busNum, ok := b.busNums[key]
	if !ok {
		b.nextDev++
		busNum = b.nextDev
		b.busNums[key] = busNum
	}
	return backend.Locator{
		BusID:  fmt.Sprintf("%d-%d", busNum, desc.Address),
		DevID:  busNum<<16 | uint32(desc.Address),
		BusNum: busNum,
		DevNum: uint32(desc.Address),
	}
}

func (b *Backend) findDesc(ctx context.Context, loc backend.Locator) (*gousb.DeviceDesc, error) {
	var found *gousb.DeviceDesc
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if b.locatorFor(desc).BusID == loc.BusID {
			found = desc
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		_ = d.Close()
	}
	if found == nil {
		return nil, fmt.Errorf("realusb: device %s not found", loc.BusID)
	}
	return found, nil
}

func (b *Backend) Describe(ctx context.Context, loc backend.Locator) (backend.Descriptor, error) {
	desc, err := b.findDesc(ctx, loc)
	if err != nil {
		return backend.Descriptor{}, err
	}
	return descriptorFromGousb(desc), nil
}

func descriptorFromGousb(desc *gousb.DeviceDesc) backend.Descriptor {
	d := backend.Descriptor{
		IDVendor:  uint16(desc.Vendor),
		IDProduct: uint16(desc.Product),
		Speed:     speedFromGousb(desc.Speed),
		Path:      fmt.Sprintf("/sys/bus/usb/devices/usb%d/%d-%d", desc.Bus, desc.Bus, desc.Address),
	}
	if len(desc.Configs) > 0 {
		d.NumConfigurations = uint8(len(desc.Configs))
		for _, cfg := range desc.Configs {
			d.ConfigurationValue = uint8(cfg.Number)
			for _, intf := range cfg.Interfaces {
				if len(intf.AltSettings) == 0 {
					continue
				}
				alt := intf.AltSettings[0]
				d.Interfaces = append(d.Interfaces, backend.InterfaceDescriptor{
					Class:    uint8(alt.Class),
					SubClass: uint8(alt.SubClass),
					Protocol: uint8(alt.Protocol),
				})
			}
			break
		}
	}
	d.NumConfigurations = uint8(len(desc.Configs))
	if len(desc.Configs) > 0 {
		d.DeviceClass = uint8(desc.Class)
		d.DeviceSubClass = uint8(desc.SubClass)
		d.DeviceProtocol = uint8(desc.Protocol)
	}
	return d
}

func speedFromGousb(s gousb.Speed) backend.Speed {
	switch s {
	case gousb.SpeedLow:
		return backend.SpeedLow
	case gousb.SpeedFull:
		return backend.SpeedFull
	case gousb.SpeedHigh:
		return backend.SpeedHigh
	case gousb.SpeedSuper:
		return backend.SpeedSuper
	default:
		return backend.SpeedUnknown
	}
}

// Open opens the device and selects its first configuration, mirroring
// OpenUSBDevice in guiperry-HASHER's usb_device.go. Interface 0 is claimed,
// and IN/OUT endpoints resolved, only when the returned handle carries its
// first non-control transfer.
func (b *Backend) Open(ctx context.Context, loc backend.Locator) (backend.Handle, error) {
	desc, err := b.findDesc(ctx, loc)
	if err != nil {
		return nil, err
	}

	dev, err := b.ctx.OpenDeviceWithVIDPID(desc.Vendor, desc.Product)
	if err != nil {
		return nil, fmt.Errorf("realusb: open %s: %w", loc.BusID, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("realusb: device %s vanished", loc.BusID)
	}

	cfgNum := 1
	if len(desc.Configs) > 0 {
		cfgNum = desc.Configs[0].Number
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("realusb: set config on %s: %w", loc.BusID, err)
	}

	return &handle{desc: descriptorFromGousb(desc), dev: dev, cfg: cfg, loc: loc}, nil
}
