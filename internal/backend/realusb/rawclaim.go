//go:build linux

package realusb

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbdevfs ioctl numbers, from linux/usbdevice_fs.h. gousb/libusb normally
// handles claiming through libusb_claim_interface, but when the kernel has
// a driver still bound (e.g. usbhid) libusb's detach-and-claim occasionally
// fails silently on older kernels; rawClaimInterface is the fallback used
// the way Daedaluz-gousb's usbfs package issues these ioctls directly.
const (
	ioctlUSBDEVFSDisconnect     = 0x00005516 // _IO('U', 22)
	ioctlUSBDEVFSClaimInterface = 0x8004550f // _IOR('U', 15, sizeof(uint32))
)

// rawClaimInterface opens the device's usbfs node directly and force-claims
// an interface, detaching any kernel driver bound to it first.
func rawClaimInterface(busNum, devNum uint32, iface uint32) error {
	path := fmt.Sprintf("/dev/bus/usb/%03d/%03d", busNum, devNum)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("realusb: open %s: %w", path, err)
	}
	defer f.Close()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlUSBDEVFSDisconnect), uintptr(unsafe.Pointer(&iface)))
	// ENODATA here just means no driver was bound; anything else we ignore
	// too since CLAIMINTERFACE below will surface a real failure.
	_ = errno

	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(ioctlUSBDEVFSClaimInterface), uintptr(unsafe.Pointer(&iface)))
	if r1 != 0 && errno != 0 {
		return fmt.Errorf("realusb: claim interface %d on %s: %w", iface, path, errno)
	}
	return nil
}
