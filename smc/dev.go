package smc

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultDevPath is the secure-monitor bridge character device.
const DefaultDevPath = "/dev/svisor"

// smcRemapIPA is the bridge driver ioctl that copies the encoded request
// into the per-CPU shared region and issues the monitor trap with local
// interrupts disabled. Trap number 0x18, matching the monitor ABI.
const smcRemapIPA = 0x4018

// DevCaller issues secure monitor calls through the bridge device. The
// kernel side masks interrupts for the duration of the trap only.
type DevCaller struct {
	dev *os.File
}

// OpenDev opens the bridge device at path ("" means DefaultDevPath).
func OpenDev(path string) (*DevCaller, error) {
	if path == "" {
		path = DefaultDevPath
	}

	dev, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &DevCaller{dev: dev}, nil
}

// Call encodes req and traps into the secure monitor. It returns only
// after the monitor has completed the remap.
func (d *DevCaller) Call(req *Request) error {
	if d == nil || d.dev == nil {
		return ErrCallerUnbacked
	}

	buf, err := req.Encode()
	if err != nil {
		return err
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.dev.Fd(),
		uintptr(smcRemapIPA), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return fmt.Errorf("smc remap-ipa trap: %w", errno)
	}

	return nil
}

// Close releases the bridge device.
func (d *DevCaller) Close() error {
	if d.dev == nil {
		return nil
	}

	return d.dev.Close()
}
