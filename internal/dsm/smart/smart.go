// Package smart issues a basic ATA SMART status query against a raw
// block device through the HDIO_DRIVE_CMD ioctl. The verdict is
// advisory: callers record it and proceed regardless.
package smart

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	hdioDriveCmd = 0x031f

	ataSmartCmd      = 0xb0
	smartReadValues  = 0xd0
	smartReturnState = 0xda
	smartLBAMid      = 0x4f
	smartLBAHigh     = 0xc2
)

// Status queries the device's SMART overall-health status. The returned
// bool is the pass/fail verdict; err is non-nil only when the query
// itself could not be issued (no ATA support, permissions, virtio).
func Status(device string) (bool, error) {
	f, err := os.OpenFile(device, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", device, err)
	}
	defer f.Close()

	// args layout per linux/hdreg.h: cmd, sector number, feature, sector
	// count, then the drive's response registers on return.
	args := [4 + 512]byte{}
	args[0] = ataSmartCmd
	args[1] = smartLBAMid
	args[2] = smartReturnState
	args[3] = 0

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), hdioDriveCmd, uintptr(unsafe.Pointer(&args[0])))
	if errno != 0 {
		return false, fmt.Errorf("HDIO_DRIVE_CMD on %s: %w", device, errno)
	}

	// A drive with no threshold exceeded leaves 4Fh/C2h in the LBA
	// mid/high registers; a drive past a threshold returns F4h/2Ch there.
	lbaMid, lbaHigh := args[1], args[2]
	if lbaMid == smartLBAMid && lbaHigh == smartLBAHigh {
		return true, nil
	}
	return false, nil
}
