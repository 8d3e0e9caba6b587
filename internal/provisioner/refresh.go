package provisioner

import (
	"context"
	"os"

	"golang.org/x/sys/unix"

	"github.com/osdfleet/disktender/internal/executil"
	"github.com/osdfleet/disktender/internal/log"
)

// blkrrpart is BLKRRPART from <linux/fs.h> — "re-read partition table".
const blkrrpart = 0x125f

// refreshPartitionTable asks the kernel to re-read device's partition
// table after a GPT mutation. It tries the BLKRRPART
// ioctl first; on failure it falls back to invoking partprobe.
func refreshPartitionTable(ctx context.Context, runner executil.Runner, device string) error {
	logger := log.WithComponent("op")

	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err == nil {
		ioctlErr := unix.IoctlSetInt(int(f.Fd()), blkrrpart, 0)
		f.Close()
		if ioctlErr == nil {
			return nil
		}
		logger.Warn().Err(ioctlErr).Str("device", device).Msg("BLKRRPART ioctl failed, falling back to partprobe")
	} else {
		logger.Warn().Err(err).Str("device", device).Msg("could not open device for BLKRRPART, falling back to partprobe")
	}

	if _, err := runner.Run(ctx, executil.DefaultTimeout, "partprobe", device); err != nil {
		return err
	}
	return nil
}
