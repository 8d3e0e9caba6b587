// Package blockdev enumerates and classifies the block devices on the
// local host. Classification reads sysfs directly; filesystem kind and
// UUID come from blkid so discovery agrees with what mount and fsck will
// later see.
package blockdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/osdfleet/disktender/internal/executil"
	"github.com/osdfleet/disktender/internal/provisioner/gpt"
	"github.com/osdfleet/disktender/internal/types"
)

const sysBlock = "/sys/block"

// Lister enumerates local block devices. The default implementation reads
// sysfs; tests substitute a fake.
type Lister interface {
	List(ctx context.Context) ([]types.BlockDevice, error)
	Describe(ctx context.Context, path string) (types.BlockDevice, error)
}

// HostLister is the sysfs-backed Lister.
type HostLister struct {
	Runner   executil.Runner
	Hostname string

	// SysBlock overrides the sysfs root, for tests.
	SysBlock string
}

// NewHostLister builds a Lister for this host.
func NewHostLister(runner executil.Runner, hostname string) *HostLister {
	return &HostLister{Runner: runner, Hostname: hostname, SysBlock: sysBlock}
}

// List implements Lister, returning every whole-disk device under
// /sys/block with its media class, capacity, serial, filesystem, and GPT
// partition entries.
func (l *HostLister) List(ctx context.Context) ([]types.BlockDevice, error) {
	entries, err := os.ReadDir(l.SysBlock)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.SysBlock, err)
	}

	var out []types.BlockDevice
	for _, e := range entries {
		dev, err := l.Describe(ctx, "/dev/"+e.Name())
		if err != nil {
			continue // device disappeared mid-scan, or virtual entry with no backing node
		}
		out = append(out, dev)
	}
	return out, nil
}

// Describe builds the full BlockDevice record for one device path.
func (l *HostLister) Describe(ctx context.Context, path string) (types.BlockDevice, error) {
	name := filepath.Base(path)
	sysDir := filepath.Join(l.SysBlock, name)
	if _, err := os.Stat(sysDir); err != nil {
		return types.BlockDevice{}, fmt.Errorf("no sysfs entry for %s: %w", path, err)
	}

	dev := types.BlockDevice{
		Host:  l.Hostname,
		Path:  path,
		Media: classify(l.SysBlock, name),
	}

	if size, err := readSysUint(filepath.Join(sysDir, "size")); err == nil {
		dev.CapacityBytes = size * 512 // sysfs size is in 512-byte sectors regardless of logical block size
	}
	if serial, err := os.ReadFile(filepath.Join(sysDir, "device", "serial")); err == nil {
		dev.Serial = strings.TrimSpace(string(serial))
	}

	if kind, uuid, err := probeFilesystem(ctx, l.Runner, path); err == nil {
		dev.FilesystemKind = kind
		dev.FilesystemUUID = uuid
	}
	dev.MountPath = mountPointOf(path)

	if table, err := gpt.Open(path); err == nil {
		for _, p := range table.Partitions() {
			dev.Partitions = append(dev.Partitions, types.GPTPartition{
				UUID:     p.GUID,
				Name:     p.Name,
				FirstLBA: p.FirstLBA,
				LastLBA:  p.LastLBA,
				TypeGUID: p.TypeGUID,
			})
		}
		table.Close()
	}

	return dev, nil
}

// classify maps a sysfs block entry to a MediaClass.
func classify(sysRoot, name string) types.MediaClass {
	switch {
	case strings.HasPrefix(name, "nvme"):
		return types.MediaNVMe
	case strings.HasPrefix(name, "loop"):
		return types.MediaLoopback
	case strings.HasPrefix(name, "ram"):
		return types.MediaRAM
	case strings.HasPrefix(name, "dm-"):
		return types.MediaLVM
	case strings.HasPrefix(name, "vd"), strings.HasPrefix(name, "xvd"):
		return types.MediaVirtual
	}

	rotational, err := readSysUint(filepath.Join(sysRoot, name, "queue", "rotational"))
	if err != nil {
		return types.MediaUnknown
	}
	if rotational == 1 {
		return types.MediaRotational
	}
	return types.MediaSolidState
}

// probeFilesystem asks blkid for the filesystem kind and UUID on path.
func probeFilesystem(ctx context.Context, runner executil.Runner, path string) (kind, uuid string, err error) {
	res, err := runner.Run(ctx, executil.DefaultTimeout, "blkid", "-o", "export", path)
	if err != nil {
		return "", "", err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		kv := strings.SplitN(strings.TrimSpace(line), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "TYPE":
			kind = kv[1]
		case "UUID":
			uuid = kv[1]
		}
	}
	return kind, uuid, nil
}

// mountPointOf scans /proc/mounts for the device's current mount point.
// An empty string means not mounted.
func mountPointOf(device string) string {
	buf, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(buf), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == device {
			return fields[1]
		}
	}
	return ""
}

func readSysUint(path string) (uint64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(buf)), 10, 64)
}
