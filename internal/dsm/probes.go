package dsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/osdfleet/disktender/internal/dsm/fsck"
	"github.com/osdfleet/disktender/internal/dsm/smart"
	"github.com/osdfleet/disktender/internal/executil"
	"github.com/osdfleet/disktender/internal/types"
)

// Probes is the hardware/filesystem oracle the state machine's
// transitions consult. Fixing the oracle makes a run deterministic.
type Probes interface {
	// SmartPassed runs the ATA SMART status query. The error covers
	// "could not ask", which is advisory.
	SmartPassed(ctx context.Context, dev *types.BlockDevice) (bool, error)

	// Mount mounts the device with its discovered filesystem and records
	// the mount point on dev.
	Mount(ctx context.Context, dev *types.BlockDevice) error

	// RemountRW remounts an already-mounted device read-write.
	RemountRW(ctx context.Context, dev *types.BlockDevice) error

	// MountedReadOnly reports whether the device's mount is read-only.
	MountedReadOnly(ctx context.Context, dev *types.BlockDevice) (bool, error)

	// WriteProbe writes and fsyncs a temp file under the mount point.
	WriteProbe(ctx context.Context, dev *types.BlockDevice) error

	// WornOut reports whether the media's wear level disqualifies it.
	WornOut(ctx context.Context, dev *types.BlockDevice) (bool, error)

	// FsckCheck runs the non-destructive filesystem check.
	FsckCheck(ctx context.Context, dev *types.BlockDevice) (fsck.Verdict, error)

	// Repair runs the noninteractive filesystem fixer.
	Repair(ctx context.Context, dev *types.BlockDevice) error

	// Reformat force-formats the filesystem and records the new UUID on dev.
	Reformat(ctx context.Context, dev *types.BlockDevice) error
}

// HostProbes implements Probes against the real host.
type HostProbes struct {
	Runner    executil.Runner
	MountRoot string // scratch directory mounts land under; default /mnt
}

// NewHostProbes builds the default oracle.
func NewHostProbes(runner executil.Runner) *HostProbes {
	return &HostProbes{Runner: runner, MountRoot: "/mnt"}
}

func (h *HostProbes) SmartPassed(ctx context.Context, dev *types.BlockDevice) (bool, error) {
	return smart.Status(dev.Path)
}

func (h *HostProbes) Mount(ctx context.Context, dev *types.BlockDevice) error {
	if dev.MountPath != "" {
		return nil
	}
	if dev.FilesystemKind == "" {
		return fmt.Errorf("no filesystem discovered on %s", dev.Path)
	}
	target := filepath.Join(h.MountRoot, "disktender-"+filepath.Base(dev.Path))
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("create mount point %s: %w", target, err)
	}
	if err := unix.Mount(dev.Path, target, dev.FilesystemKind, 0, ""); err != nil {
		return fmt.Errorf("mount %s at %s: %w", dev.Path, target, err)
	}
	dev.MountPath = target
	return nil
}

func (h *HostProbes) RemountRW(ctx context.Context, dev *types.BlockDevice) error {
	if dev.MountPath == "" {
		return fmt.Errorf("%s is not mounted", dev.Path)
	}
	if err := unix.Mount(dev.Path, dev.MountPath, dev.FilesystemKind, unix.MS_REMOUNT, ""); err != nil {
		return fmt.Errorf("remount rw %s: %w", dev.Path, err)
	}
	return nil
}

func (h *HostProbes) MountedReadOnly(ctx context.Context, dev *types.BlockDevice) (bool, error) {
	if dev.MountPath == "" {
		return false, fmt.Errorf("%s is not mounted", dev.Path)
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dev.MountPath, &st); err != nil {
		return false, fmt.Errorf("statfs %s: %w", dev.MountPath, err)
	}
	return st.Flags&unix.ST_RDONLY != 0, nil
}

func (h *HostProbes) WriteProbe(ctx context.Context, dev *types.BlockDevice) error {
	if dev.MountPath == "" {
		return fmt.Errorf("%s is not mounted", dev.Path)
	}
	f, err := os.CreateTemp(dev.MountPath, ".disktender-probe-")
	if err != nil {
		return fmt.Errorf("create probe file on %s: %w", dev.MountPath, err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := f.Write([]byte("disktender write probe\n")); err != nil {
		return fmt.Errorf("write probe on %s: %w", dev.MountPath, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync probe on %s: %w", dev.MountPath, err)
	}
	return nil
}

// WornOut reports worn for solid-state and NVMe media when the SMART
// overall-health verdict fails; no wear-leveling attribute is read.
// Rotational media never reports worn here.
func (h *HostProbes) WornOut(ctx context.Context, dev *types.BlockDevice) (bool, error) {
	if dev.Media != types.MediaSolidState && dev.Media != types.MediaNVMe {
		return false, nil
	}
	passed, err := smart.Status(dev.Path)
	if err != nil {
		return false, err
	}
	return !passed, nil
}

func (h *HostProbes) FsckCheck(ctx context.Context, dev *types.BlockDevice) (fsck.Verdict, error) {
	return fsck.Check(ctx, h.Runner, dev.Path, dev.FilesystemKind)
}

func (h *HostProbes) Repair(ctx context.Context, dev *types.BlockDevice) error {
	return fsck.Repair(ctx, h.Runner, dev.Path, dev.FilesystemKind)
}

func (h *HostProbes) Reformat(ctx context.Context, dev *types.BlockDevice) error {
	uuid, err := fsck.Format(ctx, h.Runner, dev.Path, dev.FilesystemKind)
	if err != nil {
		return err
	}
	dev.FilesystemUUID = uuid
	dev.MountPath = ""
	return nil
}
