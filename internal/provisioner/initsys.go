package provisioner

import (
	"context"
	"fmt"
	"os"

	"github.com/osdfleet/disktender/internal/executil"
)

// InitSystem identifies the host init daemon, detected at runtime.
// Unknown init is fatal for the unit-management step.
type InitSystem int

const (
	InitUnknown InitSystem = iota
	InitSystemd
	InitUpstart
)

// DetectInit probes for the host init daemon. Systemd advertises itself
// through /run/systemd/system; upstart through the initctl binary.
func DetectInit() InitSystem {
	if _, err := os.Stat("/run/systemd/system"); err == nil {
		return InitSystemd
	}
	if _, err := os.Stat("/sbin/initctl"); err == nil {
		return InitUpstart
	}
	return InitUnknown
}

// unitManager enables, starts, stops, and disables the per-OSD service
// unit against whichever init daemon the host runs.
type unitManager struct {
	init   InitSystem
	runner executil.Runner
}

// volumeUnit names the per-OSD activation unit, ceph-volume@lvm-<id>-<uuid>.
func volumeUnit(osdID int, osdFSID string) string {
	return fmt.Sprintf("ceph-volume@lvm-%d-%s", osdID, osdFSID)
}

// osdUnit names the OSD daemon service itself.
func osdUnit(osdID int) string {
	return fmt.Sprintf("ceph-osd@%d", osdID)
}

func (u unitManager) enable(ctx context.Context, unit string) error {
	switch u.init {
	case InitSystemd:
		_, err := u.runner.Run(ctx, executil.DefaultTimeout, "systemctl", "enable", unit)
		return err
	case InitUpstart:
		// Upstart jobs are enabled by their conf file; nothing to do here.
		return nil
	default:
		return fmt.Errorf("cannot enable %s: unknown init system", unit)
	}
}

func (u unitManager) start(ctx context.Context, unit string) error {
	switch u.init {
	case InitSystemd:
		_, err := u.runner.Run(ctx, executil.DefaultTimeout, "systemctl", "start", unit)
		return err
	case InitUpstart:
		_, err := u.runner.Run(ctx, executil.DefaultTimeout, "initctl", "start", unit)
		return err
	default:
		return fmt.Errorf("cannot start %s: unknown init system", unit)
	}
}

func (u unitManager) stop(ctx context.Context, unit string) error {
	switch u.init {
	case InitSystemd:
		_, err := u.runner.Run(ctx, executil.DefaultTimeout, "systemctl", "stop", unit)
		return err
	case InitUpstart:
		_, err := u.runner.Run(ctx, executil.DefaultTimeout, "initctl", "stop", unit)
		return err
	default:
		return fmt.Errorf("cannot stop %s: unknown init system", unit)
	}
}

func (u unitManager) disable(ctx context.Context, unit string) error {
	switch u.init {
	case InitSystemd:
		_, err := u.runner.Run(ctx, executil.DefaultTimeout, "systemctl", "disable", unit)
		return err
	case InitUpstart:
		return nil
	default:
		return fmt.Errorf("cannot disable %s: unknown init system", unit)
	}
}
