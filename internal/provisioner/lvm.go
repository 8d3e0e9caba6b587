package provisioner

import (
	"context"
	"fmt"
	"strings"

	"github.com/osdfleet/disktender/internal/executil"
	"github.com/osdfleet/disktender/internal/types"
)

const lvmReserveBytes = 10 * 1024 * 1024 // reserve left unallocated in each VG

// createVolumeGroup creates a volume group spanning the entire device.
func createVolumeGroup(ctx context.Context, runner executil.Runner, vgName, device string) error {
	_, err := runner.Run(ctx, executil.DefaultTimeout, "vgcreate", vgName, device)
	if err != nil {
		return fmt.Errorf("vgcreate %s %s: %w", vgName, device, err)
	}
	return nil
}

// createLogicalVolume creates a linear LV consuming all but the LVM
// reserve of the VG.
func createLogicalVolume(ctx context.Context, runner executil.Runner, vgName, lvName string) (string, error) {
	extent := fmt.Sprintf("-L-%dB", lvmReserveBytes)
	_, err := runner.Run(ctx, executil.DefaultTimeout, "lvcreate", extent, "-n", lvName, vgName)
	if err != nil {
		return "", fmt.Errorf("lvcreate %s/%s: %w", vgName, lvName, err)
	}
	return fmt.Sprintf("/dev/%s/%s", vgName, lvName), nil
}

// addTags attaches the bluestore discovery tag set to an LV. Tags are
// the authoritative source of truth for later discovery by remove_disk
// and by other hosts running `ceph-volume`.
func addTags(ctx context.Context, runner executil.Runner, lvPath string, tags types.LVTagSet) error {
	args := []string{lvPath}
	for k, v := range tags.Tags() {
		args = append(args, "--addtag", fmt.Sprintf("%s=%s", k, v))
	}
	_, err := runner.Run(ctx, executil.DefaultTimeout, "lvchange", args...)
	if err != nil {
		return fmt.Errorf("lvchange --addtag %s: %w", lvPath, err)
	}
	return nil
}

// readTag reads a single "ceph.<key>=value" tag off an LV, used by
// remove_disk's discovery order.
func readTag(ctx context.Context, runner executil.Runner, lvPath, key string) (string, bool, error) {
	tags, err := readAllTags(ctx, runner, lvPath)
	if err != nil {
		return "", false, err
	}
	v, ok := tags["ceph."+key]
	return v, ok, nil
}

func readAllTags(ctx context.Context, runner executil.Runner, lvPath string) (map[string]string, error) {
	res, err := runner.Run(ctx, executil.DefaultTimeout, "lvs", "--noheadings", "-o", "lv_tags", lvPath)
	if err != nil {
		return nil, fmt.Errorf("lvs -o lv_tags %s: %w", lvPath, err)
	}
	return parseTagLine(res.Stdout), nil
}

func parseTagLine(line string) map[string]string {
	out := map[string]string{}
	for _, tag := range strings.Split(strings.TrimSpace(line), ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		kv := strings.SplitN(tag, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

// liveWALUUIDs lists the ceph.wal_uuid tag value of every LV on the host
// that has one, used by journal selection to avoid reusing a GUID a live
// OSD still references.
func liveWALUUIDs(ctx context.Context, runner executil.Runner) (map[string]bool, error) {
	res, err := runner.Run(ctx, executil.DefaultTimeout, "lvs", "--noheadings", "-o", "lv_tags")
	if err != nil {
		return nil, fmt.Errorf("lvs -o lv_tags: %w", err)
	}
	out := map[string]bool{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		tags := parseTagLine(line)
		if uuid, ok := tags["ceph.wal_uuid"]; ok && uuid != "" {
			out[uuid] = true
		}
	}
	return out, nil
}

// readLVUUID returns the LV's own UUID, recorded as the block_uuid tag.
func readLVUUID(ctx context.Context, runner executil.Runner, lvPath string) (string, error) {
	res, err := runner.Run(ctx, executil.DefaultTimeout, "lvs", "--noheadings", "-o", "lv_uuid", lvPath)
	if err != nil {
		return "", fmt.Errorf("lvs -o lv_uuid %s: %w", lvPath, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// vgOnDevice resolves the volume group whose physical volume is device,
// empty when the device carries no VG.
func vgOnDevice(ctx context.Context, runner executil.Runner, device string) (string, error) {
	res, err := runner.Run(ctx, executil.DefaultTimeout, "pvs", "--noheadings", "-o", "vg_name", device)
	if err != nil {
		// pvs exits non-zero when the device is not a PV at all.
		return "", nil
	}
	return strings.TrimSpace(res.Stdout), nil
}

// tagsOnDevice reads the discovery tag set off the first LV in the VG
// backed by device. Returns (tags, lvPath, err); tags is nil when the
// device carries no tagged LV.
func tagsOnDevice(ctx context.Context, runner executil.Runner, device string) (map[string]string, string, error) {
	vg, err := vgOnDevice(ctx, runner, device)
	if err != nil || vg == "" {
		return nil, "", err
	}
	res, err := runner.Run(ctx, executil.DefaultTimeout, "lvs", "--noheadings", "-o", "lv_path,lv_tags", vg)
	if err != nil {
		return nil, "", fmt.Errorf("lvs %s: %w", vg, err)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		lvPath := fields[0]
		if len(fields) < 2 {
			continue
		}
		tags := parseTagLine(fields[1])
		if len(tags) > 0 {
			return tags, lvPath, nil
		}
	}
	return nil, "", nil
}

// deactivateAndRemoveVG deactivates and removes every LV in the VG, the
// VG itself, and the underlying physical volume.
func deactivateAndRemoveVG(ctx context.Context, runner executil.Runner, vgName, device string) error {
	if _, err := runner.Run(ctx, executil.DefaultTimeout, "vgchange", "-an", vgName); err != nil {
		return fmt.Errorf("vgchange -an %s: %w", vgName, err)
	}
	if _, err := runner.Run(ctx, executil.DefaultTimeout, "lvremove", "-f", vgName); err != nil {
		return fmt.Errorf("lvremove %s: %w", vgName, err)
	}
	if _, err := runner.Run(ctx, executil.DefaultTimeout, "vgremove", "-f", vgName); err != nil {
		return fmt.Errorf("vgremove %s: %w", vgName, err)
	}
	if _, err := runner.Run(ctx, executil.DefaultTimeout, "pvremove", "-f", device); err != nil {
		return fmt.Errorf("pvremove %s: %w", device, err)
	}
	return nil
}

// zeroSuperblocks wipes filesystem/LVM signatures off device so it does
// not get mistakenly rediscovered as backing an OSD.
func zeroSuperblocks(ctx context.Context, runner executil.Runner, device string) error {
	_, err := runner.Run(ctx, executil.DefaultTimeout, "wipefs", "-a", device)
	if err != nil {
		return fmt.Errorf("wipefs -a %s: %w", device, err)
	}
	return nil
}
