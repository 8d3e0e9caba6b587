package provisioner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/osdfleet/disktender/internal/executil"
)

const fstabOptions = "noatime,inode64,attr2,logbsize=256k,noquota"

// prepareFilestore is the pre-Luminous add path:
// format the device as XFS, mount it at the data directory, and register
// an fstab entry so the mount survives reboot. The rest of the add
// sequence (identity, auth, crush, start, gradual reweight) is shared
// with the bluestore path.
func (p *Provisioner) prepareFilestore(ctx context.Context, device string, osdID int) error {
	if _, err := p.runner.Run(ctx, executil.DefaultTimeout,
		"mkfs.xfs", "-f", "-i", "size=2048", device); err != nil {
		return fmt.Errorf("mkfs.xfs %s: %w", device, err)
	}

	dir := p.dataDir(osdID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir %s: %w", dir, err)
	}
	if _, err := p.runner.Run(ctx, executil.DefaultTimeout,
		"mount", "-o", fstabOptions, device, dir); err != nil {
		return fmt.Errorf("mount %s at %s: %w", device, dir, err)
	}

	if err := p.appendFstabEntry(device, dir); err != nil {
		return err
	}
	return nil
}

// mkfsFilestore runs the cluster's mkfs helper for a filestore OSD.
func (p *Provisioner) mkfsFilestore(ctx context.Context, osdID int, osdFSID string) error {
	dir := p.dataDir(osdID)
	args := []string{
		"--cluster", "ceph",
		"--osd-objectstore", "filestore",
		"--mkfs",
		"-i", fmt.Sprintf("%d", osdID),
		"--monmap", filepath.Join(dir, "activate.monmap"),
		"--osd-data", dir,
		"--osd-uuid", osdFSID,
		"--setuser", p.cfg.ClusterUser,
		"--setgroup", p.cfg.ClusterUser,
	}
	if _, err := p.runner.Run(ctx, executil.DefaultTimeout, "ceph-osd", args...); err != nil {
		return fmt.Errorf("ceph-osd --mkfs for osd.%d: %w", osdID, err)
	}
	return nil
}

// appendFstabEntry registers the filestore mount: dump=0, fsck_order=2.
// Idempotent — an existing line for the device is left untouched.
func (p *Provisioner) appendFstabEntry(device, mountPoint string) error {
	f, err := os.OpenFile(p.fstabPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.fstabPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == device {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", p.fstabPath, err)
	}

	line := fmt.Sprintf("%s %s xfs %s 0 2\n", device, mountPoint, fstabOptions)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append fstab entry for %s: %w", device, err)
	}
	return nil
}

// removeFstabEntry drops the device's line from fstab on teardown.
func (p *Provisioner) removeFstabEntry(device string) error {
	buf, err := os.ReadFile(p.fstabPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", p.fstabPath, err)
	}

	var kept []string
	for _, line := range strings.Split(string(buf), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == device {
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(p.fstabPath, []byte(strings.Join(kept, "\n")), 0644)
}

// discoverFilestoreOSD mounts the device read-only at a scratch point
// and checks for a type file containing "filestore" — the discovery
// fallback for pre-Luminous OSDs. The whoami file in the same
// directory carries the OSD id.
func (p *Provisioner) discoverFilestoreOSD(ctx context.Context, device string) (int, bool) {
	tmp, err := os.MkdirTemp("", "disktender-probe-")
	if err != nil {
		return 0, false
	}
	defer os.RemoveAll(tmp)

	if _, err := p.runner.Run(ctx, executil.DefaultTimeout, "mount", "-o", "ro", device, tmp); err != nil {
		return 0, false
	}
	defer p.runner.Run(ctx, executil.DefaultTimeout, "umount", tmp)

	buf, err := os.ReadFile(filepath.Join(tmp, "type"))
	if err != nil || strings.TrimSpace(string(buf)) != "filestore" {
		return 0, false
	}
	whoami, err := os.ReadFile(filepath.Join(tmp, "whoami"))
	if err != nil {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(whoami)))
	if err != nil {
		return 0, false
	}
	return id, true
}
