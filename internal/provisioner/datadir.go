package provisioner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/osdfleet/disktender/internal/executil"
)

const defaultDataRoot = "/var/lib/ceph/osd"

// dataDir returns the OSD's mount/data directory, ceph-<id> under the
// data root.
func (p *Provisioner) dataDir(osdID int) string {
	return filepath.Join(p.dataRoot, fmt.Sprintf("ceph-%d", osdID))
}

// populateDataDir lays down the bluestore data directory:
// fsid file, block symlink to the LV, optional block.wal symlink to the
// journal partition, and the cluster mon map as activate.monmap.
func (p *Provisioner) populateDataDir(ctx context.Context, osdID int, osdFSID, lvPath, walPath string) error {
	dir := p.dataDir(osdID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir %s: %w", dir, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "fsid"), []byte(osdFSID+"\n"), 0644); err != nil {
		return fmt.Errorf("write fsid: %w", err)
	}

	if err := replaceSymlink(lvPath, filepath.Join(dir, "block")); err != nil {
		return err
	}
	if walPath != "" {
		if err := replaceSymlink(walPath, filepath.Join(dir, "block.wal")); err != nil {
			return err
		}
	}

	monmap, err := p.cc.MonGetMap(ctx)
	if err != nil {
		return fmt.Errorf("fetch mon map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "activate.monmap"), monmap, 0644); err != nil {
		return fmt.Errorf("write activate.monmap: %w", err)
	}
	return nil
}

// writeKeyring registers the OSD's auth identity and writes the keyring
// into the data directory.
func (p *Provisioner) writeKeyring(ctx context.Context, osdID int) error {
	if err := p.cc.AuthAdd(ctx, osdID, ""); err != nil {
		return fmt.Errorf("auth add osd.%d: %w", osdID, err)
	}
	key, err := p.cc.AuthGetKey(ctx, osdID)
	if err != nil {
		return fmt.Errorf("auth get-key osd.%d: %w", osdID, err)
	}
	keyring := fmt.Sprintf("[osd.%d]\n\tkey = %s\n", osdID, key)
	path := filepath.Join(p.dataDir(osdID), "keyring")
	if err := os.WriteFile(path, []byte(keyring), 0600); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	return nil
}

// mkfsBluestore invokes the cluster's out-of-process mkfs helper against
// the LV, then primes the mount point with bluestore-tool.
func (p *Provisioner) mkfsBluestore(ctx context.Context, osdID int, osdFSID, walPath string) error {
	dir := p.dataDir(osdID)
	args := []string{
		"--cluster", "ceph",
		"--osd-objectstore", "bluestore",
		"--mkfs",
		"-i", strconv.Itoa(osdID),
		"--monmap", filepath.Join(dir, "activate.monmap"),
		"--osd-data", dir,
		"--osd-uuid", osdFSID,
		"--setuser", p.cfg.ClusterUser,
		"--setgroup", p.cfg.ClusterUser,
	}
	if walPath != "" {
		args = append(args, "--osd-journal", walPath)
	}
	if _, err := p.runner.Run(ctx, executil.DefaultTimeout, "ceph-osd", args...); err != nil {
		return fmt.Errorf("ceph-osd --mkfs for osd.%d: %w", osdID, err)
	}

	if _, err := p.runner.Run(ctx, executil.DefaultTimeout, "ceph-bluestore-tool",
		"prime-osd-dir", "--dev", filepath.Join(dir, "block"), "--path", dir); err != nil {
		return fmt.Errorf("bluestore-tool prime-osd-dir for osd.%d: %w", osdID, err)
	}
	return nil
}

// chownToClusterUser hands the backing device node, data directory, and
// key files to the cluster user.
func (p *Provisioner) chownToClusterUser(ctx context.Context, paths ...string) error {
	owner := p.cfg.ClusterUser + ":" + p.cfg.ClusterUser
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := p.runner.Run(ctx, executil.DefaultTimeout, "chown", "-R", owner, path); err != nil {
			return fmt.Errorf("chown %s to %s: %w", path, owner, err)
		}
	}
	return nil
}

func replaceSymlink(target, link string) error {
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale symlink %s: %w", link, err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", link, target, err)
	}
	return nil
}
