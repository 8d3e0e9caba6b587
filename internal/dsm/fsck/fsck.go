// Package fsck wraps the ext2/3/4 and XFS check, repair, and format
// tools, mapping their exit codes onto the two verdicts the diagnostic
// state machine acts on.
package fsck

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/osdfleet/disktender/internal/executil"
)

// Verdict is the outcome of a non-destructive filesystem check.
type Verdict int

const (
	Ok Verdict = iota
	Corrupt
)

// e2fsck exit codes are a bitmask: 0 clean, 1 fixed, 2 fixed-reboot,
// 4 uncorrected, 8 operational error.
const (
	e2fsckFixed       = 1
	e2fsckFixedReboot = 2
)

// ErrUnsupported reports a filesystem kind outside ext2/3/4 and XFS.
var ErrUnsupported = errors.New("unsupported filesystem")

func isExt(kind string) bool {
	return kind == "ext2" || kind == "ext3" || kind == "ext4"
}

// Check runs the filesystem checker in non-destructive mode and maps
// the exit code to a Verdict. The error return is reserved for "could
// not run the check at all".
func Check(ctx context.Context, runner executil.Runner, device, fsKind string) (Verdict, error) {
	var checker string
	var args []string
	switch {
	case isExt(fsKind):
		checker, args = "e2fsck", []string{"-n", device}
	case fsKind == "xfs":
		checker, args = "xfs_repair", []string{"-n", device}
	default:
		return Corrupt, fmt.Errorf("%w: %q", ErrUnsupported, fsKind)
	}

	res, err := runner.Run(ctx, executil.DefaultTimeout, checker, args...)
	if err != nil && res.ExitCode == 0 {
		// The checker did not run at all (missing binary, signal).
		return Corrupt, err
	}
	if res.ExitCode == 0 {
		return Ok, nil
	}
	return Corrupt, nil
}

// Repair runs the noninteractive fixer. Exit codes meaning "fixed" or
// "fixed, reboot advised" count as success.
func Repair(ctx context.Context, runner executil.Runner, device, fsKind string) error {
	switch {
	case isExt(fsKind):
		res, err := runner.Run(ctx, executil.DefaultTimeout, "e2fsck", "-f", "-y", device)
		if err == nil {
			return nil
		}
		if res.ExitCode == e2fsckFixed || res.ExitCode == e2fsckFixedReboot ||
			res.ExitCode == e2fsckFixed|e2fsckFixedReboot {
			return nil
		}
		return fmt.Errorf("e2fsck -y %s: %w", device, err)
	case fsKind == "xfs":
		if _, err := runner.Run(ctx, executil.DefaultTimeout, "xfs_repair", device); err != nil {
			return fmt.Errorf("xfs_repair %s: %w", device, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupported, fsKind)
	}
}

// Format force-formats the device with a fresh filesystem of the same
// kind, producing a new UUID.
func Format(ctx context.Context, runner executil.Runner, device, fsKind string) (string, error) {
	var err error
	switch {
	case isExt(fsKind):
		_, err = runner.Run(ctx, executil.DefaultTimeout, "mkfs."+fsKind, "-F", device)
	case fsKind == "xfs":
		_, err = runner.Run(ctx, executil.DefaultTimeout, "mkfs.xfs", "-f", device)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupported, fsKind)
	}
	if err != nil {
		return "", fmt.Errorf("format %s as %s: %w", device, fsKind, err)
	}

	res, err := runner.Run(ctx, executil.DefaultTimeout, "blkid", "-s", "UUID", "-o", "value", device)
	if err != nil {
		return "", fmt.Errorf("read new UUID on %s: %w", device, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}
