// Package pidfile prevents two disktender daemon instances from running
// on the same host. On startup, if the file
// exists and its PID still belongs to a process whose command line
// matches the daemon name, startup aborts.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const daemonName = "disktender"

// Acquire checks path for a stale or live PID file, then writes the
// current process's PID to it. The caller must call Release on shutdown.
func Acquire(path string) error {
	if existing, err := readPID(path); err == nil {
		if processMatchesDaemon(existing) {
			return fmt.Errorf("disktender already running with pid %d (pidfile %s)", existing, path)
		}
		// Stale pidfile: the PID is gone or belongs to an unrelated process.
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// Release removes the pidfile. Call on graceful shutdown.
func Release(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pidfile %s: %w", path, err)
	}
	return nil
}

func readPID(path string) (int, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile %s: %w", path, err)
	}
	return pid, nil
}

// processMatchesDaemon reports whether pid is alive and its cmdline
// contains the disktender binary name. Linux-only (/proc); on other
// platforms this conservatively reports false, allowing startup to
// proceed and overwrite the stale pidfile.
func processMatchesDaemon(pid int) bool {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	return strings.Contains(string(cmdline), daemonName)
}
