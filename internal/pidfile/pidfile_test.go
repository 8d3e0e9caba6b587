package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disktender.pid")

	require.NoError(t, Acquire(path))

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, Release(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// A stale pidfile whose PID belongs to no matching process is overwritten.
func TestAcquireOverwritesStalePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disktender.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0644))

	require.NoError(t, Acquire(path))

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(buf)))
}

func TestReleaseMissingFileIsNoError(t *testing.T) {
	assert.NoError(t, Release(filepath.Join(t.TempDir(), "never-created.pid")))
}
