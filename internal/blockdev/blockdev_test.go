package blockdev

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osdfleet/disktender/internal/executil"
	"github.com/osdfleet/disktender/internal/executil/executiltest"
	"github.com/osdfleet/disktender/internal/types"
)

// fakeSysBlock lays out a minimal sysfs tree for one device.
func fakeSysBlock(t *testing.T, name string, rotational string, sizeSectors string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "queue"), 0755))
	if rotational != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "queue", "rotational"), []byte(rotational+"\n"), 0644))
	}
	if sizeSectors != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "size"), []byte(sizeSectors+"\n"), 0644))
	}
	return root
}

func TestClassify(t *testing.T) {
	rotRoot := fakeSysBlock(t, "sda", "1", "1000")
	ssdRoot := fakeSysBlock(t, "sdb", "0", "1000")

	tests := []struct {
		name string
		root string
		dev  string
		want types.MediaClass
	}{
		{"rotational", rotRoot, "sda", types.MediaRotational},
		{"solid-state", ssdRoot, "sdb", types.MediaSolidState},
		{"nvme", rotRoot, "nvme0n1", types.MediaNVMe},
		{"loopback", rotRoot, "loop3", types.MediaLoopback},
		{"ram", rotRoot, "ram0", types.MediaRAM},
		{"device-mapper", rotRoot, "dm-2", types.MediaLVM},
		{"virtio", rotRoot, "vda", types.MediaVirtual},
		{"missing rotational flag", rotRoot, "sdz", types.MediaUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.root, tt.dev))
		})
	}
}

func TestDescribeReadsSysfs(t *testing.T) {
	root := fakeSysBlock(t, "sdc", "1", "2048")

	runner := &executiltest.Runner{}
	runner.Stub(executiltest.Rule{
		Name:   "blkid",
		Result: executil.Result{Stdout: "DEVNAME=/dev/sdc\nUUID=aaaa-bbbb\nTYPE=xfs\n"},
	})

	l := &HostLister{Runner: runner, Hostname: "host1", SysBlock: root}
	dev, err := l.Describe(context.Background(), "/dev/sdc")
	require.NoError(t, err)

	assert.Equal(t, "host1", dev.Host)
	assert.Equal(t, types.MediaRotational, dev.Media)
	assert.Equal(t, uint64(2048*512), dev.CapacityBytes)
	assert.Equal(t, "xfs", dev.FilesystemKind)
	assert.Equal(t, "aaaa-bbbb", dev.FilesystemUUID)
}

func TestDescribeUnknownDevice(t *testing.T) {
	l := &HostLister{Runner: &executiltest.Runner{}, Hostname: "host1", SysBlock: t.TempDir()}
	_, err := l.Describe(context.Background(), "/dev/nope")
	assert.Error(t, err)
}

func TestListEnumeratesSysBlockEntries(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"sda", "sdb"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name, "queue"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, name, "queue", "rotational"), []byte("0\n"), 0644))
	}

	l := &HostLister{Runner: &executiltest.Runner{}, Hostname: "host1", SysBlock: root}
	devices, err := l.List(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "/dev/sda", devices[0].Path)
	assert.Equal(t, "/dev/sdb", devices[1].Path)
}
