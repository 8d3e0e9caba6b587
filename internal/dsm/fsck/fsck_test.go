package fsck

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osdfleet/disktender/internal/executil"
	"github.com/osdfleet/disktender/internal/executil/executiltest"
)

func exitErr(code int) (executil.Result, error) {
	return executil.Result{ExitCode: code}, errors.New("exit status")
}

func TestCheckMapsExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		fsKind  string
		exit    int
		wantErr bool
		want    Verdict
	}{
		{name: "ext4 clean", fsKind: "ext4", exit: 0, want: Ok},
		{name: "ext4 errors found", fsKind: "ext4", exit: 4, want: Corrupt},
		{name: "ext3 errors found", fsKind: "ext3", exit: 4, want: Corrupt},
		{name: "xfs clean", fsKind: "xfs", exit: 0, want: Ok},
		{name: "xfs corrupt", fsKind: "xfs", exit: 1, want: Corrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &executiltest.Runner{}
			if tt.exit != 0 {
				res, err := exitErr(tt.exit)
				runner.Stub(executiltest.Rule{Name: checkerFor(tt.fsKind), Result: res, Err: err})
			}
			got, err := Check(context.Background(), runner, "/dev/sdb", tt.fsKind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func checkerFor(fsKind string) string {
	if fsKind == "xfs" {
		return "xfs_repair"
	}
	return "e2fsck"
}

func TestCheckRejectsUnsupportedFilesystem(t *testing.T) {
	_, err := Check(context.Background(), &executiltest.Runner{}, "/dev/sdb", "btrfs")
	assert.ErrorIs(t, err, ErrUnsupported)
}

// "Fixed" and "fixed, reboot advised" count as successful repairs.
func TestRepairAcceptsFixedExitCodes(t *testing.T) {
	for _, code := range []int{1, 2, 3} {
		runner := &executiltest.Runner{}
		res, err := exitErr(code)
		runner.Stub(executiltest.Rule{Name: "e2fsck", Result: res, Err: err})

		assert.NoError(t, Repair(context.Background(), runner, "/dev/sdb", "ext4"),
			"exit code %d means the fixer fixed things", code)
	}
}

func TestRepairFailsOnUncorrectedErrors(t *testing.T) {
	runner := &executiltest.Runner{}
	res, err := exitErr(4)
	runner.Stub(executiltest.Rule{Name: "e2fsck", Result: res, Err: err})

	assert.Error(t, Repair(context.Background(), runner, "/dev/sdb", "ext4"))
}

func TestFormatReturnsFreshUUID(t *testing.T) {
	runner := &executiltest.Runner{}
	runner.Stub(executiltest.Rule{Name: "blkid", Result: executil.Result{Stdout: "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0\n"}})

	uuid, err := Format(context.Background(), runner, "/dev/sdb", "ext4")
	require.NoError(t, err)
	assert.Equal(t, "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0", uuid)
	assert.True(t, runner.Invoked("mkfs.ext4"))
}

func TestFormatXFSUsesForce(t *testing.T) {
	runner := &executiltest.Runner{}
	runner.Stub(executiltest.Rule{Name: "blkid", Result: executil.Result{Stdout: "some-uuid\n"}})

	_, err := Format(context.Background(), runner, "/dev/sdb", "xfs")
	require.NoError(t, err)

	var found bool
	for _, call := range runner.Calls() {
		if call.Name == "mkfs.xfs" {
			found = true
			assert.Contains(t, call.Args, "-f")
		}
	}
	assert.True(t, found, "mkfs.xfs invoked")
}
