package provisioner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osdfleet/disktender/internal/cluster/fake"
	"github.com/osdfleet/disktender/internal/config"
	"github.com/osdfleet/disktender/internal/executil/executiltest"
	"github.com/osdfleet/disktender/internal/provisioner/gpt"
	"github.com/osdfleet/disktender/internal/types"
)

// fakeTable is an in-memory JournalTable.
type fakeTable struct {
	parts   []gpt.Partition
	free    gpt.FreeSpan
	added   int
	removed []int
}

func (f *fakeTable) Count() int                 { return len(f.parts) }
func (f *fakeTable) Partitions() []gpt.Partition { return f.parts }
func (f *fakeTable) LargestFreeSpan() gpt.FreeSpan { return f.free }

func (f *fakeTable) HasLiveGUID(guid string) bool {
	for _, p := range f.parts {
		if p.GUID == guid {
			return true
		}
	}
	return false
}

func (f *fakeTable) AddJournalPartition(span gpt.FreeSpan, sizeMB int, name string) (int, string, error) {
	f.added++
	idx := len(f.parts) + 1
	guid := fmt.Sprintf("NEW-GUID-%04d", idx)
	f.parts = append(f.parts, gpt.Partition{Index: idx, GUID: guid, Name: name})
	return idx, guid, nil
}

func (f *fakeTable) RemovePartition(index int) error {
	f.removed = append(f.removed, index)
	var kept []gpt.Partition
	for _, p := range f.parts {
		if p.Index != index {
			kept = append(kept, p)
		}
	}
	f.parts = kept
	return nil
}

func (f *fakeTable) Close() error { return nil }

func spanMB(mb uint64) gpt.FreeSpan {
	return gpt.FreeSpan{FirstLBA: 2048, LastLBA: 2048 + mb*2048 - 1, SectorSize: 512}
}

func journalProvisioner(t *testing.T, cfg *config.ClusterConfig, runner *executiltest.Runner, tables map[string]*fakeTable) *Provisioner {
	t.Helper()
	opener := func(device string) (JournalTable, error) {
		table, ok := tables[device]
		if !ok {
			return nil, fmt.Errorf("no table for %s", device)
		}
		return table, nil
	}
	return New(fake.New(), cfg, "host1",
		WithRunner(runner),
		WithInit(InitSystemd),
		WithDataRoot(t.TempDir()),
		WithTableOpener(opener),
		WithLister(fakeLister{media: types.MediaNVMe}),
	)
}

// Journal selection prefers the device with the fewest partitions.
func TestSelectJournalPrefersEmptiestDevice(t *testing.T) {
	cfg := testConfig()
	cfg.JournalDevices = []types.JournalDevice{
		{Path: "/dev/nvme0n1"},
		{Path: "/dev/nvme1n1"},
	}
	tables := map[string]*fakeTable{
		"/dev/nvme0n1": {parts: []gpt.Partition{{Index: 1, GUID: "A"}, {Index: 2, GUID: "B"}}, free: spanMB(20480)},
		"/dev/nvme1n1": {parts: []gpt.Partition{{Index: 1, GUID: "C"}}, free: spanMB(20480)},
	}
	p := journalProvisioner(t, cfg, &executiltest.Runner{}, tables)

	alloc, err := p.selectJournal(context.Background(), 5120)
	require.NoError(t, err)
	require.NotNil(t, alloc)
	assert.Equal(t, "/dev/nvme1n1", alloc.Device)
	assert.Equal(t, 1, tables["/dev/nvme1n1"].added)
	assert.Zero(t, tables["/dev/nvme0n1"].added)
}

// Boundary case: a journal device with too little contiguous free
// space is filtered out of selection.
func TestSelectJournalFiltersSmallFreeSpans(t *testing.T) {
	cfg := testConfig()
	cfg.JournalDevices = []types.JournalDevice{
		{Path: "/dev/nvme0n1"},
		{Path: "/dev/nvme1n1"},
	}
	tables := map[string]*fakeTable{
		"/dev/nvme0n1": {free: spanMB(1024)}, // too small, despite fewest partitions
		"/dev/nvme1n1": {parts: []gpt.Partition{{Index: 1, GUID: "C"}}, free: spanMB(20480)},
	}
	p := journalProvisioner(t, cfg, &executiltest.Runner{}, tables)

	alloc, err := p.selectJournal(context.Background(), 5120)
	require.NoError(t, err)
	require.NotNil(t, alloc)
	assert.Equal(t, "/dev/nvme1n1", alloc.Device)
}

func TestSelectJournalNoDevicesConfigured(t *testing.T) {
	p := journalProvisioner(t, testConfig(), &executiltest.Runner{}, nil)

	alloc, err := p.selectJournal(context.Background(), 5120)
	require.NoError(t, err)
	assert.Nil(t, alloc)
}

// Pre-declared slot honored while unoccupied.
func TestSelectJournalReusesPreallocatedSlot(t *testing.T) {
	cfg := testConfig()
	cfg.JournalDevices = []types.JournalDevice{
		{Path: "/dev/nvme0n1", PreallocatedID: 2, PreallocatedUUID: "PRE-GUID"},
	}
	tables := map[string]*fakeTable{
		"/dev/nvme0n1": {
			parts: []gpt.Partition{{Index: 1, GUID: "A"}, {Index: 2, GUID: "PRE-GUID"}},
			free:  spanMB(20480),
		},
	}
	p := journalProvisioner(t, cfg, &executiltest.Runner{}, tables)

	alloc, err := p.selectJournal(context.Background(), 5120)
	require.NoError(t, err)
	require.NotNil(t, alloc)
	assert.Equal(t, 2, alloc.PartitionIndex)
	assert.Equal(t, "PRE-GUID", alloc.PartitionGUID)
	assert.Zero(t, tables["/dev/nvme0n1"].added, "no new partition when the slot is free")
}

// Occupied slot: the pre-declared partition's GUID is
// referenced by a live OSD, so a fresh partition is carved on the same
// device and its new GUID becomes the allocation.
func TestSelectJournalOccupiedSlotAllocatesNewPartition(t *testing.T) {
	cfg := testConfig()
	cfg.JournalDevices = []types.JournalDevice{
		{Path: "/dev/nvme0n1", PreallocatedID: 2, PreallocatedUUID: "PRE-GUID"},
	}
	tables := map[string]*fakeTable{
		"/dev/nvme0n1": {
			parts: []gpt.Partition{{Index: 1, GUID: "A"}, {Index: 2, GUID: "PRE-GUID"}},
			free:  spanMB(20480),
		},
	}
	runner := &executiltest.Runner{}
	// A live OSD's LV tags reference the pre-declared GUID.
	runner.Stub(executiltest.Rule{
		Name:     "lvs",
		Contains: "lv_tags",
		Result:   executilResult("  ceph.osd_id=2,ceph.wal_uuid=PRE-GUID"),
	})
	p := journalProvisioner(t, cfg, runner, tables)

	alloc, err := p.selectJournal(context.Background(), 5120)
	require.NoError(t, err)
	require.NotNil(t, alloc)
	assert.Equal(t, 3, alloc.PartitionIndex, "new partition 3 carved next to the occupied slot")
	assert.Equal(t, "NEW-GUID-0003", alloc.PartitionGUID)
	assert.Equal(t, 1, tables["/dev/nvme0n1"].added)
}

// Full add with an occupied journal slot: the new OSD's
// wal tags reference the freshly carved partition 3, not the occupied
// pre-declared slot.
func TestAddDiskWithOccupiedJournalSlot(t *testing.T) {
	cfg := testConfig()
	cfg.JournalDevices = []types.JournalDevice{
		{Path: "/dev/nvme0n1", PreallocatedID: 2, PreallocatedUUID: "PRE-GUID"},
	}
	tables := map[string]*fakeTable{
		"/dev/nvme0n1": {
			parts: []gpt.Partition{{Index: 1, GUID: "A"}, {Index: 2, GUID: "PRE-GUID"}},
			free:  spanMB(20480),
		},
	}
	runner := &executiltest.Runner{}
	runner.Stub(executiltest.Rule{
		Name:     "lvs",
		Contains: "lv_tags",
		Result:   executilResult("  ceph.osd_id=2,ceph.wal_uuid=PRE-GUID"),
	})
	runner.Stub(executiltest.Rule{Name: "lvs", Contains: "lv_uuid", Result: executilResult("LVUUID-0002")})

	opener := func(device string) (JournalTable, error) {
		table, ok := tables[device]
		if !ok {
			return nil, fmt.Errorf("no table for %s", device)
		}
		return table, nil
	}
	cc := fake.New()
	p := New(cc, cfg, "host1",
		WithRunner(runner),
		WithInit(InitSystemd),
		WithDataRoot(t.TempDir()),
		WithTableOpener(opener),
		WithLister(fakeLister{media: types.MediaNVMe}),
	)

	outcome, err := p.AddDisk(context.Background(), "/dev/sdc", nil)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeSuccess, outcome)

	var tagLine string
	for _, call := range runner.Calls() {
		if call.Name == "lvchange" {
			tagLine = call.String()
		}
	}
	require.NotEmpty(t, tagLine, "lvchange --addtag invoked")
	assert.Contains(t, tagLine, "ceph.wal_uuid=NEW-GUID-0003")
	assert.Contains(t, tagLine, "ceph.wal_device=/dev/nvme0n1p3")
	assert.NotContains(t, tagLine, "PRE-GUID")
}

func TestRemoveJournalPartition(t *testing.T) {
	cfg := testConfig()
	cfg.JournalDevices = []types.JournalDevice{{Path: "/dev/nvme0n1"}}
	tables := map[string]*fakeTable{
		"/dev/nvme0n1": {
			parts: []gpt.Partition{{Index: 1, GUID: "A"}, {Index: 2, GUID: "WAL-GUID"}},
			free:  spanMB(20480),
		},
	}
	runner := &executiltest.Runner{}
	p := journalProvisioner(t, cfg, runner, tables)

	require.NoError(t, p.removeJournalPartition(context.Background(), "/dev/nvme0n1", "WAL-GUID"))
	assert.Equal(t, []int{2}, tables["/dev/nvme0n1"].removed)

	// Idempotent: a second removal of the same GUID is a no-op.
	require.NoError(t, p.removeJournalPartition(context.Background(), "/dev/nvme0n1", "WAL-GUID"))
	assert.Equal(t, []int{2}, tables["/dev/nvme0n1"].removed)
}

// PartitionPath follows the kernel naming convention per device family.
func TestJournalPartitionPath(t *testing.T) {
	nvme := &journalAllocation{Device: "/dev/nvme0n1", PartitionIndex: 3}
	assert.Equal(t, "/dev/nvme0n1p3", nvme.PartitionPath())

	sata := &journalAllocation{Device: "/dev/sdb", PartitionIndex: 2}
	assert.Equal(t, "/dev/sdb2", sata.PartitionPath())
}
