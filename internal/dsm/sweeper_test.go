package dsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osdfleet/disktender/internal/config"
	"github.com/osdfleet/disktender/internal/dsm/fsck"
	"github.com/osdfleet/disktender/internal/types"
)

type sweepLister struct {
	devices []types.BlockDevice
}

func (s *sweepLister) List(ctx context.Context) ([]types.BlockDevice, error) {
	return s.devices, nil
}

func (s *sweepLister) Describe(ctx context.Context, path string) (types.BlockDevice, error) {
	for _, d := range s.devices {
		if d.Path == path {
			return d, nil
		}
	}
	return types.BlockDevice{}, errors.New("unknown device")
}

type sweepTickets struct {
	entries  map[string]*types.RepairEntry
	filed    map[string]string
	resolved []string
}

func (s *sweepTickets) GetOpenRepair(ctx context.Context, path string) (*types.RepairEntry, error) {
	return s.entries[path], nil
}

func (s *sweepTickets) AttachTicket(ctx context.Context, path, trackingID string) error {
	s.filed[path] = trackingID
	return nil
}

func (s *sweepTickets) ResolveTicket(ctx context.Context, trackingID string) error {
	s.resolved = append(s.resolved, trackingID)
	return nil
}

type sweepFiler struct {
	next     int
	resolved map[string]bool // scripted TicketResolved replies
}

func (s *sweepFiler) FileTicket(ctx context.Context, dev types.BlockDevice) (string, error) {
	s.next++
	return "DISK-" + dev.Path, nil
}

func (s *sweepFiler) TicketResolved(ctx context.Context, trackingID string) (bool, error) {
	return s.resolved[trackingID], nil
}

func sweepConfig() *config.ClusterConfig {
	return &config.ClusterConfig{
		PoolName:       "rbd",
		TargetWeight:   1,
		LatencyCap:     1,
		BackfillCap:    1,
		Increment:      1,
		SystemDisks:    []string{"/dev/sda"},
		JournalDevices: []types.JournalDevice{{Path: "/dev/nvme0n1"}},
	}
}

// The sweep skips system and journal disks, diagnoses the rest, and
// files one ticket per disk that lands on WaitingForReplacement.
func TestSweepOnceFilesTicketForDoomedDisk(t *testing.T) {
	store := newMemStore()
	probes := &fakeProbes{
		smartPassed: true,
		writeErr:    errors.New("io error"),
		verdict:     fsck.Corrupt,
		repairErr:   errors.New("unfixable"),
		reformatErr: errors.New("media gone"),
	}
	machine := New(store, probes, false)

	lister := &sweepLister{devices: []types.BlockDevice{
		{Path: "/dev/sda", FilesystemKind: "ext4"},     // system disk
		{Path: "/dev/nvme0n1", FilesystemKind: "ext4"}, // journal device
		{Path: "/dev/sdb", FilesystemKind: "ext4"},
	}}
	tickets := &sweepTickets{
		entries: map[string]*types.RepairEntry{
			"/dev/sdb": {DevicePath: "/dev/sdb", Open: true},
		},
		filed: map[string]string{},
	}

	s := NewSweeper(machine, lister, sweepConfig(), tickets, &sweepFiler{}, 0)
	require.NoError(t, s.SweepOnce(context.Background()))

	assert.Empty(t, store.lineage["/dev/sda"], "system disk untouched")
	assert.Empty(t, store.lineage["/dev/nvme0n1"], "journal device untouched")
	assert.Equal(t, "DISK-/dev/sdb", tickets.filed["/dev/sdb"])
}

// A resolved ticket applies the replacement signal: the resolution is
// recorded and the next sweep restarts the lifecycle on the new disk.
func TestSweepOnceResolvedTicketRestartsLifecycle(t *testing.T) {
	store := newMemStore()
	store.lineage["/dev/sdb"] = []types.DSMState{types.StateWornOut}
	machine := New(store, &fakeProbes{smartPassed: true}, false)

	lister := &sweepLister{devices: []types.BlockDevice{{Path: "/dev/sdb", FilesystemKind: "ext4"}}}
	tickets := &sweepTickets{
		entries: map[string]*types.RepairEntry{
			"/dev/sdb": {DevicePath: "/dev/sdb", Open: true, TicketID: "DISK-999"},
		},
		filed: map[string]string{},
	}
	filer := &sweepFiler{resolved: map[string]bool{"DISK-999": true}}

	s := NewSweeper(machine, lister, sweepConfig(), tickets, filer, 0)
	require.NoError(t, s.SweepOnce(context.Background()))

	assert.Equal(t, []string{"DISK-999"}, tickets.resolved)
	lineage := store.lineage["/dev/sdb"]
	assert.Equal(t, types.StateReplaced, lineage[len(lineage)-1])

	// Next sweep runs the lifecycle from Replaced on the fresh hardware.
	require.NoError(t, s.SweepOnce(context.Background()))
	lineage = store.lineage["/dev/sdb"]
	assert.Equal(t, types.StateGood, lineage[len(lineage)-1])
}

// A repair entry that already carries a ticket does not get a second one.
func TestSweepOnceDoesNotDuplicateTickets(t *testing.T) {
	store := newMemStore()
	store.lineage["/dev/sdb"] = []types.DSMState{types.StateWornOut}
	machine := New(store, &fakeProbes{smartPassed: true}, false)

	lister := &sweepLister{devices: []types.BlockDevice{{Path: "/dev/sdb", FilesystemKind: "ext4"}}}
	tickets := &sweepTickets{
		entries: map[string]*types.RepairEntry{
			"/dev/sdb": {DevicePath: "/dev/sdb", Open: true, TicketID: "DISK-999"},
		},
		filed: map[string]string{},
	}

	s := NewSweeper(machine, lister, sweepConfig(), tickets, &sweepFiler{}, 0)
	require.NoError(t, s.SweepOnce(context.Background()))

	assert.Empty(t, tickets.filed, "existing ticket suppresses filing")
}

// With no filer wired in, a doomed disk is persisted without a ticket
// and the sweep does not error.
func TestSweepOnceWithoutFiler(t *testing.T) {
	store := newMemStore()
	store.lineage["/dev/sdb"] = []types.DSMState{types.StateWornOut}
	machine := New(store, &fakeProbes{smartPassed: true}, false)

	lister := &sweepLister{devices: []types.BlockDevice{{Path: "/dev/sdb", FilesystemKind: "ext4"}}}
	s := NewSweeper(machine, lister, sweepConfig(), nil, nil, 0)

	require.NoError(t, s.SweepOnce(context.Background()))
	assert.Equal(t, types.StateWaitingForReplacement,
		store.lineage["/dev/sdb"][len(store.lineage["/dev/sdb"])-1])
}
