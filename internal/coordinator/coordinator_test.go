package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osdfleet/disktender/api/wire"
	"github.com/osdfleet/disktender/internal/cluster"
	"github.com/osdfleet/disktender/internal/config"
	"github.com/osdfleet/disktender/internal/repairdb"
	"github.com/osdfleet/disktender/internal/types"
)

type fakeOps struct {
	mu    sync.Mutex
	calls []string

	addOutcome    types.Outcome
	addErr        error
	removeOutcome types.Outcome
	removeErr     error
	safeOutcome   types.Outcome
	safe          bool
	safeErr       error
}

func (f *fakeOps) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeOps) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeOps) AddDisk(ctx context.Context, device string, desiredID *int) (types.Outcome, error) {
	f.record("AddDisk(" + device + ")")
	return f.addOutcome, f.addErr
}

func (f *fakeOps) RemoveDisk(ctx context.Context, device string) (types.Outcome, error) {
	f.record("RemoveDisk(" + device + ")")
	return f.removeOutcome, f.removeErr
}

func (f *fakeOps) SafeToRemove(ctx context.Context, device string) (types.Outcome, bool, error) {
	f.record("SafeToRemove(" + device + ")")
	return f.safeOutcome, f.safe, f.safeErr
}

type fakeStore struct {
	mu       sync.Mutex
	open     map[string]bool
	resolved map[string]bool
	closed   []string
	tickets  []repairdb.Ticket
}

func (f *fakeStore) HasOpenRepair(ctx context.Context, devicePath string) (bool, error) {
	return f.open[devicePath], nil
}

func (f *fakeStore) TicketResolved(ctx context.Context, devicePath string) (bool, error) {
	return f.resolved[devicePath], nil
}

func (f *fakeStore) CloseRepair(ctx context.Context, devicePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, devicePath)
	f.open[devicePath] = false
	return nil
}

func (f *fakeStore) OpenTickets(ctx context.Context) ([]repairdb.Ticket, error) {
	return f.tickets, nil
}

type fakeLister struct {
	devices []types.BlockDevice
}

func (f *fakeLister) List(ctx context.Context) ([]types.BlockDevice, error) {
	return f.devices, nil
}

func (f *fakeLister) Describe(ctx context.Context, path string) (types.BlockDevice, error) {
	for _, d := range f.devices {
		if d.Path == path {
			return d, nil
		}
	}
	return types.BlockDevice{}, errors.New("unknown device")
}

func newTestCoordinator(t *testing.T, ops *fakeOps, store *fakeStore, lister *fakeLister) *Coordinator {
	t.Helper()
	if store == nil {
		store = &fakeStore{open: map[string]bool{}}
	}
	if lister == nil {
		lister = &fakeLister{}
	}
	cfg := &config.CoordinatorConfig{
		Backend:    cluster.BackendCeph,
		ListenAddr: ":0",
		WorkerPool: 4,
	}
	c := New(context.Background(), cfg, ops, lister, store)
	t.Cleanup(c.pool.Shutdown)
	return c
}

func TestAddDispatchesToProvisioner(t *testing.T) {
	ops := &fakeOps{addOutcome: types.OutcomeSuccess}
	c := newTestCoordinator(t, ops, nil, nil)

	resp, err := c.Add(context.Background(), &wire.AddRequest{Device: "/dev/sdc"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	assert.Equal(t, wire.OutcomeSuccess, resp.Outcome)
	assert.Equal(t, []string{"AddDisk(/dev/sdc)"}, ops.recorded())
}

// An open repair entry whose ticket is still pending blocks a
// concurrent add.
func TestAddBlockedByOpenRepair(t *testing.T) {
	ops := &fakeOps{addOutcome: types.OutcomeSuccess}
	store := &fakeStore{open: map[string]bool{"/dev/sdc": true}}
	c := newTestCoordinator(t, ops, store, nil)

	resp, err := c.Add(context.Background(), &wire.AddRequest{Device: "/dev/sdc"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	assert.Equal(t, wire.OutcomeSkipRepeat, resp.Outcome)
	assert.Empty(t, ops.recorded(), "provisioner untouched while a repair is open")
	assert.Empty(t, store.closed)
}

// Once the repair's ticket resolves the add goes through — the
// replacement disk is provisioned and the repair entry closes.
func TestAddAfterTicketResolutionClosesRepair(t *testing.T) {
	ops := &fakeOps{addOutcome: types.OutcomeSuccess}
	store := &fakeStore{
		open:     map[string]bool{"/dev/sdc": true},
		resolved: map[string]bool{"/dev/sdc": true},
	}
	c := newTestCoordinator(t, ops, store, nil)

	resp, err := c.Add(context.Background(), &wire.AddRequest{Device: "/dev/sdc"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	assert.Equal(t, wire.OutcomeSuccess, resp.Outcome)
	assert.Equal(t, []string{"AddDisk(/dev/sdc)"}, ops.recorded())
	assert.Equal(t, []string{"/dev/sdc"}, store.closed, "repair closed after the replacement add")
}

// A failed replacement add leaves the repair entry open for a retry.
func TestAddAfterTicketResolutionFailureKeepsRepairOpen(t *testing.T) {
	ops := &fakeOps{addErr: errors.New("vgcreate exploded")}
	store := &fakeStore{
		open:     map[string]bool{"/dev/sdc": true},
		resolved: map[string]bool{"/dev/sdc": true},
	}
	c := newTestCoordinator(t, ops, store, nil)

	resp, err := c.Add(context.Background(), &wire.AddRequest{Device: "/dev/sdc"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultErr, resp.Result)
	assert.Empty(t, store.closed, "repair stays open when the add fails")
}

// SKIP outcomes surface as OK, never errors.
func TestAddSkipOutcomePassesThrough(t *testing.T) {
	ops := &fakeOps{addOutcome: types.OutcomeSkipped}
	c := newTestCoordinator(t, ops, nil, nil)

	resp, err := c.Add(context.Background(), &wire.AddRequest{Device: "/dev/sda"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	assert.Equal(t, wire.OutcomeSkipped, resp.Outcome)
}

// A worker failure becomes a structured ERR response; the RPC itself
// never errors and the daemon keeps serving.
func TestAddWorkerErrorBecomesErrResponse(t *testing.T) {
	ops := &fakeOps{addErr: errors.New("vgcreate exploded")}
	c := newTestCoordinator(t, ops, nil, nil)

	resp, err := c.Add(context.Background(), &wire.AddRequest{Device: "/dev/sdc"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultErr, resp.Result)
	assert.Contains(t, resp.Message, "vgcreate exploded")
}

// Remove re-checks safe_to_remove before dispatching; only a true
// verdict reaches RemoveDisk.
func TestRemoveChecksSafetyFirst(t *testing.T) {
	ops := &fakeOps{
		safeOutcome:   types.OutcomeSuccess,
		safe:          true,
		removeOutcome: types.OutcomeSuccess,
	}
	c := newTestCoordinator(t, ops, nil, nil)

	resp, err := c.Remove(context.Background(), &wire.RemoveRequest{Device: "/dev/sdd"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	assert.Equal(t, wire.OutcomeSuccess, resp.Outcome)
	assert.Equal(t, []string{"SafeToRemove(/dev/sdd)", "RemoveDisk(/dev/sdd)"}, ops.recorded())
}

func TestRemoveRefusedWhenNotSafe(t *testing.T) {
	ops := &fakeOps{safeOutcome: types.OutcomeSuccess, safe: false}
	c := newTestCoordinator(t, ops, nil, nil)

	resp, err := c.Remove(context.Background(), &wire.RemoveRequest{Device: "/dev/sdd"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultErr, resp.Result)
	assert.Contains(t, resp.Message, "not safe")
	assert.Equal(t, []string{"SafeToRemove(/dev/sdd)"}, ops.recorded(), "teardown never dispatched")
}

// SKIP and SKIP_REPEAT from the precondition check pass through
// unmodified.
func TestRemoveSkipOutcomePassesThrough(t *testing.T) {
	ops := &fakeOps{safeOutcome: types.OutcomeSkipped}
	c := newTestCoordinator(t, ops, nil, nil)

	resp, err := c.Remove(context.Background(), &wire.RemoveRequest{Device: "/dev/sda"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	assert.Equal(t, wire.OutcomeSkipped, resp.Outcome)
	assert.Equal(t, []string{"SafeToRemove(/dev/sda)"}, ops.recorded())
}

func TestSafeToRemoveReturnsVerdict(t *testing.T) {
	ops := &fakeOps{safeOutcome: types.OutcomeSuccess, safe: true}
	c := newTestCoordinator(t, ops, nil, nil)

	resp, err := c.SafeToRemove(context.Background(), &wire.SafeToRemoveRequest{Device: "/dev/sdd"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	require.NotNil(t, resp.Safe)
	assert.True(t, *resp.Safe)
}

// AddPartition is reserved: OK, no side effects.
func TestAddPartitionIsNoOp(t *testing.T) {
	ops := &fakeOps{}
	c := newTestCoordinator(t, ops, nil, nil)

	resp, err := c.AddPartition(context.Background(), &wire.AddPartitionRequest{Device: "/dev/sdc"})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	assert.Equal(t, wire.OutcomeSuccess, resp.Outcome)
	assert.Empty(t, ops.recorded())
}

func TestListEnumeratesDevices(t *testing.T) {
	lister := &fakeLister{devices: []types.BlockDevice{
		{
			Path:   "/dev/sdc",
			Media:  types.MediaRotational,
			Serial: "WD-1234",
			Partitions: []types.GPTPartition{
				{UUID: "P1-GUID", Name: "ceph journal", FirstLBA: 2048, LastLBA: 4096},
			},
		},
	}}
	c := newTestCoordinator(t, &fakeOps{}, nil, lister)

	resp, err := c.List(context.Background(), &wire.ListRequest{})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	require.Len(t, resp.Disks, 1)
	assert.Equal(t, "/dev/sdc", resp.Disks[0].Path)
	assert.Equal(t, "rotational", resp.Disks[0].Media)
	assert.Equal(t, "WD-1234", resp.Disks[0].Serial)
	require.Len(t, resp.Disks[0].Partitions, 1)
	assert.Equal(t, "P1-GUID", resp.Disks[0].Partitions[0].UUID)
}

func TestGetCreatedTickets(t *testing.T) {
	store := &fakeStore{
		open: map[string]bool{},
		tickets: []repairdb.Ticket{
			{TrackingID: "DISK-1042", DevicePath: "/dev/sdb", State: types.StateWaitingForReplacement, Hostname: "host1"},
		},
	}
	c := newTestCoordinator(t, &fakeOps{}, store, nil)

	resp, err := c.GetCreatedTickets(context.Background(), &wire.TicketsRequest{})
	require.NoError(t, err)
	assert.Equal(t, wire.ResultOK, resp.Result)
	require.Len(t, resp.Tickets, 1)
	assert.Equal(t, "DISK-1042", resp.Tickets[0].TrackingID)
	assert.Equal(t, string(types.StateWaitingForReplacement), resp.Tickets[0].State)
}
