// Package cluster abstracts the admin operations disktender needs
// against a live object-storage cluster. Concrete backends live in the
// ceph and gluster subpackages and are selected at runtime by a
// BackendKind tag loaded from configuration.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BackendKind selects which concrete Client implementation to construct.
type BackendKind string

const (
	BackendCeph    BackendKind = "ceph"
	BackendGluster BackendKind = "gluster"
)

// Filter selects OSDs by membership/availability state for TreeStatus.
type Filter string

const (
	FilterIn   Filter = "in"
	FilterOut  Filter = "out"
	FilterUp   Filter = "up"
	FilterDown Filter = "down"
)

// TreeNode is one OSD entry returned by TreeStatus.
type TreeNode struct {
	ID     int
	Up     bool
	In     bool
	Weight float64
}

// OSDMetadata is the per-OSD record returned by Metadata, including the
// object-store kind and the block device paths backing it on its host.
type OSDMetadata struct {
	ID          int
	Hostname    string
	Flavor      string // "filestore" or "bluestore"
	DevicePaths []string
}

// PGCounts summarizes placement-group state, used for backfill backpressure.
type PGCounts struct {
	Total        int
	Backfilling  int
	Active       int
	Clean        int
}

// VersionInfo is the cluster's reported release.
type VersionInfo struct {
	Major int
	Minor int
	Patch int
	Raw   string
}

// AtLeastLuminous reports whether the reported version is new enough for
// the bluestore provisioning path.
func (v VersionInfo) AtLeastLuminous() bool {
	return v.Major >= 12
}

// ErrUnreachable is retriable by the caller; the rest are domain errors
// the caller must not retry blindly.
var (
	ErrUnreachable         = errors.New("cluster unreachable")
	ErrIDInUse             = errors.New("osd id already in use")
	ErrPoolMissing         = errors.New("pool does not exist")
	ErrUnsupportedBackend  = errors.New("backend does not support this operation")
)

// Client is the admin capability surface. Every method accepts a
// context so callers can impose their own timeout — no Client operation
// blocks indefinitely on its own.
type Client interface {
	OSDCreate(ctx context.Context, desiredID *int, uuid string) (int, error)

	AuthAdd(ctx context.Context, osdID int, key string) error
	AuthGetKey(ctx context.Context, osdID int) (string, error)
	AuthDel(ctx context.Context, osdID int) error

	CrushAdd(ctx context.Context, osdID int, weight float64, host string) error
	CrushReweight(ctx context.Context, osdID int, weight float64) error
	CrushRemove(ctx context.Context, osdID int) error
	CrushWeight(ctx context.Context, osdID int) (float64, error)

	Out(ctx context.Context, osdID int) error
	Rm(ctx context.Context, osdID int) error

	TreeStatus(ctx context.Context, filter Filter) ([]TreeNode, error)
	Metadata(ctx context.Context) ([]OSDMetadata, error)
	VolumeList(ctx context.Context) (map[int][]string, error)

	PGStat(ctx context.Context) (PGCounts, error)
	PGCountByOSD(ctx context.Context, osdID int) (int, error)

	SafeToDestroy(ctx context.Context, osdID int) (bool, error)

	PoolLatencyProbe(ctx context.Context, pool string, duration time.Duration, objectSizeBytes int) (float64, error)

	Fsid(ctx context.Context) (string, error)
	ConfigGet(ctx context.Context, key string) (string, error)
	Version(ctx context.Context) (VersionInfo, error)
	MonGetMap(ctx context.Context) ([]byte, error)

	// SetFlag/UnsetFlag/FlagSet manage cluster-wide flags (noscrub,
	// nodeep-scrub) treated as a process-wide lock.
	SetFlag(ctx context.Context, flag string) error
	UnsetFlag(ctx context.Context, flag string) error
	FlagSet(ctx context.Context, flag string) (bool, error)
}

// Pool hands out a Client to a worker. The choice between a single
// mutex-guarded handle and one handle per worker is deployment-specific;
// both are provided here.
type Pool interface {
	Get() Client
}

// SingleMutexPool hands every worker the same Client handle. The pool
// itself takes no lock (go-ceph's rados.Conn is safe for concurrent
// MonCommand calls); any serialization is left to the Client
// implementation, e.g. the fake client's internal mutex.
type SingleMutexPool struct {
	client Client
}

// NewSingleMutexPool builds a pool that hands every caller the same Client.
func NewSingleMutexPool(c Client) *SingleMutexPool {
	return &SingleMutexPool{client: c}
}

// Get implements Pool.
func (p *SingleMutexPool) Get() Client { return p.client }

// PerWorkerPool hands out a fixed set of pre-built handles round-robin, for
// deployments where the backend connection is not safe for concurrent use.
type PerWorkerPool struct {
	mu      sync.Mutex
	clients []Client
	next    int
}

// NewPerWorkerPool builds a pool over an already-constructed set of handles.
func NewPerWorkerPool(clients []Client) (*PerWorkerPool, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("per-worker pool requires at least one client")
	}
	return &PerWorkerPool{clients: clients}, nil
}

// Get implements Pool, handing out handles round-robin.
func (p *PerWorkerPool) Get() Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.clients[p.next%len(p.clients)]
	p.next++
	return c
}
