// Package fake is an in-memory cluster.Client used by provisioner,
// coordinator, and dsm tests: a small struct that records calls and
// returns scripted or computed results so tests can assert on call
// sequences and final state without a live cluster.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/osdfleet/disktender/internal/cluster"
)

// Client is an in-memory cluster.Client double.
type Client struct {
	mu sync.Mutex

	NextOSDID   int
	OSDs        map[int]*osdState
	Flags       map[string]bool
	FSIDValue   string
	ConfigVals  map[string]string
	VersionInfo cluster.VersionInfo
	Latency     float64 // value PoolLatencyProbe returns
	BackfillPGs int     // value PGStat().Backfilling returns
	SafeIDs     map[int]bool

	// MetadataEntries and Volumes script the Metadata and VolumeList
	// replies, the provisioner's "already backs an OSD" checks.
	MetadataEntries []cluster.OSDMetadata
	Volumes         map[int][]string

	// PGsByOSD scripts PGCountByOSD during drain polling.
	PGsByOSD map[int]int

	// Calls records each mutating call and latency probe in order, e.g.
	// "CrushReweight(3, 0.50000)"; read-only queries are not recorded.
	Calls []string

	// Unreachable, when true, makes every call fail with ErrUnreachable.
	Unreachable bool
}

type osdState struct {
	weight float64
	host   string
	out    bool
	auth   string
}

// New builds an empty fake with sane defaults (post-Luminous version).
func New() *Client {
	return &Client{
		NextOSDID:   0,
		OSDs:        map[int]*osdState{},
		Flags:       map[string]bool{},
		ConfigVals:  map[string]string{"osd_journal_size": "5120"},
		VersionInfo: cluster.VersionInfo{Major: 14, Minor: 2, Raw: "nautilus"},
		SafeIDs:     map[int]bool{},
	}
}

// AddOSD seeds an OSD into the fake cluster state.
func (c *Client) AddOSD(id int, weight float64, out bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OSDs[id] = &osdState{weight: weight, out: out}
	if id >= c.NextOSDID {
		c.NextOSDID = id + 1
	}
}

func (c *Client) record(format string, args ...interface{}) {
	c.Calls = append(c.Calls, fmt.Sprintf(format, args...))
}

func (c *Client) checkReachable() error {
	if c.Unreachable {
		return cluster.ErrUnreachable
	}
	return nil
}

func (c *Client) OSDCreate(ctx context.Context, desiredID *int, uuid string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return 0, err
	}
	id := c.NextOSDID
	if desiredID != nil {
		if _, exists := c.OSDs[*desiredID]; exists {
			return 0, cluster.ErrIDInUse
		}
		id = *desiredID
	}
	c.OSDs[id] = &osdState{}
	if id >= c.NextOSDID {
		c.NextOSDID = id + 1
	}
	c.record("OSDCreate(%v, %s) -> %d", desiredID, uuid, id)
	return id, nil
}

func (c *Client) AuthAdd(ctx context.Context, osdID int, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return err
	}
	osd, ok := c.OSDs[osdID]
	if !ok {
		osd = &osdState{}
		c.OSDs[osdID] = osd
	}
	osd.auth = fmt.Sprintf("key-for-osd-%d", osdID)
	c.record("AuthAdd(%d)", osdID)
	return nil
}

func (c *Client) AuthGetKey(ctx context.Context, osdID int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return "", err
	}
	osd, ok := c.OSDs[osdID]
	if !ok || osd.auth == "" {
		return "", fmt.Errorf("no auth key for osd.%d", osdID)
	}
	return osd.auth, nil
}

func (c *Client) AuthDel(ctx context.Context, osdID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return err
	}
	if osd, ok := c.OSDs[osdID]; ok {
		osd.auth = ""
	}
	c.record("AuthDel(%d)", osdID)
	return nil
}

func (c *Client) CrushAdd(ctx context.Context, osdID int, weight float64, host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return err
	}
	osd, ok := c.OSDs[osdID]
	if !ok {
		osd = &osdState{}
		c.OSDs[osdID] = osd
	}
	osd.weight = weight
	osd.host = host
	c.record("CrushAdd(%d, %.5f, %s)", osdID, weight, host)
	return nil
}

func (c *Client) CrushReweight(ctx context.Context, osdID int, weight float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return err
	}
	osd, ok := c.OSDs[osdID]
	if !ok {
		return fmt.Errorf("osd.%d not in crush map", osdID)
	}
	osd.weight = weight
	c.record("CrushReweight(%d, %.5f)", osdID, weight)
	return nil
}

func (c *Client) CrushRemove(ctx context.Context, osdID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return err
	}
	delete(c.OSDs, osdID)
	c.record("CrushRemove(%d)", osdID)
	return nil
}

func (c *Client) CrushWeight(ctx context.Context, osdID int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return 0, err
	}
	osd, ok := c.OSDs[osdID]
	if !ok {
		return 0, fmt.Errorf("osd.%d not in crush map", osdID)
	}
	return osd.weight, nil
}

func (c *Client) Out(ctx context.Context, osdID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return err
	}
	if osd, ok := c.OSDs[osdID]; ok {
		osd.out = true
	}
	c.record("Out(%d)", osdID)
	return nil
}

func (c *Client) Rm(ctx context.Context, osdID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return err
	}
	delete(c.OSDs, osdID)
	c.record("Rm(%d)", osdID)
	return nil
}

func (c *Client) TreeStatus(ctx context.Context, filter cluster.Filter) ([]cluster.TreeNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return nil, err
	}
	var out []cluster.TreeNode
	for id, osd := range c.OSDs {
		n := cluster.TreeNode{ID: id, Up: true, In: !osd.out, Weight: osd.weight}
		switch filter {
		case cluster.FilterOut:
			if n.In {
				continue
			}
		case cluster.FilterIn:
			if !n.In {
				continue
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Client) Metadata(ctx context.Context) ([]cluster.OSDMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return nil, err
	}
	return c.MetadataEntries, nil
}

func (c *Client) VolumeList(ctx context.Context) (map[int][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return nil, err
	}
	if c.Volumes == nil {
		return map[int][]string{}, nil
	}
	return c.Volumes, nil
}

func (c *Client) PGStat(ctx context.Context) (cluster.PGCounts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return cluster.PGCounts{}, err
	}
	return cluster.PGCounts{Backfilling: c.BackfillPGs}, nil
}

func (c *Client) PGCountByOSD(ctx context.Context, osdID int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return 0, err
	}
	return c.PGsByOSD[osdID], nil
}

func (c *Client) SafeToDestroy(ctx context.Context, osdID int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return false, err
	}
	if v, ok := c.SafeIDs[osdID]; ok {
		return v, nil
	}
	return true, nil
}

func (c *Client) PoolLatencyProbe(ctx context.Context, pool string, duration time.Duration, objectSizeBytes int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return 0, err
	}
	c.record("PoolLatencyProbe(%s)", pool)
	return c.Latency, nil
}

func (c *Client) Fsid(ctx context.Context) (string, error) {
	if err := c.checkReachable(); err != nil {
		return "", err
	}
	return c.FSIDValue, nil
}

func (c *Client) ConfigGet(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return "", err
	}
	return c.ConfigVals[key], nil
}

func (c *Client) Version(ctx context.Context) (cluster.VersionInfo, error) {
	if err := c.checkReachable(); err != nil {
		return cluster.VersionInfo{}, err
	}
	return c.VersionInfo, nil
}

func (c *Client) MonGetMap(ctx context.Context) ([]byte, error) {
	if err := c.checkReachable(); err != nil {
		return nil, err
	}
	return []byte("fake-monmap"), nil
}

func (c *Client) SetFlag(ctx context.Context, flag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return err
	}
	c.Flags[flag] = true
	c.record("SetFlag(%s)", flag)
	return nil
}

func (c *Client) UnsetFlag(ctx context.Context, flag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return err
	}
	c.Flags[flag] = false
	c.record("UnsetFlag(%s)", flag)
	return nil
}

func (c *Client) FlagSet(ctx context.Context, flag string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReachable(); err != nil {
		return false, err
	}
	return c.Flags[flag], nil
}

var _ cluster.Client = (*Client)(nil)
