// Package ceph implements internal/cluster.Client against a real Ceph
// cluster. Every read operation follows the same shape: build a JSON
// mon-command map, send it over a Conn, and unmarshal the JSON reply;
// mutating admin operations go through the same channel.
package ceph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ceph/go-ceph/rados"

	"github.com/osdfleet/disktender/internal/cluster"
	"github.com/osdfleet/disktender/internal/log"
)

// Conn is the subset of *rados.Conn this backend depends on, narrowed to
// a local interface so tests can substitute a fake without dialing a real
// cluster.
type Conn interface {
	MonCommand(cmd []byte) ([]byte, string, error)
	PGCommand(pgid []byte, cmd [][]byte) ([]byte, string, error)
}

// Backend is the ceph-flavored cluster.Client.
type Backend struct {
	conn Conn
	raw  *rados.Conn // non-nil only when backed by a real librados connection
}

// New wraps an already-connected rados.Conn. Callers obtain one with
// rados.NewConnWithClusterAndUser (or rados.NewConn for the default
// client.admin identity) and Connect() before constructing a Backend.
func New(conn *rados.Conn) *Backend {
	return &Backend{conn: conn, raw: conn}
}

// NewWithConn builds a Backend over any Conn, used by tests. Since it is
// not backed by a real librados connection, PoolLatencyProbe is
// unavailable against it.
func NewWithConn(conn Conn) *Backend {
	return &Backend{conn: conn}
}

func (b *Backend) monCommand(ctx context.Context, cmd map[string]interface{}) ([]byte, error) {
	cmd["format"] = "json"
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode mon command: %w", err)
	}
	buf, info, err := b.conn.MonCommand(raw)
	if err != nil {
		ccLogger := log.WithComponent("cc")
		ccLogger.Warn().Str("info", info).Err(err).Msg("mon command failed")
		return nil, fmt.Errorf("%w: %v", cluster.ErrUnreachable, err)
	}
	return buf, nil
}

func (b *Backend) OSDCreate(ctx context.Context, desiredID *int, uuid string) (int, error) {
	cmd := map[string]interface{}{"prefix": "osd create", "uuid": uuid}
	if desiredID != nil {
		cmd["id"] = *desiredID
	}
	buf, err := b.monCommand(ctx, cmd)
	if err != nil {
		return 0, err
	}
	var reply struct {
		OSDID int `json:"osdid"`
	}
	if jsonErr := json.Unmarshal(buf, &reply); jsonErr != nil {
		// Older Ceph releases return the bare id as plain text.
		id, perr := strconv.Atoi(strings.TrimSpace(string(buf)))
		if perr != nil {
			return 0, fmt.Errorf("parse osd create reply %q: %w", buf, jsonErr)
		}
		return id, nil
	}
	return reply.OSDID, nil
}

func (b *Backend) AuthAdd(ctx context.Context, osdID int, key string) error {
	cmd := map[string]interface{}{
		"prefix": "auth add",
		"entity": fmt.Sprintf("osd.%d", osdID),
		"caps":   []string{"osd", "allow *", "mon", "allow profile osd"},
	}
	_, err := b.monCommand(ctx, cmd)
	return err
}

func (b *Backend) AuthGetKey(ctx context.Context, osdID int) (string, error) {
	buf, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "auth get-key",
		"entity": fmt.Sprintf("osd.%d", osdID),
	})
	if err != nil {
		return "", err
	}
	var reply struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(buf, &reply); err != nil {
		return "", fmt.Errorf("parse auth get-key reply: %w", err)
	}
	return reply.Key, nil
}

func (b *Backend) AuthDel(ctx context.Context, osdID int) error {
	// auth del tolerates a missing entity; a non-zero exit here still maps
	// to a retriable transport error, not a hard failure.
	_, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "auth del",
		"entity": fmt.Sprintf("osd.%d", osdID),
	})
	return err
}

func (b *Backend) CrushAdd(ctx context.Context, osdID int, weight float64, host string) error {
	_, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "osd crush add",
		"id":     osdID,
		"weight": weight,
		"args":   []string{"host=" + host},
	})
	return err
}

func (b *Backend) CrushReweight(ctx context.Context, osdID int, weight float64) error {
	_, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "osd crush reweight",
		"name":   fmt.Sprintf("osd.%d", osdID),
		"weight": weight,
	})
	return err
}

func (b *Backend) CrushRemove(ctx context.Context, osdID int) error {
	_, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "osd crush remove",
		"name":   fmt.Sprintf("osd.%d", osdID),
	})
	return err
}

func (b *Backend) CrushWeight(ctx context.Context, osdID int) (float64, error) {
	nodes, err := b.TreeStatus(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, n := range nodes {
		if n.ID == osdID {
			return n.Weight, nil
		}
	}
	return 0, fmt.Errorf("osd.%d not present in crush tree", osdID)
}

func (b *Backend) Out(ctx context.Context, osdID int) error {
	_, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "osd out",
		"ids":    []string{strconv.Itoa(osdID)},
	})
	return err
}

func (b *Backend) Rm(ctx context.Context, osdID int) error {
	_, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "osd rm",
		"ids":    []string{strconv.Itoa(osdID)},
	})
	return err
}

func (b *Backend) TreeStatus(ctx context.Context, filter cluster.Filter) ([]cluster.TreeNode, error) {
	cmd := map[string]interface{}{"prefix": "osd tree"}
	if filter != "" {
		cmd["states"] = []string{string(filter)}
	}
	buf, err := b.monCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Nodes []struct {
			ID       int     `json:"id"`
			Type     string  `json:"type"`
			Status   string  `json:"status"`
			CrushWt  float64 `json:"crush_weight"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(buf, &reply); err != nil {
		return nil, fmt.Errorf("parse osd tree reply: %w", err)
	}
	var out []cluster.TreeNode
	for _, n := range reply.Nodes {
		if n.Type != "osd" {
			continue
		}
		out = append(out, cluster.TreeNode{
			ID:     n.ID,
			Up:     n.Status == "up",
			In:     n.Status != "out",
			Weight: n.CrushWt,
		})
	}
	return out, nil
}

func (b *Backend) Metadata(ctx context.Context) ([]cluster.OSDMetadata, error) {
	buf, err := b.monCommand(ctx, map[string]interface{}{"prefix": "osd metadata"})
	if err != nil {
		return nil, err
	}
	var entries []struct {
		ID       int    `json:"id"`
		Hostname string `json:"hostname"`
		Store    string `json:"osd_objectstore"`
		Devices  string `json:"devices"`
	}
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, fmt.Errorf("parse osd metadata reply: %w", err)
	}
	out := make([]cluster.OSDMetadata, 0, len(entries))
	for _, e := range entries {
		var devs []string
		for _, d := range strings.Split(e.Devices, ",") {
			d = strings.TrimSpace(d)
			if d != "" {
				devs = append(devs, "/dev/"+d)
			}
		}
		out = append(out, cluster.OSDMetadata{
			ID:          e.ID,
			Hostname:    e.Hostname,
			Flavor:      e.Store,
			DevicePaths: devs,
		})
	}
	return out, nil
}

func (b *Backend) VolumeList(ctx context.Context) (map[int][]string, error) {
	// ceph-volume's inventory is not a mon command; it is queried on-host by
	// the provisioner directly. The cluster client exposes
	// it here so callers that only have a Client handle can still ask.
	meta, err := b.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int][]string, len(meta))
	for _, m := range meta {
		out[m.ID] = m.DevicePaths
	}
	return out, nil
}

func (b *Backend) PGStat(ctx context.Context) (cluster.PGCounts, error) {
	buf, err := b.monCommand(ctx, map[string]interface{}{"prefix": "pg stat"})
	if err != nil {
		return cluster.PGCounts{}, err
	}
	var reply struct {
		NumPGs    int `json:"num_pgs"`
		PGsByState []struct {
			StateName string `json:"state_name"`
			Count     int    `json:"count"`
		} `json:"num_pg_by_state"`
	}
	if err := json.Unmarshal(buf, &reply); err != nil {
		return cluster.PGCounts{}, fmt.Errorf("parse pg stat reply: %w", err)
	}
	counts := cluster.PGCounts{Total: reply.NumPGs}
	for _, s := range reply.PGsByState {
		if strings.Contains(s.StateName, "backfilling") {
			counts.Backfilling += s.Count
		}
		if strings.Contains(s.StateName, "active") {
			counts.Active += s.Count
		}
		if strings.Contains(s.StateName, "clean") {
			counts.Clean += s.Count
		}
	}
	return counts, nil
}

func (b *Backend) PGCountByOSD(ctx context.Context, osdID int) (int, error) {
	buf, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "pg ls-by-osd",
		"osd":    osdID,
	})
	if err != nil {
		return 0, err
	}
	var pgs []json.RawMessage
	if err := json.Unmarshal(buf, &pgs); err != nil {
		return 0, fmt.Errorf("parse pg ls-by-osd reply: %w", err)
	}
	return len(pgs), nil
}

func (b *Backend) SafeToDestroy(ctx context.Context, osdID int) (bool, error) {
	buf, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "osd safe-to-destroy",
		"ids":    []string{strconv.Itoa(osdID)},
	})
	if err != nil {
		return false, err
	}
	var reply struct {
		SafeToDestroy []int `json:"safe_to_destroy"`
	}
	if err := json.Unmarshal(buf, &reply); err != nil {
		return false, fmt.Errorf("parse safe-to-destroy reply: %w", err)
	}
	for _, id := range reply.SafeToDestroy {
		if id == osdID {
			return true, nil
		}
	}
	return false, nil
}

// PoolLatencyProbe writes objectSizeBytes objects to pool for up to
// duration, measuring the average per-write latency in milliseconds — the
// signal the gradual reweight loop backs off on.
func (b *Backend) PoolLatencyProbe(ctx context.Context, pool string, duration time.Duration, objectSizeBytes int) (float64, error) {
	if b.raw == nil {
		return 0, fmt.Errorf("pool latency probe requires a live rados connection")
	}
	ioctx, err := b.raw.OpenIOContext(pool)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", cluster.ErrPoolMissing, err)
	}
	defer ioctx.Destroy()

	data := make([]byte, objectSizeBytes)
	deadline := time.Now().Add(duration)
	var elapsed time.Duration
	var count int
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		oid := fmt.Sprintf("disktender-bench-%d", count)
		start := time.Now()
		if err := ioctx.WriteFull(oid, data); err != nil {
			return 0, fmt.Errorf("%w: %v", cluster.ErrUnreachable, err)
		}
		elapsed += time.Since(start)
		_ = ioctx.Delete(oid)
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return float64(elapsed.Milliseconds()) / float64(count), nil
}

func (b *Backend) Fsid(ctx context.Context) (string, error) {
	buf, err := b.monCommand(ctx, map[string]interface{}{"prefix": "fsid"})
	if err != nil {
		return "", err
	}
	var reply struct {
		FSID string `json:"fsid"`
	}
	if err := json.Unmarshal(buf, &reply); err == nil && reply.FSID != "" {
		return reply.FSID, nil
	}
	return strings.Trim(strings.TrimSpace(string(buf)), `"`), nil
}

func (b *Backend) ConfigGet(ctx context.Context, key string) (string, error) {
	buf, err := b.monCommand(ctx, map[string]interface{}{
		"prefix": "config get",
		"who":    "osd",
		"key":    key,
	})
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(string(buf)), `"`), nil
}

func (b *Backend) Version(ctx context.Context) (cluster.VersionInfo, error) {
	buf, err := b.monCommand(ctx, map[string]interface{}{"prefix": "version"})
	if err != nil {
		return cluster.VersionInfo{}, err
	}
	var reply struct {
		Version string `json:"version"`
	}
	if jsonErr := json.Unmarshal(buf, &reply); jsonErr != nil {
		reply.Version = string(buf)
	}
	return parseVersion(reply.Version), nil
}

func parseVersion(raw string) cluster.VersionInfo {
	v := cluster.VersionInfo{Raw: raw}
	fields := strings.Fields(raw)
	for _, f := range fields {
		parts := strings.SplitN(f, ".", 3)
		if len(parts) < 2 {
			continue
		}
		major, err1 := strconv.Atoi(parts[0])
		minor, err2 := strconv.Atoi(parts[1])
		if err1 == nil && err2 == nil {
			v.Major, v.Minor = major, minor
			if len(parts) == 3 {
				v.Patch, _ = strconv.Atoi(strings.SplitN(parts[2], "-", 2)[0])
			}
			break
		}
	}
	return v
}

func (b *Backend) MonGetMap(ctx context.Context) ([]byte, error) {
	return b.monCommand(ctx, map[string]interface{}{"prefix": "mon getmap"})
}

func (b *Backend) SetFlag(ctx context.Context, flag string) error {
	_, err := b.monCommand(ctx, map[string]interface{}{"prefix": "osd set", "key": flag})
	return err
}

func (b *Backend) UnsetFlag(ctx context.Context, flag string) error {
	_, err := b.monCommand(ctx, map[string]interface{}{"prefix": "osd unset", "key": flag})
	return err
}

func (b *Backend) FlagSet(ctx context.Context, flag string) (bool, error) {
	buf, err := b.monCommand(ctx, map[string]interface{}{"prefix": "osd dump"})
	if err != nil {
		return false, err
	}
	var reply struct {
		Flags string `json:"flags"`
	}
	if err := json.Unmarshal(buf, &reply); err != nil {
		return false, fmt.Errorf("parse osd dump reply: %w", err)
	}
	for _, f := range strings.Split(reply.Flags, ",") {
		if strings.TrimSpace(f) == flag {
			return true, nil
		}
	}
	return false, nil
}

var _ cluster.Client = (*Backend)(nil)
