// Package gluster is the stub backend. Every method reports
// cluster.ErrUnsupportedBackend; it exists so BackendKind dispatch has a
// second concrete arm without pretending disktender speaks the Gluster
// admin protocol.
package gluster

import (
	"context"
	"time"

	"github.com/osdfleet/disktender/internal/cluster"
)

// Backend is the unimplemented Gluster-flavored cluster.Client.
type Backend struct{}

// New constructs a stub Backend.
func New() *Backend { return &Backend{} }

func (*Backend) OSDCreate(context.Context, *int, string) (int, error) {
	return 0, cluster.ErrUnsupportedBackend
}
func (*Backend) AuthAdd(context.Context, int, string) error { return cluster.ErrUnsupportedBackend }
func (*Backend) AuthGetKey(context.Context, int) (string, error) {
	return "", cluster.ErrUnsupportedBackend
}
func (*Backend) AuthDel(context.Context, int) error { return cluster.ErrUnsupportedBackend }
func (*Backend) CrushAdd(context.Context, int, float64, string) error {
	return cluster.ErrUnsupportedBackend
}
func (*Backend) CrushReweight(context.Context, int, float64) error {
	return cluster.ErrUnsupportedBackend
}
func (*Backend) CrushRemove(context.Context, int) error { return cluster.ErrUnsupportedBackend }
func (*Backend) CrushWeight(context.Context, int) (float64, error) {
	return 0, cluster.ErrUnsupportedBackend
}
func (*Backend) Out(context.Context, int) error { return cluster.ErrUnsupportedBackend }
func (*Backend) Rm(context.Context, int) error  { return cluster.ErrUnsupportedBackend }
func (*Backend) TreeStatus(context.Context, cluster.Filter) ([]cluster.TreeNode, error) {
	return nil, cluster.ErrUnsupportedBackend
}
func (*Backend) Metadata(context.Context) ([]cluster.OSDMetadata, error) {
	return nil, cluster.ErrUnsupportedBackend
}
func (*Backend) VolumeList(context.Context) (map[int][]string, error) {
	return nil, cluster.ErrUnsupportedBackend
}
func (*Backend) PGStat(context.Context) (cluster.PGCounts, error) {
	return cluster.PGCounts{}, cluster.ErrUnsupportedBackend
}
func (*Backend) PGCountByOSD(context.Context, int) (int, error) {
	return 0, cluster.ErrUnsupportedBackend
}
func (*Backend) SafeToDestroy(context.Context, int) (bool, error) {
	return false, cluster.ErrUnsupportedBackend
}
func (*Backend) PoolLatencyProbe(context.Context, string, time.Duration, int) (float64, error) {
	return 0, cluster.ErrUnsupportedBackend
}
func (*Backend) Fsid(context.Context) (string, error) { return "", cluster.ErrUnsupportedBackend }
func (*Backend) ConfigGet(context.Context, string) (string, error) {
	return "", cluster.ErrUnsupportedBackend
}
func (*Backend) Version(context.Context) (cluster.VersionInfo, error) {
	return cluster.VersionInfo{}, cluster.ErrUnsupportedBackend
}
func (*Backend) MonGetMap(context.Context) ([]byte, error) {
	return nil, cluster.ErrUnsupportedBackend
}
func (*Backend) SetFlag(context.Context, string) error   { return cluster.ErrUnsupportedBackend }
func (*Backend) UnsetFlag(context.Context, string) error { return cluster.ErrUnsupportedBackend }
func (*Backend) FlagSet(context.Context, string) (bool, error) {
	return false, cluster.ErrUnsupportedBackend
}

var _ cluster.Client = (*Backend)(nil)
