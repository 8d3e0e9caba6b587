package provisioner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osdfleet/disktender/internal/cluster/fake"
)

func reweightCalls(cc *fake.Client) []string {
	var out []string
	for _, call := range cc.Calls {
		if strings.HasPrefix(call, "CrushReweight(") {
			out = append(out, call)
		}
	}
	return out
}

// The ramp steps by increment and lands exactly on target: the number of
// CRUSH updates is bounded by ceil(|target - initial| / increment).
func TestRampWeightUp(t *testing.T) {
	cc := fake.New()
	cc.AddOSD(3, 0, false)
	cfg := testConfig()
	cfg.Increment = 0.3
	cfg.TargetWeight = 1.0

	released := false
	err := rampWeight(context.Background(), cc, cfg, 3, Up, 1.0, func() { released = true })
	require.NoError(t, err)
	assert.True(t, released, "fence released on convergence")

	steps := reweightCalls(cc)
	assert.Equal(t, []string{
		"CrushReweight(3, 0.30000)",
		"CrushReweight(3, 0.60000)",
		"CrushReweight(3, 0.90000)",
		"CrushReweight(3, 1.00000)",
	}, steps)

	weight, err := cc.CrushWeight(context.Background(), 3)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, weight, 1e-5)
}

func TestRampWeightDown(t *testing.T) {
	cc := fake.New()
	cc.AddOSD(5, 0.75, false)
	cfg := testConfig()
	cfg.Increment = 0.5

	err := rampWeight(context.Background(), cc, cfg, 5, Down, 0, func() {})
	require.NoError(t, err)

	steps := reweightCalls(cc)
	assert.Equal(t, []string{
		"CrushReweight(5, 0.25000)",
		"CrushReweight(5, 0.00000)",
	}, steps)
}

// Already at target: no reweight is issued, the fence is still released.
func TestRampWeightAlreadyConverged(t *testing.T) {
	cc := fake.New()
	cc.AddOSD(2, 1.82, false)
	cfg := testConfig()

	released := false
	err := rampWeight(context.Background(), cc, cfg, 2, Up, 1.82, func() { released = true })
	require.NoError(t, err)
	assert.True(t, released)
	assert.Empty(t, reweightCalls(cc))
}

func TestRampWeightPropagatesClusterError(t *testing.T) {
	cc := fake.New() // osd never created: weight read fails
	cfg := testConfig()

	err := rampWeight(context.Background(), cc, cfg, 9, Up, 1.0, func() {})
	require.Error(t, err)
}

func TestRampWeightHonorsContextCancellation(t *testing.T) {
	cc := fake.New()
	cc.AddOSD(3, 0, false)
	cc.BackfillPGs = 100 // over the cap: the loop would busy-wait

	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rampWeight(ctx, cc, cfg, 3, Up, 1.0, func() {})
	assert.ErrorIs(t, err, context.Canceled)
}
