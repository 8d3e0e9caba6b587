package provisioner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osdfleet/disktender/internal/cluster/fake"
)

func TestAcquireNoscrubSetsAndClearsBothFlags(t *testing.T) {
	cc := fake.New()

	release, err := AcquireNoscrub(context.Background(), cc)
	require.NoError(t, err)
	assert.True(t, cc.Flags["noscrub"])
	assert.True(t, cc.Flags["nodeep-scrub"])

	release()
	assert.False(t, cc.Flags["noscrub"])
	assert.False(t, cc.Flags["nodeep-scrub"])
}

// release is idempotent: the ramp loop calls it on convergence and the
// caller's defer fires again afterward.
func TestAcquireNoscrubReleaseIsIdempotent(t *testing.T) {
	cc := fake.New()

	release, err := AcquireNoscrub(context.Background(), cc)
	require.NoError(t, err)

	release()
	callsAfterFirst := len(cc.Calls)
	release()
	assert.Equal(t, callsAfterFirst, len(cc.Calls), "second release issues no cluster calls")
}

func TestAcquireNoscrubUnreachableCluster(t *testing.T) {
	cc := fake.New()
	cc.Unreachable = true

	_, err := AcquireNoscrub(context.Background(), cc)
	assert.Error(t, err)
}
