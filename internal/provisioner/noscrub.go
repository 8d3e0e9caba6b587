package provisioner

import (
	"context"
	"fmt"

	"github.com/osdfleet/disktender/internal/cluster"
)

const (
	flagNoscrub     = "noscrub"
	flagNodeepScrub = "nodeep-scrub"
)

// AcquireNoscrub sets the cluster-wide noscrub/nodeep-scrub flags and
// returns a release function that clears them, implementing the
// scoped-acquisition pattern, so the clear happens on every
// exit path — success, error, or panic — with a single defer at the call
// site instead of hand-written try/finally.
func AcquireNoscrub(ctx context.Context, cc cluster.Client) (release func(), err error) {
	if err := cc.SetFlag(ctx, flagNoscrub); err != nil {
		return nil, fmt.Errorf("set %s: %w", flagNoscrub, err)
	}
	if err := cc.SetFlag(ctx, flagNodeepScrub); err != nil {
		// Best effort: still clear noscrub before surfacing the error.
		_ = cc.UnsetFlag(ctx, flagNoscrub)
		return nil, fmt.Errorf("set %s: %w", flagNodeepScrub, err)
	}

	released := false
	release = func() {
		if released {
			return
		}
		released = true
		// Use a background context: release must run even when the
		// caller's context has already been cancelled.
		_ = cc.UnsetFlag(context.Background(), flagNoscrub)
		_ = cc.UnsetFlag(context.Background(), flagNodeepScrub)
	}
	return release, nil
}
