package provisioner

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/osdfleet/disktender/internal/cluster"
	"github.com/osdfleet/disktender/internal/config"
	"github.com/osdfleet/disktender/internal/log"
)

// Direction is the gradual-reweight ramp direction.
type Direction int

const (
	Up Direction = iota
	Down
)

const (
	weightEpsilon         = 1e-5
	backfillPollInterval  = 2 * time.Second
	latencyPollInterval   = 3 * time.Second
	latencyProbeDuration  = 5 * time.Second
	latencyProbeObjectKiB = 4
)

// rampWeight is the gradual reweight loop, used by both AddDisk
// (ramping up to target_weight) and RemoveDisk (ramping down to zero).
// release clears the noscrub/nodeep-scrub fence as soon as the loop
// converges; the caller's own deferred release remains a safe no-op
// afterward.
func rampWeight(ctx context.Context, cc cluster.Client, cfg *config.ClusterConfig, osdID int, direction Direction, target float64, release func()) error {
	logger := log.WithComponent("op").With().Int("osd_id", osdID).Float64("target", target).Logger()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, err := cc.CrushWeight(ctx, osdID)
		if err != nil {
			return fmt.Errorf("read crush weight for osd.%d: %w", osdID, err)
		}
		if math.Abs(current-target) < weightEpsilon {
			release()
			logger.Info().Msg("reweight converged")
			return nil
		}

		if err := waitForBackfillHeadroom(ctx, cc, cfg); err != nil {
			return err
		}
		if err := waitForLatencyHeadroom(ctx, cc, cfg); err != nil {
			return err
		}

		var next float64
		if direction == Up {
			next = math.Min(target, current+cfg.Increment)
		} else {
			next = math.Max(target, current-cfg.Increment)
		}

		if err := cc.CrushReweight(ctx, osdID, next); err != nil {
			return fmt.Errorf("reweight osd.%d to %.5f: %w", osdID, next, err)
		}
		logger.Debug().Float64("new_weight", next).Msg("stepped crush weight")
	}
}

func waitForBackfillHeadroom(ctx context.Context, cc cluster.Client, cfg *config.ClusterConfig) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		counts, err := cc.PGStat(ctx)
		if err != nil {
			return fmt.Errorf("pg stat: %w", err)
		}
		if counts.Backfilling <= cfg.BackfillCap {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backfillPollInterval):
		}
	}
}

func waitForLatencyHeadroom(ctx context.Context, cc cluster.Client, cfg *config.ClusterConfig) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		latency, err := cc.PoolLatencyProbe(ctx, cfg.PoolName, latencyProbeDuration, latencyProbeObjectKiB*1024)
		if err != nil {
			return fmt.Errorf("pool latency probe: %w", err)
		}
		if latency <= cfg.LatencyCap {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latencyPollInterval):
		}
	}
}
