// Package dsm drives the per-disk diagnostic lifecycle: scan, evaluate,
// repair, reformat, and ultimately a "needs replacement" verdict.
// The machine is a directed multigraph — states are nodes, transition
// functions are edges tried in declaration order — persisted after every
// accepted transition so a run is resumable across process restarts.
package dsm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/osdfleet/disktender/internal/log"
	"github.com/osdfleet/disktender/internal/types"
)

// Store persists diagnostic state between transitions. Persistence is
// non-optional; internal/repairdb provides the production
// implementation.
type Store interface {
	LoadState(ctx context.Context, devicePath string) (types.DSMState, error)
	SaveState(ctx context.Context, devicePath string, state types.DSMState) error
	OpenRepair(ctx context.Context, devicePath, mountPath, diskUUID string) (int64, error)
	RecordSmartResult(ctx context.Context, devicePath string, passed bool) error
}

// TransitionFunc attempts one edge. It returns the edge's target state
// on success and StateFail to decline, letting the next declared edge
// try.
type TransitionFunc func(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error)

// Edge is one outgoing transition of a state.
type Edge struct {
	To  types.DSMState
	Try TransitionFunc
}

// Graph maps each state to its outgoing edges in declaration order.
type Graph map[types.DSMState][]Edge

// Machine runs the diagnostic lifecycle for block devices.
type Machine struct {
	store    Store
	probes   Probes
	graph    Graph
	simulate bool
}

// New builds a Machine over the standard transition graph. simulate
// suppresses side effects: mutating transitions report their target
// state without touching the device.
func New(store Store, probes Probes, simulate bool) *Machine {
	return &Machine{
		store:    store,
		probes:   probes,
		graph:    standardGraph(),
		simulate: simulate,
	}
}

// Run drives dev from its persisted state until a terminal state or a
// fixed point is reached, persisting after every accepted transition.
func (m *Machine) Run(ctx context.Context, dev *types.BlockDevice) (types.DSMState, error) {
	logger := log.WithComponent("dsm").With().Str("device", dev.Path).Logger()

	state, err := m.store.LoadState(ctx, dev.Path)
	if err != nil {
		return types.StateFail, err
	}
	logger.Info().Str("state", string(state)).Msg("diagnostic run starting")

	for {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if state.Productive() {
			logger.Info().Str("state", string(state)).Msg("diagnostic run complete")
			return state, nil
		}

		next := m.step(ctx, dev, state, logger)
		if next == state {
			// Fixed point: a full iteration produced no change.
			logger.Info().Str("state", string(state)).Msg("diagnostic run reached fixed point")
			return state, nil
		}

		if state == types.StateUnscanned && !m.simulate {
			// First transition out of Unscanned opens the repair entry.
			if _, err := m.store.OpenRepair(ctx, dev.Path, dev.MountPath, dev.FilesystemUUID); err != nil {
				return state, err
			}
		}

		state = next
		if !m.simulate {
			if err := m.store.SaveState(ctx, dev.Path, state); err != nil {
				return state, fmt.Errorf("persist state %s: %w", state, err)
			}
		}
		logger.Debug().Str("state", string(state)).Msg("transition accepted")

		if state == types.StateFail {
			logger.Warn().Msg("diagnostic run failed")
			return state, nil
		}
	}
}

// step attempts the state's edges in declaration order and returns the
// first non-Fail result; if every edge declines the result is StateFail,
// and a state with no edges holds (fixed point).
func (m *Machine) step(ctx context.Context, dev *types.BlockDevice, state types.DSMState, logger zerolog.Logger) types.DSMState {
	edges := m.graph[state]
	if len(edges) == 0 {
		return state
	}
	for _, e := range edges {
		got, err := e.Try(ctx, m, dev)
		if err != nil {
			logger.Warn().Err(err).Str("edge", string(e.To)).Msg("transition errored, trying next edge")
			continue
		}
		if got != types.StateFail {
			return got
		}
	}
	return types.StateFail
}

// MarkReplaced applies the external replacement signal: ticket resolved
// and disk hot-swapped. The next Run picks up from Replaced and
// restarts the lifecycle on the new hardware.
func (m *Machine) MarkReplaced(ctx context.Context, dev *types.BlockDevice) error {
	state, err := m.store.LoadState(ctx, dev.Path)
	if err != nil {
		return err
	}
	if state != types.StateWaitingForReplacement {
		return fmt.Errorf("device %s is %s, not awaiting replacement", dev.Path, state)
	}
	return m.store.SaveState(ctx, dev.Path, types.StateReplaced)
}
