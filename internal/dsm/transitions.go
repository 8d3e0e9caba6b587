package dsm

import (
	"context"

	"github.com/osdfleet/disktender/internal/dsm/fsck"
	"github.com/osdfleet/disktender/internal/log"
	"github.com/osdfleet/disktender/internal/types"
)

// standardGraph declares the transition table. Edge order within a
// state is significant: edges are attempted in declaration order and an
// edge returning StateFail yields to the next one.
func standardGraph() Graph {
	return Graph{
		types.StateUnscanned: {
			{To: types.StateScanned, Try: scanSmart},
		},
		types.StateScanned: {
			{To: types.StateGood, Try: probeHealthy},
			{To: types.StateWriteFailed, Try: probeWriteFailed},
			{To: types.StateWornOut, Try: probeWornOut},
		},
		types.StateNotMounted: {
			{To: types.StateMounted, Try: tryMount},
			{To: types.StateMountFailed, Try: alwaysTo(types.StateMountFailed)},
		},
		// A freshly (re)mounted disk re-enters the scan lifecycle so the
		// write probe gets to vouch for it before it can reach Good.
		types.StateMounted: {
			{To: types.StateScanned, Try: alwaysTo(types.StateScanned)},
		},
		types.StateMountFailed: {
			{To: types.StateCorrupt, Try: checkCorrupt},
		},
		types.StateWriteFailed: {
			{To: types.StateReadOnly, Try: checkReadOnly},
			{To: types.StateCorrupt, Try: checkCorrupt},
		},
		types.StateReadOnly: {
			{To: types.StateMounted, Try: tryRemountRW},
			{To: types.StateMountFailed, Try: alwaysTo(types.StateMountFailed)},
		},
		types.StateCorrupt: {
			{To: types.StateRepaired, Try: tryRepair},
			{To: types.StateRepairFailed, Try: alwaysTo(types.StateRepairFailed)},
		},
		types.StateRepaired: {
			{To: types.StateGood, Try: alwaysTo(types.StateGood)},
		},
		types.StateRepairFailed: {
			{To: types.StateReformatted, Try: tryReformat},
			{To: types.StateReformatFailed, Try: alwaysTo(types.StateReformatFailed)},
		},
		types.StateReformatted: {
			{To: types.StateUnscanned, Try: alwaysTo(types.StateUnscanned)},
		},
		types.StateReformatFailed: {
			{To: types.StateWaitingForReplacement, Try: alwaysTo(types.StateWaitingForReplacement)},
		},
		types.StateWornOut: {
			{To: types.StateWaitingForReplacement, Try: alwaysTo(types.StateWaitingForReplacement)},
		},
		// WaitingForReplacement → Replaced is driven by the external
		// replacement signal (MarkReplaced), never by a run.
		types.StateReplaced: {
			{To: types.StateUnscanned, Try: alwaysTo(types.StateUnscanned)},
		},
	}
}

// alwaysTo is the unconditional edge: a no-op transition to its target.
func alwaysTo(to types.DSMState) TransitionFunc {
	return func(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
		return to, nil
	}
}

// scanSmart runs the SMART self-test and records the outcome. A failed
// or unanswerable query is advisory: the scan still proceeds.
func scanSmart(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	passed, err := m.probes.SmartPassed(ctx, dev)
	if err != nil {
		dsmLogger := log.WithComponent("dsm")
		dsmLogger.Warn().Err(err).Str("device", dev.Path).Msg("smart query unanswerable")
		passed = false
	}
	if !m.simulate {
		if err := m.store.RecordSmartResult(ctx, dev.Path, passed); err != nil {
			return types.StateFail, err
		}
	}
	return types.StateScanned, nil
}

// probeHealthy mounts if needed, write-probes, and wear-checks; all
// clear means the disk is Good.
func probeHealthy(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	if m.simulate {
		return types.StateGood, nil
	}
	if dev.MountPath == "" {
		if err := m.probes.Mount(ctx, dev); err != nil {
			return types.StateFail, nil
		}
	}
	if err := m.probes.WriteProbe(ctx, dev); err != nil {
		return types.StateFail, nil
	}
	worn, err := m.probes.WornOut(ctx, dev)
	if err != nil || worn {
		return types.StateFail, nil
	}
	return types.StateGood, nil
}

// probeWriteFailed accepts when the temp-file write probe fails.
func probeWriteFailed(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	if m.simulate {
		return types.StateFail, nil
	}
	if dev.MountPath == "" {
		// Never mounted: the write probe cannot be the problem.
		return types.StateFail, nil
	}
	if err := m.probes.WriteProbe(ctx, dev); err != nil {
		return types.StateWriteFailed, nil
	}
	return types.StateFail, nil
}

// probeWornOut accepts when the wear-leveling check disqualifies the media.
func probeWornOut(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	worn, err := m.probes.WornOut(ctx, dev)
	if err != nil {
		return types.StateFail, nil
	}
	if worn {
		return types.StateWornOut, nil
	}
	return types.StateFail, nil
}

// tryMount mounts with the discovered filesystem.
func tryMount(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	if m.simulate {
		return types.StateMounted, nil
	}
	if err := m.probes.Mount(ctx, dev); err != nil {
		return types.StateFail, nil
	}
	return types.StateMounted, nil
}

// tryRemountRW remounts read-write (ReadOnly recovery).
func tryRemountRW(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	if m.simulate {
		return types.StateMounted, nil
	}
	if err := m.probes.RemountRW(ctx, dev); err != nil {
		return types.StateFail, nil
	}
	return types.StateMounted, nil
}

// checkReadOnly distinguishes a read-only mount from filesystem
// inconsistency after a write failure.
func checkReadOnly(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	if m.simulate {
		return types.StateFail, nil
	}
	ro, err := m.probes.MountedReadOnly(ctx, dev)
	if err != nil || !ro {
		return types.StateFail, nil
	}
	return types.StateReadOnly, nil
}

// checkCorrupt runs fsck in check-only mode and accepts on Corrupt.
func checkCorrupt(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	verdict, err := m.probes.FsckCheck(ctx, dev)
	if err != nil {
		return types.StateFail, err
	}
	if verdict == fsck.Corrupt {
		return types.StateCorrupt, nil
	}
	return types.StateFail, nil
}

// tryRepair runs the noninteractive filesystem fixer.
func tryRepair(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	if m.simulate {
		return types.StateRepaired, nil
	}
	if err := m.probes.Repair(ctx, dev); err != nil {
		return types.StateFail, nil
	}
	return types.StateRepaired, nil
}

// tryReformat force-formats; a fresh UUID means the lifecycle rescans
// from the start.
func tryReformat(ctx context.Context, m *Machine, dev *types.BlockDevice) (types.DSMState, error) {
	if m.simulate {
		return types.StateReformatted, nil
	}
	if err := m.probes.Reformat(ctx, dev); err != nil {
		return types.StateFail, nil
	}
	return types.StateReformatted, nil
}
