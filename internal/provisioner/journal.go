package provisioner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/osdfleet/disktender/internal/log"
	"github.com/osdfleet/disktender/internal/provisioner/gpt"
	"github.com/osdfleet/disktender/internal/types"
)

// JournalTable is the slice of gpt.Table the journal selector needs,
// narrowed so tests can fake partition tables without a block device.
type JournalTable interface {
	Count() int
	Partitions() []gpt.Partition
	LargestFreeSpan() gpt.FreeSpan
	HasLiveGUID(guid string) bool
	AddJournalPartition(span gpt.FreeSpan, sizeMB int, name string) (int, string, error)
	RemovePartition(index int) error
	Close() error
}

// TableOpener opens the partition table on a journal device. The default
// is gpt.Open; tests substitute an in-memory table.
type TableOpener func(device string) (JournalTable, error)

// OpenTable adapts gpt.Open to the TableOpener signature.
func OpenTable(device string) (JournalTable, error) {
	return gpt.Open(device)
}

// journalAllocation is the outcome of journal selection: a WAL partition
// on a journal device, either pre-declared or freshly carved.
type journalAllocation struct {
	Device         string
	PartitionIndex int
	PartitionGUID  string
}

// PartitionPath returns the /dev node for the allocated partition.
func (j *journalAllocation) PartitionPath() string {
	if strings.HasPrefix(j.Device, "/dev/nvme") || strings.HasPrefix(j.Device, "/dev/loop") {
		return fmt.Sprintf("%sp%d", j.Device, j.PartitionIndex)
	}
	return fmt.Sprintf("%s%d", j.Device, j.PartitionIndex)
}

// selectJournal picks a WAL partition for a new OSD:
// candidates sorted ascending by partition count, filtered to those with
// contiguous free space for an osd_journal_size partition, first survivor
// wins. A pre-declared partition slot is reused only if its GUID is not
// referenced by any live OSD; occupied slots get a fresh partition on the
// same device. Returns nil when no journal devices are configured.
func (p *Provisioner) selectJournal(ctx context.Context, journalSizeMB int) (*journalAllocation, error) {
	if len(p.cfg.JournalDevices) == 0 {
		return nil, nil
	}
	logger := log.WithComponent("op")

	type candidate struct {
		dev   types.JournalDevice
		table JournalTable
		count int
	}

	var candidates []candidate
	for _, jd := range p.cfg.JournalDevices {
		table, err := p.openTable(jd.Path)
		if err != nil {
			logger.Warn().Err(err).Str("device", jd.Path).Msg("skipping unreadable journal device")
			continue
		}
		candidates = append(candidates, candidate{dev: jd, table: table, count: table.Count()})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no readable journal device among %d configured", len(p.cfg.JournalDevices))
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].count < candidates[j].count })

	closeAll := func() {
		for _, c := range candidates {
			c.table.Close()
		}
	}
	defer closeAll()

	needBytes := uint64(journalSizeMB) * 1024 * 1024
	for _, c := range candidates {
		span := c.table.LargestFreeSpan()
		if span.SizeBytes() < needBytes {
			continue
		}

		// A pre-declared slot is honored only while no live OSD holds its GUID.
		if c.dev.PreallocatedID > 0 && c.dev.PreallocatedUUID != "" {
			occupied, err := p.walUUIDInUse(ctx, c.dev.PreallocatedUUID)
			if err != nil {
				return nil, err
			}
			if !occupied && partitionExists(c.table, c.dev.PreallocatedID, c.dev.PreallocatedUUID) {
				return &journalAllocation{
					Device:         c.dev.Path,
					PartitionIndex: c.dev.PreallocatedID,
					PartitionGUID:  c.dev.PreallocatedUUID,
				}, nil
			}
			logger.Info().Str("device", c.dev.Path).Int("partition", c.dev.PreallocatedID).
				Msg("pre-declared journal slot occupied, carving a new partition")
		}

		idx, guid, err := c.table.AddJournalPartition(span, journalSizeMB, "ceph journal")
		if err != nil {
			return nil, fmt.Errorf("carve journal partition on %s: %w", c.dev.Path, err)
		}
		if err := refreshPartitionTable(ctx, p.runner, c.dev.Path); err != nil {
			return nil, fmt.Errorf("refresh partition table on %s: %w", c.dev.Path, err)
		}
		return &journalAllocation{Device: c.dev.Path, PartitionIndex: idx, PartitionGUID: guid}, nil
	}

	return nil, fmt.Errorf("no journal device has %d MB of contiguous free space", journalSizeMB)
}

// walUUIDInUse reports whether any live OSD on this host references uuid
// as its WAL partition GUID.
func (p *Provisioner) walUUIDInUse(ctx context.Context, uuid string) (bool, error) {
	live, err := liveWALUUIDs(ctx, p.runner)
	if err != nil {
		return false, err
	}
	return live[uuid], nil
}

func partitionExists(table JournalTable, index int, guid string) bool {
	for _, part := range table.Partitions() {
		if part.Index == index && strings.EqualFold(part.GUID, guid) {
			return true
		}
	}
	return false
}

// removeJournalPartition deletes the GPT partition holding guid from a
// journal device and refreshes the kernel's view.
func (p *Provisioner) removeJournalPartition(ctx context.Context, device, guid string) error {
	table, err := p.openTable(device)
	if err != nil {
		return fmt.Errorf("open journal device %s: %w", device, err)
	}
	defer table.Close()

	for _, part := range table.Partitions() {
		if strings.EqualFold(part.GUID, guid) {
			if err := table.RemovePartition(part.Index); err != nil {
				return err
			}
			return refreshPartitionTable(ctx, p.runner, device)
		}
	}
	// Already gone: removal is idempotent.
	return nil
}

// osdJournalSizeMB fetches the journal partition size from cluster
// config, expressed in MB.
func (p *Provisioner) osdJournalSizeMB(ctx context.Context) (int, error) {
	raw, err := p.cc.ConfigGet(ctx, "osd_journal_size")
	if err != nil {
		return 0, fmt.Errorf("fetch osd_journal_size: %w", err)
	}
	size, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse osd_journal_size %q: %w", raw, err)
	}
	return size, nil
}

var _ JournalTable = (*gpt.Table)(nil)
