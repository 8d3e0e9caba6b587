// Package gpt slices and inspects GPT partitions on journal devices.
// It wraps github.com/diskfs/go-diskfs's partition table reader/writer
// rather than hand-rolling GPT header parsing.
package gpt

import (
	"fmt"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"
)

// CephJournalTypeGUID is the partition type GUID Ceph uses to mark a
// journal partition ("ceph journal").
const CephJournalTypeGUID = "45B0969E-9B03-4F30-B4C6-B4B80CEFF106"

// Partition describes one existing GPT partition entry.
type Partition struct {
	Index     int
	GUID      string
	TypeGUID  string
	Name      string
	FirstLBA  uint64
	LastLBA   uint64
}

// FreeSpan describes a contiguous run of unallocated sectors.
type FreeSpan struct {
	FirstLBA   uint64
	LastLBA    uint64
	SectorSize uint64
}

// SizeBytes returns the span's capacity in bytes.
func (f FreeSpan) SizeBytes() uint64 {
	if f.LastLBA < f.FirstLBA {
		return 0
	}
	return (f.LastLBA - f.FirstLBA + 1) * f.SectorSize
}

// Table wraps one device's GPT partition table for inspection and
// mutation.
type Table struct {
	device string
	disk   *disk.Disk
	table  *gpt.Table
}

// Open reads the GPT partition table on device.
func Open(device string) (*Table, error) {
	d, err := diskfs.Open(device, diskfs.WithOpenMode(diskfs.ReadWriteExclusive))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	pt, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("read partition table on %s: %w", device, err)
	}
	gptTable, ok := pt.(*gpt.Table)
	if !ok {
		return nil, fmt.Errorf("%s does not have a GPT partition table", device)
	}
	return &Table{device: device, disk: d, table: gptTable}, nil
}

// Partitions lists existing partition entries.
func (t *Table) Partitions() []Partition {
	out := make([]Partition, 0, len(t.table.Partitions))
	for i, p := range t.table.Partitions {
		out = append(out, Partition{
			Index:    i + 1,
			GUID:     p.GUID,
			TypeGUID: string(p.Type),
			Name:     p.Name,
			FirstLBA: uint64(p.Start),
			LastLBA:  uint64(p.End),
		})
	}
	return out
}

// Count returns the number of partitions currently on the table, the
// value journal selection sorts candidate devices by.
func (t *Table) Count() int {
	return len(t.table.Partitions)
}

// LargestFreeSpan finds the largest contiguous run of unallocated
// sectors on the table.
func (t *Table) LargestFreeSpan() FreeSpan {
	sectorSize := uint64(t.table.LogicalSectorSize)
	if sectorSize == 0 {
		sectorSize = 512
	}

	used := make([][2]uint64, 0, len(t.table.Partitions))
	for _, p := range t.table.Partitions {
		used = append(used, [2]uint64{uint64(p.Start), uint64(p.End)})
	}

	// Sort used spans by start, then walk the gaps between them. The
	// usable region begins after the GPT header/array (34 sectors) and
	// ends before the backup table (33 sectors from the end).
	for i := 0; i < len(used); i++ {
		for j := i + 1; j < len(used); j++ {
			if used[j][0] < used[i][0] {
				used[i], used[j] = used[j], used[i]
			}
		}
	}

	totalSectors := uint64(t.disk.Size) / sectorSize
	cursor := uint64(34)
	end := totalSectors - 34
	var best FreeSpan
	for _, span := range used {
		if span[0] > cursor {
			gap := FreeSpan{FirstLBA: cursor, LastLBA: span[0] - 1, SectorSize: sectorSize}
			if gap.SizeBytes() > best.SizeBytes() {
				best = gap
			}
		}
		if span[1]+1 > cursor {
			cursor = span[1] + 1
		}
	}
	if cursor < end {
		gap := FreeSpan{FirstLBA: cursor, LastLBA: end, SectorSize: sectorSize}
		if gap.SizeBytes() > best.SizeBytes() {
			best = gap
		}
	}
	return best
}

// HasLiveGUID reports whether guid already appears on the table.
func (t *Table) HasLiveGUID(guid string) bool {
	for _, p := range t.table.Partitions {
		if p.GUID == guid {
			return true
		}
	}
	return false
}

// AddJournalPartition carves a new partition typed as a Ceph journal,
// sized sizeMB, starting at the given free span, and writes the table
// back to disk. Returns the new partition's 1-based index and GUID.
func (t *Table) AddJournalPartition(span FreeSpan, sizeMB int, name string) (int, string, error) {
	sectors := uint64(sizeMB) * 1024 * 1024 / span.SectorSize
	if sectors > span.LastLBA-span.FirstLBA+1 {
		return 0, "", fmt.Errorf("free span too small for %d MB journal partition", sizeMB)
	}
	newGUID := uuid.New().String()
	part := &gpt.Partition{
		Start: span.FirstLBA,
		End:   span.FirstLBA + sectors - 1,
		Type:  gpt.Type(CephJournalTypeGUID),
		Name:  name,
		GUID:  newGUID,
	}
	t.table.Partitions = append(t.table.Partitions, part)
	if err := t.disk.Partition(t.table); err != nil {
		return 0, "", fmt.Errorf("write partition table on %s: %w", t.device, err)
	}
	return len(t.table.Partitions), newGUID, nil
}

// RemovePartition deletes the partition at the given 1-based index and
// rewrites the table.
func (t *Table) RemovePartition(index int) error {
	if index < 1 || index > len(t.table.Partitions) {
		return fmt.Errorf("partition index %d out of range", index)
	}
	t.table.Partitions = append(t.table.Partitions[:index-1], t.table.Partitions[index:]...)
	if err := t.disk.Partition(t.table); err != nil {
		return fmt.Errorf("write partition table on %s: %w", t.device, err)
	}
	return nil
}

// Close releases the underlying device handle.
func (t *Table) Close() error {
	return t.disk.Close()
}
