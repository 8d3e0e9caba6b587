package types

import "time"

// MediaClass identifies the physical nature of a block device.
type MediaClass string

const (
	MediaRotational MediaClass = "rotational"
	MediaSolidState MediaClass = "solid-state"
	MediaNVMe       MediaClass = "nvme"
	MediaLVM        MediaClass = "lvm"
	MediaLoopback   MediaClass = "loopback"
	MediaRAM        MediaClass = "ram"
	MediaVirtual    MediaClass = "virtual"
	MediaUnknown    MediaClass = "unknown"
)

// CrushDeviceClass maps a MediaClass to the CRUSH device class string used
// when tagging a logical volume.
func (m MediaClass) CrushDeviceClass() string {
	switch m {
	case MediaSolidState:
		return "ssd"
	case MediaNVMe:
		return "nvme"
	case MediaRotational:
		return "hdd"
	default:
		return "none"
	}
}

// GPTPartition describes one partition entry on a GPT-labeled device.
type GPTPartition struct {
	UUID      string
	Name      string
	FirstLBA  uint64
	LastLBA   uint64
	Flags     uint64
	TypeGUID  string
}

// BlockDevice identifies a physical or logical block device on a host.
// Identity is the (Host, Path) pair; UUID may change across reformats.
type BlockDevice struct {
	Host           string
	Path           string
	Media          MediaClass
	CapacityBytes  uint64
	FilesystemKind string
	FilesystemUUID string
	Serial         string
	MountPath      string
	Partitions     []GPTPartition
}

// ObjectStoreKind is the on-disk object-store flavor an OSD uses.
type ObjectStoreKind string

const (
	ObjectStoreFilestore ObjectStoreKind = "filestore"
	ObjectStoreBluestore ObjectStoreKind = "bluestore"
)

// OSDIdentity is a numeric id bound 1:1 to a logical volume for its lifetime.
type OSDIdentity struct {
	ID            int
	UUID          string
	ClusterFSID   string
	Weight        float64
	CrushHost     string
	AuthKey       string
	Flavor        ObjectStoreKind
}

// JournalPartition is a single GPT partition slice on a JournalDevice.
type JournalPartition struct {
	ID   int
	UUID string
}

// JournalDevice hosts GPT partitions used as write-ahead logs for OSDs.
type JournalDevice struct {
	Path             string
	Partitions       []JournalPartition
	PartitionCount   int
	PreallocatedID   int
	PreallocatedUUID string
}

// LVTagSet carries the authoritative bluestore discovery metadata for an LV.
type LVTagSet struct {
	Type             string
	BlockDevice      string
	OSDID            string
	OSDFSID          string
	ClusterName      string
	ClusterFSID      string
	Encrypted        bool
	BlockUUID        string
	WALDevice        string
	WALUUID          string
	CrushDeviceClass string
}

// Tags returns the LV tag set encoded as "ceph.key=value" pairs, the format
// consumed by `lvchange --addtag` and parsed back out of `lvs -o lv_tags`.
func (t LVTagSet) Tags() map[string]string {
	m := map[string]string{
		"ceph.type":               t.Type,
		"ceph.block_device":       t.BlockDevice,
		"ceph.osd_id":             t.OSDID,
		"ceph.osd_fsid":           t.OSDFSID,
		"ceph.cluster_name":       t.ClusterName,
		"ceph.cluster_fsid":       t.ClusterFSID,
		"ceph.block_uuid":         t.BlockUUID,
		"ceph.crush_device_class": t.CrushDeviceClass,
	}
	if t.Encrypted {
		m["ceph.encrypted"] = "1"
	} else {
		m["ceph.encrypted"] = "0"
	}
	if t.WALDevice != "" {
		m["ceph.wal_device"] = t.WALDevice
		m["ceph.wal_uuid"] = t.WALUUID
	}
	return m
}

// DSMState enumerates the diagnostic state machine's lifecycle states.
type DSMState string

const (
	StateUnscanned            DSMState = "unscanned"
	StateScanned              DSMState = "scanned"
	StateNotMounted           DSMState = "not_mounted"
	StateMounted              DSMState = "mounted"
	StateMountFailed          DSMState = "mount_failed"
	StateReadOnly             DSMState = "read_only"
	StateWriteFailed          DSMState = "write_failed"
	StateCorrupt              DSMState = "corrupt"
	StateRepaired             DSMState = "repaired"
	StateRepairFailed         DSMState = "repair_failed"
	StateReformatted          DSMState = "reformatted"
	StateReformatFailed       DSMState = "reformat_failed"
	StateWornOut              DSMState = "worn_out"
	StateWaitingForReplacement DSMState = "waiting_for_replacement"
	StateReplaced             DSMState = "replaced"
	StateGood                 DSMState = "good"
	StateFail                 DSMState = "fail"
)

// Terminal reports whether a state ends a DSM run.
func (s DSMState) Terminal() bool {
	switch s {
	case StateGood, StateWaitingForReplacement, StateFail:
		return true
	default:
		return false
	}
}

// Productive reports whether a terminal state represents a usable outcome
// (as opposed to StateFail, the terminal non-productive state).
func (s DSMState) Productive() bool {
	return s == StateGood || s == StateWaitingForReplacement
}

// RepairEntry is the persistent record of a disk's repair lineage.
type RepairEntry struct {
	ID              int64
	StorageDetailID int64
	DevicePath      string
	TicketID        string
	TimeCreated     time.Time
	SmartPassed     bool
	MountPath       string
	State           DSMState
	Open            bool
}

// Outcome is the wire-level disposition of a coordinator request.
// Precondition violations are surfaced as an Outcome, never as an error, so
// that cluster-wide sweeps stay idempotent.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeSkipRepeat Outcome = "skip_repeat"
)

// Result is the top-level wire result tag.
type Result string

const (
	ResultOK  Result = "ok"
	ResultErr Result = "err"
)
