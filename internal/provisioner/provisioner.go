// Package provisioner materializes and tears down OSDs on local block
// devices: LVM setup, GPT journal slicing, metadata tags, filesystem
// preparation, init-system integration, and gradual reweighting.
package provisioner

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/osdfleet/disktender/internal/blockdev"
	"github.com/osdfleet/disktender/internal/cluster"
	"github.com/osdfleet/disktender/internal/config"
	"github.com/osdfleet/disktender/internal/executil"
	"github.com/osdfleet/disktender/internal/log"
	"github.com/osdfleet/disktender/internal/types"
)

const drainPollInterval = 5 * time.Second

// Provisioner exposes AddDisk, RemoveDisk, and SafeToRemove against one
// host's block devices and a shared cluster client.
type Provisioner struct {
	cc        cluster.Client
	cfg       *config.ClusterConfig
	runner    executil.Runner
	lister    blockdev.Lister
	hostname  string
	openTable TableOpener
	init      InitSystem
	dataRoot  string
	fstabPath string
}

// Option adjusts Provisioner construction, primarily for tests.
type Option func(*Provisioner)

// WithRunner substitutes the subprocess runner.
func WithRunner(r executil.Runner) Option { return func(p *Provisioner) { p.runner = r } }

// WithTableOpener substitutes the GPT table opener.
func WithTableOpener(o TableOpener) Option { return func(p *Provisioner) { p.openTable = o } }

// WithLister substitutes the block device lister.
func WithLister(l blockdev.Lister) Option { return func(p *Provisioner) { p.lister = l } }

// WithInit pins the init system instead of detecting it.
func WithInit(i InitSystem) Option { return func(p *Provisioner) { p.init = i } }

// WithDataRoot relocates the OSD data root.
func WithDataRoot(dir string) Option { return func(p *Provisioner) { p.dataRoot = dir } }

// WithFstab relocates the fstab file the filestore path edits.
func WithFstab(path string) Option { return func(p *Provisioner) { p.fstabPath = path } }

// New builds a Provisioner for this host.
func New(cc cluster.Client, cfg *config.ClusterConfig, hostname string, opts ...Option) *Provisioner {
	p := &Provisioner{
		cc:        cc,
		cfg:       cfg,
		runner:    executil.HostRunner{},
		hostname:  hostname,
		openTable: OpenTable,
		init:      DetectInit(),
		dataRoot:  defaultDataRoot,
		fstabPath: "/etc/fstab",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lister == nil {
		p.lister = blockdev.NewHostLister(p.runner, hostname)
	}
	return p
}

// AddDisk provisions an OSD on device. Precondition violations
// come back as a SKIP outcome, never an error, distinguishing "not our
// disk" (Skipped) from "already done" (SkipRepeat).
func (p *Provisioner) AddDisk(ctx context.Context, device string, desiredID *int) (types.Outcome, error) {
	logger := log.WithComponent("op").With().Str("device", device).Logger()

	if p.cfg.IsSystemDisk(device) {
		logger.Info().Msg("skipping system disk")
		return types.OutcomeSkipped, nil
	}
	if p.cfg.IsJournalDevice(device) {
		logger.Info().Msg("skipping journal device")
		return types.OutcomeSkipped, nil
	}

	backed, err := p.deviceBacksOSD(ctx, device)
	if err != nil {
		return types.OutcomeSuccess, err
	}
	if backed {
		logger.Info().Msg("device already backs an OSD")
		return types.OutcomeSkipRepeat, nil
	}

	if desiredID != nil {
		exists, err := p.osdIDExists(ctx, *desiredID)
		if err != nil {
			return types.OutcomeSuccess, err
		}
		if exists {
			logger.Info().Int("osd_id", *desiredID).Msg("requested osd id already exists")
			return types.OutcomeSkipped, nil
		}
	}

	ver, err := p.cc.Version(ctx)
	if err != nil {
		return types.OutcomeSuccess, fmt.Errorf("query cluster version: %w", err)
	}

	osdFSID := uuid.New().String()

	var identity types.OSDIdentity
	if ver.AtLeastLuminous() {
		identity, err = p.addBluestore(ctx, device, desiredID, osdFSID)
	} else {
		identity, err = p.addFilestore(ctx, device, desiredID, osdFSID)
	}
	if err != nil {
		return types.OutcomeSuccess, err
	}
	osdID := identity.ID

	// The OSD entered the map at weight zero; ramp it to target under the
	// noscrub fence so scrub load does not fight the backfill.
	release, err := AcquireNoscrub(ctx, p.cc)
	if err != nil {
		return types.OutcomeSuccess, err
	}
	defer release()
	if err := rampWeight(ctx, p.cc, p.cfg, osdID, Up, p.cfg.TargetWeight, release); err != nil {
		return types.OutcomeSuccess, fmt.Errorf("ramp osd.%d to target weight: %w", osdID, err)
	}

	logger.Info().Int("osd_id", osdID).Str("osd_fsid", osdFSID).Msg("disk added")
	return types.OutcomeSuccess, nil
}

func (p *Provisioner) addBluestore(ctx context.Context, device string, desiredID *int, osdFSID string) (types.OSDIdentity, error) {
	none := types.OSDIdentity{}

	var journalSizeMB int
	if len(p.cfg.JournalDevices) > 0 {
		size, err := p.osdJournalSizeMB(ctx)
		if err != nil {
			return none, err
		}
		journalSizeMB = size
	}
	jAlloc, err := p.selectJournal(ctx, journalSizeMB)
	if err != nil {
		return none, err
	}

	osdID, err := p.cc.OSDCreate(ctx, desiredID, osdFSID)
	if err != nil {
		return none, fmt.Errorf("osd create: %w", err)
	}

	vgName := "ceph-" + uuid.New().String()
	if err := createVolumeGroup(ctx, p.runner, vgName, device); err != nil {
		return none, err
	}
	lvPath, err := createLogicalVolume(ctx, p.runner, vgName, "osd-block-"+osdFSID)
	if err != nil {
		return none, err
	}

	blockUUID, err := readLVUUID(ctx, p.runner, lvPath)
	if err != nil {
		return none, err
	}
	clusterFSID, err := p.cc.Fsid(ctx)
	if err != nil {
		return none, fmt.Errorf("query cluster fsid: %w", err)
	}

	identity := types.OSDIdentity{
		ID:          osdID,
		UUID:        osdFSID,
		ClusterFSID: clusterFSID,
		CrushHost:   p.hostname,
		Flavor:      types.ObjectStoreBluestore,
	}

	dev, err := p.lister.Describe(ctx, device)
	if err != nil {
		dev = types.BlockDevice{Media: types.MediaUnknown}
	}

	tags := types.LVTagSet{
		Type:             "block",
		BlockDevice:      lvPath,
		OSDID:            strconv.Itoa(osdID),
		OSDFSID:          osdFSID,
		ClusterName:      "ceph",
		ClusterFSID:      clusterFSID,
		BlockUUID:        blockUUID,
		CrushDeviceClass: dev.Media.CrushDeviceClass(),
	}
	var walPath string
	if jAlloc != nil {
		walPath = jAlloc.PartitionPath()
		tags.WALDevice = walPath
		tags.WALUUID = jAlloc.PartitionGUID
	}
	if err := addTags(ctx, p.runner, lvPath, tags); err != nil {
		return none, err
	}

	if err := p.populateDataDir(ctx, osdID, osdFSID, lvPath, walPath); err != nil {
		return none, err
	}
	if err := p.writeKeyring(ctx, osdID); err != nil {
		return none, err
	}
	if err := p.mkfsBluestore(ctx, osdID, osdFSID, walPath); err != nil {
		return none, err
	}
	if err := p.chownToClusterUser(ctx, device, p.dataDir(osdID)); err != nil {
		return none, err
	}

	if err := p.cc.CrushAdd(ctx, osdID, 0.0, p.hostname); err != nil {
		return none, fmt.Errorf("crush add osd.%d: %w", osdID, err)
	}

	units := unitManager{init: p.init, runner: p.runner}
	if err := units.enable(ctx, volumeUnit(osdID, osdFSID)); err != nil {
		return none, err
	}
	if err := units.start(ctx, osdUnit(osdID)); err != nil {
		return none, err
	}
	return identity, nil
}

func (p *Provisioner) addFilestore(ctx context.Context, device string, desiredID *int, osdFSID string) (types.OSDIdentity, error) {
	none := types.OSDIdentity{}

	osdID, err := p.cc.OSDCreate(ctx, desiredID, osdFSID)
	if err != nil {
		return none, fmt.Errorf("osd create: %w", err)
	}

	if err := p.prepareFilestore(ctx, device, osdID); err != nil {
		return none, err
	}
	if err := p.populateDataDir(ctx, osdID, osdFSID, "", ""); err != nil {
		return none, err
	}
	if err := p.writeKeyring(ctx, osdID); err != nil {
		return none, err
	}
	if err := p.mkfsFilestore(ctx, osdID, osdFSID); err != nil {
		return none, err
	}
	if err := p.chownToClusterUser(ctx, device, p.dataDir(osdID)); err != nil {
		return none, err
	}

	if err := p.cc.CrushAdd(ctx, osdID, 0.0, p.hostname); err != nil {
		return none, fmt.Errorf("crush add osd.%d: %w", osdID, err)
	}

	units := unitManager{init: p.init, runner: p.runner}
	if err := units.start(ctx, osdUnit(osdID)); err != nil {
		return none, err
	}
	return types.OSDIdentity{
		ID:        osdID,
		UUID:      osdFSID,
		CrushHost: p.hostname,
		Flavor:    types.ObjectStoreFilestore,
	}, nil
}

// RemoveDisk evacuates and tears down the OSD on device. The
// noscrub fence is held for the whole removal and cleared on every exit
// path.
func (p *Provisioner) RemoveDisk(ctx context.Context, device string) (types.Outcome, error) {
	logger := log.WithComponent("op").With().Str("device", device).Logger()

	if p.cfg.IsSystemDisk(device) {
		logger.Info().Msg("skipping system disk")
		return types.OutcomeSkipped, nil
	}
	if p.cfg.IsJournalDevice(device) {
		logger.Info().Msg("skipping journal device")
		return types.OutcomeSkipped, nil
	}

	osdID, walDevice, walGUID, found, err := p.discoverOSD(ctx, device)
	if err != nil {
		return types.OutcomeSuccess, err
	}
	if !found {
		logger.Info().Msg("no OSD backed by device; nothing to remove")
		return types.OutcomeSkipRepeat, nil
	}
	logger = logger.With().Int("osd_id", osdID).Logger()

	release, err := AcquireNoscrub(ctx, p.cc)
	if err != nil {
		return types.OutcomeSuccess, err
	}
	defer release()

	alreadyOut, err := p.osdIsOut(ctx, osdID)
	if err != nil {
		return types.OutcomeSuccess, err
	}
	if alreadyOut {
		// Already evacuated: a single reweight to zero suffices.
		if err := p.cc.CrushReweight(ctx, osdID, 0); err != nil {
			return types.OutcomeSuccess, fmt.Errorf("reweight osd.%d to zero: %w", osdID, err)
		}
	} else {
		if err := rampWeight(ctx, p.cc, p.cfg, osdID, Down, 0, release); err != nil {
			return types.OutcomeSuccess, fmt.Errorf("ramp osd.%d to zero: %w", osdID, err)
		}
	}

	if err := p.drain(ctx, osdID); err != nil {
		return types.OutcomeSuccess, err
	}

	if err := p.evict(ctx, osdID); err != nil {
		return types.OutcomeSuccess, err
	}

	if err := p.teardownLocal(ctx, device, osdID); err != nil {
		return types.OutcomeSuccess, err
	}

	if walGUID != "" && p.cfg.IsJournalDevice(walDevice) {
		if err := p.removeJournalPartition(ctx, walDevice, walGUID); err != nil {
			return types.OutcomeSuccess, fmt.Errorf("remove journal partition: %w", err)
		}
	}

	logger.Info().Msg("disk removed")
	return types.OutcomeSuccess, nil
}

// SafeToRemove reports whether evacuating the OSD on device would
// jeopardize durability. SKIP for system/journal disks.
func (p *Provisioner) SafeToRemove(ctx context.Context, device string) (types.Outcome, bool, error) {
	if p.cfg.IsSystemDisk(device) || p.cfg.IsJournalDevice(device) {
		return types.OutcomeSkipped, false, nil
	}
	osdID, _, _, found, err := p.discoverOSD(ctx, device)
	if err != nil {
		return types.OutcomeSuccess, false, err
	}
	if !found {
		return types.OutcomeSkipRepeat, false, nil
	}
	safe, err := p.cc.SafeToDestroy(ctx, osdID)
	if err != nil {
		return types.OutcomeSuccess, false, fmt.Errorf("safe-to-destroy osd.%d: %w", osdID, err)
	}
	return types.OutcomeSuccess, safe, nil
}

// discoverOSD resolves which OSD device backs, trying the LV tag, then
// osd metadata, then the ceph-volume listing, then a filestore probe.
// Also surfaces the WAL partition identity when the tags carry one.
func (p *Provisioner) discoverOSD(ctx context.Context, device string) (osdID int, walDevice, walGUID string, found bool, err error) {
	tags, _, err := tagsOnDevice(ctx, p.runner, device)
	if err != nil {
		return 0, "", "", false, err
	}
	if idStr, ok := tags["ceph.osd_id"]; ok {
		id, perr := strconv.Atoi(idStr)
		if perr != nil {
			return 0, "", "", false, fmt.Errorf("parse ceph.osd_id tag %q: %w", idStr, perr)
		}
		return id, tags["ceph.wal_device"], tags["ceph.wal_uuid"], true, nil
	}

	meta, err := p.cc.Metadata(ctx)
	if err != nil {
		return 0, "", "", false, err
	}
	for _, m := range meta {
		if m.Hostname != p.hostname {
			continue
		}
		for _, path := range m.DevicePaths {
			if path == device {
				return m.ID, "", "", true, nil
			}
		}
	}

	vols, err := p.cc.VolumeList(ctx)
	if err != nil {
		return 0, "", "", false, err
	}
	for id, devices := range vols {
		for _, path := range devices {
			if path == device {
				return id, "", "", true, nil
			}
		}
	}

	if id, ok := p.discoverFilestoreOSD(ctx, device); ok {
		return id, "", "", true, nil
	}
	return 0, "", "", false, nil
}

// deviceBacksOSD is AddDisk's "already done" precondition,
// checked via osd_metadata and ceph_volume_list.
func (p *Provisioner) deviceBacksOSD(ctx context.Context, device string) (bool, error) {
	meta, err := p.cc.Metadata(ctx)
	if err != nil {
		return false, fmt.Errorf("query osd metadata: %w", err)
	}
	for _, m := range meta {
		if m.Hostname != p.hostname {
			continue
		}
		for _, path := range m.DevicePaths {
			if path == device {
				return true, nil
			}
		}
	}
	vols, err := p.cc.VolumeList(ctx)
	if err != nil {
		return false, fmt.Errorf("query ceph-volume list: %w", err)
	}
	for _, devices := range vols {
		for _, path := range devices {
			if path == device {
				return true, nil
			}
		}
	}
	return false, nil
}

func (p *Provisioner) osdIDExists(ctx context.Context, osdID int) (bool, error) {
	nodes, err := p.cc.TreeStatus(ctx, "")
	if err != nil {
		return false, fmt.Errorf("query osd tree: %w", err)
	}
	for _, n := range nodes {
		if n.ID == osdID {
			return true, nil
		}
	}
	return false, nil
}

func (p *Provisioner) osdIsOut(ctx context.Context, osdID int) (bool, error) {
	nodes, err := p.cc.TreeStatus(ctx, cluster.FilterOut)
	if err != nil {
		return false, fmt.Errorf("query osd tree: %w", err)
	}
	for _, n := range nodes {
		if n.ID == osdID {
			return true, nil
		}
	}
	return false, nil
}

// drain polls pg ls-by-osd until no placement group maps to the OSD.
// No timeout: correctness over promptness.
func (p *Provisioner) drain(ctx context.Context, osdID int) error {
	logger := log.WithComponent("op").With().Int("osd_id", osdID).Logger()
	for {
		count, err := p.cc.PGCountByOSD(ctx, osdID)
		if err != nil {
			return fmt.Errorf("pg ls-by-osd %d: %w", osdID, err)
		}
		if count == 0 {
			return nil
		}
		logger.Debug().Int("pgs", count).Msg("waiting for drain")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

// evict removes the OSD from the cluster: out, stop the
// service, crush remove, auth del, rm.
func (p *Provisioner) evict(ctx context.Context, osdID int) error {
	if err := p.cc.Out(ctx, osdID); err != nil {
		return fmt.Errorf("osd out %d: %w", osdID, err)
	}
	units := unitManager{init: p.init, runner: p.runner}
	if err := units.stop(ctx, osdUnit(osdID)); err != nil {
		return err
	}
	if err := p.cc.CrushRemove(ctx, osdID); err != nil {
		return fmt.Errorf("crush remove osd.%d: %w", osdID, err)
	}
	if err := p.cc.AuthDel(ctx, osdID); err != nil {
		return fmt.Errorf("auth del osd.%d: %w", osdID, err)
	}
	if err := p.cc.Rm(ctx, osdID); err != nil {
		return fmt.Errorf("osd rm %d: %w", osdID, err)
	}
	return nil
}

// teardownLocal reverses the local provisioning: LVM
// teardown, superblock zeroing, data directory removal, unit disable.
func (p *Provisioner) teardownLocal(ctx context.Context, device string, osdID int) error {
	vg, err := vgOnDevice(ctx, p.runner, device)
	if err != nil {
		return err
	}
	if vg != "" {
		if err := deactivateAndRemoveVG(ctx, p.runner, vg, device); err != nil {
			return err
		}
	} else {
		// Filestore OSDs mount the device directly at the data dir.
		_, _ = p.runner.Run(ctx, executil.DefaultTimeout, "umount", p.dataDir(osdID))
		if err := p.removeFstabEntry(device); err != nil {
			return err
		}
	}
	if err := zeroSuperblocks(ctx, p.runner, device); err != nil {
		return err
	}
	if err := os.RemoveAll(p.dataDir(osdID)); err != nil {
		return fmt.Errorf("remove data dir: %w", err)
	}
	units := unitManager{init: p.init, runner: p.runner}
	if err := units.disable(ctx, osdUnit(osdID)); err != nil {
		return err
	}
	return nil
}
