package dsm

import (
	"context"
	"time"

	"github.com/osdfleet/disktender/internal/blockdev"
	"github.com/osdfleet/disktender/internal/config"
	"github.com/osdfleet/disktender/internal/log"
	"github.com/osdfleet/disktender/internal/types"
)

// TicketFiler is the ticketing client: it files a tracking ticket for a
// disk awaiting replacement and answers whether a filed ticket has been
// resolved (the technician swapped the drive and closed it). The
// concrete client is an external collaborator; disktender only holds
// the interface.
type TicketFiler interface {
	FileTicket(ctx context.Context, dev types.BlockDevice) (trackingID string, err error)
	TicketResolved(ctx context.Context, trackingID string) (bool, error)
}

// TicketStore is the slice of the repair database the sweeper needs on
// top of the Machine's own Store.
type TicketStore interface {
	GetOpenRepair(ctx context.Context, devicePath string) (*types.RepairEntry, error)
	AttachTicket(ctx context.Context, devicePath, trackingID string) error
	ResolveTicket(ctx context.Context, trackingID string) error
}

// Sweeper periodically drives the diagnostic machine over every
// non-system disk on the host and files a ticket when a disk reaches
// WaitingForReplacement.
type Sweeper struct {
	machine  *Machine
	lister   blockdev.Lister
	cfg      *config.ClusterConfig
	tickets  TicketStore
	filer    TicketFiler // nil disables ticket filing
	interval time.Duration
}

// NewSweeper builds a sweeper. interval <= 0 selects the default hourly
// cadence.
func NewSweeper(machine *Machine, lister blockdev.Lister, cfg *config.ClusterConfig, tickets TicketStore, filer TicketFiler, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		machine:  machine,
		lister:   lister,
		cfg:      cfg,
		tickets:  tickets,
		filer:    filer,
		interval: interval,
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger := log.WithComponent("dsm")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.SweepOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("diagnostic sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs the machine over every eligible device once.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	logger := log.WithComponent("dsm")

	devices, err := s.lister.List(ctx)
	if err != nil {
		return err
	}
	for i := range devices {
		dev := &devices[i]
		if s.cfg.IsSystemDisk(dev.Path) || s.cfg.IsJournalDevice(dev.Path) {
			continue
		}

		final, err := s.machine.Run(ctx, dev)
		if err != nil {
			logger.Warn().Err(err).Str("device", dev.Path).Msg("diagnostic run errored")
			continue
		}
		if final == types.StateWaitingForReplacement {
			if err := s.handleAwaitingReplacement(ctx, dev); err != nil {
				logger.Error().Err(err).Str("device", dev.Path).Msg("ticket handling failed")
			}
		}
	}
	return nil
}

// handleAwaitingReplacement drives the ticket side of a doomed disk:
// file a ticket if the open repair has none yet; once the filed ticket
// resolves, record the resolution and apply the replacement signal so
// the next sweep restarts the lifecycle on the new hardware.
func (s *Sweeper) handleAwaitingReplacement(ctx context.Context, dev *types.BlockDevice) error {
	if s.filer == nil || s.tickets == nil {
		return nil
	}
	entry, err := s.tickets.GetOpenRepair(ctx, dev.Path)
	if err != nil || entry == nil {
		return err
	}

	if entry.TicketID == "" {
		trackingID, err := s.filer.FileTicket(ctx, *dev)
		if err != nil {
			return err
		}
		return s.tickets.AttachTicket(ctx, dev.Path, trackingID)
	}

	resolved, err := s.filer.TicketResolved(ctx, entry.TicketID)
	if err != nil || !resolved {
		return err
	}
	if err := s.tickets.ResolveTicket(ctx, entry.TicketID); err != nil {
		return err
	}
	return s.machine.MarkReplaced(ctx, dev)
}
