// Package coordinator is the node-local request daemon: it
// accepts authenticated disk operations, serializes per-device work
// through the repair database, dispatches to a bounded worker pool, and
// answers with outcome-tagged responses. A worker failure becomes a
// structured response, never a daemon crash.
package coordinator

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/osdfleet/disktender/api/wire"
	"github.com/osdfleet/disktender/internal/blockdev"
	"github.com/osdfleet/disktender/internal/config"
	"github.com/osdfleet/disktender/internal/coordinator/pool"
	"github.com/osdfleet/disktender/internal/log"
	"github.com/osdfleet/disktender/internal/repairdb"
	"github.com/osdfleet/disktender/internal/security"
	"github.com/osdfleet/disktender/internal/types"
)

// DiskOps is the provisioner surface the coordinator dispatches to.
type DiskOps interface {
	AddDisk(ctx context.Context, device string, desiredID *int) (types.Outcome, error)
	RemoveDisk(ctx context.Context, device string) (types.Outcome, error)
	SafeToRemove(ctx context.Context, device string) (types.Outcome, bool, error)
}

// RepairStore is the repair-database surface the coordinator consults:
// per-device serialization, ticket-resolution state, and closure of a
// repair once the replacement add completes.
type RepairStore interface {
	HasOpenRepair(ctx context.Context, devicePath string) (bool, error)
	TicketResolved(ctx context.Context, devicePath string) (bool, error)
	CloseRepair(ctx context.Context, devicePath string) error
	OpenTickets(ctx context.Context) ([]repairdb.Ticket, error)
}

// Coordinator implements wire.DiskTenderServer.
type Coordinator struct {
	cfg    *config.CoordinatorConfig
	ops    DiskOps
	lister blockdev.Lister
	store  RepairStore
	pool   *pool.Pool
	grpc   *grpc.Server
}

// New assembles a Coordinator. The pool bounds concurrent disk
// operations; List and ticket queries answer inline.
func New(ctx context.Context, cfg *config.CoordinatorConfig, ops DiskOps, lister blockdev.Lister, store RepairStore) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		ops:    ops,
		lister: lister,
		store:  store,
		pool:   pool.New(ctx, cfg.WorkerPool),
	}
}

// Serve listens on the configured address with mutual TLS and blocks
// until Stop.
func (c *Coordinator) Serve(identity *security.Identity) error {
	lis, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.cfg.ListenAddr, err)
	}

	creds := credentials.NewTLS(security.ServerTLSConfig(identity))
	c.grpc = grpc.NewServer(grpc.Creds(creds))
	wire.RegisterDiskTenderServer(c.grpc, c)

	rcLogger := log.WithComponent("rc")
	rcLogger.Info().Str("addr", c.cfg.ListenAddr).Msg("coordinator listening")
	return c.grpc.Serve(lis)
}

// Stop stops accepting requests, waits for in-flight workers, and shuts
// the listener down.
func (c *Coordinator) Stop() {
	if c.grpc != nil {
		c.grpc.GracefulStop()
	}
	c.pool.Shutdown()
}

// clientIdentity extracts the verified client certificate CN the
// transport attached to the request.
func clientIdentity(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return ""
	}
	state := tls.ConnectionState(tlsInfo.State)
	return security.ClientIdentity(&state)
}

// dispatch runs op on the worker pool and blocks until it completes,
// converting any error into an outcome-plus-message response.
func (c *Coordinator) dispatch(ctx context.Context, device string, op func(ctx context.Context) (types.Outcome, error)) *wire.OperationResponse {
	type result struct {
		outcome types.Outcome
		err     error
	}
	done := make(chan result, 1)

	err := c.pool.Submit(func(workerCtx context.Context) {
		outcome, opErr := op(workerCtx)
		done <- result{outcome: outcome, err: opErr}
	})
	if err != nil {
		return &wire.OperationResponse{Result: wire.ResultErr, Message: err.Error(), ClientID: clientIdentity(ctx)}
	}

	res := <-done
	resp := &wire.OperationResponse{
		Result:   wire.ResultOK,
		Outcome:  wire.FromOutcome(res.outcome),
		ClientID: clientIdentity(ctx),
	}
	if res.err != nil {
		resp.Result = wire.ResultErr
		resp.Outcome = ""
		resp.Message = res.err.Error()
		rcLogger := log.WithComponent("rc")
		rcLogger.Error().Err(res.err).Str("device", device).Msg("operation failed")
	}
	return resp
}

// Add provisions an OSD on a device. An open repair entry blocks a
// concurrent add — unless its ticket has resolved, meaning the physical
// disk was replaced: that add goes through and, on success, closes the
// repair entry so the lifecycle can start over on the new hardware.
func (c *Coordinator) Add(ctx context.Context, req *wire.AddRequest) (*wire.OperationResponse, error) {
	open, err := c.store.HasOpenRepair(ctx, req.Device)
	if err != nil {
		return &wire.OperationResponse{Result: wire.ResultErr, Message: err.Error(), ClientID: clientIdentity(ctx)}, nil
	}
	replacementAdd := false
	if open {
		resolved, err := c.store.TicketResolved(ctx, req.Device)
		if err != nil {
			return &wire.OperationResponse{Result: wire.ResultErr, Message: err.Error(), ClientID: clientIdentity(ctx)}, nil
		}
		if !resolved {
			return &wire.OperationResponse{
				Result:   wire.ResultOK,
				Outcome:  wire.OutcomeSkipRepeat,
				Message:  "repair in progress on device",
				ClientID: clientIdentity(ctx),
			}, nil
		}
		replacementAdd = true
	}
	return c.dispatch(ctx, req.Device, func(workerCtx context.Context) (types.Outcome, error) {
		outcome, err := c.ops.AddDisk(workerCtx, req.Device, req.OSDID)
		if err == nil && replacementAdd && outcome == types.OutcomeSuccess {
			if closeErr := c.store.CloseRepair(workerCtx, req.Device); closeErr != nil {
				return outcome, fmt.Errorf("close repair entry for %s: %w", req.Device, closeErr)
			}
		}
		return outcome, err
	}), nil
}

// AddPartition is declared in the protocol but currently undefined:
// answer OK with no side effects.
func (c *Coordinator) AddPartition(ctx context.Context, req *wire.AddPartitionRequest) (*wire.OperationResponse, error) {
	return &wire.OperationResponse{
		Result:   wire.ResultOK,
		Outcome:  wire.OutcomeSuccess,
		ClientID: clientIdentity(ctx),
	}, nil
}

// List enumerates local block devices with media kind, GPT partition
// entries, and serial.
func (c *Coordinator) List(ctx context.Context, req *wire.ListRequest) (*wire.ListResponse, error) {
	devices, err := c.lister.List(ctx)
	if err != nil {
		return &wire.ListResponse{Result: wire.ResultErr, Message: err.Error(), ClientID: clientIdentity(ctx)}, nil
	}
	resp := &wire.ListResponse{Result: wire.ResultOK, ClientID: clientIdentity(ctx)}
	for _, d := range devices {
		disk := wire.Disk{Path: d.Path, Media: string(d.Media), Serial: d.Serial}
		for _, part := range d.Partitions {
			disk.Partitions = append(disk.Partitions, wire.GPTPartition{
				UUID:     part.UUID,
				Name:     part.Name,
				FirstLBA: part.FirstLBA,
				LastLBA:  part.LastLBA,
				Flags:    part.Flags,
			})
		}
		resp.Disks = append(resp.Disks, disk)
	}
	return resp, nil
}

// Remove re-checks safe_to_remove against the live cluster before
// dispatching — deliberately re-queried even if the client just asked,
// to avoid a TOCTOU window. SKIP outcomes from
// the precondition check pass through unmodified.
func (c *Coordinator) Remove(ctx context.Context, req *wire.RemoveRequest) (*wire.OperationResponse, error) {
	open, err := c.store.HasOpenRepair(ctx, req.Device)
	if err != nil {
		return &wire.OperationResponse{Result: wire.ResultErr, Message: err.Error(), ClientID: clientIdentity(ctx)}, nil
	}
	if open {
		return &wire.OperationResponse{
			Result:   wire.ResultOK,
			Outcome:  wire.OutcomeSkipRepeat,
			Message:  "repair in progress on device",
			ClientID: clientIdentity(ctx),
		}, nil
	}
	return c.dispatch(ctx, req.Device, func(workerCtx context.Context) (types.Outcome, error) {
		outcome, safe, err := c.ops.SafeToRemove(workerCtx, req.Device)
		if err != nil {
			return outcome, err
		}
		if outcome != types.OutcomeSuccess {
			return outcome, nil
		}
		if !safe {
			return types.OutcomeSuccess, fmt.Errorf("osd on %s is not safe to destroy", req.Device)
		}
		return c.ops.RemoveDisk(workerCtx, req.Device)
	}), nil
}

// SafeToRemove answers the standalone durability probe.
func (c *Coordinator) SafeToRemove(ctx context.Context, req *wire.SafeToRemoveRequest) (*wire.OperationResponse, error) {
	type result struct {
		outcome types.Outcome
		safe    bool
		err     error
	}
	done := make(chan result, 1)
	err := c.pool.Submit(func(workerCtx context.Context) {
		outcome, safe, opErr := c.ops.SafeToRemove(workerCtx, req.Device)
		done <- result{outcome, safe, opErr}
	})
	if err != nil {
		return &wire.OperationResponse{Result: wire.ResultErr, Message: err.Error(), ClientID: clientIdentity(ctx)}, nil
	}

	res := <-done
	if res.err != nil {
		return &wire.OperationResponse{Result: wire.ResultErr, Message: res.err.Error(), ClientID: clientIdentity(ctx)}, nil
	}
	return &wire.OperationResponse{
		Result:   wire.ResultOK,
		Outcome:  wire.FromOutcome(res.outcome),
		Safe:     &res.safe,
		ClientID: clientIdentity(ctx),
	}, nil
}

// GetCreatedTickets lists open repair tickets recorded for this host.
func (c *Coordinator) GetCreatedTickets(ctx context.Context, req *wire.TicketsRequest) (*wire.TicketsResponse, error) {
	tickets, err := c.store.OpenTickets(ctx)
	if err != nil {
		return &wire.TicketsResponse{Result: wire.ResultErr, Message: err.Error(), ClientID: clientIdentity(ctx)}, nil
	}
	resp := &wire.TicketsResponse{Result: wire.ResultOK, ClientID: clientIdentity(ctx)}
	for _, t := range tickets {
		resp.Tickets = append(resp.Tickets, wire.Ticket{
			TrackingID: t.TrackingID,
			DevicePath: t.DevicePath,
			State:      string(t.State),
			Hostname:   t.Hostname,
		})
	}
	return resp, nil
}

var _ wire.DiskTenderServer = (*Coordinator)(nil)
