// Package repairdb tracks in-progress disk repairs in a relational
// store: which disks are under repair, their diagnostic state
// lineage, and the tracking tickets filed for them. The connection pool
// is shared across workers; each query checks a connection out for its
// own duration.
package repairdb

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/osdfleet/disktender/internal/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	opTypeTransition = "diagnostic_transition"
	opTypeSmart      = "smart_check"
	opTypeTicket     = "ticket"
)

// Ticket is one open tracking ticket attached to a repair.
type Ticket struct {
	TrackingID string
	DevicePath string
	State      types.DSMState
	Hostname   string
}

// Store is the pgx-backed repair database.
type Store struct {
	pool     *pgxpool.Pool
	hostname string
}

// Open connects the pool and applies the schema.
func Open(ctx context.Context, dsn, hostname string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect repair database: %w", err)
	}
	s := &Store{pool: pool, hostname: hostname}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema applies the embedded schema; every statement is
// idempotent so this is safe on every startup. Statements run one at a
// time — pgx's extended protocol rejects multi-statement strings.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply repair schema: %w", err)
		}
	}
	return nil
}

// RegisterProcess records this daemon instance in process_manager and
// returns its entry id.
func (s *Store) RegisterProcess(ctx context.Context, ip string) (int64, error) {
	var entryID int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO process_manager (pid, ip, status) VALUES ($1, $2, 'running') RETURNING entry_id`,
		os.Getpid(), ip).Scan(&entryID)
	if err != nil {
		return 0, fmt.Errorf("register process: %w", err)
	}
	return entryID, nil
}

// MarkProcessStopped flips the process_manager row on shutdown.
func (s *Store) MarkProcessStopped(ctx context.Context, entryID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE process_manager SET status = 'stopped' WHERE entry_id = $1`, entryID)
	return err
}

// ensureStorageDetail upserts the region/storage-type/host rows this
// daemon files everything under and returns the detail id.
func (s *Store) ensureStorageDetail(ctx context.Context, tx pgx.Tx) (int64, error) {
	var regionID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO regions (region_name) VALUES ('default')
		 ON CONFLICT (region_name) DO UPDATE SET region_name = EXCLUDED.region_name
		 RETURNING region_id`).Scan(&regionID); err != nil {
		return 0, fmt.Errorf("upsert region: %w", err)
	}
	var storageID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO storage_types (storage_type) VALUES ('osd')
		 ON CONFLICT (storage_type) DO UPDATE SET storage_type = EXCLUDED.storage_type
		 RETURNING storage_id`).Scan(&storageID); err != nil {
		return 0, fmt.Errorf("upsert storage type: %w", err)
	}
	var detailID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO storage_details (storage_id, region_id, hostname) VALUES ($1, $2, $3)
		 ON CONFLICT (hostname) DO UPDATE SET storage_id = EXCLUDED.storage_id
		 RETURNING detail_id`, storageID, regionID, s.hostname).Scan(&detailID); err != nil {
		return 0, fmt.Errorf("upsert storage detail: %w", err)
	}
	return detailID, nil
}

// OpenRepair creates (or returns) the open repair entry for a device:
// the disks row plus an operations row with no done_time. The partial
// unique index on operations enforces at most one open repair per disk.
func (s *Store) OpenRepair(ctx context.Context, devicePath, mountPath, diskUUID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	detailID, err := s.ensureStorageDetail(ctx, tx)
	if err != nil {
		return 0, err
	}

	var diskID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO disks (storage_detail_id, disk_path, disk_name, mount_path, disk_uuid)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (storage_detail_id, disk_path)
		 DO UPDATE SET mount_path = EXCLUDED.mount_path, disk_uuid = EXCLUDED.disk_uuid
		 RETURNING disk_id`,
		detailID, devicePath, filepath.Base(devicePath), mountPath, diskUUID).Scan(&diskID); err != nil {
		return 0, fmt.Errorf("upsert disk %s: %w", devicePath, err)
	}

	var opID int64
	err = tx.QueryRow(ctx,
		`SELECT operation_id FROM operations WHERE disk_id = $1 AND done_time IS NULL`,
		diskID).Scan(&opID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			`INSERT INTO operations (storage_detail_id, disk_id, reason)
			 VALUES ($1, $2, 'disk repair') RETURNING operation_id`,
			detailID, diskID).Scan(&opID)
	}
	if err != nil {
		return 0, fmt.Errorf("open repair for %s: %w", devicePath, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return opID, nil
}

// HasOpenRepair reports whether an open repair entry exists for the
// device — the per-device serialization point
func (s *Store) HasOpenRepair(ctx context.Context, devicePath string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM operations o
		   JOIN disks d ON d.disk_id = o.disk_id
		   JOIN storage_details sd ON sd.detail_id = d.storage_detail_id
		   WHERE sd.hostname = $1 AND d.disk_path = $2 AND o.done_time IS NULL)`,
		s.hostname, devicePath).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query open repair for %s: %w", devicePath, err)
	}
	return exists, nil
}

func (s *Store) appendDetail(ctx context.Context, devicePath, opType, status, trackingID string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO operation_details (operation_id, type_id, status, tracking_id)
		 SELECT o.operation_id, t.type_id, $3, NULLIF($4, '')
		 FROM operations o
		 JOIN disks d ON d.disk_id = o.disk_id
		 JOIN storage_details sd ON sd.detail_id = d.storage_detail_id
		 JOIN operation_types t ON t.op_name = $5
		 WHERE sd.hostname = $1 AND d.disk_path = $2 AND o.done_time IS NULL`,
		s.hostname, devicePath, status, trackingID, opType)
	if err != nil {
		return fmt.Errorf("append %s detail for %s: %w", opType, devicePath, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no open repair entry for %s", devicePath)
	}
	return nil
}

// SaveState appends the accepted diagnostic state to the device's open
// repair lineage. The diagnostic runner persists after every transition.
func (s *Store) SaveState(ctx context.Context, devicePath string, state types.DSMState) error {
	return s.appendDetail(ctx, devicePath, opTypeTransition, string(state), "")
}

// LoadState returns the device's last persisted diagnostic state, or
// StateUnscanned when the device has no lineage yet.
func (s *Store) LoadState(ctx context.Context, devicePath string) (types.DSMState, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT od.status
		 FROM operation_details od
		 JOIN operations o ON o.operation_id = od.operation_id
		 JOIN disks d ON d.disk_id = o.disk_id
		 JOIN storage_details sd ON sd.detail_id = d.storage_detail_id
		 JOIN operation_types t ON t.type_id = od.type_id
		 WHERE sd.hostname = $1 AND d.disk_path = $2
		   AND o.done_time IS NULL AND t.op_name = $3
		 ORDER BY od.operation_detail_id DESC LIMIT 1`,
		s.hostname, devicePath, opTypeTransition).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.StateUnscanned, nil
	}
	if err != nil {
		return "", fmt.Errorf("load state for %s: %w", devicePath, err)
	}
	return types.DSMState(status), nil
}

// RecordSmartResult stores the SMART self-test outcome for the device's
// open repair entry.
func (s *Store) RecordSmartResult(ctx context.Context, devicePath string, passed bool) error {
	status := "smart_passed=true"
	if !passed {
		status = "smart_passed=false"
	}
	return s.appendDetail(ctx, devicePath, opTypeSmart, status, "")
}

// AttachTicket records the tracking ticket filed for the device.
func (s *Store) AttachTicket(ctx context.Context, devicePath, trackingID string) error {
	return s.appendDetail(ctx, devicePath, opTypeTicket, "open", trackingID)
}

// ResolveTicket marks the tracking ticket resolved by appending a
// resolved detail row to the open repair that carries it. A resolved
// ticket is what allows the coordinator to re-add the device.
func (s *Store) ResolveTicket(ctx context.Context, trackingID string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO operation_details (operation_id, type_id, status, tracking_id)
		 SELECT DISTINCT o.operation_id, t.type_id, 'resolved', $2
		 FROM operations o
		 JOIN disks d ON d.disk_id = o.disk_id
		 JOIN storage_details sd ON sd.detail_id = d.storage_detail_id
		 JOIN operation_types t ON t.op_name = $3
		 WHERE sd.hostname = $1 AND o.done_time IS NULL
		   AND EXISTS (SELECT 1 FROM operation_details x
		               WHERE x.operation_id = o.operation_id AND x.tracking_id = $2)`,
		s.hostname, trackingID, opTypeTicket)
	if err != nil {
		return fmt.Errorf("resolve ticket %s: %w", trackingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no open repair carries ticket %s", trackingID)
	}
	return nil
}

// TicketResolved reports whether the device's open repair carries a
// ticket whose latest status is resolved.
func (s *Store) TicketResolved(ctx context.Context, devicePath string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT od.status
		 FROM operation_details od
		 JOIN operations o ON o.operation_id = od.operation_id
		 JOIN disks d ON d.disk_id = o.disk_id
		 JOIN storage_details sd ON sd.detail_id = d.storage_detail_id
		 JOIN operation_types t ON t.type_id = od.type_id
		 WHERE sd.hostname = $1 AND d.disk_path = $2
		   AND o.done_time IS NULL AND t.op_name = $3
		 ORDER BY od.operation_detail_id DESC LIMIT 1`,
		s.hostname, devicePath, opTypeTicket).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query ticket status for %s: %w", devicePath, err)
	}
	return status == "resolved", nil
}

// GetOpenRepair assembles the device's open repair entry — the composed
// view over disks, operations, and operation_details rows. Returns
// nil when the device has no open repair.
func (s *Store) GetOpenRepair(ctx context.Context, devicePath string) (*types.RepairEntry, error) {
	entry := &types.RepairEntry{DevicePath: devicePath, Open: true}
	var mountPath *string
	err := s.pool.QueryRow(ctx,
		`SELECT o.operation_id, d.storage_detail_id, d.mount_path, o.start_time
		 FROM operations o
		 JOIN disks d ON d.disk_id = o.disk_id
		 JOIN storage_details sd ON sd.detail_id = d.storage_detail_id
		 WHERE sd.hostname = $1 AND d.disk_path = $2 AND o.done_time IS NULL`,
		s.hostname, devicePath).Scan(&entry.ID, &entry.StorageDetailID, &mountPath, &entry.TimeCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load repair entry for %s: %w", devicePath, err)
	}
	if mountPath != nil {
		entry.MountPath = *mountPath
	}

	state, err := s.LoadState(ctx, devicePath)
	if err != nil {
		return nil, err
	}
	entry.State = state

	var smartStatus, ticketID string
	if err := s.pool.QueryRow(ctx,
		`SELECT od.status FROM operation_details od
		 JOIN operations o ON o.operation_id = od.operation_id
		 JOIN operation_types t ON t.type_id = od.type_id
		 WHERE o.operation_id = $1 AND t.op_name = $2
		 ORDER BY od.operation_detail_id DESC LIMIT 1`,
		entry.ID, opTypeSmart).Scan(&smartStatus); err == nil {
		entry.SmartPassed = smartStatus == "smart_passed=true"
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT od.tracking_id FROM operation_details od
		 JOIN operations o ON o.operation_id = od.operation_id
		 JOIN operation_types t ON t.type_id = od.type_id
		 WHERE o.operation_id = $1 AND t.op_name = $2 AND od.tracking_id IS NOT NULL
		 ORDER BY od.operation_detail_id DESC LIMIT 1`,
		entry.ID, opTypeTicket).Scan(&ticketID); err == nil {
		entry.TicketID = ticketID
	}
	return entry, nil
}

// CloseRepair stamps done_time on the device's open repair entry — called
// when the ticket resolves and the replacement add completes.
func (s *Store) CloseRepair(ctx context.Context, devicePath string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE operations SET done_time = now()
		 WHERE done_time IS NULL AND disk_id IN (
		   SELECT d.disk_id FROM disks d
		   JOIN storage_details sd ON sd.detail_id = d.storage_detail_id
		   WHERE sd.hostname = $1 AND d.disk_path = $2)`,
		s.hostname, devicePath)
	if err != nil {
		return fmt.Errorf("close repair for %s: %w", devicePath, err)
	}
	return nil
}

// OpenTickets lists unresolved tickets attached to this host's open
// repairs — the GetCreatedTickets query. Only the latest ticket detail
// per repair counts, so a resolved ticket drops out of the listing.
func (s *Store) OpenTickets(ctx context.Context) ([]Ticket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT od.tracking_id, od.status, d.disk_path,
		        COALESCE((SELECT st.status FROM operation_details st
		                  JOIN operation_types stt ON stt.type_id = st.type_id
		                  WHERE st.operation_id = o.operation_id AND stt.op_name = $2
		                  ORDER BY st.operation_detail_id DESC LIMIT 1), '')
		 FROM operation_details od
		 JOIN operations o ON o.operation_id = od.operation_id
		 JOIN disks d ON d.disk_id = o.disk_id
		 JOIN storage_details sd ON sd.detail_id = d.storage_detail_id
		 JOIN operation_types t ON t.type_id = od.type_id
		 WHERE sd.hostname = $1 AND o.done_time IS NULL
		   AND t.op_name = $3 AND od.tracking_id IS NOT NULL
		   AND od.operation_detail_id = (
		     SELECT max(od2.operation_detail_id) FROM operation_details od2
		     JOIN operation_types t2 ON t2.type_id = od2.type_id
		     WHERE od2.operation_id = o.operation_id AND t2.op_name = $3)`,
		s.hostname, opTypeTransition, opTypeTicket)
	if err != nil {
		return nil, fmt.Errorf("query open tickets: %w", err)
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		var t Ticket
		var ticketStatus, state string
		if err := rows.Scan(&t.TrackingID, &ticketStatus, &t.DevicePath, &state); err != nil {
			return nil, fmt.Errorf("scan ticket row: %w", err)
		}
		if ticketStatus == "resolved" {
			continue
		}
		t.State = types.DSMState(state)
		t.Hostname = s.hostname
		out = append(out, t)
	}
	return out, rows.Err()
}
