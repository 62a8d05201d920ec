package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/portunus-nfc/internal/db"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
)

type HeartbeatStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewHeartbeatStore(db *sql.DB, writer *dbpkg.Worker) *HeartbeatStore {
	return &HeartbeatStore{db: db, writer: writer}
}

// AppendHeartbeat inserts one history row.  The device's current status is
// kept in the record store, not here.
func (s *HeartbeatStore) AppendHeartbeat(ctx context.Context, rec store.HeartbeatRecord) error {
	deviceID := strings.TrimSpace(rec.DeviceID)
	if deviceID == "" {
		return nil
	}

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	recvMs := rec.ReceivedAt.UTC().UnixMilli()

	var uptime, rssi, fw, lastAccess any
	if rec.UptimeSec != nil {
		uptime = *rec.UptimeSec
	}
	if rec.RSSI != nil {
		rssi = *rec.RSSI
	}
	if v := strings.TrimSpace(rec.FirmwareVersion); v != "" {
		fw = v
	}
	if rec.LastAccessAt != nil {
		lastAccess = rec.LastAccessAt.UTC().UnixMilli()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO device_heartbeats(
  device_id, received_at_ms, uptime_sec, rssi, fw_version, last_access_at_ms
) VALUES (?, ?, ?, ?, ?, ?);
`, deviceID, recvMs, uptime, rssi, fw, lastAccess); err != nil {
			return fmt.Errorf("AppendHeartbeat insert: %w", err)
		}
		return nil
	})
}

// PruneOlderThan deletes heartbeat rows with received_at_ms before cutoff
// and returns the number deleted.  Uses idx_heartbeats_time.
func (s *HeartbeatStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM device_heartbeats
WHERE received_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
