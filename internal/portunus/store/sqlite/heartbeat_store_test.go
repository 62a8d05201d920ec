package sqlite_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
	sqlitestore "github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store/sqlite"
)

func int64p(v int64) *int64 { return &v }
func intp(v int) *int { return &v }

// ═══════════════════════════════════════════════════════════════════════════
// AppendHeartbeat: basic insert
// ═══════════════════════════════════════════════════════════════════════════

func TestHeartbeatStore_AppendHeartbeat_InsertsRow(t *testing.T) {
	conn := openTestDB(t)
	w := newTestWriter(t, conn)
	hs := sqlitestore.NewHeartbeatStore(conn, w)

	now := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	lastAccess := now.Add(-time.Minute)

	err := hs.AppendHeartbeat(context.Background(), store.HeartbeatRecord{
		DeviceID:        "esp32-door-01",
		ReceivedAt:      now,
		UptimeSec:       int64p(300),
		RSSI:            intp(-55),
		FirmwareVersion: "1.2.0",
		LastAccessAt:    &lastAccess,
	})
	if err != nil {
		t.Fatalf("AppendHeartbeat: %v", err)
	}

	var (
		recvMs    int64
		uptime    sql.NullInt64
		rssi      sql.NullInt64
		fw        sql.NullString
		lastAccMs sql.NullInt64
	)
	err = conn.QueryRowContext(context.Background(), `
SELECT received_at_ms, uptime_sec, rssi, fw_version, last_access_at_ms
FROM device_heartbeats WHERE device_id = ?`, "esp32-door-01",
	).Scan(&recvMs, &uptime, &rssi, &fw, &lastAccMs)
	if err != nil {
		t.Fatalf("query heartbeat: %v", err)
	}
	if recvMs != now.UnixMilli() {
		t.Errorf("expected received_at_ms=%d, got %d", now.UnixMilli(), recvMs)
	}
	if !uptime.Valid || uptime.Int64 != 300 {
		t.Errorf("expected uptime_sec=300, got %v", uptime)
	}
	if !rssi.Valid || rssi.Int64 != -55 {
		t.Errorf("expected rssi=-55, got %v", rssi)
	}
	if fw.String != "1.2.0" {
		t.Errorf("expected fw_version=1.2.0, got %q", fw.String)
	}
	if !lastAccMs.Valid || lastAccMs.Int64 != lastAccess.UnixMilli() {
		t.Errorf("unexpected last_access_at_ms %v", lastAccMs)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// AppendHeartbeat: append-only, optional fields, no-op on empty id
// ═══════════════════════════════════════════════════════════════════════════

func TestHeartbeatStore_AppendHeartbeat_AppendOnly(t *testing.T) {
	conn := openTestDB(t)
	hs := sqlitestore.NewHeartbeatStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	base := time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := hs.AppendHeartbeat(ctx, store.HeartbeatRecord{
			DeviceID:   "esp32-door-01",
			ReceivedAt: base.Add(time.Duration(i) * 10 * time.Second),
		}); err != nil {
			t.Fatalf("AppendHeartbeat %d: %v", i, err)
		}
	}

	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_heartbeats`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 rows, got %d", count)
	}
}

func TestHeartbeatStore_AppendHeartbeat_NilOptionalFields(t *testing.T) {
	conn := openTestDB(t)
	hs := sqlitestore.NewHeartbeatStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	if err := hs.AppendHeartbeat(ctx, store.HeartbeatRecord{DeviceID: "esp32-door-02"}); err != nil {
		t.Fatalf("AppendHeartbeat: %v", err)
	}

	var rssi, uptime sql.NullInt64
	var fw sql.NullString
	if err := conn.QueryRowContext(ctx,
		`SELECT rssi, uptime_sec, fw_version FROM device_heartbeats WHERE device_id = ?`, "esp32-door-02",
	).Scan(&rssi, &uptime, &fw); err != nil {
		t.Fatalf("query: %v", err)
	}
	if rssi.Valid || uptime.Valid || fw.Valid {
		t.Errorf("expected NULL optional columns, got rssi=%v uptime=%v fw=%v", rssi, uptime, fw)
	}
}

func TestHeartbeatStore_AppendHeartbeat_EmptyDeviceID_NoOp(t *testing.T) {
	conn := openTestDB(t)
	hs := sqlitestore.NewHeartbeatStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	if err := hs.AppendHeartbeat(ctx, store.HeartbeatRecord{DeviceID: "  "}); err != nil {
		t.Fatalf("expected nil error for empty device id, got %v", err)
	}

	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_heartbeats`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows, got %d", count)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// PruneOlderThan
// ═══════════════════════════════════════════════════════════════════════════

func TestHeartbeatStore_PruneOlderThan_DeletesOldRows(t *testing.T) {
	conn := openTestDB(t)
	hs := sqlitestore.NewHeartbeatStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, days := range []int{45, 31, 10, 1} {
		if err := hs.AppendHeartbeat(ctx, store.HeartbeatRecord{
			DeviceID:   "esp32-door-01",
			ReceivedAt: now.AddDate(0, 0, -days),
		}); err != nil {
			t.Fatalf("AppendHeartbeat: %v", err)
		}
	}

	deleted, err := hs.PruneOlderThan(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	var remaining int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_heartbeats`).Scan(&remaining); err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 2 {
		t.Errorf("expected 2 remaining, got %d", remaining)
	}
}

func TestHeartbeatStore_PruneOlderThan_EmptyTable(t *testing.T) {
	conn := openTestDB(t)
	hs := sqlitestore.NewHeartbeatStore(conn, newTestWriter(t, conn))

	deleted, err := hs.PruneOlderThan(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected 0 deleted, got %d", deleted)
	}
}
