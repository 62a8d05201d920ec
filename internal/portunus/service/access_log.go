package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/BrandonDHaskell/portunus-nfc/internal/metrics"
	"github.com/BrandonDHaskell/portunus-nfc/internal/notify"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

const (
	accessLogsPath = "access_logs"

	defaultLogPageSize = 20
	maxLogPageSize     = 1000
)

var errMalformedLog = errors.New("malformed log entry")

// AccessLog is the append-only audit trail.  It never reads entries back
// except to answer Query.
type AccessLog struct {
	records  store.RecordStore
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewAccessLog(rs store.RecordStore, n notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *AccessLog {
	if n == nil {
		n = notify.Nop{}
	}
	return &AccessLog{records: rs, notifier: n, metrics: m, logger: logger, now: time.Now}
}

// Append stores one entry under a fresh time-ordered id.  It never rejects
// an entry for its content.  A failed write is logged and counted here;
// the caller decides whether it matters.
func (l *AccessLog) Append(ctx context.Context, e types.AccessLogEntry) (string, error) {
	e.ID = ""
	if e.TS.IsZero() {
		e.TS = l.now().UTC()
	}

	id, err := l.records.Push(ctx, accessLogsPath, e)
	if err != nil {
		l.metrics.IncLogWriteFailure()
		l.logger.ErrorContext(ctx, "access log write failed",
			"door_id", e.DoorID, "card_id", e.CardID, "decision", e.Decision, "reason", e.Reason, "error", err)
		return "", fmt.Errorf("append access log: %w", err)
	}

	e.ID = id
	if err := l.notifier.Broadcast(ctx, notify.EventAccessLog, e); err != nil {
		l.logger.WarnContext(ctx, "access log broadcast failed", "id", id, "error", err)
	}
	return id, nil
}

// IngestBatch normalizes and appends each buffered offline entry on its
// own.  Malformed or unwritable entries are skipped; the count of stored
// entries is returned.
func (l *AccessLog) IngestBatch(ctx context.Context, deviceID string, entries []json.RawMessage) int {
	syncedAt := l.now().UTC()
	accepted, rejected := 0, 0

	for i, raw := range entries {
		e, err := normalizeLogEntry(raw, deviceID, syncedAt)
		if err != nil {
			rejected++
			l.logger.WarnContext(ctx, "offline log entry skipped", "device_id", deviceID, "index", i, "error", err)
			continue
		}
		if _, err := l.Append(ctx, e); err != nil {
			rejected++
			continue
		}
		accepted++
	}

	l.metrics.AddLogBatch(accepted, rejected)
	l.logger.InfoContext(ctx, "offline logs synced", "device_id", deviceID, "accepted", accepted, "rejected", rejected)
	return accepted
}

// Query filters the full log, sorts it newest first and returns one page.
func (l *AccessLog) Query(ctx context.Context, q types.LogQuery) (types.LogPage, error) {
	recs, err := l.records.Query(ctx, accessLogsPath)
	if err != nil {
		return types.LogPage{}, fmt.Errorf("query access logs: %w", err)
	}

	logs := make([]types.AccessLogEntry, 0, len(recs))
	for _, rec := range recs {
		var e types.AccessLogEntry
		if err := rec.Decode(&e); err != nil {
			l.logger.WarnContext(ctx, "unreadable access log entry", "id", rec.Key, "error", err)
			continue
		}
		e.ID = rec.Key
		if matchLog(e, q) {
			logs = append(logs, e)
		}
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if !logs[i].TS.Equal(logs[j].TS) {
			return logs[i].TS.After(logs[j].TS)
		}
		return logs[i].ID > logs[j].ID
	})

	page, limit := q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLogPageSize
	}
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}

	total := len(logs)
	start := min((page-1)*limit, total)
	end := min(start+limit, total)

	return types.LogPage{
		Logs: logs[start:end],
		Pagination: types.Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(limit))),
		},
	}, nil
}

func matchLog(e types.AccessLogEntry, q types.LogQuery) bool {
	if q.StartDate != nil && e.TS.Before(*q.StartDate) {
		return false
	}
	if q.EndDate != nil && e.TS.After(*q.EndDate) {
		return false
	}
	if q.Result != "" && e.Decision != q.Result {
		return false
	}
	if q.DoorID != "" && e.DoorID != q.DoorID {
		return false
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	return true
}

// ── Offline entry normalization ─────────────────────────────────────────────

// normalizeLogEntry maps both reader log shapes onto AccessLogEntry.  Older
// firmware sends camelCase fields with result granted/denied; current
// firmware sends the snake_case fields with decision ALLOW/DENY.
func normalizeLogEntry(raw json.RawMessage, deviceID string, syncedAt time.Time) (types.AccessLogEntry, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return types.AccessLogEntry{}, fmt.Errorf("%w: not an object", errMalformedLog)
	}

	doorID := firstString(m, "door_id", "doorId")
	if doorID == "" {
		return types.AccessLogEntry{}, fmt.Errorf("%w: missing door_id", errMalformedLog)
	}
	decision, ok := parseDecision(m)
	if !ok {
		return types.AccessLogEntry{}, fmt.Errorf("%w: unrecognized decision", errMalformedLog)
	}

	e := types.AccessLogEntry{
		TS:                syncedAt,
		DoorID:            doorID,
		CardID:            firstString(m, "card_id", "cardId"),
		CardUID:           firstString(m, "card_uid", "cardUid", "uid"),
		UserID:            firstString(m, "user_id", "userId"),
		DeviceID:          strings.TrimSpace(deviceID),
		Decision:          decision,
		Reason:            firstString(m, "reason"),
		CredentialIssued:  firstBool(m, "credential_issued", "credentialIssued"),
		CredentialRotated: firstBool(m, "credential_rotated", "credentialRotated"),
		Error:             firstString(m, "error"),
		OfflineSync:       true,
		SyncedAt:          &syncedAt,
	}
	if e.DeviceID == "" {
		e.DeviceID = firstString(m, "device_id", "deviceId")
	}
	if ts := parseLogTime(m, "ts", "timestamp"); ts != nil {
		e.TS = *ts
	}
	return e, nil
}

func parseDecision(m map[string]any) (types.Decision, bool) {
	switch strings.ToUpper(firstString(m, "decision", "result")) {
	case "ALLOW", "GRANTED", "GRANT":
		return types.Allow, true
	case "DENY", "DENIED":
		return types.Deny, true
	case "":
		if g, ok := m["granted"].(bool); ok {
			if g {
				return types.Allow, true
			}
			return types.Deny, true
		}
	}
	return "", false
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstBool(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return b
		}
	}
	return false
}

// parseLogTime accepts RFC3339 strings or epoch milliseconds.
func parseLogTime(m map[string]any, keys ...string) *time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if t := parseOptionalTimestamp(v); t != nil {
				return t
			}
		case float64:
			if v > 0 {
				t := time.UnixMilli(int64(v)).UTC()
				return &t
			}
		}
	}
	return nil
}

// parseOptionalTimestamp attempts to parse a device-reported timestamp.
// Returns nil if the string is empty or unparseable.
func parseOptionalTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		u := t.UTC()
		return &u
	}
	return nil
}
