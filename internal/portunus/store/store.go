package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrInvalidPath = errors.New("invalid record path")
)

// Record is one child of a collection returned by Query.
type Record struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the record value into dst.
func (r Record) Decode(dst any) error {
	return json.Unmarshal(r.Value, dst)
}

type Op string

const OpEqual Op = "=="

// Condition filters a Query by a dotted field path within each child,
// e.g. {Field: "policy.access_level", Op: OpEqual, Value: "staff"}.
// A missing field compares equal to nil.
type Condition struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEqual, Value: value}
}

// RecordStore is a hierarchical key-value tree addressed by slash-separated
// paths ("cards/c_1a2b3c4d", "devices/esp32-01/config").  Values are anything
// that round-trips through encoding/json.
//
// Each call is atomic for its own path.  Nothing spans paths.
type RecordStore interface {
	// Get returns the JSON value at path, or ErrNotFound.
	Get(ctx context.Context, path string) (json.RawMessage, error)
	// Set replaces the value at path.  A nil value removes it.
	Set(ctx context.Context, path string, value any) error
	// Update shallow-merges fields into the object at path, creating it if
	// absent.
	Update(ctx context.Context, path string, fields map[string]any) error
	// Push stores value under a fresh, time-ordered key in collection and
	// returns the key.
	Push(ctx context.Context, collection string, value any) (string, error)
	// Remove deletes path and everything below it.  Removing a missing path
	// is not an error.
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// Query returns the children of collection matching every condition,
	// ordered by key.
	Query(ctx context.Context, collection string, conds ...Condition) ([]Record, error)
}

// NewKey returns a push key.  UUIDv7 strings sort by creation time, so key
// order is insertion order.
func NewKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ── Heartbeat history ───────────────────────────────────────────────────────

type HeartbeatRecord struct {
	DeviceID        string
	ReceivedAt      time.Time
	UptimeSec       *int64
	RSSI            *int
	FirmwareVersion string
	LastAccessAt    *time.Time
}

type HeartbeatStore interface {
	AppendHeartbeat(ctx context.Context, rec HeartbeatRecord) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
