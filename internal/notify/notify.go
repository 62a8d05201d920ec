// Package notify fans server events out to live subscribers.  Delivery is
// best effort: there is no persistence and no replay.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types broadcast by the server.
const (
	EventAccessLog     = "access_log"
	EventDeviceStatus  = "device_status"
	EventDeviceConfig  = "device_config"
	EventCardUpdated   = "card_update"
	EventStreamConnect = "connected"
)

type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return Event{
		ID:   uuid.NewString(),
		Type: eventType,
		Data: data,
		At:   time.Now().UTC(),
	}, nil
}

type Notifier interface {
	Broadcast(ctx context.Context, eventType string, payload any) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Broadcast(context.Context, string, any) error { return nil }

// Fanout delivers to every notifier, even when an earlier one fails.
type Fanout []Notifier

func (f Fanout) Broadcast(ctx context.Context, eventType string, payload any) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Broadcast(ctx, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
