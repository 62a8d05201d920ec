package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/BrandonDHaskell/portunus-nfc/internal/logging"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store/memory"
)

func TestHeartbeatPruner_DisabledWhenRetentionZero(t *testing.T) {
	hs := memory.NewHeartbeatStore()
	pruner := service.NewHeartbeatPruner(hs, service.PrunerConfig{
		RetentionDays: 0,
		IntervalHours: 1,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pruner.Start(ctx)
	// Stop should return immediately without error.
	pruner.Stop()
}

func TestHeartbeatPruner_PrunesOldRecords(t *testing.T) {
	hs := memory.NewHeartbeatStore()
	ctx := context.Background()

	// An old heartbeat (40 days ago) and a recent one (1 day ago).
	for _, rec := range []store.HeartbeatRecord{
		{DeviceID: "door-old", ReceivedAt: time.Now().UTC().AddDate(0, 0, -40)},
		{DeviceID: "door-recent", ReceivedAt: time.Now().UTC().AddDate(0, 0, -1)},
	} {
		if err := hs.AppendHeartbeat(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", rec.DeviceID, err)
		}
	}

	pruner := service.NewHeartbeatPruner(hs, service.PrunerConfig{
		RetentionDays: 30,
		IntervalHours: 1,
	}, logging.Discard())

	if deleted := pruner.PruneOnce(ctx); deleted != 1 {
		t.Errorf("expected 1 pruned, got %d", deleted)
	}

	left := hs.Heartbeats()
	if len(left) != 1 || left[0].DeviceID != "door-recent" {
		t.Fatalf("expected only door-recent to survive, got %+v", left)
	}

	// A second pass finds nothing more to delete.
	if deleted := pruner.PruneOnce(ctx); deleted != 0 {
		t.Errorf("expected 0 pruned on second pass, got %d", deleted)
	}
}

func TestHeartbeatPruner_StartPrunesImmediately(t *testing.T) {
	hs := memory.NewHeartbeatStore()
	ctx := context.Background()
	if err := hs.AppendHeartbeat(ctx, store.HeartbeatRecord{
		DeviceID:   "door-old",
		ReceivedAt: time.Now().UTC().AddDate(0, 0, -90),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	pruner := service.NewHeartbeatPruner(hs, service.PrunerConfig{RetentionDays: 30}, logging.Discard())
	pruner.Start(ctx)
	defer pruner.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(hs.Heartbeats()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("startup prune did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHeartbeatPruner_StopIsIdempotent(t *testing.T) {
	hs := memory.NewHeartbeatStore()
	pruner := service.NewHeartbeatPruner(hs, service.PrunerConfig{
		RetentionDays: 30,
		IntervalHours: 1,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	pruner.Start(ctx)

	cancel()
	// Multiple stops should not panic.
	pruner.Stop()
	pruner.Stop()
}
