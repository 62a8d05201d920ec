package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BrandonDHaskell/portunus-nfc/internal/config"
	"github.com/BrandonDHaskell/portunus-nfc/internal/db"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store/sqlite"
)

type stores struct {
	records    store.RecordStore
	heartbeats store.HeartbeatStore
	ping       func(context.Context) error // nil for the memory backend
	close      func()
}

func openStores(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*stores, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		return &stores{
			records:    memory.NewRecordStore(),
			heartbeats: memory.NewHeartbeatStore(),
			close:      func() {},
		}, nil

	case "sqlite", "":
		conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		worker := db.NewWorker(conn)
		records := sqlite.NewRecordStore(conn, worker)
		logger.Info("sqlite store ready", "path", cfg.DBPath)
		return &stores{
			records:    records,
			heartbeats: sqlite.NewHeartbeatStore(conn, worker),
			ping:       records.Ping,
			close: func() {
				worker.Close()
				_ = conn.Close()
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	return db.Open(ctx, db.Config{Path: path})
}
