package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

const (
	DevUserID = "u_dev"
	DevDoorID = "door_main"
)

type SeedDevOptions struct {
	// DeviceIDs are pre-created on DevDoorID so heartbeats work before the
	// first registration.
	DeviceIDs []string
}

// SeedDev creates the starter user and devices for local development.  It
// leaves existing records alone.
func SeedDev(ctx context.Context, users *UserDirectory, devices *DeviceService, opt SeedDevOptions) error {
	if _, err := users.GetUser(ctx, DevUserID); errors.Is(err, ErrUserNotFound) {
		if err := users.PutUser(ctx, types.User{
			UserID:   DevUserID,
			Name:     "Dev User",
			Email:    "dev@localhost",
			IsActive: true,
		}); err != nil {
			return fmt.Errorf("seed user: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}

	for _, id := range opt.DeviceIDs {
		if err := devices.Provision(ctx, id, DevDoorID); err != nil {
			return fmt.Errorf("seed device %s: %w", id, err)
		}
	}
	return nil
}
