package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

const usersPath = "users"

// UserDirectory reads identities referenced by cards.  User management
// itself lives elsewhere; PutUser exists for seeding.
type UserDirectory struct {
	records store.RecordStore
	now     func() time.Time
}

func NewUserDirectory(rs store.RecordStore) *UserDirectory {
	return &UserDirectory{records: rs, now: time.Now}
}

// GetUser returns the user or ErrUserNotFound.
func (d *UserDirectory) GetUser(ctx context.Context, userID string) (types.User, error) {
	userID = strings.TrimSpace(userID)
	if !validKey(userID) {
		return types.User{}, ErrUserNotFound
	}
	raw, err := d.records.Get(ctx, store.JoinPath(usersPath, userID))
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidPath) {
		return types.User{}, ErrUserNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("GetUser %s: %w", userID, err)
	}
	var u types.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return types.User{}, fmt.Errorf("GetUser %s: decode: %w", userID, err)
	}
	if u.UserID == "" {
		u.UserID = userID
	}
	return u, nil
}

func (d *UserDirectory) PutUser(ctx context.Context, u types.User) error {
	u.UserID = strings.TrimSpace(u.UserID)
	if !validKey(u.UserID) {
		return validationf("user_id must be non-empty and contain no '/'")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = d.now().UTC()
	}
	if err := d.records.Set(ctx, store.JoinPath(usersPath, u.UserID), u); err != nil {
		return fmt.Errorf("PutUser %s: %w", u.UserID, err)
	}
	return nil
}
