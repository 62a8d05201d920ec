package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

const (
	cardsPath = "cards"

	defaultRevokeReason = "revoked"
)

// CardRegistry owns card records.  Apart from CompleteEnrollment, the
// access path only reads from it.
type CardRegistry struct {
	records store.RecordStore
	users   *UserDirectory
	logger  *slog.Logger
	now     func() time.Time

	// createMu keeps the uid uniqueness check and the insert together.
	createMu sync.Mutex
}

func NewCardRegistry(rs store.RecordStore, users *UserDirectory, logger *slog.Logger) *CardRegistry {
	return &CardRegistry{records: rs, users: users, logger: logger, now: time.Now}
}

func cardPath(id string) string { return store.JoinPath(cardsPath, id) }

func newCardID() string {
	return "c_" + uuid.NewString()[:8]
}

// CreateCard registers a blank card tapped at deviceID.  The card starts
// active and in enroll mode with no owner.
func (r *CardRegistry) CreateCard(ctx context.Context, deviceID, cardUID, label string) (types.Card, error) {
	cardUID = strings.TrimSpace(cardUID)
	if cardUID == "" {
		return types.Card{}, validationf("card_uid is required")
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	existing, err := r.GetCardByUID(ctx, cardUID)
	if err != nil {
		return types.Card{}, err
	}
	if existing != nil {
		return types.Card{}, fmt.Errorf("%w: %s", ErrCardExists, existing.CardID)
	}

	id, err := r.freeCardID(ctx)
	if err != nil {
		return types.Card{}, err
	}

	now := r.now().UTC()
	card := types.Card{
		CardID:           id,
		CardUID:          cardUID,
		Label:            strings.TrimSpace(label),
		Status:           types.CardActive,
		EnrollMode:       true,
		OfflineEnabled:   false,
		Scope:            []string{},
		EnrolledByDevice: strings.TrimSpace(deviceID),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.records.Set(ctx, cardPath(id), card); err != nil {
		return types.Card{}, fmt.Errorf("CreateCard: %w", err)
	}

	r.logger.InfoContext(ctx, "card created", "card_id", id, "card_uid", cardUID, "device_id", card.EnrolledByDevice)
	return card, nil
}

func (r *CardRegistry) freeCardID(ctx context.Context) (string, error) {
	for range 5 {
		id := newCardID()
		taken, err := r.records.Exists(ctx, cardPath(id))
		if err != nil {
			return "", fmt.Errorf("CreateCard: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", errors.New("CreateCard: could not allocate a card id")
}

// GetCardByID returns the card or ErrCardNotFound.
func (r *CardRegistry) GetCardByID(ctx context.Context, id string) (types.Card, error) {
	id = strings.TrimSpace(id)
	if !validKey(id) {
		return types.Card{}, ErrCardNotFound
	}
	raw, err := r.records.Get(ctx, cardPath(id))
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidPath) {
		return types.Card{}, ErrCardNotFound
	}
	if err != nil {
		return types.Card{}, fmt.Errorf("GetCardByID %s: %w", id, err)
	}
	var c types.Card
	if err := json.Unmarshal(raw, &c); err != nil {
		return types.Card{}, fmt.Errorf("GetCardByID %s: decode: %w", id, err)
	}
	return c, nil
}

// GetCardByUID returns nil, nil when no card carries uid.  If several do,
// an active one wins.
func (r *CardRegistry) GetCardByUID(ctx context.Context, uid string) (*types.Card, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, nil
	}
	recs, err := r.records.Query(ctx, cardsPath, store.Eq("card_uid", uid))
	if err != nil {
		return nil, fmt.Errorf("GetCardByUID: %w", err)
	}
	cards, err := decodeCards(recs)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, nil
	}
	for i := range cards {
		if cards[i].Status == types.CardActive {
			return &cards[i], nil
		}
	}
	return &cards[0], nil
}

// UpdateCard applies the whitelisted fields of patch.  Setting a user id
// takes the card out of enroll mode.
func (r *CardRegistry) UpdateCard(ctx context.Context, id string, patch types.CardPatch) (types.Card, error) {
	card, err := r.GetCardByID(ctx, id)
	if err != nil {
		return types.Card{}, err
	}

	fields := map[string]any{"updated_at": r.now().UTC()}

	if patch.Status != nil {
		if !patch.Status.Valid() {
			return types.Card{}, validationf("status must be one of active, inactive, revoked")
		}
		fields["status"] = *patch.Status
	}
	if patch.EnrollMode != nil {
		fields["enroll_mode"] = *patch.EnrollMode
	}
	if patch.Scope != nil {
		fields["scope"] = patch.Scope
	}
	if patch.OfflineEnabled != nil {
		fields["offline_enabled"] = *patch.OfflineEnabled
	}
	if patch.Label != nil {
		fields["label"] = strings.TrimSpace(*patch.Label)
	}
	if patch.Policy != nil {
		base := types.DefaultPolicy()
		if card.Policy != nil {
			base = *card.Policy
		}
		p, err := applyPolicy(base, *patch.Policy)
		if err != nil {
			return types.Card{}, err
		}
		fields["policy"] = p
	}
	if patch.UserID != nil {
		if uid := strings.TrimSpace(*patch.UserID); uid != "" {
			fields["user_id"] = uid
			fields["enroll_mode"] = false
		} else {
			fields["user_id"] = nil
		}
	}

	if err := r.records.Update(ctx, cardPath(card.CardID), fields); err != nil {
		return types.Card{}, fmt.Errorf("UpdateCard %s: %w", card.CardID, err)
	}
	return r.GetCardByID(ctx, card.CardID)
}

// AssignUserToCard binds the card to an existing user with the default
// policy overlaid by the supplied overrides.  A fresh card stays in enroll
// mode until a reader collects its first credential.
func (r *CardRegistry) AssignUserToCard(ctx context.Context, id, userID string, overrides *types.PolicyPatch) (types.Card, error) {
	card, err := r.GetCardByID(ctx, id)
	if err != nil {
		return types.Card{}, err
	}
	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return types.Card{}, err
	}

	policy := types.DefaultPolicy()
	if overrides != nil {
		if policy, err = applyPolicy(policy, *overrides); err != nil {
			return types.Card{}, err
		}
	}

	now := r.now().UTC()
	if err := r.records.Update(ctx, cardPath(card.CardID), map[string]any{
		"user_id":     user.UserID,
		"policy":      policy,
		"assigned_at": now,
		"updated_at":  now,
	}); err != nil {
		return types.Card{}, fmt.Errorf("AssignUserToCard %s: %w", card.CardID, err)
	}

	r.logger.InfoContext(ctx, "card assigned", "card_id", card.CardID, "user_id", user.UserID,
		"access_level", policy.AccessLevel)
	return r.GetCardByID(ctx, card.CardID)
}

// RevokeCard marks the card revoked.  Revoking again overwrites the reason
// and timestamp.
func (r *CardRegistry) RevokeCard(ctx context.Context, id, reason string) (types.Card, error) {
	card, err := r.GetCardByID(ctx, id)
	if err != nil {
		return types.Card{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultRevokeReason
	}

	now := r.now().UTC()
	if err := r.records.Update(ctx, cardPath(card.CardID), map[string]any{
		"status":        types.CardRevoked,
		"revoked_at":    now,
		"revoke_reason": reason,
		"updated_at":    now,
	}); err != nil {
		return types.Card{}, fmt.Errorf("RevokeCard %s: %w", card.CardID, err)
	}

	r.logger.InfoContext(ctx, "card revoked", "card_id", card.CardID, "reason", reason)
	return r.GetCardByID(ctx, card.CardID)
}

// ReactivateCard returns a revoked or inactive card to service.
func (r *CardRegistry) ReactivateCard(ctx context.Context, id string) (types.Card, error) {
	card, err := r.GetCardByID(ctx, id)
	if err != nil {
		return types.Card{}, err
	}
	if err := r.records.Update(ctx, cardPath(card.CardID), map[string]any{
		"status":        types.CardActive,
		"revoked_at":    nil,
		"revoke_reason": nil,
		"updated_at":    r.now().UTC(),
	}); err != nil {
		return types.Card{}, fmt.Errorf("ReactivateCard %s: %w", card.CardID, err)
	}
	r.logger.InfoContext(ctx, "card reactivated", "card_id", card.CardID)
	return r.GetCardByID(ctx, card.CardID)
}

func (r *CardRegistry) DeleteCard(ctx context.Context, id string) error {
	card, err := r.GetCardByID(ctx, id)
	if err != nil {
		return err
	}
	if err := r.records.Remove(ctx, cardPath(card.CardID)); err != nil {
		return fmt.Errorf("DeleteCard %s: %w", card.CardID, err)
	}
	r.logger.InfoContext(ctx, "card deleted", "card_id", card.CardID)
	return nil
}

// ListCards returns the cards matching every set filter.  An empty UserID
// filter selects unassigned cards.
func (r *CardRegistry) ListCards(ctx context.Context, f types.CardFilter) ([]types.Card, error) {
	var conds []store.Condition
	if f.Status != nil {
		conds = append(conds, store.Eq("status", *f.Status))
	}
	if f.EnrollMode != nil {
		conds = append(conds, store.Eq("enroll_mode", *f.EnrollMode))
	}
	if f.UserID != nil {
		if *f.UserID == "" {
			conds = append(conds, store.Eq("user_id", nil))
		} else {
			conds = append(conds, store.Eq("user_id", *f.UserID))
		}
	}

	recs, err := r.records.Query(ctx, cardsPath, conds...)
	if err != nil {
		return nil, fmt.Errorf("ListCards: %w", err)
	}
	return decodeCards(recs)
}

// OfflineWhitelist lists the active cards a reader may admit without the
// server.
func (r *CardRegistry) OfflineWhitelist(ctx context.Context) ([]types.WhitelistEntry, error) {
	recs, err := r.records.Query(ctx, cardsPath,
		store.Eq("status", types.CardActive),
		store.Eq("offline_enabled", true),
	)
	if err != nil {
		return nil, fmt.Errorf("OfflineWhitelist: %w", err)
	}
	cards, err := decodeCards(recs)
	if err != nil {
		return nil, err
	}

	out := make([]types.WhitelistEntry, 0, len(cards))
	for _, c := range cards {
		out = append(out, types.WhitelistEntry{
			CardID:     c.CardID,
			UserID:     c.UserID,
			ValidUntil: c.EffectivePolicy().ValidUntil,
		})
	}
	return out, nil
}

// CompleteEnrollment takes the card out of enroll mode once its first
// credential is issued.
func (r *CardRegistry) CompleteEnrollment(ctx context.Context, id string) error {
	if err := r.records.Update(ctx, cardPath(id), map[string]any{
		"enroll_mode": false,
		"updated_at":  r.now().UTC(),
	}); err != nil {
		return fmt.Errorf("CompleteEnrollment %s: %w", id, err)
	}
	return nil
}

func applyPolicy(base types.Policy, patch types.PolicyPatch) (types.Policy, error) {
	if patch.AccessLevel != nil && !patch.AccessLevel.Valid() {
		return types.Policy{}, validationf("access_level must be one of staff, manager, admin, guest")
	}
	for _, d := range patch.AllowedDoors {
		if strings.TrimSpace(d) == "" {
			return types.Policy{}, validationf("allowed_doors entries must be non-empty")
		}
	}
	return patch.Apply(base), nil
}

func decodeCards(recs []store.Record) ([]types.Card, error) {
	out := make([]types.Card, 0, len(recs))
	for _, rec := range recs {
		var c types.Card
		if err := rec.Decode(&c); err != nil {
			return nil, fmt.Errorf("decode card %s: %w", rec.Key, err)
		}
		if c.CardID == "" {
			c.CardID = rec.Key
		}
		out = append(out, c)
	}
	return out, nil
}
