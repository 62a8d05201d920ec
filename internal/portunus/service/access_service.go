package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BrandonDHaskell/portunus-nfc/internal/metrics"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/credential"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

// LogAppender is the audit sink the access check writes to.
type LogAppender interface {
	Append(ctx context.Context, e types.AccessLogEntry) (string, error)
}

// RelaySource supplies the relay pulse for a device.
type RelaySource interface {
	RelayOpenMs(ctx context.Context, deviceID string) int
}

// Credential issuance kinds, used as a metrics label.
const (
	issueFirst    = "first"
	issueRotated  = "rotated"
	issueReissued = "reissued"
)

type AccessDeps struct {
	Cards   *CardRegistry
	Users   *UserDirectory
	Codec   *credential.Codec
	Logs    LogAppender
	Relay   RelaySource
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// AccessService decides taps.  Checks for the same card run one at a time;
// checks for different cards run in parallel.
type AccessService struct {
	cards   *CardRegistry
	users   *UserDirectory
	codec   *credential.Codec
	logs    LogAppender
	relay   RelaySource
	metrics *metrics.Metrics
	logger  *slog.Logger
	locks   *cardLocks
	now     func() time.Time
}

func NewAccessService(d AccessDeps) *AccessService {
	return &AccessService{
		cards:   d.Cards,
		users:   d.Users,
		codec:   d.Codec,
		logs:    d.Logs,
		relay:   d.Relay,
		metrics: d.Metrics,
		logger:  d.Logger,
		locks:   newCardLocks(),
		now:     time.Now,
	}
}

// tap carries one evaluation through the gates.
type tap struct {
	req    types.AccessCheckRequest
	start  time.Time
	card   types.Card
	tapUID string
	user   *types.User
	policy types.Policy
}

// Check runs the gates in order; the first one that matches decides.  Every
// outcome writes exactly one log entry.  Policy denials are normal
// responses; only store or signing failures return an error, after a
// best-effort SYSTEM_ERROR entry.
func (s *AccessService) Check(ctx context.Context, req types.AccessCheckRequest) (types.AccessCheckResponse, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.DoorID = strings.TrimSpace(req.DoorID)
	req.CardID = strings.TrimSpace(req.CardID)
	req.CardUID = strings.TrimSpace(req.CardUID)

	if req.DoorID == "" {
		return types.AccessCheckResponse{}, validationf("door_id is required")
	}
	if req.CardID == "" && req.CardUID == "" {
		return types.AccessCheckResponse{}, validationf("card_id or card_uid is required")
	}

	t := &tap{req: req, start: s.now()}

	// Gate 1: card resolution.
	found, err := s.resolveCard(ctx, req.CardID, req.CardUID)
	if err != nil {
		return s.systemError(ctx, t, err)
	}
	if found == nil {
		return s.deny(ctx, t, types.ReasonCardNotFound, ""), nil
	}

	unlock := s.locks.lock(found.CardID)
	defer unlock()

	// Re-read under the lock so a concurrent first tap's enrollment flip is
	// visible.
	card, err := s.cards.GetCardByID(ctx, found.CardID)
	if errors.Is(err, ErrCardNotFound) {
		return s.deny(ctx, t, types.ReasonCardNotFound, ""), nil
	}
	if err != nil {
		return s.systemError(ctx, t, err)
	}
	t.card = card
	t.tapUID = firstNonBlank(req.CardUID, card.CardUID)

	return s.evaluate(ctx, t)
}

func (s *AccessService) evaluate(ctx context.Context, t *tap) (types.AccessCheckResponse, error) {
	card := t.card

	// Gate 2: card status.
	if card.Status != types.CardActive {
		return s.deny(ctx, t, types.ReasonCardRevoked, ""), nil
	}

	// Gate 3: owning user.
	if card.UserID != "" {
		u, err := s.users.GetUser(ctx, card.UserID)
		switch {
		case errors.Is(err, ErrUserNotFound):
			return s.deny(ctx, t, types.ReasonUserInactive, ""), nil
		case err != nil:
			return s.systemError(ctx, t, err)
		case !u.IsActive:
			return s.deny(ctx, t, types.ReasonUserInactive, ""), nil
		}
		t.user = &u
	}

	t.policy = card.EffectivePolicy()
	now := s.now()

	// Gate 4: policy validity window.
	if t.policy.Expired(now) {
		return s.deny(ctx, t, types.ReasonPolicyExpired, ""), nil
	}

	// Gate 5: door scope.
	if !t.policy.AllowsDoor(t.req.DoorID) {
		return s.deny(ctx, t, types.ReasonDoorNotAllowed, ""), nil
	}

	presented := t.req.Credential != nil && strings.TrimSpace(t.req.Credential.Raw) != ""

	// Gate 6: enrollment completion.
	if card.EnrollMode && !presented {
		if card.UserID == "" {
			return s.deny(ctx, t, types.ReasonCardNotAssigned, ""), nil
		}
		cred, err := s.issue(t)
		if err != nil {
			return s.systemError(ctx, t, err)
		}
		if err := s.cards.CompleteEnrollment(ctx, card.CardID); err != nil {
			return s.systemError(ctx, t, err)
		}
		return s.allow(ctx, t, types.ReasonFirstCredentialIssued, cred, issueFirst), nil
	}

	// Gate 7: presented credential.
	if presented {
		if _, err := s.codec.VerifyForCard(strings.TrimSpace(t.req.Credential.Raw), card.CardID, t.tapUID); err != nil {
			code := credential.Code(err)
			if code == "" {
				code = types.ReasonInvalidCredential
			}
			s.record(ctx, t, types.Deny, types.ReasonInvalidCredential, code, "")
			return types.AccessCheckResponse{Result: types.Deny, Reason: code}, nil
		}
		cred, err := s.issue(t)
		if err != nil {
			return s.systemError(ctx, t, err)
		}
		return s.allow(ctx, t, types.ReasonAccessGranted, cred, issueRotated), nil
	}

	// Gate 8: configured card whose reader lost its credential.
	if card.UserID != "" && !card.EnrollMode {
		cred, err := s.issue(t)
		if err != nil {
			return s.systemError(ctx, t, err)
		}
		return s.allow(ctx, t, types.ReasonCredentialMissingReissued, cred, issueReissued), nil
	}

	// Gate 9.
	return s.deny(ctx, t, types.ReasonCardNotConfigured, ""), nil
}

// resolveCard looks the card up by id first, then by uid.  It returns nil
// when neither resolves.
func (s *AccessService) resolveCard(ctx context.Context, cardID, cardUID string) (*types.Card, error) {
	if cardID != "" {
		c, err := s.cards.GetCardByID(ctx, cardID)
		if err == nil {
			return &c, nil
		}
		if !errors.Is(err, ErrCardNotFound) {
			return nil, err
		}
	}
	if cardUID != "" {
		return s.cards.GetCardByUID(ctx, cardUID)
	}
	return nil, nil
}

func (s *AccessService) issue(t *tap) (types.Credential, error) {
	cred, _, err := s.codec.Issue(t.card.CardID, firstNonBlank(t.card.CardUID, t.tapUID))
	if err != nil {
		return types.Credential{}, fmt.Errorf("issue credential for %s: %w", t.card.CardID, err)
	}
	return cred, nil
}

func (s *AccessService) deny(ctx context.Context, t *tap, reason, errCode string) types.AccessCheckResponse {
	s.record(ctx, t, types.Deny, reason, errCode, "")
	return types.AccessCheckResponse{Result: types.Deny, Reason: reason}
}

func (s *AccessService) allow(ctx context.Context, t *tap, reason string, cred types.Credential, kind string) types.AccessCheckResponse {
	s.record(ctx, t, types.Allow, reason, "", kind)
	s.metrics.IncCredentialIssued(kind)

	resp := types.AccessCheckResponse{
		Result:      types.Allow,
		Reason:      reason,
		RelayOpenMs: s.relayOpenMs(ctx, t.req.DeviceID),
		Policy: &types.PolicySummary{
			AccessLevel: t.policy.AccessLevel,
		},
		Credential: &cred,
	}
	if t.policy.ValidUntil != nil {
		v := t.policy.ValidUntil.UTC().Format(time.RFC3339)
		resp.Policy.ValidUntil = &v
	}
	if t.user != nil {
		resp.User = &types.UserSummary{UserID: t.user.UserID, Name: t.user.Name}
	}
	return resp
}

// systemError records a best-effort SYSTEM_ERROR denial and hands the
// failure back to the caller.
func (s *AccessService) systemError(ctx context.Context, t *tap, err error) (types.AccessCheckResponse, error) {
	s.logger.ErrorContext(ctx, "access check failed",
		"device_id", t.req.DeviceID, "door_id", t.req.DoorID, "card_id", t.req.CardID, "error", err)
	s.record(ctx, t, types.Deny, types.ReasonSystemError, err.Error(), "")
	return types.AccessCheckResponse{}, fmt.Errorf("access check: %w", err)
}

// record writes the decision's log entry.  A failed write never changes the
// decision.
func (s *AccessService) record(ctx context.Context, t *tap, d types.Decision, reason, errDetail, issued string) {
	e := types.AccessLogEntry{
		TS:       s.now().UTC(),
		DoorID:   t.req.DoorID,
		CardID:   firstNonBlank(t.card.CardID, t.req.CardID),
		CardUID:  firstNonBlank(t.tapUID, t.req.CardUID),
		UserID:   t.card.UserID,
		DeviceID: t.req.DeviceID,
		Decision: d,
		Reason:   reason,
		Error:    errDetail,
	}
	switch issued {
	case issueFirst, issueReissued:
		e.CredentialIssued = true
	case issueRotated:
		e.CredentialRotated = true
	}

	if _, err := s.logs.Append(ctx, e); err != nil {
		s.logger.DebugContext(ctx, "access log append failed", "error", err)
	}

	s.metrics.ObserveDecision(string(d), reason, s.now().Sub(t.start))
	s.logger.InfoContext(ctx, "access decision",
		"result", d, "reason", reason, "card_id", e.CardID, "door_id", e.DoorID, "device_id", e.DeviceID)
}

func (s *AccessService) relayOpenMs(ctx context.Context, deviceID string) int {
	if s.relay == nil {
		return types.DefaultRelayOpenMs
	}
	return s.relay.RelayOpenMs(ctx, deviceID)
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
