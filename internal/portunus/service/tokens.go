package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeDevice = "device"
	tokenTypeAdmin  = "admin"

	DefaultDeviceTokenTTL = 365 * 24 * time.Hour
	DefaultAdminTokenTTL  = 24 * time.Hour
)

// DeviceClaims identify a registered reader.
type DeviceClaims struct {
	Type         string `json:"type"`
	DeviceID     string `json:"device_id"`
	DoorID       string `json:"door_id,omitempty"`
	HardwareType string `json:"hardware_type,omitempty"`
	jwt.RegisteredClaims
}

// DeviceTokens mints and checks the long-lived HS256 tokens readers present
// on every call.  The secret is distinct from the admin session secret.
type DeviceTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewDeviceTokens(secret string, ttl time.Duration) *DeviceTokens {
	if ttl <= 0 {
		ttl = DefaultDeviceTokenTTL
	}
	return &DeviceTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (d *DeviceTokens) Issue(deviceID, doorID, hardwareType string) (string, time.Time, error) {
	now := d.now().UTC()
	exp := now.Add(d.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, DeviceClaims{
		Type:         tokenTypeDevice,
		DeviceID:     deviceID,
		DoorID:       doorID,
		HardwareType: hardwareType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	})
	raw, err := tok.SignedString(d.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign device token: %w", err)
	}
	return raw, exp, nil
}

// Verify returns the claims of a valid device token or one of
// ErrDeviceNoToken, ErrDeviceTokenExpired, ErrDeviceInvalidToken.
func (d *DeviceTokens) Verify(raw string) (*DeviceClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrDeviceNoToken
	}
	var claims DeviceClaims
	if err := parseHS256(raw, d.secret, &claims, d.now); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrDeviceTokenExpired
		}
		return nil, ErrDeviceInvalidToken
	}
	if claims.Type != tokenTypeDevice || claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: not a device token", ErrDeviceInvalidToken)
	}
	return &claims, nil
}

// ── Admin sessions ──────────────────────────────────────────────────────────

// AdminClaims identify an operator session.
type AdminClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Revocations records logged-out session ids until their tokens expire.
type Revocations interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// AdminSessions mints operator tokens and enforces logout.
type AdminSessions struct {
	secret  []byte
	ttl     time.Duration
	revoked Revocations
	now     func() time.Time
}

func NewAdminSessions(secret string, ttl time.Duration, revoked Revocations) *AdminSessions {
	if ttl <= 0 {
		ttl = DefaultAdminTokenTTL
	}
	return &AdminSessions{secret: []byte(secret), ttl: ttl, revoked: revoked, now: time.Now}
}

func (a *AdminSessions) Issue(subject string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, validationf("subject is required")
	}
	now := a.now().UTC()
	exp := now.Add(a.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Type: tokenTypeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	})
	raw, err := tok.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return raw, exp, nil
}

// Verify checks signature, expiry and revocation.
func (a *AdminSessions) Verify(ctx context.Context, raw string) (*AdminClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoToken
	}
	var claims AdminClaims
	if err := parseHS256(raw, a.secret, &claims, a.now); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenTypeAdmin || claims.ID == "" {
		return nil, fmt.Errorf("%w: not an admin token", ErrInvalidToken)
	}

	revoked, err := a.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check session revocation: %w", err)
	}
	if revoked {
		return nil, ErrSessionRevoked
	}
	return &claims, nil
}

// Logout revokes the session until its token would have expired anyway.
func (a *AdminSessions) Logout(ctx context.Context, claims *AdminClaims) error {
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(a.now())
	}
	if ttl <= 0 {
		return nil
	}
	if err := a.revoked.Revoke(ctx, claims.ID, ttl); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func parseHS256(raw string, secret []byte, claims jwt.Claims, now func() time.Time) error {
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	return err
}
