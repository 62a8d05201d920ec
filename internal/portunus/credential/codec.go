// Package credential signs and verifies the offline credentials carried by
// NFC cards.  A credential is a compact EdDSA JWT binding a card id to the
// card's hardware UID; it deliberately carries no user or policy state, so
// authorization is always re-read from the registry at tap time.
package credential

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

const (
	Alg    = "EdDSA"
	Format = "jwt"

	DefaultTTL = 30 * 24 * time.Hour
)

// Error is a credential failure with a stable reason code that is safe to
// return to a reader.
type Error struct {
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

var (
	ErrMalformed    = &Error{Code: "INVALID_CREDENTIAL_FORMAT", msg: "invalid credential format"}
	ErrUnknownKey   = &Error{Code: "UNKNOWN_KEY_ID", msg: "credential signed by unknown key"}
	ErrBadSignature = &Error{Code: "INVALID_SIGNATURE", msg: "invalid signature"}
	ErrExpired      = &Error{Code: "CREDENTIAL_EXPIRED", msg: "credential expired"}
	ErrUIDMismatch  = &Error{Code: "CARD_UID_MISMATCH", msg: "card uid mismatch"}
	ErrCardMismatch = &Error{Code: "CARD_ID_MISMATCH", msg: "card id mismatch"}
)

// Code returns the reason code carried by err, or "" if err is not a
// credential error.
func Code(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Payload is the signed content of a credential.
type Payload struct {
	CardID    string
	CardUID   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type claims struct {
	CardID  string `json:"card_id"`
	CardUID string `json:"card_uid"`
	jwt.RegisteredClaims
}

// Key is one Ed25519 key generation.  Private may be nil for verify-only keys.
type Key struct {
	ID      string
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// Codec is immutable after construction and safe for concurrent use.
type Codec struct {
	signing Key
	verify  map[string]ed25519.PublicKey
	ttl     time.Duration
	now     func() time.Time
	parser  *jwt.Parser
}

type Option func(*Codec)

func WithTTL(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithVerifyKey accepts credentials signed by an older key generation.
func WithVerifyKey(id string, pub ed25519.PublicKey) Option {
	return func(c *Codec) { c.verify[id] = pub }
}

func NewCodec(signing Key, opts ...Option) (*Codec, error) {
	if signing.ID == "" {
		return nil, errors.New("credential: signing key id is required")
	}
	if len(signing.Private) != ed25519.PrivateKeySize {
		return nil, errors.New("credential: signing key is not an ed25519 private key")
	}
	if signing.Public == nil {
		signing.Public = signing.Private.Public().(ed25519.PublicKey)
	}

	c := &Codec{
		signing: signing,
		verify:  map[string]ed25519.PublicKey{},
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.verify[signing.ID] = signing.Public

	c.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	return c, nil
}

func (c *Codec) KeyID() string { return c.signing.ID }

// TTL is the validity window of newly issued credentials.
func (c *Codec) TTL() time.Duration { return c.ttl }

// PublicKeyPEM returns the PKIX PEM of the signing key for offline readers.
func (c *Codec) PublicKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(c.signing.Public)
	if err != nil {
		// ed25519.PublicKey always marshals
		panic(fmt.Sprintf("credential: marshal public key: %v", err))
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// Sign serialises p as header.payload.signature with the header kid set to
// the active key.
func (c *Codec) Sign(p Payload) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims{
		CardID:  p.CardID,
		CardUID: p.CardUID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.TokenID,
			IssuedAt:  jwt.NewNumericDate(p.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
	})
	tok.Header["kid"] = c.signing.ID

	raw, err := tok.SignedString(c.signing.Private)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return raw, nil
}

// Issue mints a fresh credential for a card, valid for the codec TTL.
func (c *Codec) Issue(cardID, cardUID string) (types.Credential, Payload, error) {
	now := c.now().UTC().Truncate(time.Second)
	p := Payload{
		CardID:    cardID,
		CardUID:   cardUID,
		TokenID:   uuid.NewString(),
		IssuedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
	raw, err := c.Sign(p)
	if err != nil {
		return types.Credential{}, Payload{}, err
	}
	return types.Credential{
		Format: Format,
		Alg:    Alg,
		Raw:    raw,
		Exp:    p.ExpiresAt.Format(time.RFC3339),
	}, p, nil
}

// Verify checks structure, signature and expiry, in that order.  Failures
// are always one of the *Error sentinels.
func (c *Codec) Verify(raw string) (Payload, error) {
	var cl claims
	_, err := c.parser.ParseWithClaims(raw, &cl, c.keyFor)
	if err != nil {
		return Payload{}, classify(err)
	}
	if cl.CardID == "" || cl.CardUID == "" {
		return Payload{}, ErrMalformed
	}

	p := Payload{
		CardID:    cl.CardID,
		CardUID:   cl.CardUID,
		TokenID:   cl.ID,
		ExpiresAt: cl.ExpiresAt.Time.UTC(),
	}
	if cl.IssuedAt != nil {
		p.IssuedAt = cl.IssuedAt.Time.UTC()
	}
	return p, nil
}

// VerifyForCard verifies raw and additionally binds it to the tapped card.
func (c *Codec) VerifyForCard(raw, cardID, tapUID string) (Payload, error) {
	p, err := c.Verify(raw)
	if err != nil {
		return Payload{}, err
	}
	if p.CardUID != tapUID {
		return Payload{}, ErrUIDMismatch
	}
	if p.CardID != cardID {
		return Payload{}, ErrCardMismatch
	}
	return p, nil
}

func (c *Codec) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	pub, ok := c.verify[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	return pub, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKey):
		return ErrUnknownKey
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrMalformed
	}
}

// ShouldRotate reports whether a credential is in the last quarter of its
// validity or older than a week.  The access check does not consult it.
func ShouldRotate(p Payload, now time.Time) bool {
	total := p.ExpiresAt.Sub(p.IssuedAt)
	remaining := p.ExpiresAt.Sub(now)
	if total > 0 && remaining < total/4 {
		return true
	}
	return now.Sub(p.IssuedAt) > 7*24*time.Hour
}
