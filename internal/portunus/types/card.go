package types

import (
	"bytes"
	"encoding/json"
	"time"
)

type CardStatus string

const (
	CardActive   CardStatus = "active"
	CardInactive CardStatus = "inactive"
	CardRevoked  CardStatus = "revoked"
)

func (s CardStatus) Valid() bool {
	switch s {
	case CardActive, CardInactive, CardRevoked:
		return true
	}
	return false
}

type AccessLevel string

const (
	AccessStaff   AccessLevel = "staff"
	AccessManager AccessLevel = "manager"
	AccessAdmin   AccessLevel = "admin"
	AccessGuest   AccessLevel = "guest"
)

func (l AccessLevel) Valid() bool {
	switch l {
	case AccessStaff, AccessManager, AccessAdmin, AccessGuest:
		return true
	}
	return false
}

// WildcardDoor in Policy.AllowedDoors admits every door.
const WildcardDoor = "*"

// Policy is the access rule set attached to a card.  A nil AllowedDoors
// means the card is not door-scoped; an empty non-nil slice admits nothing.
type Policy struct {
	AccessLevel  AccessLevel `json:"access_level"`
	ValidUntil   *time.Time  `json:"valid_until"`
	AllowedDoors []string    `json:"allowed_doors"`
}

// DefaultPolicy is applied on assignment before caller overrides.
func DefaultPolicy() Policy {
	return Policy{AccessLevel: AccessStaff, AllowedDoors: []string{WildcardDoor}}
}

// AllowsDoor reports whether doorID passes the door scope.
func (p Policy) AllowsDoor(doorID string) bool {
	if p.AllowedDoors == nil {
		return true
	}
	for _, d := range p.AllowedDoors {
		if d == WildcardDoor || d == doorID {
			return true
		}
	}
	return false
}

// Expired reports whether ValidUntil is set and has passed at now.
func (p Policy) Expired(now time.Time) bool {
	return p.ValidUntil != nil && now.After(*p.ValidUntil)
}

type Card struct {
	CardID           string     `json:"card_id"`
	CardUID          string     `json:"card_uid"`
	Label            string     `json:"label,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	Status           CardStatus `json:"status"`
	EnrollMode       bool       `json:"enroll_mode"`
	OfflineEnabled   bool       `json:"offline_enabled"`
	Scope            []string   `json:"scope"`
	Policy           *Policy    `json:"policy,omitempty"`
	EnrolledByDevice string     `json:"enrolled_by_device,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevokeReason     string     `json:"revoke_reason,omitempty"`
}

// EffectivePolicy returns the stored policy, or a staff policy with no door
// scope for cards that were never assigned one.
func (c Card) EffectivePolicy() Policy {
	if c.Policy != nil {
		return *c.Policy
	}
	return Policy{AccessLevel: AccessStaff}
}

// OptionalTime distinguishes an absent JSON field (Set=false) from an
// explicit null (Set=true, Time=nil).
type OptionalTime struct {
	Set  bool
	Time *time.Time
}

func (o *OptionalTime) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Time = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	o.Time = &t
	return nil
}

func (o OptionalTime) MarshalJSON() ([]byte, error) {
	if o.Time == nil {
		return []byte("null"), nil
	}
	return json.Marshal(o.Time)
}

// PolicyPatch lists the policy fields a caller may change.  Nil fields are
// left alone.
type PolicyPatch struct {
	AccessLevel  *AccessLevel `json:"access_level,omitempty"`
	ValidUntil   OptionalTime `json:"valid_until"`
	AllowedDoors []string     `json:"allowed_doors,omitempty"`
}

// Apply returns base with the patch applied.
func (p PolicyPatch) Apply(base Policy) Policy {
	if p.AccessLevel != nil {
		base.AccessLevel = *p.AccessLevel
	}
	if p.ValidUntil.Set {
		base.ValidUntil = p.ValidUntil.Time
	}
	if p.AllowedDoors != nil {
		base.AllowedDoors = append([]string(nil), p.AllowedDoors...)
	}
	return base
}

// CardPatch is the whitelist of card fields mutable through UpdateCard.
type CardPatch struct {
	Status         *CardStatus  `json:"status,omitempty"`
	EnrollMode     *bool        `json:"enroll_mode,omitempty"`
	Scope          []string     `json:"scope,omitempty"`
	OfflineEnabled *bool        `json:"offline_enabled,omitempty"`
	Policy         *PolicyPatch `json:"policy,omitempty"`
	Label          *string      `json:"label,omitempty"`
	UserID         *string      `json:"user_id,omitempty"`
}

type CardFilter struct {
	Status     *CardStatus
	EnrollMode *bool
	UserID     *string
}

type CreateCardRequest struct {
	DeviceID string `json:"device_id,omitempty"`
	CardUID  string `json:"card_uid"`
	Label    string `json:"label,omitempty"`
}

type AssignCardRequest struct {
	UserID string       `json:"user_id"`
	Policy *PolicyPatch `json:"policy,omitempty"`
}

type RevokeCardRequest struct {
	Reason string `json:"reason,omitempty"`
}
