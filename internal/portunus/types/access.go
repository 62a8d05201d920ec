package types

type Decision string

const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
)

// Decision reason codes.
const (
	ReasonCardNotFound              = "CARD_NOT_FOUND"
	ReasonCardRevoked               = "CARD_REVOKED"
	ReasonUserInactive              = "USER_INACTIVE"
	ReasonPolicyExpired             = "POLICY_EXPIRED"
	ReasonDoorNotAllowed            = "DOOR_NOT_ALLOWED"
	ReasonCardNotAssigned           = "CARD_NOT_ASSIGNED"
	ReasonFirstCredentialIssued     = "FIRST_CREDENTIAL_ISSUED"
	ReasonInvalidCredential         = "INVALID_CREDENTIAL"
	ReasonAccessGranted             = "ACCESS_GRANTED"
	ReasonCredentialMissingReissued = "CREDENTIAL_MISSING_REISSUED"
	ReasonCardNotConfigured         = "CARD_NOT_CONFIGURED"
	ReasonSystemError               = "SYSTEM_ERROR"
)

// DefaultRelayOpenMs is the relay pulse used when a device has no config.
const DefaultRelayOpenMs = 3000

type CredentialInput struct {
	Raw    string `json:"raw"`
	Format string `json:"format,omitempty"`
}

type AccessCheckRequest struct {
	DeviceID   string           `json:"device_id"`
	DoorID     string           `json:"door_id"`
	CardID     string           `json:"card_id,omitempty"`
	CardUID    string           `json:"card_uid,omitempty"`
	Credential *CredentialInput `json:"credential,omitempty"`
	Timestamp  string           `json:"timestamp,omitempty"` // device clock, informational
}

// Credential is the wire shape of a minted token handed to a reader.
type Credential struct {
	Format string `json:"format"`
	Alg    string `json:"alg"`
	Raw    string `json:"raw"`
	Exp    string `json:"exp"`
}

type UserSummary struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type PolicySummary struct {
	AccessLevel AccessLevel `json:"access_level"`
	ValidUntil  *string     `json:"valid_until"`
}

type AccessCheckResponse struct {
	Result      Decision       `json:"result"`
	Reason      string         `json:"reason"`
	RelayOpenMs int            `json:"relay_open_ms,omitempty"`
	User        *UserSummary   `json:"user,omitempty"`
	Policy      *PolicySummary `json:"policy,omitempty"`
	Credential  *Credential    `json:"credential,omitempty"`
}
