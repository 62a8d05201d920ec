package types

import "time"

const (
	DefaultCacheTTLSec = 86400

	MinRelayOpenMs = 500
	MaxRelayOpenMs = 10000
	MinCacheTTLSec = 3600
	MaxCacheTTLSec = 604800
)

type OfflineMode struct {
	Enabled     bool `json:"enabled"`
	CacheTTLSec int  `json:"cache_ttl_sec"`
}

type DeviceConfig struct {
	RelayOpenMs int         `json:"relay_open_ms"`
	OfflineMode OfflineMode `json:"offline_mode"`
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		RelayOpenMs: DefaultRelayOpenMs,
		OfflineMode: OfflineMode{Enabled: true, CacheTTLSec: DefaultCacheTTLSec},
	}
}

type HeartbeatStatus struct {
	UptimeSec    *int64     `json:"uptime_sec,omitempty"`
	RSSI         *int       `json:"rssi,omitempty"`
	FWVersion    string     `json:"fw_version,omitempty"`
	LastAccessTS *time.Time `json:"last_access_ts,omitempty"`
}

type Device struct {
	DeviceID         string           `json:"device_id"`
	DoorID           string           `json:"door_id,omitempty"`
	HardwareType     string           `json:"hardware_type,omitempty"`
	FirmwareVersion  string           `json:"firmware_version,omitempty"`
	Status           string           `json:"status"`
	Config           DeviceConfig     `json:"config"`
	Online           bool             `json:"online"`
	LastHeartbeatAt  *time.Time       `json:"last_heartbeat_at,omitempty"`
	LastStatus       *HeartbeatStatus `json:"last_status,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	LastRegisteredAt time.Time        `json:"last_registered_at"`
}

type OfflineModePatch struct {
	Enabled     *bool `json:"enabled,omitempty"`
	CacheTTLSec *int  `json:"cache_ttl_sec,omitempty"`
}

type DeviceConfigPatch struct {
	RelayOpenMs *int              `json:"relay_open_ms,omitempty"`
	OfflineMode *OfflineModePatch `json:"offline_mode,omitempty"`
}

type RegisterRequest struct {
	DeviceID        string `json:"device_id"`
	Secret          string `json:"secret"`
	DoorID          string `json:"door_id,omitempty"`
	HardwareType    string `json:"hardware_type,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

type RegisterResponse struct {
	DeviceToken string       `json:"device_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Config      DeviceConfig `json:"config"`
}

type HeartbeatRequest struct {
	DeviceID  string           `json:"device_id"`
	Timestamp string           `json:"timestamp,omitempty"`
	Status    *HeartbeatStatus `json:"status,omitempty"`
}

type HeartbeatResponse struct {
	Status     string `json:"status"`
	ServerTime string `json:"server_time"`
}

type WhitelistEntry struct {
	CardID     string     `json:"card_id"`
	UserID     string     `json:"user_id,omitempty"`
	ValidUntil *time.Time `json:"valid_until"`
}

type OfflineModeStatus struct {
	Enabled       bool      `json:"enabled"`
	CacheExpireAt time.Time `json:"cache_expire_at"`
}

type JWTVerification struct {
	Alg          string `json:"alg"`
	PublicKeyPEM string `json:"public_key_pem"`
	KeyID        string `json:"kid"`
}

type DeviceConfigResponse struct {
	DeviceID         string            `json:"device_id"`
	RelayOpenMs      int               `json:"relay_open_ms"`
	OfflineMode      OfflineModeStatus `json:"offline_mode"`
	OfflineWhitelist []WhitelistEntry  `json:"offline_whitelist"`
	JWTVerification  JWTVerification   `json:"jwt_verification"`
}
