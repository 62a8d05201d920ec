package types

import (
	"encoding/json"
	"time"
)

// AccessLogEntry is the one canonical audit record shape.
type AccessLogEntry struct {
	ID                string     `json:"id,omitempty"`
	TS                time.Time  `json:"ts"`
	DoorID            string     `json:"door_id"`
	CardID            string     `json:"card_id,omitempty"`
	CardUID           string     `json:"card_uid,omitempty"`
	UserID            string     `json:"user_id,omitempty"`
	DeviceID          string     `json:"device_id,omitempty"`
	Decision          Decision   `json:"decision"`
	Reason            string     `json:"reason,omitempty"`
	CredentialIssued  bool       `json:"credential_issued,omitempty"`
	CredentialRotated bool       `json:"credential_rotated,omitempty"`
	Error             string     `json:"error,omitempty"`
	OfflineSync       bool       `json:"offline_sync,omitempty"`
	SyncedAt          *time.Time `json:"synced_at,omitempty"`
}

type LogBatchRequest struct {
	DeviceID string            `json:"device_id"`
	Logs     []json.RawMessage `json:"logs"`
}

type LogBatchResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
}

type LogQuery struct {
	StartDate *time.Time
	EndDate   *time.Time
	Result    Decision
	DoorID    string
	UserID    string
	Page      int
	Limit     int
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type LogPage struct {
	Logs       []AccessLogEntry `json:"logs"`
	Pagination Pagination       `json:"pagination"`
}
