package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/portunus-nfc/internal/metrics"
	"github.com/BrandonDHaskell/portunus-nfc/internal/notify"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/credential"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

const devicesPath = "devices"

type DeviceDeps struct {
	Records    store.RecordStore
	Heartbeats store.HeartbeatStore
	Cards      *CardRegistry
	Codec      *credential.Codec
	Tokens     *DeviceTokens
	// Secrets maps device id to its provisioned secret, plaintext or bcrypt.
	Secrets  map[string]string
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// DeviceService handles reader registration, configuration and liveness.
type DeviceService struct {
	records    store.RecordStore
	heartbeats store.HeartbeatStore
	cards      *CardRegistry
	codec      *credential.Codec
	tokens     *DeviceTokens
	secrets    map[string]string
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewDeviceService(d DeviceDeps) *DeviceService {
	n := d.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	secrets := make(map[string]string, len(d.Secrets))
	for k, v := range d.Secrets {
		secrets[k] = v
	}
	return &DeviceService{
		records:    d.Records,
		heartbeats: d.Heartbeats,
		cards:      d.Cards,
		codec:      d.Codec,
		tokens:     d.Tokens,
		secrets:    secrets,
		notifier:   n,
		metrics:    d.Metrics,
		logger:     d.Logger,
		now:        time.Now,
	}
}

var _ RelaySource = (*DeviceService)(nil)

func devicePath(id string) string { return store.JoinPath(devicesPath, id) }

// Register checks the presented secret against the provisioned list,
// records the device and issues its token.
func (s *DeviceService) Register(ctx context.Context, req types.RegisterRequest) (types.RegisterResponse, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if !validKey(deviceID) || req.Secret == "" {
		return types.RegisterResponse{}, validationf("device_id and secret are required")
	}

	expected, ok := s.secrets[deviceID]
	if !ok || !secretMatches(expected, req.Secret) {
		s.logger.WarnContext(ctx, "device registration rejected", "device_id", deviceID)
		return types.RegisterResponse{}, ErrInvalidSecret
	}

	now := s.now().UTC()
	dev, err := s.GetDevice(ctx, deviceID)
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		dev = types.Device{
			DeviceID:         deviceID,
			DoorID:           strings.TrimSpace(req.DoorID),
			HardwareType:     strings.TrimSpace(req.HardwareType),
			FirmwareVersion:  strings.TrimSpace(req.FirmwareVersion),
			Status:           "active",
			Config:           types.DefaultDeviceConfig(),
			CreatedAt:        now,
			LastRegisteredAt: now,
		}
		if err := s.records.Set(ctx, devicePath(deviceID), dev); err != nil {
			return types.RegisterResponse{}, fmt.Errorf("Register %s: %w", deviceID, err)
		}
	case err != nil:
		return types.RegisterResponse{}, err
	default:
		fields := map[string]any{
			"status":             "active",
			"last_registered_at": now,
		}
		if v := strings.TrimSpace(req.DoorID); v != "" {
			fields["door_id"], dev.DoorID = v, v
		}
		if v := strings.TrimSpace(req.HardwareType); v != "" {
			fields["hardware_type"], dev.HardwareType = v, v
		}
		if v := strings.TrimSpace(req.FirmwareVersion); v != "" {
			fields["firmware_version"], dev.FirmwareVersion = v, v
		}
		if err := s.records.Update(ctx, devicePath(deviceID), fields); err != nil {
			return types.RegisterResponse{}, fmt.Errorf("Register %s: %w", deviceID, err)
		}
	}

	token, exp, err := s.tokens.Issue(deviceID, dev.DoorID, dev.HardwareType)
	if err != nil {
		return types.RegisterResponse{}, err
	}

	s.logger.InfoContext(ctx, "device registered", "device_id", deviceID, "door_id", dev.DoorID)
	return types.RegisterResponse{DeviceToken: token, ExpiresAt: exp, Config: dev.Config}, nil
}

// Provision creates a device record with the default config if none
// exists yet.
func (s *DeviceService) Provision(ctx context.Context, deviceID, doorID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if !validKey(deviceID) {
		return validationf("invalid device_id %q", deviceID)
	}
	ok, err := s.records.Exists(ctx, devicePath(deviceID))
	if err != nil {
		return fmt.Errorf("Provision %s: %w", deviceID, err)
	}
	if ok {
		return nil
	}
	now := s.now().UTC()
	return s.records.Set(ctx, devicePath(deviceID), types.Device{
		DeviceID:  deviceID,
		DoorID:    doorID,
		Status:    "provisioned",
		Config:    types.DefaultDeviceConfig(),
		CreatedAt: now,
	})
}

// secretMatches compares a presented secret with a provisioned one, which
// is either plaintext or a bcrypt hash.
func secretMatches(expected, presented string) bool {
	if strings.HasPrefix(expected, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(expected), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// GetConfig returns everything a reader needs to run offline.
func (s *DeviceService) GetConfig(ctx context.Context, deviceID string) (types.DeviceConfigResponse, error) {
	var (
		dev       types.Device
		whitelist []types.WhitelistEntry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dev, err = s.GetDevice(gctx, deviceID)
		return err
	})
	g.Go(func() error {
		var err error
		whitelist, err = s.cards.OfflineWhitelist(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return types.DeviceConfigResponse{}, err
	}

	cfg := dev.Config
	if !cfg.OfflineMode.Enabled {
		whitelist = []types.WhitelistEntry{}
	}
	ttl := cfg.OfflineMode.CacheTTLSec
	if ttl <= 0 {
		ttl = types.DefaultCacheTTLSec
	}
	relay := cfg.RelayOpenMs
	if relay <= 0 {
		relay = types.DefaultRelayOpenMs
	}

	return types.DeviceConfigResponse{
		DeviceID:    dev.DeviceID,
		RelayOpenMs: relay,
		OfflineMode: types.OfflineModeStatus{
			Enabled:       cfg.OfflineMode.Enabled,
			CacheExpireAt: s.now().UTC().Add(time.Duration(ttl) * time.Second),
		},
		OfflineWhitelist: whitelist,
		JWTVerification: types.JWTVerification{
			Alg:          credential.Alg,
			PublicKeyPEM: s.codec.PublicKeyPEM(),
			KeyID:        s.codec.KeyID(),
		},
	}, nil
}

// Heartbeat marks the device online and appends to its history.
func (s *DeviceService) Heartbeat(ctx context.Context, deviceID string, status *types.HeartbeatStatus) (types.HeartbeatResponse, error) {
	deviceID = strings.TrimSpace(deviceID)
	if !validKey(deviceID) {
		return types.HeartbeatResponse{}, ErrDeviceNotFound
	}
	ok, err := s.records.Exists(ctx, devicePath(deviceID))
	if err != nil {
		return types.HeartbeatResponse{}, fmt.Errorf("Heartbeat %s: %w", deviceID, err)
	}
	if !ok {
		return types.HeartbeatResponse{}, ErrDeviceNotFound
	}

	now := s.now().UTC()
	fields := map[string]any{
		"last_heartbeat_at": now,
		"online":            true,
	}
	rec := store.HeartbeatRecord{DeviceID: deviceID, ReceivedAt: now}
	if status != nil {
		fields["last_status"] = status
		if status.FWVersion != "" {
			fields["firmware_version"] = status.FWVersion
		}
		rec.UptimeSec = status.UptimeSec
		rec.RSSI = status.RSSI
		rec.FirmwareVersion = status.FWVersion
		rec.LastAccessAt = status.LastAccessTS
	}
	if err := s.records.Update(ctx, devicePath(deviceID), fields); err != nil {
		return types.HeartbeatResponse{}, fmt.Errorf("Heartbeat %s: %w", deviceID, err)
	}

	if s.heartbeats != nil {
		if err := s.heartbeats.AppendHeartbeat(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "heartbeat history append failed", "device_id", deviceID, "error", err)
		}
	}
	s.metrics.IncHeartbeat()
	if err := s.notifier.Broadcast(ctx, notify.EventDeviceStatus, map[string]any{
		"device_id": deviceID,
		"online":    true,
		"at":        now,
	}); err != nil {
		s.logger.DebugContext(ctx, "device status broadcast failed", "error", err)
	}

	return types.HeartbeatResponse{Status: "OK", ServerTime: now.Format(time.RFC3339)}, nil
}

func (s *DeviceService) GetDevice(ctx context.Context, deviceID string) (types.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if !validKey(deviceID) {
		return types.Device{}, ErrDeviceNotFound
	}
	raw, err := s.records.Get(ctx, devicePath(deviceID))
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidPath) {
		return types.Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("GetDevice %s: %w", deviceID, err)
	}
	var d types.Device
	if err := json.Unmarshal(raw, &d); err != nil {
		return types.Device{}, fmt.Errorf("GetDevice %s: decode: %w", deviceID, err)
	}
	return d, nil
}

func (s *DeviceService) ListDevices(ctx context.Context) ([]types.Device, error) {
	recs, err := s.records.Query(ctx, devicesPath)
	if err != nil {
		return nil, fmt.Errorf("ListDevices: %w", err)
	}
	out := make([]types.Device, 0, len(recs))
	for _, rec := range recs {
		var d types.Device
		if err := rec.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode device %s: %w", rec.Key, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// UpdateConfig applies an operator change to the device's config subtree.
func (s *DeviceService) UpdateConfig(ctx context.Context, deviceID string, patch types.DeviceConfigPatch) (types.DeviceConfig, error) {
	dev, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return types.DeviceConfig{}, err
	}

	cfg := dev.Config
	if patch.RelayOpenMs != nil {
		v := *patch.RelayOpenMs
		if v < types.MinRelayOpenMs || v > types.MaxRelayOpenMs {
			return types.DeviceConfig{}, validationf("relay_open_ms must be between %d and %d",
				types.MinRelayOpenMs, types.MaxRelayOpenMs)
		}
		cfg.RelayOpenMs = v
	}
	if om := patch.OfflineMode; om != nil {
		if om.Enabled != nil {
			cfg.OfflineMode.Enabled = *om.Enabled
		}
		if om.CacheTTLSec != nil {
			v := *om.CacheTTLSec
			if v < types.MinCacheTTLSec || v > types.MaxCacheTTLSec {
				return types.DeviceConfig{}, validationf("cache_ttl_sec must be between %d and %d",
					types.MinCacheTTLSec, types.MaxCacheTTLSec)
			}
			cfg.OfflineMode.CacheTTLSec = v
		}
	}

	if err := s.records.Set(ctx, store.JoinPath(devicePath(dev.DeviceID), "config"), cfg); err != nil {
		return types.DeviceConfig{}, fmt.Errorf("UpdateConfig %s: %w", dev.DeviceID, err)
	}

	s.logger.InfoContext(ctx, "device config updated", "device_id", dev.DeviceID,
		"relay_open_ms", cfg.RelayOpenMs, "offline_enabled", cfg.OfflineMode.Enabled)
	if err := s.notifier.Broadcast(ctx, notify.EventDeviceConfig, map[string]any{
		"device_id": dev.DeviceID,
		"config":    cfg,
	}); err != nil {
		s.logger.DebugContext(ctx, "device config broadcast failed", "error", err)
	}
	return cfg, nil
}

// RelayOpenMs reads the device's relay pulse, falling back to the default
// for unknown devices or unreadable config.
func (s *DeviceService) RelayOpenMs(ctx context.Context, deviceID string) int {
	deviceID = strings.TrimSpace(deviceID)
	if !validKey(deviceID) {
		return types.DefaultRelayOpenMs
	}
	raw, err := s.records.Get(ctx, store.JoinPath(devicePath(deviceID), "config", "relay_open_ms"))
	if err != nil {
		return types.DefaultRelayOpenMs
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil || v <= 0 {
		return types.DefaultRelayOpenMs
	}
	return v
}
