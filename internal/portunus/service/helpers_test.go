package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/portunus-nfc/internal/logging"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/credential"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store/memory"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

const (
	testDeviceID     = "esp32-01"
	testDeviceSecret = "s3cret"
	testDoor         = "door_A"
)

// faultyStore fails reads and writes below any path prefix in failOn.
type faultyStore struct {
	store.RecordStore
	mu     sync.Mutex
	failOn []string
}

var errStoreDown = errors.New("store unavailable")

func (f *faultyStore) failing(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.failOn {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (f *faultyStore) fail(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = append(f.failOn, prefix)
}

func (f *faultyStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if f.failing(path) {
		return nil, errStoreDown
	}
	return f.RecordStore.Get(ctx, path)
}

func (f *faultyStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if f.failing(path) {
		return errStoreDown
	}
	return f.RecordStore.Update(ctx, path, fields)
}

func (f *faultyStore) Push(ctx context.Context, collection string, value any) (string, error) {
	if f.failing(collection) {
		return "", errStoreDown
	}
	return f.RecordStore.Push(ctx, collection, value)
}

// failingAppender rejects every log entry but remembers them.
type failingAppender struct {
	mu      sync.Mutex
	entries []types.AccessLogEntry
}

func (f *failingAppender) Append(_ context.Context, e types.AccessLogEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return "", errStoreDown
}

type fixture struct {
	records    *faultyStore
	heartbeats *memory.HeartbeatStore
	codec      *credential.Codec
	users      *service.UserDirectory
	cards      *service.CardRegistry
	logs       *service.AccessLog
	devices    *service.DeviceService
	tokens     *service.DeviceTokens
	access     *service.AccessService
}

type fixtureOption func(*service.AccessDeps)

func withAppender(a service.LogAppender) fixtureOption {
	return func(d *service.AccessDeps) { d.Logs = a }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	key, err := credential.Generate("test-key")
	require.NoError(t, err)
	codec, err := credential.NewCodec(key)
	require.NoError(t, err)

	logger := logging.Discard()
	records := &faultyStore{RecordStore: memory.NewRecordStore()}
	heartbeats := memory.NewHeartbeatStore()
	users := service.NewUserDirectory(records)
	cards := service.NewCardRegistry(records, users, logger)
	logs := service.NewAccessLog(records, nil, nil, logger)
	tokens := service.NewDeviceTokens("device-test-secret", 0)
	devices := service.NewDeviceService(service.DeviceDeps{
		Records:    records,
		Heartbeats: heartbeats,
		Cards:      cards,
		Codec:      codec,
		Tokens:     tokens,
		Secrets:    map[string]string{testDeviceID: testDeviceSecret},
		Logger:     logger,
	})

	deps := service.AccessDeps{
		Cards:  cards,
		Users:  users,
		Codec:  codec,
		Logs:   logs,
		Relay:  devices,
		Logger: logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &fixture{
		records:    records,
		heartbeats: heartbeats,
		codec:      codec,
		users:      users,
		cards:      cards,
		logs:       logs,
		devices:    devices,
		tokens:     tokens,
		access:     service.NewAccessService(deps),
	}
}

func (f *fixture) putUser(t *testing.T, id string, active bool) {
	t.Helper()
	require.NoError(t, f.users.PutUser(context.Background(), types.User{UserID: id, Name: "User " + id, IsActive: active}))
}

func (f *fixture) createCard(t *testing.T, uid string) types.Card {
	t.Helper()
	c, err := f.cards.CreateCard(context.Background(), testDeviceID, uid, "")
	require.NoError(t, err)
	return c
}

// assignedCard returns an active card owned by an active user, out of
// enroll mode, with the given policy overrides.
func (f *fixture) assignedCard(t *testing.T, uid string, policy *types.PolicyPatch) types.Card {
	t.Helper()
	f.putUser(t, "u1", true)
	ctx := context.Background()
	c := f.createCard(t, uid)
	_, err := f.cards.AssignUserToCard(ctx, c.CardID, "u1", policy)
	require.NoError(t, err)
	require.NoError(t, f.cards.CompleteEnrollment(ctx, c.CardID))
	c, err = f.cards.GetCardByID(ctx, c.CardID)
	require.NoError(t, err)
	return c
}

// credentialFor mints a valid credential for c.
func (f *fixture) credentialFor(t *testing.T, c types.Card) *types.Credential {
	t.Helper()
	cred, _, err := f.codec.Issue(c.CardID, c.CardUID)
	require.NoError(t, err)
	return &cred
}

func (f *fixture) tap(t *testing.T, door, cardID, cardUID string, cred *types.Credential) types.AccessCheckResponse {
	t.Helper()
	req := types.AccessCheckRequest{
		DeviceID: testDeviceID,
		DoorID:   door,
		CardID:   cardID,
		CardUID:  cardUID,
	}
	if cred != nil {
		req.Credential = &types.CredentialInput{Raw: cred.Raw, Format: cred.Format}
	}
	resp, err := f.access.Check(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func (f *fixture) allLogs(t *testing.T) []types.AccessLogEntry {
	t.Helper()
	page, err := f.logs.Query(context.Background(), types.LogQuery{Limit: 1000})
	require.NoError(t, err)
	return page.Logs
}

func ptr[T any](v T) *T { return &v }
