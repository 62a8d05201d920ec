package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/service"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/types"
)

// ── Scenarios ───────────────────────────────────────────────────────────────

func TestCheck_EnrollmentFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	card := f.createCard(t, "AABBCC")
	assert.True(t, card.EnrollMode)
	assert.Empty(t, card.UserID)

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", nil)
	assert.Equal(t, types.Deny, resp.Result)
	assert.Equal(t, types.ReasonCardNotAssigned, resp.Reason)

	f.putUser(t, "u1", true)
	_, err := f.cards.AssignUserToCard(ctx, card.CardID, "u1", nil)
	require.NoError(t, err)

	resp = f.tap(t, testDoor, card.CardID, "AABBCC", nil)
	require.Equal(t, types.Allow, resp.Result)
	assert.Equal(t, types.ReasonFirstCredentialIssued, resp.Reason)
	require.NotNil(t, resp.Credential)
	assert.Equal(t, "jwt", resp.Credential.Format)
	assert.Equal(t, "EdDSA", resp.Credential.Alg)
	require.NotNil(t, resp.User)
	assert.Equal(t, "u1", resp.User.UserID)
	assert.Equal(t, types.DefaultRelayOpenMs, resp.RelayOpenMs)

	stored, err := f.cards.GetCardByID(ctx, card.CardID)
	require.NoError(t, err)
	assert.False(t, stored.EnrollMode, "first issuance ends enrollment")

	first := resp.Credential
	resp = f.tap(t, testDoor, card.CardID, "AABBCC", first)
	require.Equal(t, types.Allow, resp.Result)
	assert.Equal(t, types.ReasonAccessGranted, resp.Reason)
	require.NotNil(t, resp.Credential)
	assert.NotEqual(t, first.Raw, resp.Credential.Raw, "credential rotates on every use")

	logs := f.allLogs(t)
	require.Len(t, logs, 3)
	// newest first
	assert.True(t, logs[0].CredentialRotated)
	assert.True(t, logs[1].CredentialIssued)
	assert.Equal(t, types.ReasonCardNotAssigned, logs[2].Reason)
}

func TestCheck_RotatedCredentialIsBoundToCard(t *testing.T) {
	f := newFixture(t)
	card := f.assignedCard(t, "AABBCC", nil)
	presented := f.credentialFor(t, card)
	consumed, err := f.codec.Verify(presented.Raw)
	require.NoError(t, err)

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", presented)
	require.Equal(t, types.Allow, resp.Result)

	fresh, err := f.codec.Verify(resp.Credential.Raw)
	require.NoError(t, err)
	assert.Equal(t, card.CardID, fresh.CardID)
	assert.Equal(t, card.CardUID, fresh.CardUID)
	assert.True(t, fresh.ExpiresAt.After(consumed.IssuedAt))
}

func TestCheck_DoorScoping(t *testing.T) {
	f := newFixture(t)
	card := f.assignedCard(t, "AABBCC", &types.PolicyPatch{AllowedDoors: []string{"door_A"}})

	resp := f.tap(t, "door_B", card.CardID, "AABBCC", nil)
	assert.Equal(t, types.Deny, resp.Result)
	assert.Equal(t, types.ReasonDoorNotAllowed, resp.Reason)

	resp = f.tap(t, "door_A", card.CardID, "AABBCC", nil)
	assert.Equal(t, types.Allow, resp.Result)
	assert.Equal(t, types.ReasonCredentialMissingReissued, resp.Reason)
}

func TestCheck_ExpiredPolicyBeatsValidCredential(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour).UTC()
	card := f.assignedCard(t, "AABBCC", &types.PolicyPatch{
		ValidUntil: types.OptionalTime{Set: true, Time: &past},
	})

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", f.credentialFor(t, card))
	assert.Equal(t, types.Deny, resp.Result)
	assert.Equal(t, types.ReasonPolicyExpired, resp.Reason)
	assert.Nil(t, resp.Credential)
}

func TestCheck_RevokedCardAlwaysDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.assignedCard(t, "AABBCC", nil)
	cred := f.credentialFor(t, card)

	_, err := f.cards.RevokeCard(ctx, card.CardID, "lost")
	require.NoError(t, err)

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", cred)
	assert.Equal(t, types.Deny, resp.Result)
	assert.Equal(t, types.ReasonCardRevoked, resp.Reason)

	resp = f.tap(t, testDoor, "", "AABBCC", nil)
	assert.Equal(t, types.ReasonCardRevoked, resp.Reason)

	// An enrolling card that is made inactive is denied the same way.
	blank := f.createCard(t, "DDEEFF")
	_, err = f.cards.UpdateCard(ctx, blank.CardID, types.CardPatch{Status: ptr(types.CardInactive)})
	require.NoError(t, err)
	resp = f.tap(t, testDoor, blank.CardID, "", nil)
	assert.Equal(t, types.ReasonCardRevoked, resp.Reason)
}

// ── Individual gates ────────────────────────────────────────────────────────

func TestCheck_CardNotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.tap(t, testDoor, "c_missing", "FFFFFF", nil)
	assert.Equal(t, types.Deny, resp.Result)
	assert.Equal(t, types.ReasonCardNotFound, resp.Reason)

	logs := f.allLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "c_missing", logs[0].CardID)
	assert.Equal(t, "FFFFFF", logs[0].CardUID)
	assert.Equal(t, testDeviceID, logs[0].DeviceID)
}

func TestCheck_FallsBackToUIDLookup(t *testing.T) {
	f := newFixture(t)
	card := f.assignedCard(t, "AABBCC", nil)

	resp := f.tap(t, testDoor, "c_unknown", "AABBCC", nil)
	assert.Equal(t, types.Allow, resp.Result)

	logs := f.allLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, card.CardID, logs[0].CardID)
}

func TestCheck_UserInactiveOrMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.assignedCard(t, "AABBCC", nil)

	f.putUser(t, "u1", false)
	resp := f.tap(t, testDoor, card.CardID, "AABBCC", nil)
	assert.Equal(t, types.ReasonUserInactive, resp.Reason)

	require.NoError(t, f.records.Remove(ctx, "users/u1"))
	resp = f.tap(t, testDoor, card.CardID, "AABBCC", nil)
	assert.Equal(t, types.ReasonUserInactive, resp.Reason)
}

func TestCheck_InvalidCredentialSurfacesCodecReason(t *testing.T) {
	f := newFixture(t)
	card := f.assignedCard(t, "AABBCC", nil)
	cred := f.credentialFor(t, card)

	parts := strings.Split(cred.Raw, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	parts[2] = string(sig)
	tampered := &types.Credential{Raw: strings.Join(parts, ".")}

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", tampered)
	assert.Equal(t, types.Deny, resp.Result)
	assert.Equal(t, "INVALID_SIGNATURE", resp.Reason)

	logs := f.allLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, types.ReasonInvalidCredential, logs[0].Reason)
	assert.Equal(t, "INVALID_SIGNATURE", logs[0].Error)

	resp = f.tap(t, testDoor, card.CardID, "AABBCC", &types.Credential{Raw: "not-a-token"})
	assert.Equal(t, "INVALID_CREDENTIAL_FORMAT", resp.Reason)
}

func TestCheck_CredentialBoundToTappedUID(t *testing.T) {
	f := newFixture(t)
	card := f.assignedCard(t, "AABBCC", nil)
	cred := f.credentialFor(t, card)

	resp := f.tap(t, testDoor, card.CardID, "001122", cred)
	assert.Equal(t, types.Deny, resp.Result)
	assert.Equal(t, "CARD_UID_MISMATCH", resp.Reason)
}

func TestCheck_CredentialFromAnotherCard(t *testing.T) {
	f := newFixture(t)
	card := f.assignedCard(t, "AABBCC", nil)
	other := f.createCard(t, "112233")

	stolen, _, err := f.codec.Issue(other.CardID, "AABBCC")
	require.NoError(t, err)

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", &stolen)
	assert.Equal(t, "CARD_ID_MISMATCH", resp.Reason)
}

func TestCheck_CardNotConfigured(t *testing.T) {
	f := newFixture(t)
	card := f.createCard(t, "AABBCC")
	_, err := f.cards.UpdateCard(context.Background(), card.CardID, types.CardPatch{EnrollMode: ptr(false)})
	require.NoError(t, err)

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", nil)
	assert.Equal(t, types.Deny, resp.Result)
	assert.Equal(t, types.ReasonCardNotConfigured, resp.Reason)
}

func TestCheck_EmptyCredentialCountsAsAbsent(t *testing.T) {
	f := newFixture(t)
	card := f.assignedCard(t, "AABBCC", nil)

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", &types.Credential{Raw: "  "})
	assert.Equal(t, types.ReasonCredentialMissingReissued, resp.Reason)
}

func TestCheck_AllowCarriesPolicyAndRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	until := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	card := f.assignedCard(t, "AABBCC", &types.PolicyPatch{
		AccessLevel: ptr(types.AccessManager),
		ValidUntil:  types.OptionalTime{Set: true, Time: &until},
	})

	_, err := f.devices.Register(ctx, types.RegisterRequest{DeviceID: testDeviceID, Secret: testDeviceSecret})
	require.NoError(t, err)
	_, err = f.devices.UpdateConfig(ctx, testDeviceID, types.DeviceConfigPatch{RelayOpenMs: ptr(1500)})
	require.NoError(t, err)

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", nil)
	require.Equal(t, types.Allow, resp.Result)
	assert.Equal(t, 1500, resp.RelayOpenMs)
	require.NotNil(t, resp.Policy)
	assert.Equal(t, types.AccessManager, resp.Policy.AccessLevel)
	require.NotNil(t, resp.Policy.ValidUntil)
	assert.Equal(t, until.Format(time.RFC3339), *resp.Policy.ValidUntil)
}

func TestCheck_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.access.Check(ctx, types.AccessCheckRequest{CardUID: "AA"})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = f.access.Check(ctx, types.AccessCheckRequest{DoorID: testDoor})
	assert.ErrorIs(t, err, service.ErrValidation)
	assert.Empty(t, f.allLogs(t))
}

// ── Audit and failure handling ──────────────────────────────────────────────

func TestCheck_ExactlyOneLogPerCheck(t *testing.T) {
	f := newFixture(t)
	card := f.assignedCard(t, "AABBCC", &types.PolicyPatch{AllowedDoors: []string{"door_A"}})

	f.tap(t, "door_A", card.CardID, "AABBCC", nil)
	f.tap(t, "door_B", card.CardID, "AABBCC", nil)
	f.tap(t, "door_A", "", "NOPE", nil)

	assert.Len(t, f.allLogs(t), 3)
}

func TestCheck_LogFailureDoesNotChangeDecision(t *testing.T) {
	appender := &failingAppender{}
	f := newFixture(t, withAppender(appender))
	card := f.assignedCard(t, "AABBCC", nil)

	resp := f.tap(t, testDoor, card.CardID, "AABBCC", nil)
	assert.Equal(t, types.Allow, resp.Result)
	require.Len(t, appender.entries, 1)
	assert.Equal(t, types.Allow, appender.entries[0].Decision)
}

func TestCheck_SystemErrorIsLoggedAndReturned(t *testing.T) {
	f := newFixture(t)
	card := f.assignedCard(t, "AABBCC", nil)
	f.records.fail("users/")

	_, err := f.access.Check(context.Background(), types.AccessCheckRequest{
		DeviceID: testDeviceID,
		DoorID:   testDoor,
		CardID:   card.CardID,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)

	logs := f.allLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, types.Deny, logs[0].Decision)
	assert.Equal(t, types.ReasonSystemError, logs[0].Reason)
	assert.Contains(t, logs[0].Error, errStoreDown.Error())
}

func TestCheck_CardStoreFailureWithholdsCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putUser(t, "u1", true)
	card := f.createCard(t, "AABBCC")
	_, err := f.cards.AssignUserToCard(ctx, card.CardID, "u1", nil)
	require.NoError(t, err)

	f.records.fail("cards/" + card.CardID)
	resp, err := f.access.Check(ctx, types.AccessCheckRequest{DoorID: testDoor, CardUID: "AABBCC"})
	require.Error(t, err)
	assert.Nil(t, resp.Credential)
}

// ── Concurrency ─────────────────────────────────────────────────────────────

func TestCheck_ConcurrentFirstTapsIssueOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putUser(t, "u1", true)
	card := f.createCard(t, "AABBCC")
	_, err := f.cards.AssignUserToCard(ctx, card.CardID, "u1", nil)
	require.NoError(t, err)

	const n = 16
	reasons := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.access.Check(ctx, types.AccessCheckRequest{
				DeviceID: testDeviceID,
				DoorID:   testDoor,
				CardID:   card.CardID,
				CardUID:  "AABBCC",
			})
			if err != nil {
				reasons <- "error: " + err.Error()
				return
			}
			reasons <- resp.Reason
		}()
	}
	wg.Wait()
	close(reasons)

	counts := map[string]int{}
	for r := range reasons {
		counts[r]++
	}
	assert.Equal(t, 1, counts[types.ReasonFirstCredentialIssued])
	assert.Equal(t, n-1, counts[types.ReasonCredentialMissingReissued])
	assert.Len(t, f.allLogs(t), n)
}
