package credential_test

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/credential"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newCodec(t *testing.T, kid string, opts ...credential.Option) (*credential.Codec, credential.Key) {
	t.Helper()
	k, err := credential.Generate(kid)
	require.NoError(t, err)
	c, err := credential.NewCodec(k, append([]credential.Option{credential.WithClock(fixedClock(t0))}, opts...)...)
	require.NoError(t, err)
	return c, k
}

func samplePayload() credential.Payload {
	return credential.Payload{
		CardID:    "c_1a2b3c4d",
		CardUID:   "AABBCC",
		TokenID:   "tok-1",
		IssuedAt:  t0,
		ExpiresAt: t0.Add(time.Hour),
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c, _ := newCodec(t, "k1")
	in := samplePayload()

	raw, err := c.Sign(in)
	require.NoError(t, err)

	out, err := c.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCodec_WireFormat(t *testing.T) {
	c, _ := newCodec(t, "k1")
	raw, err := c.Sign(samplePayload())
	require.NoError(t, err)

	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)

	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	var header map[string]string
	require.NoError(t, json.Unmarshal(hb, &header))
	assert.Equal(t, map[string]string{"alg": "EdDSA", "typ": "JWT", "kid": "k1"}, header)

	pb, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(pb, &payload))
	assert.Equal(t, "c_1a2b3c4d", payload["card_id"])
	assert.Equal(t, "AABBCC", payload["card_uid"])
	assert.EqualValues(t, t0.Unix(), payload["iat"])
	assert.EqualValues(t, t0.Add(time.Hour).Unix(), payload["exp"])
}

func TestCodec_Expired(t *testing.T) {
	c, k := newCodec(t, "k1")
	raw, err := c.Sign(samplePayload())
	require.NoError(t, err)

	later, err := credential.NewCodec(k, credential.WithClock(fixedClock(t0.Add(2*time.Hour))))
	require.NoError(t, err)

	_, err = later.Verify(raw)
	assert.ErrorIs(t, err, credential.ErrExpired)
	assert.Equal(t, "CREDENTIAL_EXPIRED", credential.Code(err))
}

func TestCodec_TamperedPayload(t *testing.T) {
	c, _ := newCodec(t, "k1")
	raw, err := c.Sign(samplePayload())
	require.NoError(t, err)

	parts := strings.Split(raw, ".")
	forged := samplePayload()
	forged.CardID = "c_attacker"
	other, err := c.Sign(forged)
	require.NoError(t, err)
	parts[1] = strings.Split(other, ".")[1]

	_, err = c.Verify(strings.Join(parts, "."))
	assert.ErrorIs(t, err, credential.ErrBadSignature)
}

func TestCodec_ExpiredAndForged_ReportsSignature(t *testing.T) {
	c, _ := newCodec(t, "k1")
	attacker, _ := newCodec(t, "k1")

	p := samplePayload()
	p.ExpiresAt = t0.Add(-time.Hour)
	raw, err := attacker.Sign(p)
	require.NoError(t, err)

	_, err = c.Verify(raw)
	assert.ErrorIs(t, err, credential.ErrBadSignature)
}

func TestCodec_Malformed(t *testing.T) {
	c, _ := newCodec(t, "k1")
	good, err := c.Sign(samplePayload())
	require.NoError(t, err)
	parts := strings.Split(good, ".")

	cases := map[string]string{
		"empty":          "",
		"two parts":      parts[0] + "." + parts[1],
		"four parts":     good + ".x",
		"bad base64":     parts[0] + ".!!!." + parts[2],
		"non-json body":  parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte("nope")) + "." + parts[2],
		"bad sig base64": parts[0] + "." + parts[1] + ".***",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Verify(raw)
			assert.ErrorIs(t, err, credential.ErrMalformed)
		})
	}
}

func TestCodec_UnknownKeyID(t *testing.T) {
	a, _ := newCodec(t, "k-old")
	b, _ := newCodec(t, "k-new")

	raw, err := a.Sign(samplePayload())
	require.NoError(t, err)

	_, err = b.Verify(raw)
	assert.ErrorIs(t, err, credential.ErrUnknownKey)
}

func TestCodec_RetiredKeyStillVerifies(t *testing.T) {
	old, oldKey := newCodec(t, "k-old")
	current, _ := newCodec(t, "k-new", credential.WithVerifyKey(oldKey.ID, oldKey.Public))

	raw, err := old.Sign(samplePayload())
	require.NoError(t, err)

	p, err := current.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "c_1a2b3c4d", p.CardID)
	assert.Equal(t, "k-new", current.KeyID())
}

func TestCodec_WrongAlgorithmRejected(t *testing.T) {
	c, _ := newCodec(t, "k1")
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT","kid":"k1"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(`{"card_id":"c_1","card_uid":"AA","exp":9999999999}`))

	_, err := c.Verify(header + "." + body + ".")
	require.Error(t, err)
	assert.NotEmpty(t, credential.Code(err))
}

func TestCodec_Issue(t *testing.T) {
	c, _ := newCodec(t, "k1")

	a, pa, err := c.Issue("c_1", "AABBCC")
	require.NoError(t, err)
	b, _, err := c.Issue("c_1", "AABBCC")
	require.NoError(t, err)

	assert.Equal(t, "jwt", a.Format)
	assert.Equal(t, "EdDSA", a.Alg)
	assert.Equal(t, t0.Add(credential.DefaultTTL).Format(time.RFC3339), a.Exp)
	assert.Equal(t, t0.Add(credential.DefaultTTL), pa.ExpiresAt)
	assert.NotEqual(t, a.Raw, b.Raw, "two issues in the same second must differ")

	p, err := c.VerifyForCard(a.Raw, "c_1", "AABBCC")
	require.NoError(t, err)
	assert.Equal(t, pa, p)
}

func TestCodec_VerifyForCard_Binding(t *testing.T) {
	c, _ := newCodec(t, "k1")
	cred, _, err := c.Issue("c_1", "AABBCC")
	require.NoError(t, err)

	_, err = c.VerifyForCard(cred.Raw, "c_1", "DDEEFF")
	assert.ErrorIs(t, err, credential.ErrUIDMismatch)

	_, err = c.VerifyForCard(cred.Raw, "c_2", "AABBCC")
	assert.ErrorIs(t, err, credential.ErrCardMismatch)
}

func TestCodec_ConcurrentVerify(t *testing.T) {
	c, _ := newCodec(t, "k1")
	raw, err := c.Sign(samplePayload())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Verify(raw); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent verify: %v", err)
	}
}

func TestShouldRotate(t *testing.T) {
	p := credential.Payload{IssuedAt: t0, ExpiresAt: t0.Add(30 * 24 * time.Hour)}

	assert.False(t, credential.ShouldRotate(p, t0.Add(24*time.Hour)))
	assert.True(t, credential.ShouldRotate(p, t0.Add(8*24*time.Hour)), "older than 7 days")

	short := credential.Payload{IssuedAt: t0, ExpiresAt: t0.Add(4 * time.Hour)}
	assert.False(t, credential.ShouldRotate(short, t0.Add(2*time.Hour)))
	assert.True(t, credential.ShouldRotate(short, t0.Add(3*time.Hour+30*time.Minute)), "under 25% remaining")
}

func TestNewCodec_Validation(t *testing.T) {
	k, err := credential.Generate("")
	require.NoError(t, err)
	_, err = credential.NewCodec(k)
	assert.Error(t, err)

	_, err = credential.NewCodec(credential.Key{ID: "x"})
	assert.Error(t, err)
}

func TestCodec_PublicKeyPEM(t *testing.T) {
	c, _ := newCodec(t, "k1")
	assert.True(t, strings.HasPrefix(c.PublicKeyPEM(), "-----BEGIN PUBLIC KEY-----"))
}
