package credential_test

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/portunus-nfc/internal/logging"
	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/credential"
)

func TestLoad_GeneratesThenReloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := credential.Load(credential.KeySource{Dir: dir}, logging.Discard())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.ID, "generated-"))

	info, err := os.Stat(filepath.Join(dir, "private.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := credential.Load(credential.KeySource{Dir: dir}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "persisted kid survives restart")
	assert.True(t, first.Public.Equal(second.Public))
}

func TestLoad_FileWithoutKeyIDUsesDefault(t *testing.T) {
	dir := t.TempDir()
	k, err := credential.Generate("ignored")
	require.NoError(t, err)
	require.NoError(t, credential.WriteKeyDir(dir, k))
	require.NoError(t, os.Remove(filepath.Join(dir, "key_id")))

	got, err := credential.Load(credential.KeySource{Dir: dir}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "file-key-01", got.ID)
}

func TestLoad_FromInlinePEM(t *testing.T) {
	k, err := credential.Generate("x")
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	require.NoError(t, err)
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))

	// Single-line env form with escaped newlines.
	escaped := strings.ReplaceAll(privPEM, "\n", `\n`)

	got, err := credential.Load(credential.KeySource{PrivateKeyPEM: escaped}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "env-key-01", got.ID)
	assert.True(t, k.Public.Equal(got.Public))
}

func TestLoad_MismatchedPublicKey(t *testing.T) {
	a, err := credential.Generate("a")
	require.NoError(t, err)
	b, err := credential.Generate("b")
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, credential.WriteKeyDir(dir, a))
	bdir := t.TempDir()
	require.NoError(t, credential.WriteKeyDir(bdir, b))
	pub, err := os.ReadFile(filepath.Join(bdir, "public.pem"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "public.pem"), pub, 0o644))

	_, err = credential.Load(credential.KeySource{Dir: dir}, logging.Discard())
	assert.Error(t, err)
}

func TestRetiredKeys(t *testing.T) {
	dir := t.TempDir()
	old, err := credential.Generate("gen-2025")
	require.NoError(t, err)

	oldDir := t.TempDir()
	require.NoError(t, credential.WriteKeyDir(oldDir, old))
	pub, err := os.ReadFile(filepath.Join(oldDir, "public.pem"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "retired"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "retired", "gen-2025.pem"), pub, 0o644))

	opts, err := credential.RetiredKeys(dir)
	require.NoError(t, err)
	require.Len(t, opts, 1)

	current, err := credential.Generate("gen-2026")
	require.NoError(t, err)
	codec, err := credential.NewCodec(current, opts...)
	require.NoError(t, err)

	oldCodec, err := credential.NewCodec(old)
	require.NoError(t, err)
	cred, _, err := oldCodec.Issue("c_1", "AA")
	require.NoError(t, err)

	_, err = codec.Verify(cred.Raw)
	assert.NoError(t, err)

	none, err := credential.RetiredKeys(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetireKey_KeepsOldCredentialsVerifying(t *testing.T) {
	dir := t.TempDir()
	old, err := credential.Generate("gen-a")
	require.NoError(t, err)
	require.NoError(t, credential.WriteKeyDir(dir, old))

	oldCodec, err := credential.NewCodec(old)
	require.NoError(t, err)
	cred, _, err := oldCodec.Issue("c_1", "AA")
	require.NoError(t, err)

	require.NoError(t, credential.RetireKey(dir, old))
	next, err := credential.Generate("gen-b")
	require.NoError(t, err)
	require.NoError(t, credential.WriteKeyDir(dir, next))

	loaded, err := credential.Load(credential.KeySource{Dir: dir}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "gen-b", loaded.ID)

	opts, err := credential.RetiredKeys(dir)
	require.NoError(t, err)
	codec, err := credential.NewCodec(loaded, opts...)
	require.NoError(t, err)

	p, err := codec.Verify(cred.Raw)
	require.NoError(t, err)
	assert.Equal(t, "c_1", p.CardID)
}
