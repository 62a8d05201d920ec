package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
	keyIDFile      = "key_id"
	retiredDir     = "retired"

	envKeyID  = "env-key-01"
	fileKeyID = "file-key-01"
)

// KeySource describes where the signing key may come from.  Load tries, in
// order: inline PEM, files in Dir, then generates and persists a new pair
// into Dir.
type KeySource struct {
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
	Dir           string
}

// Load resolves the signing key.  It is called once at startup.
func Load(src KeySource, logger *slog.Logger) (Key, error) {
	if strings.TrimSpace(src.PrivateKeyPEM) != "" {
		k, err := keyFromPEM(unescapePEM(src.PrivateKeyPEM), unescapePEM(src.PublicKeyPEM))
		if err != nil {
			return Key{}, fmt.Errorf("credential key from config: %w", err)
		}
		k.ID = firstNonEmpty(src.KeyID, envKeyID)
		logger.Info("credential key loaded", "source", "config", "kid", k.ID)
		return k, nil
	}

	if src.Dir == "" {
		return Key{}, errors.New("credential: no key configured and no key dir")
	}

	k, err := ReadKeyDir(src.Dir)
	switch {
	case err == nil:
		if src.KeyID != "" {
			k.ID = src.KeyID
		}
		logger.Info("credential key loaded", "source", "file", "dir", src.Dir, "kid", k.ID)
		return k, nil
	case !errors.Is(err, fs.ErrNotExist):
		return Key{}, err
	}

	k, err = Generate(fmt.Sprintf("generated-%d", time.Now().UnixMilli()))
	if err != nil {
		return Key{}, err
	}
	if err := WriteKeyDir(src.Dir, k); err != nil {
		return Key{}, err
	}
	logger.Warn("credential key generated", "dir", src.Dir, "kid", k.ID)
	return k, nil
}

// Generate creates a new Ed25519 key generation.
func Generate(id string) (Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return Key{ID: id, Private: priv, Public: pub}, nil
}

// ReadKeyDir loads private.pem (and public.pem / key_id when present) from
// dir.  It returns an fs.ErrNotExist error when there is no private key.
func ReadKeyDir(dir string) (Key, error) {
	privPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return Key{}, err
	}
	pubPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Key{}, err
	}

	k, err := keyFromPEM(string(privPEM), string(pubPEM))
	if err != nil {
		return Key{}, fmt.Errorf("credential key in %s: %w", dir, err)
	}

	k.ID = fileKeyID
	if b, err := os.ReadFile(filepath.Join(dir, keyIDFile)); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			k.ID = id
		}
	}
	return k, nil
}

// WriteKeyDir persists k so the next start loads the same generation.
func WriteKeyDir(dir string, k Key) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir key dir: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{privateKeyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600},
		{publicKeyFile, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644},
		{keyIDFile, []byte(k.ID + "\n"), 0o644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

// RetireKey keeps k's public half under <dir>/retired/<kid>.pem.
func RetireKey(dir string, k Key) error {
	pubDER, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	rdir := filepath.Join(dir, retiredDir)
	if err := os.MkdirAll(rdir, 0o700); err != nil {
		return fmt.Errorf("mkdir retired dir: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(rdir, k.ID+".pem"), data, 0o644); err != nil {
		return fmt.Errorf("write retired key: %w", err)
	}
	return nil
}

// RetiredKeys loads verify-only public keys from <dir>/retired/<kid>.pem so
// credentials from earlier key generations keep verifying after rotation.
func RetiredKeys(dir string) ([]Option, error) {
	entries, err := os.ReadDir(filepath.Join(dir, retiredDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read retired keys: %w", err)
	}

	var opts []Option
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pem") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, retiredDir, e.Name()))
		if err != nil {
			return nil, err
		}
		pub, err := parsePublic(string(b))
		if err != nil {
			return nil, fmt.Errorf("retired key %s: %w", e.Name(), err)
		}
		opts = append(opts, WithVerifyKey(strings.TrimSuffix(e.Name(), ".pem"), pub))
	}
	return opts, nil
}

func keyFromPEM(privPEM, pubPEM string) (Key, error) {
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil {
		return Key{}, errors.New("private key is not PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return Key{}, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return Key{}, errors.New("private key is not ed25519")
	}
	derived := priv.Public().(ed25519.PublicKey)

	if strings.TrimSpace(pubPEM) != "" {
		pub, err := parsePublic(pubPEM)
		if err != nil {
			return Key{}, err
		}
		if !pub.Equal(derived) {
			return Key{}, errors.New("public key does not match private key")
		}
	}
	return Key{Private: priv, Public: derived}, nil
}

func parsePublic(pubPEM string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return nil, errors.New("public key is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not ed25519")
	}
	return pub, nil
}

// unescapePEM accepts PEM values whose newlines arrived as literal "\n"
// (common for single-line environment variables).
func unescapePEM(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
