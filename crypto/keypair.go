package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/sign"
)

const (
	// SecretKeyFileName holds the base64 secret key (seed || public key).
	SecretKeyFileName = "id_ed25519"
	// PublicKeyFileName holds the base64 public key.
	PublicKeyFileName = "id_ed25519.pub"

	SecretKeySize = 64
	PublicKeySize = 32

	// DefaultGenerateWait gives a sibling process time to finish writing
	// the identity before this one generates its own.
	DefaultGenerateWait = 300 * time.Millisecond
	maxGenerateWait     = 3 * time.Second

	maxGenerateAttempts = 300
	reservedKeyChars    = "/:"
)

var (
	// ErrMalformedSecretKey indicates the on-disk secret key has the wrong size.
	ErrMalformedSecretKey = errors.New("crypto: malformed private key")
	// ErrNoUsableKey indicates every generation attempt produced a reserved character.
	ErrNoUsableKey = errors.New("crypto: no usable keypair generated")
)

// ServerIdentity is the relay's long-term signing keypair. SecretKey is nil
// when the server runs keyless.
type ServerIdentity struct {
	PublicKey string
	SecretKey []byte
}

// Keyless reports whether no identity is available.
func (id ServerIdentity) Keyless() bool {
	return len(id.SecretKey) == 0
}

// LoadOrGenerate reads the identity under dir, generating and persisting a
// fresh one when none exists. A secret key of the wrong size returns
// ErrMalformedSecretKey. Failure to persist a generated key is not an
// error: the returned identity is keyless.
func LoadOrGenerate(dir string, wait time.Duration) (ServerIdentity, error) {
	secretPath := filepath.Join(dir, SecretKeyFileName)

	if wait > 0 {
		if _, err := os.Stat(secretPath); errors.Is(err, fs.ErrNotExist) {
			time.Sleep(min(wait, maxGenerateWait))
		}
	}

	raw, err := os.ReadFile(secretPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return generateAndPersist(dir), nil
		}
		slog.Warn("cannot read server key, running keyless", "path", secretPath, "error", err)
		return ServerIdentity{}, nil
	}

	secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(secret) != SecretKeySize {
		return ServerIdentity{}, fmt.Errorf("%w in %s", ErrMalformedSecretKey, secretPath)
	}

	slog.Info("private key loaded", "path", secretPath)
	return ServerIdentity{
		PublicKey: base64.StdEncoding.EncodeToString(secret[SecretKeySize-PublicKeySize:]),
		SecretKey: secret,
	}, nil
}

// MustLoadOrGenerate is LoadOrGenerate that terminates the process when
// the on-disk key is malformed.
func MustLoadOrGenerate(dir string, wait time.Duration) ServerIdentity {
	id, err := LoadOrGenerate(dir, wait)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v.\n", err)
		os.Exit(1)
	}
	return id
}

// DerivePublicFromSecret returns the base64 public half of key when key is
// a base64 secret key, and key unchanged otherwise.
func DerivePublicFromSecret(key string) string {
	secret, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(secret) != SecretKeySize {
		return key
	}
	return base64.StdEncoding.EncodeToString(secret[SecretKeySize-PublicKeySize:])
}

// ServerKey resolves configured key material to the key clients must
// present. "-" and "_" request the persisted identity under dir.
func ServerKey(key, dir string) string {
	derived := DerivePublicFromSecret(key)
	if derived != key {
		slog.Info("the key is a crypto private key")
	}
	key = derived

	if key == "-" || key == "_" {
		key = MustLoadOrGenerate(dir, DefaultGenerateWait).PublicKey
	}
	if key != "" {
		slog.Info("server key", "key", key)
	}
	return key
}

func generateAndPersist(dir string) ServerIdentity {
	publicKey, secret, err := generateServerKey()
	if err != nil {
		slog.Warn("server key generation failed, running keyless", "error", err)
		return ServerIdentity{}
	}

	publicPath := filepath.Join(dir, PublicKeyFileName)
	if err := os.WriteFile(publicPath, []byte(publicKey), 0o644); err != nil {
		slog.Warn("write public key failed, running keyless", "path", publicPath, "error", err)
		return ServerIdentity{}
	}

	secretPath := filepath.Join(dir, SecretKeyFileName)
	if err := os.WriteFile(secretPath, []byte(base64.StdEncoding.EncodeToString(secret)), 0o600); err != nil {
		slog.Warn("write private key failed, running keyless", "path", secretPath, "error", err)
		return ServerIdentity{}
	}

	slog.Info("generated new keypair", "path", secretPath)
	return ServerIdentity{PublicKey: publicKey, SecretKey: secret}
}

// generateServerKey draws keypairs until the encoded public key is usable
// as a bare token.
func generateServerKey() (string, []byte, error) {
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		publicKey, secret, err := sign.GenerateKey(rand.Reader)
		if err != nil {
			return "", nil, fmt.Errorf("generate keypair: %w", err)
		}
		encoded := base64.StdEncoding.EncodeToString(publicKey[:])
		if !strings.ContainsAny(encoded, reservedKeyChars) {
			return encoded, secret[:], nil
		}
	}
	return "", nil, ErrNoUsableKey
}
