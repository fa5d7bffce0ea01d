package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/sign"
)

// ErrInvalidKeyPair indicates a public key does not verify its secret key's signatures.
var ErrInvalidKeyPair = errors.New("crypto: key pair is invalid")

var keyPairProbe = []byte("keypair validation probe")

// GenerateKeyPair returns a fresh base64 public and secret key.
func GenerateKeyPair() (publicKey, secretKey string, err error) {
	pub, sec, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub[:]), base64.StdEncoding.EncodeToString(sec[:]), nil
}

// ValidateKeyPair signs a probe with the secret key and opens it with the
// public key.
func ValidateKeyPair(publicKey, secretKey string) error {
	secretRaw, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return errors.New("invalid secret key")
	}
	if len(secretRaw) != SecretKeySize {
		return fmt.Errorf("invalid secret key: size %d", len(secretRaw))
	}
	publicRaw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return errors.New("invalid public key")
	}
	if len(publicRaw) != PublicKeySize {
		return fmt.Errorf("invalid public key: size %d", len(publicRaw))
	}

	var (
		sec [SecretKeySize]byte
		pub [PublicKeySize]byte
	)
	copy(sec[:], secretRaw)
	copy(pub[:], publicRaw)

	signed := sign.Sign(nil, keyPairProbe, &sec)
	opened, ok := sign.Open(nil, signed, &pub)
	if !ok || !bytes.Equal(opened, keyPairProbe) {
		return ErrInvalidKeyPair
	}
	return nil
}
