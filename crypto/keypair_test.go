package crypto

import (
	"encoding/base64"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrGenerateIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, 0)
	if err != nil {
		t.Fatalf("first LoadOrGenerate failed: %v", err)
	}
	if first.Keyless() || first.PublicKey == "" {
		t.Fatalf("expected generated identity, got keyless")
	}

	for i := 0; i < 3; i++ {
		again, err := LoadOrGenerate(dir, 0)
		if err != nil {
			t.Fatalf("LoadOrGenerate #%d failed: %v", i+2, err)
		}
		if again.PublicKey != first.PublicKey {
			t.Fatalf("expected stable public key, got %q then %q", first.PublicKey, again.PublicKey)
		}
	}

	pub, err := os.ReadFile(filepath.Join(dir, PublicKeyFileName))
	if err != nil {
		t.Fatalf("read public key file: %v", err)
	}
	if string(pub) != first.PublicKey {
		t.Fatalf("public key file mismatch: %q vs %q", pub, first.PublicKey)
	}
}

func TestLoadOrGenerateUsesExistingSecret(t *testing.T) {
	dir := t.TempDir()
	pub, sec, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SecretKeyFileName), []byte(sec+"\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	id, err := LoadOrGenerate(dir, DefaultGenerateWait)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if id.PublicKey != pub {
		t.Fatalf("expected public key %q, got %q", pub, id.PublicKey)
	}
}

func TestLoadOrGenerateRejectsMalformedSecret(t *testing.T) {
	dir := t.TempDir()
	short := base64.StdEncoding.EncodeToString(make([]byte, 40))
	if err := os.WriteFile(filepath.Join(dir, SecretKeyFileName), []byte(short), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	if _, err := LoadOrGenerate(dir, 0); !errors.Is(err, ErrMalformedSecretKey) {
		t.Fatalf("expected ErrMalformedSecretKey, got %v", err)
	}
}

func TestMustLoadOrGenerateExitsOnMalformedSecret(t *testing.T) {
	if dir := os.Getenv("KEYPAIR_TEST_MALFORMED_DIR"); dir != "" {
		MustLoadOrGenerate(dir, 0)
		return
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, SecretKeyFileName), []byte("bm90LWEta2V5"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestMustLoadOrGenerateExitsOnMalformedSecret$")
	cmd.Env = append(os.Environ(), "KEYPAIR_TEST_MALFORMED_DIR="+dir)
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit status 1, got %v (output %q)", err, out)
	}
	if !strings.Contains(string(out), "malformed private key") {
		t.Fatalf("expected diagnostic, got %q", out)
	}
}

func TestLoadOrGenerateKeylessWhenPersistFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing", "nested")

	id, err := LoadOrGenerate(dir, 0)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}
	if !id.Keyless() || id.PublicKey != "" {
		t.Fatalf("expected keyless identity, got %+v", id)
	}
}

func TestGeneratedPublicKeysAvoidReservedCharacters(t *testing.T) {
	for i := 0; i < 500; i++ {
		pub, sec, err := generateServerKey()
		if err != nil {
			t.Fatalf("generateServerKey failed: %v", err)
		}
		if strings.ContainsAny(pub, "/:") {
			t.Fatalf("generated public key %q contains a reserved character", pub)
		}
		if len(sec) != SecretKeySize {
			t.Fatalf("unexpected secret size %d", len(sec))
		}
	}
}

func TestDerivePublicFromSecret(t *testing.T) {
	pub, sec, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	if got := DerivePublicFromSecret(sec); got != pub {
		t.Fatalf("expected derived %q, got %q", pub, got)
	}
	if got := DerivePublicFromSecret(pub); got != pub {
		t.Fatalf("expected public key unchanged, got %q", got)
	}
	if got := DerivePublicFromSecret("-"); got != "-" {
		t.Fatalf("expected placeholder unchanged, got %q", got)
	}
}

func TestServerKeyPlaceholderUsesPersistedIdentity(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrGenerate(dir, 0)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}

	for _, placeholder := range []string{"-", "_"} {
		if got := ServerKey(placeholder, dir); got != id.PublicKey {
			t.Fatalf("ServerKey(%q) = %q, want %q", placeholder, got, id.PublicKey)
		}
	}
	if got := ServerKey("", dir); got != "" {
		t.Fatalf("expected empty key to stay empty, got %q", got)
	}
}
