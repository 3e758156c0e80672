package attestation

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	pubKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubKeyBytes})
	return privateKey, string(pubKeyPEM)
}

func TestManifestVerification(t *testing.T) {
	privateKey, pubKeyPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubKeyPEM, true)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	signer := NewSigner(privateKey)
	manifest, err := signer.SignManifest("v1.0.0", "abc123hash", "https://updates.example/v1.0.0.bin")
	if err != nil {
		t.Fatalf("Failed to sign manifest: %v", err)
	}

	if err := verifier.Verify(manifest); err != nil {
		t.Errorf("Verification failed: %v", err)
	}

	t.Log("verified signed manifest")
}

func TestManifestTampering(t *testing.T) {
	privateKey, pubKeyPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubKeyPEM, true)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	signer := NewSigner(privateKey)
	manifest, err := signer.SignManifest("v1.0.0", "abc123hash", "https://updates.example/v1.0.0.bin")
	if err != nil {
		t.Fatalf("Failed to sign manifest: %v", err)
	}

	manifest.Checksum = "tampered-checksum"

	if err := verifier.Verify(manifest); err == nil {
		t.Error("expected verification to fail for tampered manifest")
	}

	t.Log("tampering detected")
}

func TestManifestVerificationDisabled(t *testing.T) {
	verifier, err := NewVerifier("", false)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	manifest := &Manifest{
		Version:   "v1.0.0",
		Checksum:  "invalid",
		URL:       "https://updates.example/v1.0.0.bin",
		Signature: "invalid",
		Timestamp: time.Now().Unix(),
	}

	if err := verifier.Verify(manifest); err != nil {
		t.Errorf("verification should pass when disabled: %v", err)
	}

	t.Log("disabled verifier skipped signature check")
}

func TestVerifyChecksum(t *testing.T) {
	privateKey, pubKeyPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubKeyPEM, true)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	expectedChecksum := "abc123hash"
	signer := NewSigner(privateKey)
	manifest, err := signer.SignManifest("v1.0.0", expectedChecksum, "https://updates.example/v1.0.0.bin")
	if err != nil {
		t.Fatalf("Failed to sign manifest: %v", err)
	}

	if err := verifier.VerifyChecksum(manifest, expectedChecksum); err != nil {
		t.Errorf("checksum verification failed: %v", err)
	}

	if err := verifier.VerifyChecksum(manifest, "wrong-checksum"); err == nil {
		t.Error("expected checksum mismatch to be detected")
	}

	t.Log("checksum mismatch detected")
}

func TestManifestStaleTimestampRejected(t *testing.T) {
	privateKey, pubKeyPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubKeyPEM, true)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	signer := NewSigner(privateKey)
	manifest, err := signer.SignManifest("v1.0.0", "abc123hash", "https://updates.example/v1.0.0.bin")
	if err != nil {
		t.Fatalf("Failed to sign manifest: %v", err)
	}

	manifest.Timestamp = time.Now().Add(-1 * time.Hour).Unix()

	if err := verifier.Verify(manifest); err == nil {
		t.Error("expected stale timestamp to be rejected")
	}
}
