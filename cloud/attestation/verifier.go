package attestation

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"time"
)

// Verifier checks the cloud's signature over an OTA update manifest
// before an edge acts on it.
type Verifier struct {
	publicKey *rsa.PublicKey
	enabled   bool
}

// NewVerifier creates a new manifest verifier. Passing enabled=false
// disables signature checks (dev mode, no key material configured).
func NewVerifier(publicKeyPEM string, enabled bool) (*Verifier, error) {
	if !enabled {
		return &Verifier{enabled: false}, nil
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}

	return &Verifier{
		publicKey: rsaPub,
		enabled:   true,
	}, nil
}

// Manifest is a signed OTA update announcement published by the cloud on
// lifo4/{system_id}/ota/update: {version, checksum, url}, plus the
// signature and timestamp an edge needs to verify it came from the
// cloud before downloading.
type Manifest struct {
	Version   string `json:"version"`
	Checksum  string `json:"checksum"`
	URL       string `json:"url"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// canonicalMessage is the exact byte sequence both Signer and Verifier
// hash — any field reordering between the two breaks every signature.
func canonicalMessage(version, checksum, url string, timestamp int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", version, checksum, url, timestamp)
}

// Verify checks the manifest's signature and timestamp freshness.
func (v *Verifier) Verify(m *Manifest) error {
	if !v.enabled {
		return nil
	}

	now := time.Now().Unix()
	skew := abs(now - m.Timestamp)
	const allowedSkew = 5 * 60 // 5 minutes, clock skew tolerance
	if skew > allowedSkew {
		return fmt.Errorf("timestamp skew too large: %d seconds (max: %d)", skew, allowedSkew)
	}

	signature, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}

	hashed := sha256.Sum256([]byte(canonicalMessage(m.Version, m.Checksum, m.URL, m.Timestamp)))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, hashed[:], signature); err != nil {
		log.Printf("[attestation] manifest verification failed for version %s: %v", m.Version, err)
		return fmt.Errorf("signature verification failed: %w", err)
	}

	log.Printf("[attestation] verified OTA manifest for version %s", m.Version)
	return nil
}

func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// VerifyChecksum compares a downloaded artifact's checksum against the
// manifest's, in constant time to avoid leaking a timing oracle.
func (v *Verifier) VerifyChecksum(m *Manifest, downloadedChecksum string) error {
	if !v.enabled {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(downloadedChecksum), []byte(m.Checksum)) != 1 {
		return fmt.Errorf("checksum mismatch: got %s, expected %s", downloadedChecksum, m.Checksum)
	}
	return nil
}

// IsEnabled returns whether signature verification is active.
func (v *Verifier) IsEnabled() bool {
	return v.enabled
}
