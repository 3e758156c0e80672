package attestation

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Signer signs OTA update manifests on the cloud side before they are
// published to lifo4/{system_id}/ota/update.
type Signer struct {
	privateKey *rsa.PrivateKey
}

// NewSigner creates a new manifest signer.
func NewSigner(privateKey *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: privateKey}
}

// SignManifest signs {version, checksum, url} and returns the Manifest
// ready to publish.
func (s *Signer) SignManifest(version, checksum, url string) (*Manifest, error) {
	timestamp := time.Now().Unix()
	hashed := sha256.Sum256([]byte(canonicalMessage(version, checksum, url, timestamp)))

	signature, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign manifest: %w", err)
	}

	return &Manifest{
		Version:   version,
		Checksum:  checksum,
		URL:       url,
		Signature: base64.StdEncoding.EncodeToString(signature),
		Timestamp: timestamp,
	}, nil
}
