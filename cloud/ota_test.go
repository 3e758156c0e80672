package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/lifo4/controlplane/cloud/attestation"
	"github.com/lifo4/controlplane/internal/streaming"
)

func TestOTADispatcher_PublishesSignedManifest(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	pubKeyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubKeyBytes}))

	bus := streaming.NewMemoryBus(16)
	defer bus.Close()
	if err := bus.Connect(context.Background()); err != nil {
		t.Fatalf("Failed to connect bus: %v", err)
	}

	received := make(chan streaming.Event, 1)
	if _, err := bus.Subscribe("lifo4/sys-1/ota/update", func(e streaming.Event) {
		received <- e
	}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	dispatcher := NewOTADispatcher(attestation.NewSigner(privateKey), bus)
	if err := dispatcher.Dispatch(context.Background(), "sys-1", "v2.1.0", "deadbeef", "https://updates.example/v2.1.0.bin"); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case evt := <-received:
		var manifest attestation.Manifest
		if err := json.Unmarshal(evt.Payload, &manifest); err != nil {
			t.Fatalf("Failed to unmarshal manifest: %v", err)
		}
		if manifest.Version != "v2.1.0" || manifest.Checksum != "deadbeef" {
			t.Errorf("unexpected manifest: %+v", manifest)
		}

		verifier, err := attestation.NewVerifier(pubKeyPEM, true)
		if err != nil {
			t.Fatalf("Failed to create verifier: %v", err)
		}
		if err := verifier.Verify(&manifest); err != nil {
			t.Errorf("dispatched manifest failed verification: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OTA manifest")
	}
}
