package main

import (
	"context"
	"fmt"
	"log"

	"github.com/lifo4/controlplane/cloud/attestation"
	"github.com/lifo4/controlplane/internal/streaming"
)

// OTADispatcher signs OTA update manifests and publishes them to
// lifo4/{system_id}/ota/update (§6 of the wire contract).
type OTADispatcher struct {
	signer *attestation.Signer
	bus    streaming.Publisher
}

// NewOTADispatcher creates a new OTADispatcher.
func NewOTADispatcher(signer *attestation.Signer, bus streaming.Publisher) *OTADispatcher {
	return &OTADispatcher{signer: signer, bus: bus}
}

// Dispatch signs {version, checksum, url} and publishes the manifest to
// the target system's OTA topic at AtLeastOnce — a dropped update simply
// gets re-announced next release, so exactly-once isn't worth the cost.
func (o *OTADispatcher) Dispatch(ctx context.Context, systemID, version, checksum, url string) error {
	manifest, err := o.signer.SignManifest(version, checksum, url)
	if err != nil {
		return fmt.Errorf("failed to sign OTA manifest: %w", err)
	}

	topic := fmt.Sprintf("lifo4/%s/ota/update", systemID)
	if err := o.bus.Publish(ctx, topic, manifest, streaming.AtLeastOnce); err != nil {
		return fmt.Errorf("failed to publish OTA manifest: %w", err)
	}

	log.Printf("OTA manifest for version %s dispatched to system %s", version, systemID)
	return nil
}
