package streaming

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribeWildcard(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	var mu sync.Mutex
	var received []string

	sub, err := bus.Subscribe("lifo4/+/telemetry", func(e Event) {
		mu.Lock()
		received = append(received, e.Topic)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(context.Background(), "lifo4/sys-1/telemetry", map[string]string{"a": "b"}, AtLeastOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(context.Background(), "lifo4/sys-1/commands", map[string]string{"a": "b"}, AtLeastOnce); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "lifo4/sys-1/telemetry" {
		t.Fatalf("wildcard subscription received = %v, want exactly [lifo4/sys-1/telemetry]", received)
	}
}

func TestMemoryBusPublishFailsWhenDisconnected(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	bus.Disconnect(context.Background())
	if bus.Connected() {
		t.Fatalf("bus should report disconnected")
	}
	if err := bus.Publish(context.Background(), "lifo4/sys-1/telemetry", "x", AtLeastOnce); err != ErrTransportUnavailable {
		t.Fatalf("Publish while disconnected = %v, want ErrTransportUnavailable", err)
	}

	bus.Reconnect()
	if !bus.Connected() {
		t.Fatalf("bus should report connected after Reconnect")
	}
}

func TestMemoryBusLastWillFiresOnDisconnect(t *testing.T) {
	bus := NewMemoryBus(0)
	defer bus.Close()

	received := make(chan Event, 1)
	sub, err := bus.Subscribe("lifo4/sys-1/status", func(e Event) { received <- e })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	bus.SetWill("lifo4/sys-1/status", map[string]string{"state": "OFFLINE"}, AtLeastOnce)
	bus.Disconnect(context.Background())

	select {
	case e := <-received:
		if e.Topic != "lifo4/sys-1/status" {
			t.Fatalf("will event topic = %s, want lifo4/sys-1/status", e.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected last-will event to be published on disconnect")
	}
}
