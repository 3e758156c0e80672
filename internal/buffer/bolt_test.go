package buffer

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestBuffer(t *testing.T, maxEntries int) *Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buffer.db")
	b, err := Open(path, maxEntries)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAppendAssignsDenseMonotonicSeq(t *testing.T) {
	b := openTestBuffer(t, 0)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		seq, err := b.Append(KindTelemetry, []byte("x"), now)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != uint64(i) {
			t.Fatalf("Append seq = %d, want %d", seq, i)
		}
	}
}

func TestAckRemovesUpToSeq(t *testing.T) {
	b := openTestBuffer(t, 0)
	now := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := b.Append(KindTelemetry, []byte("x"), now); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := b.Ack(3); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	size, err := b.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 2 {
		t.Fatalf("Size() after Ack(3) = %d, want 2", size)
	}
}

func TestCapacityEvictsOldestTelemetryOnly(t *testing.T) {
	b := openTestBuffer(t, 2)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if _, err := b.Append(KindTelemetry, []byte("x"), now); err != nil {
			t.Fatalf("Append telemetry %d: %v", i, err)
		}
	}
	size, _ := b.Size()
	if size != 2 {
		t.Fatalf("telemetry bucket should cap at 2, got %d", size)
	}
	if b.Evictions() != 1 {
		t.Fatalf("expected 1 eviction, got %d", b.Evictions())
	}

	if _, err := b.Append(KindEvent, []byte("e1"), now); err != nil {
		t.Fatalf("Append event 1: %v", err)
	}
	if _, err := b.Append(KindEvent, []byte("e2"), now); err != nil {
		t.Fatalf("Append event 2: %v", err)
	}
	if _, err := b.Append(KindEvent, []byte("e3"), now); err != ErrBufferFull {
		t.Fatalf("expected ErrBufferFull for full event bucket, got %v", err)
	}
}

func TestOldestAgeReflectsEarliestEntry(t *testing.T) {
	b := openTestBuffer(t, 0)
	t0 := time.Now()
	if _, err := b.Append(KindTelemetry, []byte("x"), t0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	later := t0.Add(10 * time.Second)
	age, err := b.OldestAge(later)
	if err != nil {
		t.Fatalf("OldestAge: %v", err)
	}
	if age < 9*time.Second || age > 11*time.Second {
		t.Fatalf("OldestAge = %v, want ~10s", age)
	}
}
