// Package buffer implements the Durable Buffer (C2): a bounded
// append-only queue persisted locally so telemetry and events survive
// process restart and cloud outage.
//
// Schema (bbolt bucket layout), one bucket per entry kind:
//
//	/telemetry
//	    key:   big-endian uint64 seq
//	    value: payload bytes
//	/events
//	    key:   big-endian uint64 seq
//	    value: payload bytes
//	/meta
//	    key:   "next_seq"
//	    value: big-endian uint64
//
// bbolt commits its write transaction synchronously on Update, which
// gives the fsync-before-append-returns guarantee durability requires
// without any extra flag.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrBufferFull is returned by Append for an EVENT entry when capacity
// is reached; events are never evicted, so the caller must surface this
// as a P2 alarm/§7.
var ErrBufferFull = errors.New("buffer: full, events are never evicted")

// Kind distinguishes telemetry (evictable under pressure) from events
// (never dropped).
type Kind string

const (
	KindTelemetry Kind = "TELEMETRY"
	KindEvent     Kind = "EVENT"
)

// Entry is one record in the buffer.
type Entry struct {
	Seq       uint64
	Kind      Kind
	Payload   []byte
	CreatedAt time.Time
	Attempts  int
}

var (
	bucketTelemetry = []byte("telemetry")
	bucketEvents    = []byte("events")
	bucketMeta      = []byte("meta")
	keyNextSeq      = []byte("next_seq")
)

// Buffer wraps a bbolt database with the append/peek/ack/size/oldest_age
// operations names.
type Buffer struct {
	db          *bolt.DB
	maxEntries  int // per-kind soft cap; 0 = unbounded
	evictions   uint64
}

// Open opens (or creates) the bbolt file at path. maxTelemetryEntries
// bounds the telemetry bucket only — events are never evicted.
func Open(path string, maxTelemetryEntries int) (*Buffer, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("buffer: bolt.Open(%q): %w", path, err)
	}

	b := &Buffer{db: db, maxEntries: maxTelemetryEntries}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTelemetry, bucketEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("buffer: initialisation failed: %w", err)
	}

	return b, nil
}

// Close closes the underlying bbolt file.
func (b *Buffer) Close() error {
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func bucketFor(kind Kind) []byte {
	if kind == KindEvent {
		return bucketEvents
	}
	return bucketTelemetry
}

// Append assigns the next dense sequence number and writes entry. When
// kind is TELEMETRY and the bucket is at capacity, the oldest telemetry
// entry is evicted first (recorded as a drop-count metric via
// Evictions()); EVENT entries are never evicted — at capacity, Append
// returns ErrBufferFull instead.
func (b *Buffer) Append(kind Kind, payload []byte, now time.Time) (uint64, error) {
	var assigned uint64

	err := b.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		bkt := tx.Bucket(bucketFor(kind))

		next := uint64(1)
		if v := meta.Get(keyNextSeq); v != nil {
			next = binary.BigEndian.Uint64(v) + 1
		}

		if b.maxEntries > 0 && bkt.Stats().KeyN >= b.maxEntries {
			if kind == KindEvent {
				return ErrBufferFull
			}
			c := bkt.Cursor()
			if k, _ := c.First(); k != nil {
				if err := bkt.Delete(k); err != nil {
					return fmt.Errorf("evict oldest telemetry: %w", err)
				}
				b.evictions++
			}
		}

		entry := Entry{Seq: next, Kind: kind, Payload: payload, CreatedAt: now}
		encoded, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		if err := bkt.Put(seqKey(next), encoded); err != nil {
			return fmt.Errorf("append: %w", err)
		}
		if err := meta.Put(keyNextSeq, seqKey(next)); err != nil {
			return fmt.Errorf("append: advance next_seq: %w", err)
		}
		assigned = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

// Peek returns up to n entries in ascending seq order, across both
// buckets, oldest first.
func (b *Buffer) Peek(n int) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTelemetry, bucketEvents} {
			c := tx.Bucket(name).Cursor()
			for k, v := c.First(); k != nil && (n <= 0 || len(out) < n); k, v = c.Next() {
				e, err := decodeEntry(v)
				if err != nil {
					return err
				}
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// Ack removes all entries (in both buckets) with seq <= upTo.
func (b *Buffer) Ack(upTo uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTelemetry, bucketEvents} {
			bkt := tx.Bucket(name)
			c := bkt.Cursor()
			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if binary.BigEndian.Uint64(k) > upTo {
					break
				}
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
			for _, k := range toDelete {
				if err := bkt.Delete(k); err != nil {
					return fmt.Errorf("ack: %w", err)
				}
			}
		}
		return nil
	})
}

// Size returns the total number of buffered entries across both kinds.
func (b *Buffer) Size() (int, error) {
	var total int
	err := b.db.View(func(tx *bolt.Tx) error {
		total = tx.Bucket(bucketTelemetry).Stats().KeyN + tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return total, err
}

// OldestAge returns the age of the oldest buffered entry relative to
// now, or 0 if the buffer is empty.
func (b *Buffer) OldestAge(now time.Time) (time.Duration, error) {
	var oldest time.Time
	err := b.db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTelemetry, bucketEvents} {
			c := tx.Bucket(name).Cursor()
			if k, v := c.First(); k != nil {
				e, err := decodeEntry(v)
				if err != nil {
					return err
				}
				if oldest.IsZero() || e.CreatedAt.Before(oldest) {
					oldest = e.CreatedAt
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return now.Sub(oldest), nil
}

// Evictions returns the count of telemetry entries dropped for capacity
// since the buffer was opened.
func (b *Buffer) Evictions() uint64 {
	return b.evictions
}
