package buffer

import (
	"encoding/json"
	"fmt"
	"time"
)

func unixNanoToTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}

// wireEntry is the JSON-on-disk form of Entry.
type wireEntry struct {
	Seq       uint64 `json:"seq"`
	Kind      Kind   `json:"kind"`
	Payload   []byte `json:"payload"`
	CreatedAt int64  `json:"created_at"` // unix nanos
	Attempts  int    `json:"attempts"`
}

func encodeEntry(e Entry) ([]byte, error) {
	w := wireEntry{
		Seq:       e.Seq,
		Kind:      e.Kind,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt.UnixNano(),
		Attempts:  e.Attempts,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("buffer: encode entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return Entry{}, fmt.Errorf("buffer: decode entry: %w", err)
	}
	return Entry{
		Seq:       w.Seq,
		Kind:      w.Kind,
		Payload:   w.Payload,
		CreatedAt: unixNanoToTime(w.CreatedAt),
		Attempts:  w.Attempts,
	}, nil
}
