package streaming

import (
	"encoding/json"
	"errors"
)

// ErrTransportUnavailable is returned by Publish when the underlying
// transport is disconnected.
var ErrTransportUnavailable = errors.New("streaming: transport unavailable")

func marshalPayload(payload interface{}) ([]byte, error) {
	if b, ok := payload.([]byte); ok {
		return b, nil
	}
	return json.Marshal(payload)
}
