// Package wire implements the agent's on-the-wire envelope format: a small
// JSON object carrying a kind tag, a free-form payload, and a timestamp.
// Decoding is lenient about absent fields (they fall back to documented
// defaults); malformed JSON is returned as an error, and the connection
// manager drops that message. An unknown kind is routed to wildcard handlers.
package wire

import (
	"encoding/json"
	"time"
)

// Envelope is the wire representation of a single bidirectional message.
type Envelope struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp float64                `json:"timestamp"`
}

// New builds an outbound envelope stamped with the current time.
func New(kind string, payload map[string]interface{}, now time.Time) Envelope {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Envelope{
		Type:      kind,
		Payload:   payload,
		Timestamp: float64(now.UnixNano()) / 1e9,
	}
}

// Encode serializes the envelope to JSON.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses raw bytes into an Envelope, applying the documented
// defaults for any field that is absent: a missing (or empty) `type` becomes
// "unknown", a missing `payload` becomes an empty object, and a missing
// `timestamp` becomes the receiver's wall clock at decode time. Malformed
// JSON, or a field of the wrong JSON type, is returned as an error.
func Decode(data []byte, now time.Time) (Envelope, error) {
	var raw struct {
		Type      *string                `json:"type"`
		Payload   map[string]interface{} `json:"payload"`
		Timestamp *float64               `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, err
	}

	e := Envelope{
		Type:    "unknown",
		Payload: map[string]interface{}{},
	}
	if raw.Type != nil && *raw.Type != "" {
		e.Type = *raw.Type
	}
	if raw.Payload != nil {
		e.Payload = raw.Payload
	}
	if raw.Timestamp != nil {
		e.Timestamp = *raw.Timestamp
	} else {
		e.Timestamp = float64(now.UnixNano()) / 1e9
	}
	return e, nil
}

// String returns the payload value at key as a string, or "" if absent or
// not a string.
func (e Envelope) String(key string) string {
	v, ok := e.Payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
