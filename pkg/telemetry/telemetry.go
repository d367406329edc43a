// Package telemetry defines the versioned event envelope the engine accepts
// at its ingestion boundary.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the only envelope version this build understands. Events
// carrying any other version are rejected, never field-guessed.
const SchemaVersion = 1

// ErrMalformedInput is the match target for all telemetry validation
// failures; use errors.Is against it and errors.As for field detail.
var ErrMalformedInput = errors.New("malformed telemetry input")

// MalformedInputError reports which field of an event failed validation.
type MalformedInputError struct {
	Field  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed telemetry: %s: %s", e.Field, e.Reason)
}

func (e *MalformedInputError) Is(target error) bool { return target == ErrMalformedInput }

func malformed(field, reason string) error { return &MalformedInputError{Field: field, Reason: reason} }

// Event is one observed action attributed to an entity. Events are immutable
// once validated.
type Event struct {
	SchemaVersion int        `json:"schema_version"`
	EntityKey     string     `json:"entity_key"`
	Timestamp     time.Time  `json:"timestamp"`
	Attributes    Attributes `json:"attributes"`
}

// Attributes carries the observed action detail. All fields are optional at
// the envelope level; feature extraction decides which ones it requires.
type Attributes struct {
	SourceIP   string `json:"source_ip,omitempty"`
	DestIP     string `json:"dest_ip,omitempty"`
	SourcePort int    `json:"source_port,omitempty"`
	DestPort   int    `json:"dest_port,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	PacketSize int    `json:"packet_size,omitempty"`
	Payload    string `json:"payload,omitempty"`
	Flags      string `json:"flags,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	BytesIn    int64  `json:"bytes_in,omitempty"`
	BytesOut   int64  `json:"bytes_out,omitempty"`
}

// Validate checks the envelope. maxPayloadBytes truncates (not rejects)
// oversized payloads so a chatty attacker cannot inflate memory.
func (e *Event) Validate(maxPayloadBytes int) error {
	if e.SchemaVersion != SchemaVersion {
		return malformed("schema_version", fmt.Sprintf("unsupported version %d", e.SchemaVersion))
	}
	if strings.TrimSpace(e.EntityKey) == "" {
		return malformed("entity_key", "empty")
	}
	if e.Timestamp.IsZero() {
		return malformed("timestamp", "zero")
	}
	if e.Attributes.PacketSize < 0 {
		return malformed("attributes.packet_size", "negative")
	}
	if p := e.Attributes.SourcePort; p < 0 || p > 65535 {
		return malformed("attributes.source_port", "out of range")
	}
	if p := e.Attributes.DestPort; p < 0 || p > 65535 {
		return malformed("attributes.dest_port", "out of range")
	}
	if e.Attributes.BytesIn < 0 || e.Attributes.BytesOut < 0 {
		return malformed("attributes.bytes", "negative")
	}
	if maxPayloadBytes > 0 && len(e.Attributes.Payload) > maxPayloadBytes {
		e.Attributes.Payload = e.Attributes.Payload[:maxPayloadBytes]
	}
	return nil
}

// Parse decodes and validates a single JSON event.
func Parse(data []byte, maxPayloadBytes int) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, malformed("body", err.Error())
	}
	if err := ev.Validate(maxPayloadBytes); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ParseBatch decodes either a single JSON event or a JSON array of events.
func ParseBatch(data []byte, maxPayloadBytes int) ([]Event, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, malformed("body", "empty")
	}
	if trimmed[0] == '[' {
		var evs []Event
		if err := json.Unmarshal([]byte(trimmed), &evs); err != nil {
			return nil, malformed("body", err.Error())
		}
		out := make([]Event, 0, len(evs))
		for i := range evs {
			if err := evs[i].Validate(maxPayloadBytes); err != nil {
				return nil, err
			}
			out = append(out, evs[i])
		}
		return out, nil
	}
	ev, err := Parse([]byte(trimmed), maxPayloadBytes)
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}
