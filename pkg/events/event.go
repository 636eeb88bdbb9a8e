// Package events defines the event envelope exchanged with the backend and the
// decoded Event handed to application handlers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// Reserved and well-known event kinds.
const (
	// KindHeartbeat is a liveness signal. It updates the health monitor and is
	// never delivered to handlers.
	KindHeartbeat = "heartbeat"

	KindTaskStarted   = "task.started"
	KindTaskProgress  = "task.progress"
	KindTaskCompleted = "task.completed"
	KindTaskFailed    = "task.failed"

	KindMCPCallStarted   = "mcp.call.started"
	KindMCPCallProgress  = "mcp.call.progress"
	KindMCPCallCompleted = "mcp.call.completed"
	KindMCPCallFailed    = "mcp.call.failed"
)

// ErrMalformedEnvelope is wrapped by every ProtocolError.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ProtocolError reports an inbound message that could not be decoded. The
// message is skipped; the connection stays open.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("events: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Envelope is the wire format: {"type": string, "data": object}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is a decoded envelope.
type Event struct {
	Kind         string          `json:"kind"`
	ID           string          `json:"id"`
	Source       string          `json:"source,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ObservedAt   time.Time       `json:"observedAt"`
	DurationMs   *int64          `json:"durationMs,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// IsHeartbeat reports whether the event is the reserved liveness kind.
func (e Event) IsHeartbeat() bool {
	return e.Kind == KindHeartbeat
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// Duration returns the reported duration, if any.
func (e Event) Duration() (time.Duration, bool) {
	if e.DurationMs == nil {
		return 0, false
	}
	return time.Duration(*e.DurationMs) * time.Millisecond, true
}

// Marshal encodes an envelope for kind with data as the payload.
func Marshal(kind string, data any) ([]byte, error) {
	env := Envelope{Type: kind}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", kind, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// MatchKind reports whether kind matches a glob pattern such as "mcp.*" or
// "task.{started,completed}". An invalid pattern never matches.
func MatchKind(pattern, kind string) bool {
	if pattern == "" || pattern == "*" || pattern == "**" {
		return true
	}
	ok, err := doublestar.Match(pattern, kind)
	return err == nil && ok
}

// Decoder turns raw messages into Events.
type Decoder struct {
	// AllowedKinds restricts accepted kinds to those matching at least one
	// pattern. Empty accepts everything. Heartbeats are always accepted.
	AllowedKinds []string
	// Now stamps ObservedAt. Defaults to time.Now.
	Now func() time.Time
}

// Decode parses one wire message.
func (d *Decoder) Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
	}
	kind := strings.TrimSpace(env.Type)
	if kind == "" {
		return Event{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("%w: missing type", ErrMalformedEnvelope)}
	}
	if kind != KindHeartbeat && !d.allowed(kind) {
		return Event{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, kind)}
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	ev := Event{Kind: kind, ObservedAt: now()}
	if data := trimNull(env.Data); len(data) > 0 {
		ev.Payload = data
		if err := extractMeta(&ev, data); err != nil {
			return Event{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)}
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev, nil
}

func (d *Decoder) allowed(kind string) bool {
	if len(d.AllowedKinds) == 0 {
		return true
	}
	for _, p := range d.AllowedKinds {
		if MatchKind(p, kind) {
			return true
		}
	}
	return false
}

// extractMeta lifts envelope-level metadata out of an object payload. Non-object
// payloads are kept opaque.
func extractMeta(ev *Event, data json.RawMessage) error {
	if data[0] != '{' {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	ev.ID = firstString(fields, "id", "taskID", "callID")
	ev.Source = firstString(fields, "source", "server", "sessionID")
	ev.ErrorMessage = firstString(fields, "error")

	if raw, ok := fields["duration"]; ok {
		var ms float64
		if err := json.Unmarshal(raw, &ms); err == nil {
			v := int64(ms)
			ev.DurationMs = &v
		}
	}
	return nil
}

func firstString(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func trimNull(data json.RawMessage) json.RawMessage {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	return json.RawMessage(s)
}
