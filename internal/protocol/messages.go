// Package protocol defines the real-time frames exchanged between the chat
// client and the chat server. All frames are JSON objects carrying a "type"
// discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeJoin = "join"
	// TypeMessage is shared by both directions: the client sends text, the
	// server relays the stored message.
	TypeMessage = "message"
)

// Server -> Client frame types.
const (
	TypeHistory = "history"
	TypeUsers   = "users"
	TypeError   = "error"
)

// Parse errors. Callers match them with errors.Is.
var (
	ErrMalformed      = errors.New("protocol: malformed frame")
	ErrUnknownType    = errors.New("protocol: unknown frame type")
	ErrInvalidPayload = errors.New("protocol: invalid frame payload")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if partial.Type == "" {
		return fmt.Errorf("%w: missing or empty \"type\" field", ErrMalformed)
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared types
// ---------------------------------------------------------------------------

// Message is one chat line as stored and relayed by the server. It is never
// mutated once received.
type Message struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Text string `json:"text"`
	Time int64  `json:"time"` // unix milliseconds
}

// Timestamp converts the wire time into a time.Time.
func (m Message) Timestamp() time.Time {
	return time.UnixMilli(m.Time)
}

// ---------------------------------------------------------------------------
// Client -> Server frames
// ---------------------------------------------------------------------------

// JoinFrame announces the sender's identity. It is the first frame on every
// connection.
type JoinFrame struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// ChatFrame carries one outbound chat line.
type ChatFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ---------------------------------------------------------------------------
// Server -> Client frames
// ---------------------------------------------------------------------------

// HistoryFrame carries the full ordered message history known to the server.
type HistoryFrame struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// MessageFrame carries a single new message.
type MessageFrame struct {
	Type string `json:"type"`
	Message
}

// UsersFrame carries the complete roster of present identities.
type UsersFrame struct {
	Type  string   `json:"type"`
	Names []string `json:"names"`
}

// ErrorFrame reports a non-fatal server-side failure.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// decodeEnvelope reads the type discriminator. Syntax errors reported by the
// json package before UnmarshalJSON runs are classified as ErrMalformed too.
func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if errors.Is(err, ErrMalformed) {
			return env, err
		}
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// ParseServerFrame parses raw bytes received by the client into a typed
// server frame. It returns the frame type, the decoded struct, and any error.
func ParseServerFrame(data []byte) (string, interface{}, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return "", nil, err
	}

	var frame interface{}

	switch env.Type {
	case TypeHistory:
		var f HistoryFrame
		err = json.Unmarshal(env.Raw, &f)
		if f.Messages == nil {
			f.Messages = []Message{}
		}
		frame = f
	case TypeMessage:
		var f MessageFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeUsers:
		var f UsersFrame
		err = json.Unmarshal(env.Raw, &f)
		if f.Names == nil {
			f.Names = []string{}
		}
		frame = f
	case TypeError:
		var f ErrorFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %q: %v", ErrInvalidPayload, env.Type, err)
	}
	return env.Type, frame, nil
}

// ParseClientFrame parses raw bytes received by the server into a typed
// client frame.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return "", nil, err
	}

	var frame interface{}

	switch env.Type {
	case TypeJoin:
		var f JoinFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeMessage:
		frame, err = decodeChat(env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %q: %v", ErrInvalidPayload, env.Type, err)
	}
	return env.Type, frame, nil
}

// decodeChat requires "text" to be present and a string; null counts as
// missing.
func decodeChat(raw []byte) (ChatFrame, error) {
	var f struct {
		Type string  `json:"type"`
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return ChatFrame{}, err
	}
	if f.Text == nil {
		return ChatFrame{}, errors.New("text is missing")
	}
	return ChatFrame{Type: f.Type, Text: *f.Text}, nil
}

// NewFrame creates the JSON encoding of a frame. The frameType is injected
// into the payload under the "type" key so callers may leave Type empty.
func NewFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = frameType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
