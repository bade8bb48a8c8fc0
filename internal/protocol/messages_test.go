package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Server frames
// ---------------------------------------------------------------------------

func TestParseServerFrame_History(t *testing.T) {
	input := []byte(`{"type":"history","messages":[{"id":"1","name":"Alice","text":"hi","time":1700000000000},{"name":"Bob","text":"yo","time":1700000000500}]}`)

	frameType, frame, err := ParseServerFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frameType != TypeHistory {
		t.Fatalf("expected type %q, got %q", TypeHistory, frameType)
	}

	h, ok := frame.(HistoryFrame)
	if !ok {
		t.Fatalf("expected HistoryFrame, got %T", frame)
	}
	if len(h.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(h.Messages))
	}
	if h.Messages[0].Name != "Alice" || h.Messages[1].Text != "yo" {
		t.Errorf("unexpected messages: %+v", h.Messages)
	}
	if h.Messages[1].Timestamp().UnixMilli() != 1700000000500 {
		t.Errorf("unexpected timestamp: %v", h.Messages[1].Timestamp())
	}
}

func TestParseServerFrame_HistoryWithoutMessages(t *testing.T) {
	_, frame, err := ParseServerFrame([]byte(`{"type":"history"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := frame.(HistoryFrame)
	if h.Messages == nil || len(h.Messages) != 0 {
		t.Fatalf("expected empty non-nil messages, got %#v", h.Messages)
	}
}

func TestParseServerFrame_Message(t *testing.T) {
	input := []byte(`{"type":"message","id":"m-1","name":"Alice","text":"退款","time":42}`)

	_, frame, err := ParseServerFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := frame.(MessageFrame)
	if !ok {
		t.Fatalf("expected MessageFrame, got %T", frame)
	}
	if m.ID != "m-1" || m.Name != "Alice" || m.Text != "退款" || m.Time != 42 {
		t.Errorf("unexpected message: %+v", m.Message)
	}
}

func TestParseServerFrame_Users(t *testing.T) {
	_, frame, err := ParseServerFrame([]byte(`{"type":"users","names":["Alice","Bob"]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u := frame.(UsersFrame)
	if len(u.Names) != 2 || u.Names[0] != "Alice" || u.Names[1] != "Bob" {
		t.Errorf("unexpected names: %v", u.Names)
	}
}

func TestParseServerFrame_Error(t *testing.T) {
	_, frame, err := ParseServerFrame([]byte(`{"type":"error","message":"not joined"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e := frame.(ErrorFrame); e.Message != "not joined" {
		t.Errorf("expected message %q, got %q", "not joined", e.Message)
	}
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

func TestParseServerFrame_Failures(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"invalid json", `{not json}`, ErrMalformed},
		{"missing type", `{"names":["a"]}`, ErrMalformed},
		{"empty type", `{"type":""}`, ErrMalformed},
		{"unknown type", `{"type":"typing"}`, ErrUnknownType},
		{"client only type", `{"type":"join","name":"a"}`, ErrUnknownType},
		{"bad payload", `{"type":"users","names":"Alice"}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, frame, err := ParseServerFrame([]byte(tt.input))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if frame != nil {
				t.Errorf("expected nil frame, got %T", frame)
			}
		})
	}
}

func TestParseClientFrame(t *testing.T) {
	_, frame, err := ParseClientFrame([]byte(`{"type":"join","name":"Alice"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j := frame.(JoinFrame); j.Name != "Alice" {
		t.Errorf("expected name Alice, got %q", j.Name)
	}

	_, frame, err = ParseClientFrame([]byte(`{"type":"message","text":"hello"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c := frame.(ChatFrame); c.Text != "hello" {
		t.Errorf("expected text hello, got %q", c.Text)
	}

	for _, bad := range []string{
		`{"type":"message","text":5}`,
		`{"type":"message"}`,
		`{"type":"message","text":null}`,
	} {
		if _, _, err := ParseClientFrame([]byte(bad)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("expected ErrInvalidPayload for %s, got %v", bad, err)
		}
	}

	_, frame, err = ParseClientFrame([]byte(`{"type":"message","text":""}`))
	if err != nil {
		t.Fatalf("empty text is a valid payload: %v", err)
	}
	if c := frame.(ChatFrame); c.Text != "" {
		t.Errorf("expected empty text, got %q", c.Text)
	}
	if _, _, err := ParseClientFrame([]byte(`{"type":"history"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType for server-only type, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// NewFrame
// ---------------------------------------------------------------------------

func TestNewFrame_InjectsType(t *testing.T) {
	data, err := NewFrame(TypeMessage, MessageFrame{Message: Message{
		ID:   "m-1",
		Name: "Alice",
		Text: "hi",
		Time: 1700000000123,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMessage {
		t.Errorf("expected type %q, got %v", TypeMessage, result["type"])
	}
	if result["name"] != "Alice" {
		t.Errorf("expected flattened name, got %v", result["name"])
	}

	// The frame must round-trip through the client parser unchanged.
	_, frame, err := ParseServerFrame(data)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if m := frame.(MessageFrame); m.Time != 1700000000123 {
		t.Errorf("expected exact time, got %d", m.Time)
	}
}

func TestNewFrame_Join(t *testing.T) {
	data, err := NewFrame(TypeJoin, JoinFrame{Name: "Alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"name":"Alice","type":"join"}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}
