// Package chatstate projects transport events into the local view of the chat:
// the ordered message history and the roster of present users.
package chatstate

import (
	"sync"

	"github.com/whisper/assistchat/internal/protocol"
	"github.com/whisper/assistchat/internal/transport"
)

// ChangeKind identifies what an applied event changed.
type ChangeKind int

const (
	// HistoryReset means the message list was replaced wholesale.
	HistoryReset ChangeKind = iota
	// MessageAppended means exactly one message was added at the end.
	MessageAppended
	// RosterReplaced means the roster was replaced wholesale.
	RosterReplaced
	// ServerError means the server reported a non-fatal failure.
	ServerError
	// ConnectionChanged means the transport readiness changed.
	ConnectionChanged
)

// Change describes one applied event for observers.
type Change struct {
	Kind    ChangeKind
	Message protocol.Message     // set for MessageAppended
	Error   string               // set for ServerError
	State   transport.StateEvent // set for ConnectionChanged
}

// Member is one roster entry.
type Member struct {
	Name string
	Self bool // the entry is the local identity
}

// Projector is the authoritative local view of message history and roster.
// It has no network activity of its own; it only applies transport events.
type Projector struct {
	self     string
	onChange func(Change)

	mu        sync.RWMutex
	messages  []protocol.Message
	roster    []Member
	lastError string
	conn      transport.StateEvent
}

// NewProjector creates an empty view for the given local identity. onChange,
// if non-nil, is called after every applied event.
func NewProjector(self string, onChange func(Change)) *Projector {
	return &Projector{
		self:     self,
		onChange: onChange,
		messages: []protocol.Message{},
		roster:   []Member{},
		conn:     transport.StateEvent{State: transport.Closed},
	}
}

// HandleEvent applies one transport event. Only a history event may shrink or
// reorder the message list; every other event is a monotonic append or a
// roster replacement.
func (p *Projector) HandleEvent(ev transport.Event) {
	var change Change

	p.mu.Lock()
	switch e := ev.(type) {
	case transport.HistoryEvent:
		p.messages = append(make([]protocol.Message, 0, len(e.Messages)), e.Messages...)
		change = Change{Kind: HistoryReset}
	case transport.MessageEvent:
		p.messages = append(p.messages, e.Message)
		change = Change{Kind: MessageAppended, Message: e.Message}
	case transport.UsersEvent:
		p.roster = p.buildRoster(e.Names)
		change = Change{Kind: RosterReplaced}
	case transport.ErrorEvent:
		p.lastError = e.Message
		change = Change{Kind: ServerError, Error: e.Message}
	case transport.StateEvent:
		p.conn = e
		change = Change{Kind: ConnectionChanged, State: e}
	default:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.onChange != nil {
		p.onChange(change)
	}
}

// buildRoster collapses duplicate names, keeping first-occurrence order.
func (p *Projector) buildRoster(names []string) []Member {
	seen := make(map[string]struct{}, len(names))
	roster := make([]Member, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		roster = append(roster, Member{Name: n, Self: n == p.self})
	}
	return roster
}

// Messages returns a copy of the ordered message history.
func (p *Projector) Messages() []protocol.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]protocol.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Roster returns a copy of the current roster.
func (p *Projector) Roster() []Member {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Member, len(p.roster))
	copy(out, p.roster)
	return out
}

// LastError returns the most recent server error message, or "".
func (p *Projector) LastError() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastError
}

// Connection returns the most recent transport state event.
func (p *Projector) Connection() transport.StateEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}
