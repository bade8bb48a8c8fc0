// Package client wires the chat client core together. A Client owns one
// transport session, one chat-state projector, one suggestion coordinator and
// one insights requester for a single identity, and tears all of them down on
// Logout.
package client

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/assistchat/internal/chatstate"
	"github.com/whisper/assistchat/internal/config"
	"github.com/whisper/assistchat/internal/insights"
	"github.com/whisper/assistchat/internal/logging"
	"github.com/whisper/assistchat/internal/protocol"
	"github.com/whisper/assistchat/internal/suggest"
	"github.com/whisper/assistchat/internal/transport"
)

var (
	// ErrNoIdentity is returned by New for a blank display name. The caller
	// should route the user back to the login step.
	ErrNoIdentity = transport.ErrNoIdentity
	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("client: message is empty")
)

// Assistant is the external suggestion and analysis service.
type Assistant interface {
	suggest.Completer
	insights.Analyzer
}

// Config holds the settings of every component.
type Config struct {
	Transport       transport.Config
	Suggest         suggest.Config
	InsightsTimeout time.Duration
}

// DefaultConfig returns the browser client's timings.
func DefaultConfig() Config {
	return Config{
		Transport:       transport.DefaultConfig(),
		Suggest:         suggest.DefaultConfig(),
		InsightsTimeout: 15 * time.Second,
	}
}

// NewConfig maps loaded client settings onto component configs.
func NewConfig(cc config.ClientConfig) Config {
	cfg := DefaultConfig()
	cfg.Transport.URL = cc.ServerURL
	cfg.Transport.ReconnectDelay = cc.ReconnectDelay
	cfg.Suggest.Debounce = cc.SuggestDebounce
	cfg.Suggest.Timeout = cc.SuggestTimeout
	if !cc.LocalSuggestions {
		cfg.Suggest.Heuristic = nil
	}
	cfg.InsightsTimeout = cc.InsightsTimeout
	return cfg
}

// Callbacks receive view updates. Each may be nil. They run on component
// goroutines and must not call Logout.
type Callbacks struct {
	OnChange      func(chatstate.Change)
	OnSuggestions func(suggest.Snapshot)
	OnInsights    func(insights.Snapshot)
}

// Client is one logged-in chat session.
type Client struct {
	identity string
	logger   *zap.Logger

	session     *transport.Session
	projector   *chatstate.Projector
	coordinator *suggest.Coordinator
	requester   *insights.Requester
}

// New builds a Client for identity. Nothing touches the network until Start.
func New(cfg Config, identity string, assistant Assistant, cb Callbacks, logger *zap.Logger) (*Client, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrNoIdentity
	}
	logger = logging.OrNop(logger).With(zap.String("identity", identity))

	c := &Client{identity: identity, logger: logger}
	c.projector = chatstate.NewProjector(identity, cb.OnChange)
	c.session = transport.New(cfg.Transport, transport.Handlers{
		c.projector,
		transport.HandlerFunc(c.observe),
	}, logger)

	sc := cfg.Suggest
	sc.OnUpdate = cb.OnSuggestions
	c.coordinator = suggest.New(sc, assistant, logger)
	c.requester = insights.New(assistant, cfg.InsightsTimeout, cb.OnInsights, logger)
	return c, nil
}

// Start connects to the chat server in the background.
func (c *Client) Start() error {
	return c.session.Connect(c.identity)
}

// Identity returns the display name this client joined with.
func (c *Client) Identity() string { return c.identity }

// Send trims and sends one chat line. The line appears in Messages only once
// the server relays it back.
func (c *Client) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if err := c.session.Send(text); err != nil {
		return err
	}
	// The composer is cleared after a send, which clears the suggestions too.
	c.coordinator.Input("")
	return nil
}

// Type reports a change of the composer text.
func (c *Client) Type(text string) {
	c.coordinator.Input(text)
}

// RequestInsights starts a conversation analysis in the background.
func (c *Client) RequestInsights() {
	c.requester.Request()
}

// Messages returns the ordered message history.
func (c *Client) Messages() []protocol.Message { return c.projector.Messages() }

// Roster returns the present users.
func (c *Client) Roster() []chatstate.Member { return c.projector.Roster() }

// LastError returns the most recent server-reported error text.
func (c *Client) LastError() string { return c.projector.LastError() }

// State returns the transport readiness.
func (c *Client) State() transport.ReadyState { return c.session.State() }

// Suggestions returns the current suggestion state.
func (c *Client) Suggestions() suggest.Snapshot { return c.coordinator.Snapshot() }

// Insights returns the current insights state.
func (c *Client) Insights() insights.Snapshot { return c.requester.Snapshot() }

// Logout clears the identity, closes the socket, cancels any pending
// reconnect, invalidates the active suggestion request and cancels
// outstanding analyses. It blocks until every goroutine has exited.
func (c *Client) Logout() {
	c.session.Logout()
	c.coordinator.Close()
	c.requester.Close()
	c.logger.Info("logged out")
}

func (c *Client) observe(ev transport.Event) {
	st, ok := ev.(transport.StateEvent)
	if !ok {
		return
	}
	fields := []zap.Field{zap.Stringer("state", st.State)}
	if st.Err != nil {
		fields = append(fields, zap.Error(st.Err))
	}
	if st.ReconnectIn > 0 {
		fields = append(fields, zap.Duration("reconnect_in", st.ReconnectIn))
	}
	c.logger.Info("connection state", fields...)
}
