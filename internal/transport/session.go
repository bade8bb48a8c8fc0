// Package transport owns the client side of the real-time chat channel. A
// Session keeps one WebSocket open to the chat server, announces the local
// identity on every connection, turns inbound frames into typed events and
// reconnects after every closure for as long as the identity is set.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/whisper/assistchat/internal/logging"
	"github.com/whisper/assistchat/internal/metrics"
	"github.com/whisper/assistchat/internal/protocol"
)

var (
	// ErrNoIdentity is returned when Connect is called without a display name.
	ErrNoIdentity = errors.New("transport: identity is required")
	// ErrNotOpen is returned by Send when the socket is not open.
	ErrNotOpen = errors.New("transport: connection is not open")
	// ErrAlreadyStarted is returned by a second call to Connect.
	ErrAlreadyStarted = errors.New("transport: session already started")
	// ErrClosed is returned once the session has been logged out.
	ErrClosed = errors.New("transport: session closed")
)

// Config holds tunable parameters for a Session.
type Config struct {
	URL            string        // ws:// or wss:// endpoint of the chat server
	ReconnectDelay time.Duration // fixed delay before each reconnect attempt
	DialTimeout    time.Duration // timeout for the WebSocket handshake
	WriteTimeout   time.Duration // timeout for each outbound frame
}

// DefaultConfig returns a Config matching the browser client's behaviour.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://127.0.0.1:8080/ws",
		ReconnectDelay: 1 * time.Second,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Stats is a snapshot of session counters.
type Stats struct {
	Connects      uint64 // successful handshakes (join sent)
	Reconnects    uint64 // reconnect attempts after a closure
	DroppedFrames uint64 // inbound frames that could not be decoded
}

// Session is a reconnecting real-time connection bound to one identity. The
// socket is owned exclusively by the session; callers interact through
// Connect, Send and Logout.
type Session struct {
	config  Config
	handler Handler
	logger  *zap.Logger

	mu       sync.Mutex
	identity string
	conn     net.Conn
	started  bool

	state   atomic.Int32
	writeMu sync.Mutex // serializes frames written to conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connects   atomic.Uint64
	reconnects atomic.Uint64
	dropped    atomic.Uint64
}

// New creates an idle Session. Events are delivered to handler from the
// session goroutine; handler must not call Logout or Close.
func New(config Config, handler Handler, logger *zap.Logger) *Session {
	if handler == nil {
		handler = HandlerFunc(func(Event) {})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		config:  config,
		handler: handler,
		logger:  logging.OrNop(logger).With(zap.String("component", "transport")),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.state.Store(int32(Closed))
	return s
}

// Connect binds the session to identity and starts the connection loop in
// the background. It returns without waiting for the handshake.
func (s *Session) Connect(identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrNoIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.identity = identity

	go s.run()
	return nil
}

// Identity returns the bound identity, or "" after logout.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State returns the current readiness state.
func (s *Session) State() ReadyState {
	return ReadyState(s.state.Load())
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Connects:      s.connects.Load(),
		Reconnects:    s.reconnects.Load(),
		DroppedFrames: s.dropped.Load(),
	}
}

// Send writes one chat line. It fails with ErrNotOpen unless the socket is
// open; the message is not queued or retried.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || s.State() != Open {
		return ErrNotOpen
	}
	if err := s.writeFrame(conn, protocol.TypeMessage, protocol.ChatFrame{Text: text}); err != nil {
		return fmt.Errorf("transport: send failed: %w", err)
	}
	return nil
}

// Logout clears the identity, closes the socket and cancels any pending
// reconnect. It blocks until the connection loop has exited and is safe to
// call more than once.
func (s *Session) Logout() {
	s.mu.Lock()
	s.identity = ""
	conn := s.conn
	started := s.started
	s.mu.Unlock()

	// Identity is cleared before the socket closes so the loop never
	// schedules another attempt for this closure.
	s.cancel()
	if conn != nil {
		s.state.Store(int32(Closing))
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.writeControl(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "logout")))
		_ = conn.Close()
	}
	if started {
		<-s.done
	}
}

// Close tears the session down. It is equivalent to Logout.
func (s *Session) Close() error {
	s.Logout()
	return nil
}

// run is the connection loop. Every closure, including a failed dial, is
// followed by exactly one reconnect attempt after ReconnectDelay while the
// identity is still set.
func (s *Session) run() {
	defer close(s.done)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			s.reconnects.Add(1)
			metrics.Reconnects.Inc()
			s.logger.Info("reconnecting", zap.Int("attempt", attempt))
		}

		err := s.connectAndServe()
		if s.Identity() == "" || s.ctx.Err() != nil {
			s.transition(Closed, nil, 0)
			return
		}

		s.logger.Info("connection closed, reconnect scheduled",
			zap.Duration("delay", s.config.ReconnectDelay), zap.Error(err))
		s.transition(Closed, err, s.config.ReconnectDelay)

		timer := time.NewTimer(s.config.ReconnectDelay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			s.transition(Closed, nil, 0)
			return
		}
		if s.Identity() == "" {
			s.transition(Closed, nil, 0)
			return
		}
	}
}

// connectAndServe dials once, announces the identity and reads frames until
// the connection ends. The returned error describes why it ended.
func (s *Session) connectAndServe() error {
	s.transition(Connecting, nil, 0)

	dialer := ws.Dialer{Timeout: s.config.DialTimeout}
	conn, br, _, err := dialer.Dial(s.ctx, s.config.URL)
	if err != nil {
		s.logger.Warn("dial failed", zap.String("url", s.config.URL), zap.Error(err))
		return fmt.Errorf("transport: dial %s: %w", s.config.URL, err)
	}

	var src io.Reader = conn
	if br != nil {
		src = br
		defer ws.PutReader(br)
	}

	identity, ok := s.attach(conn)
	if !ok {
		_ = conn.Close()
		return ErrClosed
	}
	defer s.detach(conn)

	// The join announcement goes out before the state becomes Open, so no
	// other outbound frame can precede it on this connection.
	if err := s.writeFrame(conn, protocol.TypeJoin, protocol.JoinFrame{Name: identity}); err != nil {
		s.logger.Warn("join failed", zap.Error(err))
		return fmt.Errorf("transport: join failed: %w", err)
	}
	s.connects.Add(1)
	s.transition(Open, nil, 0)
	s.logger.Info("connected", zap.String("url", s.config.URL), zap.String("identity", identity))

	return s.readLoop(conn, src)
}

// attach publishes conn as the active socket unless the session has been
// logged out in the meantime.
func (s *Session) attach(conn net.Conn) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == "" {
		return "", false
	}
	s.conn = conn
	return s.identity, true
}

func (s *Session) detach(conn net.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Session) transition(state ReadyState, err error, reconnectIn time.Duration) {
	s.state.Store(int32(state))
	s.handler.HandleEvent(StateEvent{State: state, Err: err, ReconnectIn: reconnectIn})
}

// readLoop reads text frames until the connection fails or the server closes
// it. Control frames are answered inline; binary frames are discarded.
func (s *Session) readLoop(conn net.Conn, src io.Reader) error {
	rd := &wsutil.Reader{
		Source:    src,
		State:     ws.StateClientSide,
		CheckUTF8: true,
	}
	rd.OnIntermediate = func(hdr ws.Header, r io.Reader) error {
		return s.handleControl(conn, hdr, r)
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := s.handleControl(conn, hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

// handleControl answers ping and close frames under the write lock so they
// never interleave with outbound data frames.
func (s *Session) handleControl(conn net.Conn, hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return s.writeControl(conn, ws.NewPongFrame(payload))
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		_ = s.writeControl(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// dispatch decodes one inbound frame and forwards it as a typed event.
// Frames that fail to decode are dropped and counted.
func (s *Session) dispatch(data []byte) {
	frameType, frame, err := protocol.ParseServerFrame(data)
	if err != nil {
		s.drop(frameType, err)
		return
	}

	switch f := frame.(type) {
	case protocol.HistoryFrame:
		s.handler.HandleEvent(HistoryEvent{Messages: f.Messages})
	case protocol.MessageFrame:
		s.handler.HandleEvent(MessageEvent{Message: f.Message})
	case protocol.UsersFrame:
		s.handler.HandleEvent(UsersEvent{Names: f.Names})
	case protocol.ErrorFrame:
		s.logger.Debug("server error", zap.String("message", f.Message))
		s.handler.HandleEvent(ErrorEvent{Message: f.Message})
	}
}

func (s *Session) drop(frameType string, err error) {
	reason := "malformed"
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		reason = "unknown_type"
	case errors.Is(err, protocol.ErrInvalidPayload):
		reason = "invalid_payload"
	}
	s.dropped.Add(1)
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	s.logger.Debug("dropped frame",
		zap.String("type", frameType), zap.String("reason", reason), zap.Error(err))
}

func (s *Session) writeFrame(conn net.Conn, frameType string, payload interface{}) error {
	data, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientText(conn, data)
}

func (s *Session) writeControl(conn net.Conn, f ws.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return ws.WriteFrame(conn, ws.MaskFrameInPlace(f))
}
