// Package relay is a small real-time chat server for development and
// integration tests. It accepts WebSocket clients on /ws, keeps a bounded
// message history, and fans messages out to every joined client, optionally
// across instances through a Broker.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/assistchat/internal/logging"
	"github.com/whisper/assistchat/internal/metrics"
)

// ServerConfig holds tunable parameters for the relay.
type ServerConfig struct {
	ListenAddr   string          // address to listen on, e.g. ":8080"
	WriteTimeout time.Duration   // timeout for each outbound frame
	Heartbeat    HeartbeatConfig // ping cadence and eviction deadline
}

// DefaultServerConfig returns a ServerConfig with development defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8080",
		WriteTimeout: 10 * time.Second,
		Heartbeat:    DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests to WebSocket and serves each connection on
// its own goroutine.
type Server struct {
	config  ServerConfig
	conns   *Registry
	history History
	broker  Broker
	limiter MessageLimiter // optional
	logger  *zap.Logger

	httpServer *http.Server
	startedAt  time.Time
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewServer creates a Server and subscribes it to broker. Nil history and
// broker select the in-memory defaults.
func NewServer(config ServerConfig, history History, broker Broker, logger *zap.Logger) (*Server, error) {
	if history == nil {
		history = NewMemoryHistory(DefaultMaxHistory)
	}
	if broker == nil {
		broker = NewLocalBroker()
	}
	s := &Server{
		config:    config,
		conns:     NewRegistry(),
		history:   history,
		broker:    broker,
		logger:    logging.OrNop(logger).With(zap.String("component", "relay")),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := broker.Subscribe(s.deliver); err != nil {
		return nil, fmt.Errorf("relay: subscribe broker: %w", err)
	}
	return s, nil
}

// SetLimiter installs a per-connection message limiter. It must be called
// before the server accepts connections.
func (s *Server) SetLimiter(l MessageLimiter) {
	s.limiter = l
}

// Handler returns the HTTP routes served by the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins the heartbeat monitor and blocks serving HTTP on ListenAddr.
func (s *Server) Start() error {
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("listening", zap.String("addr", s.config.ListenAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.RelayConnections.Inc()
	s.logger.Debug("connection opened", zap.String("conn", c.ID), zap.Int("total", s.conns.Count()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.RemoveConnection(c)
		if err := s.serve(c); err != nil && !isClosure(err) {
			s.logger.Debug("read failed", zap.String("conn", c.ID), zap.Error(err))
		}
	}()
}

// serve reads frames from c until it fails or closes.
func (s *Server) serve(c *Connection) error {
	rd := &wsutil.Reader{
		Source:    c.Conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
	}
	rd.OnIntermediate = func(hdr ws.Header, r io.Reader) error {
		return s.handleControl(c, hdr, r)
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		// Any frame proves the connection is alive.
		c.Touch()

		if hdr.OpCode.IsControl() {
			if err := s.handleControl(c, hdr, rd); err != nil {
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
		if len(data) == 0 {
			continue
		}
		s.Dispatch(c, data)
	}
}

func (s *Server) handleControl(c *Connection, hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeControl(ws.NewPongFrame(payload))
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Joined      int    `json:"joined"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Joined:      len(s.conns.Joined()),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// RemoveConnection unregisters and closes c, then tells the remaining clients.
// It is safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.RelayConnections.Dec()
	s.logger.Debug("connection closed", zap.String("conn", c.ID), zap.Int("total", s.conns.Count()))
	if s.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.limiter.Reset(ctx, c.ID); err != nil {
			s.logger.Debug("limiter reset failed", zap.String("conn", c.ID), zap.Error(err))
		}
		cancel()
	}
	if c.Joined() {
		s.broadcastUsers()
	}
}

// Connections returns the live connection registry.
func (s *Server) Connections() *Registry {
	return s.conns
}

// Shutdown stops accepting connections, closes every client and waits for
// their goroutines to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	err := s.httpServer.Shutdown(ctx)

	for _, c := range s.conns.All() {
		_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "")))
		if s.conns.Remove(c.ID) {
			metrics.RelayConnections.Dec()
		}
	}
	s.broker.Close()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	s.logger.Info("stopped")
	return err
}

func isClosure(err error) bool {
	var closed wsutil.ClosedError
	return errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
