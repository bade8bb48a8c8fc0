package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/assistchat/internal/metrics"
	"github.com/whisper/assistchat/internal/protocol"
)

// Error texts sent to clients.
const (
	ErrTextBadJSON        = "bad json"
	ErrTextEmptyName      = "empty name"
	ErrTextNotJoined      = "not joined"
	ErrTextInvalidMessage = "invalid message"
	ErrTextTooLong        = "message too long"
	ErrTextUnknownType    = "unknown type"
	ErrTextRateLimited    = "rate limited"
)

// MessageLimiter throttles chat lines per connection. Reset is called when a
// connection goes away.
type MessageLimiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
	Reset(ctx context.Context, identifier string) error
}

// storeTimeout bounds each history read or write.
const storeTimeout = 3 * time.Second

// Dispatch handles one inbound text frame from conn.
func (s *Server) Dispatch(conn *Connection, data []byte) {
	frameType, frame, err := protocol.ParseClientFrame(data)
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		// Valid JSON without a usable type is an unknown type, not bad JSON.
		if json.Valid(data) {
			s.reject(conn, ErrTextUnknownType)
		} else {
			s.reject(conn, ErrTextBadJSON)
		}
		return
	case errors.Is(err, protocol.ErrUnknownType):
		s.reject(conn, ErrTextUnknownType)
		return
	case errors.Is(err, protocol.ErrInvalidPayload):
		s.rejectPayload(conn, frameType)
		return
	case err != nil:
		s.reject(conn, ErrTextBadJSON)
		return
	}

	switch f := frame.(type) {
	case protocol.JoinFrame:
		s.handleJoin(conn, f)
	case protocol.ChatFrame:
		s.handleChat(conn, f)
	}
}

// rejectPayload answers a frame whose fields have the wrong JSON types.
func (s *Server) rejectPayload(conn *Connection, frameType string) {
	switch frameType {
	case protocol.TypeJoin:
		s.reject(conn, ErrTextEmptyName)
	case protocol.TypeMessage:
		if !conn.Joined() {
			s.reject(conn, ErrTextNotJoined)
			return
		}
		s.reject(conn, ErrTextInvalidMessage)
	default:
		s.reject(conn, ErrTextUnknownType)
	}
}

func (s *Server) handleJoin(conn *Connection, f protocol.JoinFrame) {
	name := NormalizeName(f.Name)
	if name == "" {
		s.reject(conn, ErrTextEmptyName)
		return
	}
	conn.setName(name)
	metrics.RelayMessages.WithLabelValues(protocol.TypeJoin).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	messages, err := s.history.Recent(ctx)
	if err != nil {
		s.logger.Warn("history read failed", zap.String("conn", conn.ID), zap.Error(err))
		messages = []protocol.Message{}
	}

	s.send(conn, protocol.TypeHistory, protocol.HistoryFrame{Messages: messages})
	s.logger.Info("joined", zap.String("conn", conn.ID), zap.String("name", name))
	s.broadcastUsers()
}

func (s *Server) handleChat(conn *Connection, f protocol.ChatFrame) {
	if !conn.Joined() {
		s.reject(conn, ErrTextNotJoined)
		return
	}
	text, err := NormalizeText(f.Text)
	if err != nil {
		s.reject(conn, ErrTextTooLong)
		return
	}
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if !s.allow(ctx, conn) {
		s.reject(conn, ErrTextRateLimited)
		return
	}

	msg := protocol.Message{
		ID:   uuid.New().String(),
		Name: conn.Name(),
		Text: text,
		Time: time.Now().UnixMilli(),
	}

	if err := s.history.Append(ctx, msg); err != nil {
		s.logger.Warn("history append failed", zap.String("conn", conn.ID), zap.Error(err))
	}

	data, err := protocol.NewFrame(protocol.TypeMessage, protocol.MessageFrame{Message: msg})
	if err != nil {
		s.logger.Error("encode message", zap.Error(err))
		return
	}
	metrics.RelayMessages.WithLabelValues(protocol.TypeMessage).Inc()
	if err := s.broker.Publish(data); err != nil {
		s.logger.Warn("publish failed, delivering locally", zap.Error(err))
		s.deliver(data)
	}
}

func (s *Server) allow(ctx context.Context, conn *Connection) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx, conn.ID)
	if err != nil {
		s.logger.Debug("rate limiter unavailable", zap.Error(err))
	}
	return ok
}

// deliver writes a fanned-out frame to every local joined connection.
func (s *Server) deliver(data []byte) {
	for _, c := range s.conns.Broadcast(data) {
		s.RemoveConnection(c)
	}
}

// broadcastUsers sends the local roster to every local joined connection.
func (s *Server) broadcastUsers() {
	data, err := protocol.NewFrame(protocol.TypeUsers, protocol.UsersFrame{Names: s.conns.Names()})
	if err != nil {
		s.logger.Error("encode users", zap.Error(err))
		return
	}
	s.deliver(data)
}

func (s *Server) reject(conn *Connection, text string) {
	metrics.RelayMessages.WithLabelValues("rejected").Inc()
	s.logger.Debug("rejected frame", zap.String("conn", conn.ID), zap.String("reason", text))
	s.send(conn, protocol.TypeError, protocol.ErrorFrame{Message: text})
}

func (s *Server) send(conn *Connection, frameType string, payload interface{}) {
	data, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		s.logger.Error("encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		s.logger.Debug("write failed", zap.String("conn", conn.ID), zap.Error(err))
	}
}
