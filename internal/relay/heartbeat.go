package relay

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig controls liveness probing of relay connections.
type HeartbeatConfig struct {
	Interval time.Duration // ping period; zero disables probing
	Timeout  time.Duration // extra grace before a silent connection is evicted
}

// DefaultHeartbeatConfig pings every 30s and evicts after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
}

// Deadline is the longest a connection may go without sending a frame.
func (h HeartbeatConfig) Deadline() time.Duration { return h.Interval + h.Timeout }

// StartHeartbeat runs liveness probing for server until Shutdown.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	server.wg.Add(1)
	go server.runHeartbeat(config)
}

func (s *Server) runHeartbeat(config HeartbeatConfig) {
	defer s.wg.Done()
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(now, config.Deadline())
		}
	}
}

// sweep pings every live connection and evicts the ones silent for longer
// than deadline or whose ping cannot be written. It returns the eviction count.
func (s *Server) sweep(now time.Time, deadline time.Duration) int {
	var stale []*Connection
	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastSeen())
		if idle > deadline {
			s.logger.Info("heartbeat timeout",
				zap.String("conn", c.ID), zap.Duration("idle", idle.Round(time.Millisecond)))
			stale = append(stale, c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed", zap.String("conn", c.ID), zap.Error(err))
			stale = append(stale, c)
		}
	}

	for _, c := range stale {
		s.RemoveConnection(c)
	}
	return len(stale)
}
