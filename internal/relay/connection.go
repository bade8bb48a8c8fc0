package relay

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one client socket on the relay with a write mutex for
// serializing outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was upgraded

	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu      sync.RWMutex
	name    string // display name, set by join
	joinSeq uint64 // roster position, assigned on first join

	lastSeen atomic.Int64 // unix nanos of the last frame read
}

func newConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// Name returns the joined display name, or "" before join.
func (c *Connection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Joined reports whether the connection has sent a valid join.
func (c *Connection) Joined() bool {
	return c.Name() != ""
}

var joinCounter atomic.Uint64

// setName records a join. A repeated join renames the connection but keeps
// its roster position.
func (c *Connection) setName(name string) {
	c.mu.Lock()
	if c.joinSeq == 0 {
		c.joinSeq = joinCounter.Add(1)
	}
	c.name = name
	c.mu.Unlock()
}

func (c *Connection) seq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joinSeq
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame read.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a text frame to this connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeControl(ws.NewPingFrame(nil))
}

func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, f)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry is a thread-safe set of live connections keyed by ID.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Connection)}
}

// Add registers conn.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	r.byID[conn.ID] = conn
	r.mu.Unlock()
}

// Remove unregisters and closes the connection with id. It reports whether
// the connection was present, so concurrent removals clean up only once.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Count returns the number of live connections, joined or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// Joined returns the joined connections in join order.
func (r *Registry) Joined() []*Connection {
	all := r.All()
	joined := all[:0]
	for _, c := range all {
		if c.Joined() {
			joined = append(joined, c)
		}
	}
	sort.SliceStable(joined, func(i, j int) bool {
		return joined[i].seq() < joined[j].seq()
	})
	return joined
}

// Names returns the display names of joined connections. Names are not
// deduplicated; two sockets with the same name appear twice.
func (r *Registry) Names() []string {
	joined := r.Joined()
	names := make([]string, len(joined))
	for i, c := range joined {
		names[i] = c.Name()
	}
	return names
}

// Broadcast writes msg to every joined connection and returns the ones whose
// write failed, so the caller can evict them.
func (r *Registry) Broadcast(msg []byte) []*Connection {
	var dead []*Connection
	for _, c := range r.Joined() {
		if err := c.WriteMessage(msg); err != nil {
			dead = append(dead, c)
		}
	}
	return dead
}
