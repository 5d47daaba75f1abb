package control

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// SecretHeader carries the shared secret on privileged requests.
const SecretHeader = "X-Autolab-Secret"

// EventMessage is the wire form of a lifecycle event on /events.
type EventMessage struct {
	Type       string                 `json:"type"`
	Event      string                 `json:"event"`
	Seq        int64                  `json:"seq"`
	Timestamp  int64                  `json:"timestamp"`
	Cycle      int64                  `json:"cycle,omitempty"`
	ActionID   string                 `json:"action_id,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	EntityKey  string                 `json:"entity_key,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Message    string                 `json:"message,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
}

// ClientInfo describes a connected event subscriber.
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	IPAddress   string    `json:"ip_address"`
	Dropped     int64     `json:"dropped"`
}

// Client is a websocket subscriber. Writes go through a buffered queue
// drained by a single writer goroutine.
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string

	send      chan []byte
	done      chan struct{}
	dropped   atomic.Int64
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, ip string, buffer int) *Client {
	return &Client{
		ID:          id,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   ip,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// enqueue queues data without blocking. A full queue drops the message.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Close closes the connection once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}
