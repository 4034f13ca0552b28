package fanout

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// Kind distinguishes the two socket classes the relay serves.
type Kind string

const (
	KindVisitor Kind = "visitor"
	KindWorker  Kind = "worker"
)

// Client represents one connected websocket subscriber.
//
// Design notes:
//   - send is never closed; broadcasters may hold a reference while the
//     client tears down, and done is the stop signal instead.
//   - queuedBytes tracks payload bytes sitting in send, so the registry can
//     evict a stalled consumer before enqueuing more data.
//   - close is idempotent.
type Client struct {
	ID     string
	Kind   Kind
	ChatID string // empty for worker sockets

	conn *websocket.Conn
	send chan []byte

	queuedBytes atomic.Int64
	pingPending atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(kind Kind, chatID string, conn *websocket.Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Client{
		ID:     newSocketID(),
		Kind:   kind,
		ChatID: chatID,
		conn:   conn,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// BufferedBytes reports payload bytes queued but not yet written.
func (c *Client) BufferedBytes() int64 { return c.queuedBytes.Load() }

// trySend enqueues without blocking. It refuses when the client is shutting
// down, when queued bytes would cross maxBuffered, or when the queue is
// full; the caller treats any refusal as backpressure and evicts.
func (c *Client) trySend(b []byte, maxBuffered int64) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	if maxBuffered > 0 && c.queuedBytes.Load()+int64(len(b)) > maxBuffered {
		return false
	}

	select {
	case c.send <- b:
		c.queuedBytes.Add(int64(len(b)))
		return true
	default:
		return false
	}
}

// close signals shutdown and closes the websocket (idempotent).
func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// newSocketID returns a random hex socket id.
func newSocketID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "anon"
	}
	return hex.EncodeToString(b)
}
