// Package fanout delivers store mutations and worker-state changes to live
// WebSocket subscribers, and protects the process from slow or malicious
// consumers.
//
// Two registries exist: per-conversation visitor sets and a flat worker set.
// Each event is serialized once; a subscriber whose queue would overflow is
// disconnected rather than allowed to accumulate unbounded memory.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"terrarium/internal/wire"
)

// Options configures a Registry.
type Options struct {
	SendQueueSize    int
	MaxBufferedBytes int64
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	Clock            clock.Clock
}

const (
	defaultSendQueueSize    = 128
	defaultMaxBufferedBytes = 512 << 10 // 512 KiB
	defaultWriteTimeout     = 5 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultPingTimeout      = 5 * time.Second
)

// Registry owns all live sockets.
type Registry struct {
	log *slog.Logger
	clk clock.Clock
	opt Options

	mu       sync.RWMutex
	visitors map[string]map[string]*Client // chat id -> client id -> client
	workers  map[string]*Client
}

// NewRegistry constructs a Registry with defaults for zero options.
func NewRegistry(log *slog.Logger, opt Options) *Registry {
	if opt.SendQueueSize <= 0 {
		opt.SendQueueSize = defaultSendQueueSize
	}
	if opt.MaxBufferedBytes <= 0 {
		opt.MaxBufferedBytes = defaultMaxBufferedBytes
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = defaultWriteTimeout
	}
	if opt.PingInterval <= 0 {
		opt.PingInterval = defaultPingInterval
	}
	if opt.PingTimeout <= 0 {
		opt.PingTimeout = defaultPingTimeout
	}
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	return &Registry{
		log:      log,
		clk:      opt.Clock,
		opt:      opt,
		visitors: make(map[string]map[string]*Client),
		workers:  make(map[string]*Client),
	}
}

// AddVisitor registers a visitor socket scoped to one conversation and
// starts its writer. The caller owns the read side.
func (r *Registry) AddVisitor(ctx context.Context, chatID string, conn *websocket.Conn) *Client {
	c := newClient(KindVisitor, chatID, conn, r.opt.SendQueueSize)

	r.mu.Lock()
	set, ok := r.visitors[chatID]
	if !ok {
		set = make(map[string]*Client)
		r.visitors[chatID] = set
	}
	set[c.ID] = c
	r.mu.Unlock()

	go r.writeLoop(ctx, c)

	r.log.Info("fanout.visitor.join", "chat_id", chatID, "socket_id", c.ID)
	return c
}

// AddWorker registers a worker notification socket and starts its writer.
func (r *Registry) AddWorker(ctx context.Context, conn *websocket.Conn) *Client {
	c := newClient(KindWorker, "", conn, r.opt.SendQueueSize)

	r.mu.Lock()
	r.workers[c.ID] = c
	r.mu.Unlock()

	go r.writeLoop(ctx, c)

	r.log.Info("fanout.worker.join", "socket_id", c.ID)
	return c
}

// Remove unregisters a client and closes it. Safe to call more than once.
func (r *Registry) Remove(c *Client, code websocket.StatusCode, reason string) {
	if c == nil {
		return
	}

	r.mu.Lock()
	switch c.Kind {
	case KindVisitor:
		if set, ok := r.visitors[c.ChatID]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(r.visitors, c.ChatID)
			}
		}
	case KindWorker:
		delete(r.workers, c.ID)
	}
	r.mu.Unlock()

	// Close after removal so no broadcaster picks up a half-dead client.
	c.close(code, reason)
	r.log.Info("fanout.leave", "kind", c.Kind, "socket_id", c.ID, "reason", reason)
}

// BroadcastToChat serializes env once and fans it out to the conversation's
// visitor sockets. Sockets past the backpressure threshold are evicted
// before the payload would be enqueued.
func (r *Registry) BroadcastToChat(chatID string, env wire.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		r.log.Error("fanout.encode.fail", "err", err)
		return
	}

	r.mu.RLock()
	targets := make([]*Client, 0, len(r.visitors[chatID]))
	for _, c := range r.visitors[chatID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	r.deliver(targets, b)
}

// BroadcastToWorkers fans a notification out to every worker socket.
func (r *Registry) BroadcastToWorkers(env wire.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		r.log.Error("fanout.encode.fail", "err", err)
		return
	}

	r.mu.RLock()
	targets := make([]*Client, 0, len(r.workers))
	for _, c := range r.workers {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	r.deliver(targets, b)
}

func (r *Registry) deliver(targets []*Client, b []byte) {
	for _, c := range targets {
		if !c.trySend(b, r.opt.MaxBufferedBytes) {
			r.log.Info("fanout.evict.backpressure", "socket_id", c.ID, "buffered", c.BufferedBytes())
			r.Remove(c, websocket.StatusPolicyViolation, "backpressure")
		}
	}
}

// VisitorCount returns the number of live visitor sockets.
func (r *Registry) VisitorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.visitors {
		n += len(set)
	}
	return n
}

// WorkerCount returns the number of live worker sockets.
func (r *Registry) WorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// writeLoop drains a client's send queue into its connection. A failed or
// timed-out write evicts the client.
func (r *Registry) writeLoop(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			r.Remove(c, websocket.StatusGoingAway, "server shutdown")
			return
		case <-c.Done():
			return
		case b := <-c.send:
			c.queuedBytes.Add(-int64(len(b)))

			wctx, cancel := context.WithTimeout(ctx, r.opt.WriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, b)
			cancel()

			if err != nil {
				r.log.Info("fanout.write.fail", "socket_id", c.ID, "close_status", websocket.CloseStatus(err), "err", err)
				r.Remove(c, websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// RunHeartbeat pings every live socket on one shared ticker. A socket whose
// previous ping has not completed by the next tick is evicted. Blocks until
// ctx is done.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	t := r.clk.Ticker(r.opt.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.pingAll(ctx)
		}
	}
}

func (r *Registry) pingAll(ctx context.Context) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.workers))
	for _, set := range r.visitors {
		for _, c := range set {
			targets = append(targets, c)
		}
	}
	for _, c := range r.workers {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if c.pingPending.Load() {
			r.log.Info("fanout.evict.heartbeat", "socket_id", c.ID)
			r.Remove(c, websocket.StatusGoingAway, "heartbeat failed")
			continue
		}
		c.pingPending.Store(true)

		go func(c *Client) {
			pctx, cancel := context.WithTimeout(ctx, r.opt.PingTimeout)
			err := c.conn.Ping(pctx)
			cancel()

			if err != nil {
				r.Remove(c, websocket.StatusGoingAway, "ping failed")
				return
			}
			c.pingPending.Store(false)
		}(c)
	}
}
