package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Subscriber sockets are receive-only: inbound frames are drained and
// discarded, and a small read limit keeps a misbehaving peer cheap.
const wsInboundReadLimit = 4 << 10

// visitorWS upgrades a visitor connection scoped to one conversation. The
// socket then receives every message, worker-state, and chunk envelope for
// that conversation until it disconnects or is evicted.
func (h *Handler) visitorWS(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if err := h.auth.Visitor(r); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid access code")
		return
	}
	if _, err := h.store.Get(chatID); err != nil {
		h.writeStoreError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.wsOriginPatterns,
	})
	if err != nil {
		h.log.Info("ws.accept.fail", "chat_id", chatID, "err", err)
		return
	}
	conn.SetReadLimit(wsInboundReadLimit)

	// The handler must not return while the socket lives: r.Context()
	// backs the writer goroutine.
	client := h.fanout.AddVisitor(r.Context(), chatID, conn)
	h.drainUntilClosed(r.Context(), conn)
	h.fanout.Remove(client, websocket.StatusNormalClosure, "peer closed")
}

// workerWS upgrades the worker's notification stream. The worker receives
// chat_activity envelopes for every conversation.
func (h *Handler) workerWS(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Worker(r, nil); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid worker credentials")
		return
	}
	h.health.Heartbeat()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.wsOriginPatterns,
	})
	if err != nil {
		h.log.Info("ws.accept.fail", "kind", "worker", "err", err)
		return
	}
	conn.SetReadLimit(wsInboundReadLimit)

	client := h.fanout.AddWorker(r.Context(), conn)
	h.drainUntilClosed(r.Context(), conn)
	h.fanout.Remove(client, websocket.StatusNormalClosure, "peer closed")
}

// drainUntilClosed consumes inbound frames (which also services pongs and
// close frames) until the peer goes away or ctx ends.
func (h *Handler) drainUntilClosed(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			expected := websocket.CloseStatus(err) != -1 ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, io.EOF) ||
				errors.Is(err, net.ErrClosed)
			if !expected {
				h.log.Info("ws.read.end", "err", err)
			}
			return
		}
	}
}
