// Package api is the HTTP/WebSocket route layer: it authorizes requests,
// translates component errors into the response taxonomy, and orchestrates
// store mutations, fan-out broadcasts, and audit-log enqueues.
package api

import (
	"bufio"
	"errors"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"terrarium/internal/chatlog"
	"terrarium/internal/fanout"
	"terrarium/internal/health"
	"terrarium/internal/ratelimit"
	"terrarium/internal/store"
	"terrarium/internal/wire"
)

// Limits are the request-shaping knobs the route layer enforces itself.
type Limits struct {
	MaxBodyBytes    int64
	MaxMessageChars int
}

// orderShards bounds the ordering-lock table; conversations hash onto a
// fixed shard set so the table never grows.
const orderShards = 64

// Handler owns the route tree and every component behind it.
type Handler struct {
	log     *slog.Logger
	clk     clock.Clock
	store   *store.Store
	fanout  *fanout.Registry
	health  *health.Aggregator
	chatlog *chatlog.Pipeline
	limiter *ratelimit.Limiter
	auth    *Auth
	metrics *Metrics
	limits  Limits

	// ordLocks serialize store mutation + broadcast per conversation.
	// The store mutex alone orders seq assignment but not the enqueue that
	// follows it; without this lock two concurrent appends could reach a
	// subscriber's send queue inverted.
	ordLocks [orderShards]sync.Mutex

	wsOriginPatterns []string
}

// orderLock returns the ordering lock for one conversation. Distinct
// conversations may share a shard; that costs throughput, never order.
func (h *Handler) orderLock(chatID string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(chatID))
	return &h.ordLocks[f.Sum32()%orderShards]
}

// Deps bundles the constructor dependencies.
type Deps struct {
	Log              *slog.Logger
	Clock            clock.Clock
	Store            *store.Store
	Fanout           *fanout.Registry
	Health           *health.Aggregator
	Chatlog          *chatlog.Pipeline
	Limiter          *ratelimit.Limiter
	Auth             *Auth
	Metrics          *Metrics
	Limits           Limits
	WSOriginPatterns []string
}

// NewHandler wires the route layer.
func NewHandler(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Limits.MaxBodyBytes <= 0 {
		d.Limits.MaxBodyBytes = 64 << 10
	}
	if d.Limits.MaxMessageChars <= 0 {
		d.Limits.MaxMessageChars = 4000
	}
	return &Handler{
		log:              d.Log,
		clk:              d.Clock,
		store:            d.Store,
		fanout:           d.Fanout,
		health:           d.Health,
		chatlog:          d.Chatlog,
		limiter:          d.Limiter,
		auth:             d.Auth,
		metrics:          d.Metrics,
		limits:           d.Limits,
		wsOriginPatterns: d.WSOriginPatterns,
	}
}

// Register mounts every route.
func (h *Handler) Register(r chi.Router) {
	r.Use(h.instrument)

	// Visitor surface.
	r.Post("/api/chat", h.createChat)
	r.Post("/api/chat/{chatID}/message", h.visitorMessage)
	r.Get("/api/chat/{chatID}/messages", h.listMessages)
	r.Get("/api/chat/{chatID}/worker-state", h.getWorkerState)
	r.Get("/api/health/chain", h.healthChain)
	r.Get("/ws/chat/{chatID}", h.visitorWS)

	// Worker surface.
	r.Get("/api/chats/open", h.openChats)
	r.Post("/api/chat/{chatID}/agent", h.agentMessage)
	r.Post("/api/chat/{chatID}/agent-chunk", h.agentChunk)
	r.Post("/api/chat/{chatID}/worker-state", h.setWorkerState)
	r.Post("/api/worker/status", h.workerStatus)
	r.Get("/ws/worker", h.workerWS)

	// Operational surface.
	r.Get("/api/metrics", h.metricsSnapshot)
	r.Get("/metrics", h.metrics.PromHandler().ServeHTTP)
}

// instrument records request counts and latency for every route.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.clk.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		h.metrics.Record(sw.status, h.clk.Now().Sub(start))
	})
}

// ---- visitor routes ----

func (h *Handler) createChat(w http.ResponseWriter, r *http.Request) {
	if !h.allowRate(w, r, "") {
		return
	}
	if err := h.auth.Visitor(r); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid access code")
		return
	}

	conv := h.store.Create()
	h.chatlog.Enqueue(conv.ID, "chat_created", map[string]any{"status": string(conv.Status)})
	writeJSON(w, http.StatusCreated, conv)
}

type messageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) visitorMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if !h.allowRate(w, r, chatID) {
		return
	}
	if err := h.auth.Visitor(r); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid access code")
		return
	}

	content, ok := h.readMessageContent(w, r)
	if !ok {
		return
	}

	lock := h.orderLock(chatID)
	lock.Lock()
	msg, err := h.store.Append(chatID, store.RoleVisitor, content)
	if err != nil {
		lock.Unlock()
		h.writeStoreError(w, err)
		return
	}
	h.afterAppend(msg, "visitor_message")
	lock.Unlock()

	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	// Shared between actor classes: the worker fetches history from the same
	// path the browser does.
	if h.auth.WorkerPresent(r) {
		if err := h.auth.Worker(r, nil); err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid worker credentials")
			return
		}
		h.health.Heartbeat()
	} else if err := h.auth.Visitor(r); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid access code")
		return
	}

	msgs, err := h.store.Messages(chi.URLParam(r, "chatID"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) getWorkerState(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Visitor(r); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid access code")
		return
	}

	ws, err := h.store.WorkerState(chi.URLParam(r, "chatID"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (h *Handler) healthChain(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Visitor(r); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid access code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chain": h.health.Chain()})
}

// ---- worker routes ----

func (h *Handler) openChats(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Worker(r, nil); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid worker credentials")
		return
	}
	h.health.Heartbeat()

	ids := h.store.OpenIDs()
	writeJSON(w, http.StatusOK, map[string]any{"chatIds": ids})
}

func (h *Handler) agentMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	body, ok := h.authedWorkerBody(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := decodeStrict(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "malformed body")
		return
	}

	content, ok := h.validateContent(w, req.Content)
	if !ok {
		return
	}

	lock := h.orderLock(chatID)
	lock.Lock()
	msg, err := h.store.Append(chatID, store.RoleAgent, content)
	if err != nil {
		lock.Unlock()
		h.writeStoreError(w, err)
		return
	}
	h.afterAppend(msg, "agent_message")
	lock.Unlock()

	writeJSON(w, http.StatusCreated, msg)
}

type chunkRequest struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

func (h *Handler) agentChunk(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	body, ok := h.authedWorkerBody(w, r)
	if !ok {
		return
	}

	var req chunkRequest
	if err := decodeStrict(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "malformed body")
		return
	}

	// Chunks are broadcast-only: never persisted, gone if nobody is listening.
	now := h.clk.Now().UTC()
	env := wire.New(wire.KindChunk, chatID, now, wire.ChunkPayload{Content: req.Content, Done: req.Done})
	h.fanout.BroadcastToChat(chatID, env)

	if req.Content != "" {
		h.chatlog.Enqueue(chatID, "agent_chunk", map[string]any{"content": req.Content, "done": req.Done})
	}
	w.WriteHeader(http.StatusAccepted)
}

type workerStateRequest struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

func (h *Handler) setWorkerState(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	body, ok := h.authedWorkerBody(w, r)
	if !ok {
		return
	}

	var req workerStateRequest
	if err := decodeStrict(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "malformed body")
		return
	}

	stage, err := store.ParseStage(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	lock := h.orderLock(chatID)
	lock.Lock()
	ws, err := h.store.SetWorkerState(chatID, stage, req.Detail)
	if err != nil {
		lock.Unlock()
		h.writeStoreError(w, err)
		return
	}
	env := wire.New(wire.KindWorkerState, chatID, ws.UpdatedAt, wire.WorkerStatePayload{
		State:     string(ws.State),
		Detail:    ws.Detail,
		UpdatedAt: ws.UpdatedAt,
	})
	h.fanout.BroadcastToChat(chatID, env)
	h.chatlog.Enqueue(chatID, "worker_state", map[string]any{"state": string(ws.State), "detail": ws.Detail})
	lock.Unlock()

	writeJSON(w, http.StatusOK, ws)
}

func (h *Handler) workerStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := h.authedWorkerBody(w, r)
	if !ok {
		return
	}

	var report health.Report
	if err := decodeStrict(body, &report); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "malformed body")
		return
	}

	h.health.RecordReport(report)
	w.WriteHeader(http.StatusNoContent)
}

// ---- operational routes ----

func (h *Handler) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Worker(r, nil); err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid worker credentials")
		return
	}
	h.health.Heartbeat()

	requests, errCount, avgLatency := h.metrics.snapshotCounters()
	writeJSON(w, http.StatusOK, Snapshot{
		Requests:       requests,
		Errors:         errCount,
		AvgLatencyMS:   avgLatency,
		VisitorSockets: h.fanout.VisitorCount(),
		WorkerSockets:  h.fanout.WorkerCount(),
		LogQueueDepth:  h.chatlog.Depth(),
		LogDropped:     h.chatlog.Dropped(),
	})
}

// ---- shared helpers ----

// afterAppend is the single post-append side-effect path: broadcast to the
// conversation's visitor sockets, notify worker sockets, enqueue the audit
// record. All best-effort relative to the stored message.
//
// Callers hold the conversation's ordering lock across the append and this
// call; every step here is non-blocking.
func (h *Handler) afterAppend(msg store.Message, eventType string) {
	env := wire.New(wire.KindMessage, msg.ChatID, msg.CreatedAt, wire.MessagePayload{
		ID:        msg.ID,
		Sender:    string(msg.Sender),
		Content:   msg.Content,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt,
	})
	h.fanout.BroadcastToChat(msg.ChatID, env)

	activity := wire.New(wire.KindActivity, msg.ChatID, msg.CreatedAt, wire.ActivityPayload{MessageID: msg.ID})
	h.fanout.BroadcastToWorkers(activity)

	h.chatlog.Enqueue(msg.ChatID, eventType, map[string]any{
		"id":        msg.ID,
		"sender":    string(msg.Sender),
		"content":   msg.Content,
		"seq":       msg.Seq,
		"createdAt": msg.CreatedAt.Format(time.RFC3339Nano),
	})
}

// allowRate applies the dual-dimension limiter and answers 429 on its own.
func (h *Handler) allowRate(w http.ResponseWriter, r *http.Request, chatID string) bool {
	ok, dim, retryAfter := h.limiter.Allow(clientIP(r), chatID)
	if ok {
		return true
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
	}
	writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many requests ("+string(dim)+")")
	return false
}

// readMessageContent reads and validates a visitor/agent message body.
func (h *Handler) readMessageContent(w http.ResponseWriter, r *http.Request) (string, bool) {
	body, err := readBody(w, r, h.limits.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "unreadable body")
		return "", false
	}
	var req messageRequest
	if err := decodeStrict(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "malformed body")
		return "", false
	}
	return h.validateContent(w, req.Content)
}

func (h *Handler) validateContent(w http.ResponseWriter, content string) (string, bool) {
	if len([]rune(content)) > h.limits.MaxMessageChars {
		writeError(w, http.StatusBadRequest, codeValidation, "message too long")
		return "", false
	}
	if strings.TrimSpace(content) == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "empty message")
		return "", false
	}
	return content, true
}

// authedWorkerBody reads the raw body first so the HMAC check covers the
// exact bytes received, then authenticates.
func (h *Handler) authedWorkerBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readBody(w, r, h.limits.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "unreadable body")
		return nil, false
	}
	if err := h.auth.Worker(r, body); err != nil {
		h.log.Info("api.worker.denied", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid worker credentials")
		return nil, false
	}
	h.health.Heartbeat()
	return body, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown or expired conversation")
		return
	}
	// Store errors outside the taxonomy are not expected; absorb detail.
	h.log.Error("api.store.fail", "err", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware rewrites RemoteAddr from proxy headers.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	s := int64(d.Seconds())
	if s < 1 {
		s = 1
	}
	return strconv.FormatInt(s, 10)
}

// statusWriter captures the response status for metrics. It must preserve
// Hijacker, otherwise WebSocket upgrades behind instrument fail.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
