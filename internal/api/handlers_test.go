package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"terrarium/internal/chatlog"
	"terrarium/internal/fanout"
	"terrarium/internal/health"
	"terrarium/internal/ratelimit"
	"terrarium/internal/sig"
	"terrarium/internal/store"
	"terrarium/internal/wire"
)

const (
	testAccessCode   = "garden-gate"
	testServiceToken = "trusted-worker-token"
	testHMACSecret   = "0123456789abcdef0123456789abcdef"
)

var testTime = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	srv     *httptest.Server
	mock    *clock.Mock
	store   *store.Store
	health  *health.Aggregator
	handler *Handler
}

type envOptions struct {
	hmac        bool
	ipMax       int
	chatMax     int
	limits      Limits
	sendQueue   int
	maxBuffered int64
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()

	if o.ipMax <= 0 {
		o.ipMax = 1000
	}
	if o.chatMax <= 0 {
		o.chatMax = 1000
	}

	mock := clock.NewMock()
	mock.Set(testTime)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.New(log, store.Options{TTL: 6 * time.Hour, StaleAfter: 2 * time.Minute, Clock: mock})
	reg := fanout.NewRegistry(log, fanout.Options{
		Clock:            mock,
		SendQueueSize:    o.sendQueue,
		MaxBufferedBytes: o.maxBuffered,
	})
	agg := health.New(mock, 90*time.Second)
	logs := chatlog.New(log, chatlog.Options{Enabled: true, Dir: t.TempDir(), Clock: mock})
	limiter := ratelimit.New(mock, time.Minute, o.ipMax, o.chatMax)
	verifier := sig.New(mock, o.hmac, testHMACSecret, 5*time.Minute)
	auth := NewAuth(testAccessCode, testServiceToken, verifier)
	metrics := NewMetrics(reg.VisitorCount, reg.WorkerCount, logs.Depth, logs.Dropped)

	h := NewHandler(Deps{
		Log:     log,
		Clock:   mock,
		Store:   st,
		Fanout:  reg,
		Health:  agg,
		Chatlog: logs,
		Limiter: limiter,
		Auth:    auth,
		Metrics: metrics,
		Limits:  o.limits,
	})

	r := chi.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, mock: mock, store: st, health: agg, handler: h}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b
}

func visitorHeaders() map[string]string {
	return map[string]string{headerAccessCode: testAccessCode}
}

func workerHeaders() map[string]string {
	return map[string]string{headerServiceToken: testServiceToken}
}

func (e *testEnv) createChat(t *testing.T) string {
	t.Helper()
	status, b := e.do(t, http.MethodPost, "/api/chat", visitorHeaders(), "")
	if status != http.StatusCreated {
		t.Fatalf("create chat: status %d body %s", status, b)
	}
	var conv struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &conv); err != nil || conv.ID == "" {
		t.Fatalf("create chat body %s: %v", b, err)
	}
	return conv.ID
}

func (e *testEnv) dialWS(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// waitSockets blocks until the fanout registry reflects the expected live
// socket counts. Dial returns on handshake completion, which can race the
// handler's registration step.
func (e *testEnv) waitSockets(t *testing.T, visitors, workers int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.handler.fanout.VisitorCount() == visitors && e.handler.fanout.WorkerCount() == workers {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sockets never registered: visitors=%d workers=%d",
		e.handler.fanout.VisitorCount(), e.handler.fanout.WorkerCount())
}

func readWire(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("bad envelope %s: %v", b, err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	return env
}

func errCode(t *testing.T, b []byte) string {
	t.Helper()
	var er errorResponse
	if err := json.Unmarshal(b, &er); err != nil {
		t.Fatalf("not an error body %s: %v", b, err)
	}
	return er.Error.Code
}

func TestVisitorMessageFlow(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	chatID := e.createChat(t)

	sub := e.dialWS(t, "/ws/chat/"+chatID+"?"+queryAccessCode+"="+testAccessCode)
	e.waitSockets(t, 1, 0)

	status, b := e.do(t, http.MethodPost, "/api/chat/"+chatID+"/message", visitorHeaders(), `{"content":"hello"}`)
	if status != http.StatusCreated {
		t.Fatalf("post message: status %d body %s", status, b)
	}
	var posted store.Message
	if err := json.Unmarshal(b, &posted); err != nil {
		t.Fatalf("message body %s: %v", b, err)
	}
	if posted.Sender != store.RoleVisitor || posted.Content != "hello" || posted.Seq != 1 {
		t.Fatalf("unexpected stored message: %+v", posted)
	}

	// The subscriber receives exactly what was stored.
	env := readWire(t, sub)
	if env.Type != wire.KindMessage || env.ChatID != chatID {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var mp wire.MessagePayload
	if err := json.Unmarshal(env.Payload, &mp); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if mp.ID != posted.ID || mp.Content != "hello" || mp.Seq != 1 {
		t.Fatalf("broadcast diverged from store: %+v vs %+v", mp, posted)
	}

	status, b = e.do(t, http.MethodGet, "/api/chat/"+chatID+"/messages", visitorHeaders(), "")
	if status != http.StatusOK {
		t.Fatalf("list: status %d body %s", status, b)
	}
	var msgs []store.Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		t.Fatalf("list body %s: %v", b, err)
	}
	if len(msgs) != 1 || msgs[0].ID != posted.ID {
		t.Fatalf("history mismatch: %+v", msgs)
	}
}

func TestConcurrentAppendsReachSocketInOrder(t *testing.T) {
	// A generous send queue keeps backpressure eviction from hiding an
	// ordering violation behind a disconnect.
	e := newTestEnv(t, envOptions{
		ipMax:       1 << 20,
		chatMax:     1 << 20,
		sendQueue:   4096,
		maxBuffered: 8 << 20,
	})
	chatID := e.createChat(t)
	sub := e.dialWS(t, "/ws/chat/"+chatID+"?"+queryAccessCode+"="+testAccessCode)
	e.waitSockets(t, 1, 0)

	const n = 200
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/chat/"+chatID+"/message", strings.NewReader(`{"content":"tick"}`))
			if err != nil {
				errCh <- err
				return
			}
			req.Header.Set(headerAccessCode, testAccessCode)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errCh <- err
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				errCh <- fmt.Errorf("post status %d", resp.StatusCode)
			}
		}()
	}

	// Seq is assigned under the store lock, so delivery order must be
	// exactly 1..n with no inversions.
	var prev int64
	for i := 0; i < n; i++ {
		env := readWire(t, sub)
		if env.Type != wire.KindMessage {
			t.Fatalf("event %d: unexpected envelope type %s", i+1, env.Type)
		}
		var mp wire.MessagePayload
		if err := json.Unmarshal(env.Payload, &mp); err != nil {
			t.Fatalf("event %d payload: %v", i+1, err)
		}
		if mp.Seq != prev+1 {
			t.Fatalf("out-of-order delivery: seq %d after seq %d (event %d of %d)", mp.Seq, prev, i+1, n)
		}
		prev = mp.Seq
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent post failed: %v", err)
	}
}

func TestVisitorAuthRejected(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	status, b := e.do(t, http.MethodPost, "/api/chat", map[string]string{headerAccessCode: "wrong"}, "")
	if status != http.StatusUnauthorized || errCode(t, b) != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %d %s", status, b)
	}

	// Missing credentials are indistinguishable from wrong ones.
	status, b = e.do(t, http.MethodPost, "/api/chat", nil, "")
	if status != http.StatusUnauthorized || errCode(t, b) != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %d %s", status, b)
	}
}

func TestUnknownConversationIs404(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	status, b := e.do(t, http.MethodPost, "/api/chat/ghost/message", visitorHeaders(), `{"content":"hi"}`)
	if status != http.StatusNotFound || errCode(t, b) != codeNotFound {
		t.Fatalf("expected not_found, got %d %s", status, b)
	}
}

func TestMessageValidation(t *testing.T) {
	e := newTestEnv(t, envOptions{limits: Limits{MaxMessageChars: 10}})
	chatID := e.createChat(t)

	cases := []struct {
		name string
		body string
	}{
		{"empty content", `{"content":"   "}`},
		{"too long", `{"content":"` + strings.Repeat("x", 11) + `"}`},
		{"unknown field", `{"content":"hi","role":"admin"}`},
		{"not json", `content=hi`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, b := e.do(t, http.MethodPost, "/api/chat/"+chatID+"/message", visitorHeaders(), tc.body)
			if status != http.StatusBadRequest || errCode(t, b) != codeValidation {
				t.Fatalf("expected validation error, got %d %s", status, b)
			}
		})
	}

	// Multi-byte runes count as characters, not bytes: 10 runes, 12 bytes.
	status, b := e.do(t, http.MethodPost, "/api/chat/"+chatID+"/message", visitorHeaders(), `{"content":"héllowörld"}`)
	if status != http.StatusCreated {
		t.Fatalf("length limit counted bytes, not runes: %d %s", status, b)
	}
}

func TestRateLimitAnswers429(t *testing.T) {
	e := newTestEnv(t, envOptions{ipMax: 2})

	e.createChat(t)
	e.createChat(t)

	status, b := e.do(t, http.MethodPost, "/api/chat", visitorHeaders(), "")
	if status != http.StatusTooManyRequests || errCode(t, b) != codeRateLimited {
		t.Fatalf("expected rate_limited, got %d %s", status, b)
	}

	// The ceiling applies before auth; no probing the access code for free.
	status, _ = e.do(t, http.MethodPost, "/api/chat", map[string]string{headerAccessCode: "wrong"}, "")
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit ahead of auth, got %d", status)
	}

	e.mock.Add(2 * time.Minute)
	if status, _ := e.do(t, http.MethodPost, "/api/chat", visitorHeaders(), ""); status != http.StatusCreated {
		t.Fatalf("expected fresh window, got %d", status)
	}
}

func TestAgentReplyFlow(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	chatID := e.createChat(t)

	sub := e.dialWS(t, "/ws/chat/"+chatID+"?"+queryAccessCode+"="+testAccessCode)
	workerSub := e.dialWS(t, "/ws/worker?"+queryServiceToken+"="+testServiceToken)
	e.waitSockets(t, 1, 1)

	// Worker discovers the conversation.
	status, b := e.do(t, http.MethodGet, "/api/chats/open", workerHeaders(), "")
	if status != http.StatusOK {
		t.Fatalf("open chats: %d %s", status, b)
	}
	var open struct {
		ChatIDs []string `json:"chatIds"`
	}
	if err := json.Unmarshal(b, &open); err != nil {
		t.Fatalf("open body %s: %v", b, err)
	}
	if len(open.ChatIDs) != 1 || open.ChatIDs[0] != chatID {
		t.Fatalf("unexpected open set: %v", open.ChatIDs)
	}

	// Streaming chunk reaches the visitor but is never stored.
	status, _ = e.do(t, http.MethodPost, "/api/chat/"+chatID+"/agent-chunk", workerHeaders(), `{"content":"Hel","done":false}`)
	if status != http.StatusAccepted {
		t.Fatalf("chunk: %d", status)
	}
	if env := readWire(t, sub); env.Type != wire.KindChunk {
		t.Fatalf("expected chunk, got %s", env.Type)
	}

	// Full reply is stored and broadcast, and workers hear activity.
	status, b = e.do(t, http.MethodPost, "/api/chat/"+chatID+"/agent", workerHeaders(), `{"content":"Hello!"}`)
	if status != http.StatusCreated {
		t.Fatalf("agent message: %d %s", status, b)
	}
	var reply store.Message
	if err := json.Unmarshal(b, &reply); err != nil {
		t.Fatalf("reply body %s: %v", b, err)
	}
	if reply.Sender != store.RoleAgent {
		t.Fatalf("expected agent sender, got %s", reply.Sender)
	}

	if env := readWire(t, sub); env.Type != wire.KindMessage {
		t.Fatalf("expected message envelope, got %s", env.Type)
	}
	act := readWire(t, workerSub)
	if act.Type != wire.KindActivity || act.ChatID != chatID {
		t.Fatalf("expected chat_activity for %s, got %+v", chatID, act)
	}

	// Chunks must not have entered history.
	_, b = e.do(t, http.MethodGet, "/api/chat/"+chatID+"/messages", workerHeaders(), "")
	var msgs []store.Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		t.Fatalf("list body %s: %v", b, err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hello!" {
		t.Fatalf("history mismatch: %+v", msgs)
	}
}

func TestWorkerStateRoundTrip(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	chatID := e.createChat(t)
	sub := e.dialWS(t, "/ws/chat/"+chatID+"?"+queryAccessCode+"="+testAccessCode)
	e.waitSockets(t, 1, 0)

	status, b := e.do(t, http.MethodPost, "/api/chat/"+chatID+"/worker-state", workerHeaders(), `{"state":"processing","detail":"thinking"}`)
	if status != http.StatusOK {
		t.Fatalf("set state: %d %s", status, b)
	}

	env := readWire(t, sub)
	if env.Type != wire.KindWorkerState {
		t.Fatalf("expected worker_state, got %s", env.Type)
	}
	var wp wire.WorkerStatePayload
	if err := json.Unmarshal(env.Payload, &wp); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if wp.State != "processing" || wp.Detail != "thinking" {
		t.Fatalf("unexpected broadcast state: %+v", wp)
	}

	status, b = e.do(t, http.MethodGet, "/api/chat/"+chatID+"/worker-state", visitorHeaders(), "")
	if status != http.StatusOK {
		t.Fatalf("get state: %d %s", status, b)
	}
	var ws store.WorkerState
	if err := json.Unmarshal(b, &ws); err != nil {
		t.Fatalf("state body %s: %v", b, err)
	}
	if ws.State != store.StageProcessing {
		t.Fatalf("expected processing, got %s", ws.State)
	}

	// Invalid stage names are rejected, not stored.
	status, b = e.do(t, http.MethodPost, "/api/chat/"+chatID+"/worker-state", workerHeaders(), `{"state":"daydreaming"}`)
	if status != http.StatusBadRequest || errCode(t, b) != codeValidation {
		t.Fatalf("expected validation, got %d %s", status, b)
	}
}

func TestWorkerStatusFeedsHealthChain(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	report := `{"agentApi":{"status":"online","detail":"200 in 9ms"},"llm":{"status":"degraded","detail":"slow"}}`
	status, _ := e.do(t, http.MethodPost, "/api/worker/status", workerHeaders(), report)
	if status != http.StatusNoContent {
		t.Fatalf("status report: %d", status)
	}

	st, b := e.do(t, http.MethodGet, "/api/health/chain", visitorHeaders(), "")
	if st != http.StatusOK {
		t.Fatalf("chain: %d %s", st, b)
	}
	var resp struct {
		Chain []health.Hop `json:"chain"`
	}
	if err := json.Unmarshal(b, &resp); err != nil {
		t.Fatalf("chain body %s: %v", b, err)
	}
	if len(resp.Chain) != 5 {
		t.Fatalf("expected 5 hops, got %d", len(resp.Chain))
	}
	byName := map[string]health.Hop{}
	for _, h := range resp.Chain {
		byName[h.Name] = h
	}
	if byName[health.HopWorker].Status != health.LevelOnline {
		t.Fatalf("worker should be online: %+v", byName[health.HopWorker])
	}
	if byName[health.HopModelServer].Status != health.LevelDegraded {
		t.Fatalf("model-server should pass through degraded: %+v", byName[health.HopModelServer])
	}
}

func TestWorkerHMACEnforced(t *testing.T) {
	e := newTestEnv(t, envOptions{hmac: true})
	chatID := e.createChat(t)

	path := "/api/chat/" + chatID + "/worker-state"
	body := `{"state":"queued"}`

	// Token alone is not enough once signing is on.
	status, b := e.do(t, http.MethodPost, path, workerHeaders(), body)
	if status != http.StatusUnauthorized || errCode(t, b) != codeUnauthorized {
		t.Fatalf("expected unauthorized without signature, got %d %s", status, b)
	}

	ts := strconv.FormatInt(e.mock.Now().Unix(), 10)
	hdrs := workerHeaders()
	hdrs[sig.HeaderTimestamp] = ts
	hdrs[sig.HeaderNonce] = "nonce-1"
	hdrs[sig.HeaderSignature] = sig.Compute([]byte(testHMACSecret), http.MethodPost, path, ts, []byte(body))

	status, b = e.do(t, http.MethodPost, path, hdrs, body)
	if status != http.StatusOK {
		t.Fatalf("signed request rejected: %d %s", status, b)
	}

	// Replaying the same nonce is rejected.
	status, _ = e.do(t, http.MethodPost, path, hdrs, body)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected replay rejection, got %d", status)
	}
}

func TestMetricsSnapshotRequiresWorker(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.createChat(t)

	status, _ := e.do(t, http.MethodGet, "/api/metrics", visitorHeaders(), "")
	if status != http.StatusUnauthorized {
		t.Fatalf("visitor must not read metrics, got %d", status)
	}

	status, b := e.do(t, http.MethodGet, "/api/metrics", workerHeaders(), "")
	if status != http.StatusOK {
		t.Fatalf("metrics: %d %s", status, b)
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		t.Fatalf("snapshot body %s: %v", b, err)
	}
	if snap.Requests < 2 {
		t.Fatalf("expected request counter to advance, got %+v", snap)
	}
	if snap.Errors < 1 {
		t.Fatalf("the 401 above should have counted, got %+v", snap)
	}
}

func TestPrometheusExposition(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.createChat(t)

	status, b := e.do(t, http.MethodGet, "/metrics", nil, "")
	if status != http.StatusOK {
		t.Fatalf("prometheus endpoint: %d", status)
	}
	if !bytes.Contains(b, []byte("terrarium_requests_total")) {
		t.Fatalf("exposition missing request counter")
	}
}

func TestVisitorWSRequiresKnownConversation(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	status, b := e.do(t, http.MethodGet, "/ws/chat/ghost?"+queryAccessCode+"="+testAccessCode, nil, "")
	if status != http.StatusNotFound || errCode(t, b) != codeNotFound {
		t.Fatalf("expected not_found before upgrade, got %d %s", status, b)
	}

	status, _ = e.do(t, http.MethodGet, "/ws/chat/ghost?"+queryAccessCode+"=wrong", nil, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized before upgrade, got %d", status)
	}
}
