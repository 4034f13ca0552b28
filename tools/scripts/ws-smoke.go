// Package main provides a CI-friendly end-to-end smoke test for the
// Terrarium relay.
//
// It validates, against a running relay:
//   - chat creation over the visitor REST surface
//   - WebSocket subscribe + fanout of a visitor message
//   - worker-state transition reaching the subscriber
//   - streaming chunk fanout (broadcast-only, absent from history)
//   - agent reply stored and fanned out
//   - history fetch seeing exactly the stored messages
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"terrarium/internal/wire"
)

const maxReadBytes = 1 << 20 // 1MiB

type subscriber struct {
	conn  *websocket.Conn
	inbox chan wire.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL      = flag.String("url", "http://127.0.0.1:8080", "Relay base URL")
		origin       = flag.String("origin", "http://localhost", "Origin header for the WS handshake")
		accessCode   = flag.String("access-code", "", "Visitor access code")
		serviceToken = flag.String("service-token", "", "Worker service token")
		text         = flag.String("text", "hello terrarium 👋", "Visitor message to send")
		timeout      = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*accessCode) == "" {
		fatalf("-access-code is required")
	}
	if strings.TrimSpace(*serviceToken) == "" {
		fatalf("-service-token is required")
	}

	root := context.Background()
	api := &client{base: strings.TrimRight(*baseURL, "/"), accessCode: *accessCode, serviceToken: *serviceToken, timeout: *timeout}

	chatID := mustCreateChat(root, api)
	if *verbose {
		fmt.Printf("created chat_id=%s\n", chatID)
	}

	sub := mustSubscribe(root, api, chatID, *origin, *timeout)
	defer func() { _ = sub.conn.Close(websocket.StatusNormalClosure, "bye") }()

	visitorMsgID := mustPostVisitorMessage(root, api, chatID, *text)
	mustReceiveMessage(root, sub, chatID, visitorMsgID, *text, *timeout)

	mustSetWorkerState(root, api, chatID, "processing")
	mustReceiveWorkerState(root, sub, chatID, "processing", *timeout)

	mustPostChunk(root, api, chatID, "Hel", false)
	mustReceiveChunk(root, sub, "Hel", *timeout)

	agentMsgID := mustPostAgentReply(root, api, chatID, "Hello from the agent")
	mustReceiveMessage(root, sub, chatID, agentMsgID, "Hello from the agent", *timeout)

	mustHistoryExactly(root, api, chatID, []string{visitorMsgID, agentMsgID})

	fmt.Printf("OK: chat_id=%s visitor_msg=%s agent_msg=%s\n", chatID, visitorMsgID, agentMsgID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// client wraps the relay's REST surface with both credential classes.
type client struct {
	base         string
	accessCode   string
	serviceToken string
	timeout      time.Duration
}

func (c *client) do(parent context.Context, method, path string, asWorker bool, body any) (int, []byte) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal body: %v", err)
		}
		rd = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if asWorker {
		req.Header.Set("x-service-token", c.serviceToken)
	} else {
		req.Header.Set("x-access-code", c.accessCode)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("read response: %v", err)
	}
	return resp.StatusCode, b
}

func mustCreateChat(parent context.Context, api *client) string {
	status, b := api.do(parent, http.MethodPost, "/api/chat", false, nil)
	if status != http.StatusCreated {
		fatalf("create chat: status=%d body=%s", status, b)
	}
	var conv struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &conv); err != nil || strings.TrimSpace(conv.ID) == "" {
		fatalf("create chat: bad body %s: %v", b, err)
	}
	return conv.ID
}

func mustSubscribe(parent context.Context, api *client, chatID, origin string, stepTimeout time.Duration) *subscriber {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(api.base, "http") + "/ws/chat/" + chatID + "?access_code=" + url.QueryEscape(api.accessCode)

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("subscribe: %v", err)
	}
	conn.SetReadLimit(maxReadBytes)

	s := &subscriber{
		conn:  conn,
		inbox: make(chan wire.Envelope, 512),
		errCh: make(chan error, 1),
	}
	s.startReadLoop()
	return s
}

func (s *subscriber) startReadLoop() {
	go func() {
		defer close(s.inbox)
		for {
			mt, data, err := s.conn.Read(context.Background())
			if err != nil {
				select {
				case s.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText {
				select {
				case s.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env wire.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case s.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case s.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case s.inbox <- env:
			default:
				select {
				case s.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (s *subscriber) mustReadType(parent context.Context, wantType string, stepTimeout time.Duration) wire.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-s.errCh:
			fatalf("connection failed while waiting for %q: %v", wantType, err)
		case env, ok := <-s.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wire.KindError {
				var ep wire.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			if env.Type == wantType {
				return env
			}
			fatalf("unexpected envelope: got=%q want=%q", env.Type, wantType)
		}
	}
}

func mustPostVisitorMessage(parent context.Context, api *client, chatID, text string) string {
	status, b := api.do(parent, http.MethodPost, "/api/chat/"+chatID+"/message", false, map[string]string{"content": text})
	if status != http.StatusCreated {
		fatalf("visitor message: status=%d body=%s", status, b)
	}
	return messageID(b)
}

func mustPostAgentReply(parent context.Context, api *client, chatID, text string) string {
	status, b := api.do(parent, http.MethodPost, "/api/chat/"+chatID+"/agent", true, map[string]string{"content": text})
	if status != http.StatusCreated {
		fatalf("agent reply: status=%d body=%s", status, b)
	}
	return messageID(b)
}

func messageID(b []byte) string {
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &msg); err != nil || strings.TrimSpace(msg.ID) == "" {
		fatalf("bad message body %s: %v", b, err)
	}
	return msg.ID
}

func mustReceiveMessage(parent context.Context, sub *subscriber, chatID, wantID, wantText string, stepTimeout time.Duration) {
	env := sub.mustReadType(parent, wire.KindMessage, stepTimeout)
	if env.ChatID != chatID {
		fatalf("message chat_id mismatch: got=%q want=%q", env.ChatID, chatID)
	}
	var p wire.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message payload: %v", err)
	}
	if p.ID != wantID {
		fatalf("message id mismatch: got=%q want=%q", p.ID, wantID)
	}
	if p.Content != wantText {
		fatalf("message content mismatch: got=%q want=%q", p.Content, wantText)
	}
	if p.Seq <= 0 {
		fatalf("message invalid seq: %d", p.Seq)
	}
	if p.CreatedAt.IsZero() {
		fatalf("message missing createdAt")
	}
}

func mustSetWorkerState(parent context.Context, api *client, chatID, state string) {
	status, b := api.do(parent, http.MethodPost, "/api/chat/"+chatID+"/worker-state", true, map[string]string{"state": state})
	if status != http.StatusOK {
		fatalf("worker state: status=%d body=%s", status, b)
	}
}

func mustReceiveWorkerState(parent context.Context, sub *subscriber, chatID, wantState string, stepTimeout time.Duration) {
	env := sub.mustReadType(parent, wire.KindWorkerState, stepTimeout)
	if env.ChatID != chatID {
		fatalf("worker_state chat_id mismatch: got=%q want=%q", env.ChatID, chatID)
	}
	var p wire.WorkerStatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal worker_state payload: %v", err)
	}
	if p.State != wantState {
		fatalf("worker_state mismatch: got=%q want=%q", p.State, wantState)
	}
}

func mustPostChunk(parent context.Context, api *client, chatID, content string, done bool) {
	status, b := api.do(parent, http.MethodPost, "/api/chat/"+chatID+"/agent-chunk", true, map[string]any{"content": content, "done": done})
	if status != http.StatusAccepted {
		fatalf("chunk: status=%d body=%s", status, b)
	}
}

func mustReceiveChunk(parent context.Context, sub *subscriber, wantContent string, stepTimeout time.Duration) {
	env := sub.mustReadType(parent, wire.KindChunk, stepTimeout)
	var p wire.ChunkPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal chunk payload: %v", err)
	}
	if p.Content != wantContent {
		fatalf("chunk content mismatch: got=%q want=%q", p.Content, wantContent)
	}
}

func mustHistoryExactly(parent context.Context, api *client, chatID string, wantIDs []string) {
	status, b := api.do(parent, http.MethodGet, "/api/chat/"+chatID+"/messages", false, nil)
	if status != http.StatusOK {
		fatalf("history: status=%d body=%s", status, b)
	}
	var msgs []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &msgs); err != nil {
		fatalf("history body %s: %v", b, err)
	}
	if len(msgs) != len(wantIDs) {
		fatalf("history length mismatch: got=%d want=%d (chunks must not persist)", len(msgs), len(wantIDs))
	}
	for i, want := range wantIDs {
		if msgs[i].ID != want {
			fatalf("history[%d] mismatch: got=%q want=%q", i, msgs[i].ID, want)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
