// Package store owns all conversation, message, and per-conversation
// worker-state data. Everything lives in process memory; a restart loses
// history by design.
package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned for an unknown or TTL-expired conversation.
var ErrNotFound = errors.New("store: conversation not found")

// Status is a conversation lifecycle status.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
	StatusError  Status = "error"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAgent   Role = "agent"
	RoleSystem  Role = "system"
)

// Stage is a per-conversation worker processing stage.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageQueued     Stage = "queued"
	StageProcessing Stage = "processing"
	StageResponded  Stage = "responded"
	StageError      Stage = "error"
)

// ParseStage validates an externally supplied stage value.
func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StageIdle:
		return StageIdle, nil
	case StageQueued:
		return StageQueued, nil
	case StageProcessing:
		return StageProcessing, nil
	case StageResponded:
		return StageResponded, nil
	case StageError:
		return StageError, nil
	default:
		return "", fmt.Errorf("store: invalid worker state %q", s)
	}
}

// Conversation is the visitor-facing chat session metadata.
type Conversation struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is immutable once appended. Seq is the authoritative order;
// CreatedAt is for display only.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Sender    Role      `json:"sender"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkerState is the worker's last reported processing stage for one
// conversation.
type WorkerState struct {
	State     Stage     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type conversation struct {
	meta     Conversation
	seq      int64
	messages []Message
	worker   *WorkerState
}

// Store is the authoritative owner of conversation state.
//
// All methods are safe for concurrent use; a single mutex serializes access,
// which also makes append order the one true message order.
type Store struct {
	log        *slog.Logger
	clk        clock.Clock
	ttl        time.Duration
	staleAfter time.Duration

	mu    sync.Mutex
	convs map[string]*conversation
}

// Options configures a Store.
type Options struct {
	// TTL evicts conversations idle longer than this. Zero keeps the default.
	TTL time.Duration
	// StaleAfter bounds how long a queued/processing worker state is trusted
	// before reads derive an error state from it. Zero keeps the default.
	StaleAfter time.Duration
	// Clock is injectable for tests; nil uses the wall clock.
	Clock clock.Clock
}

const (
	defaultTTL        = 6 * time.Hour
	defaultStaleAfter = 2 * time.Minute
)

// New constructs a Store.
func New(log *slog.Logger, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Store{
		log:        log,
		clk:        opts.Clock,
		ttl:        opts.TTL,
		staleAfter: opts.StaleAfter,
		convs:      make(map[string]*conversation),
	}
}

// Create mints a new open conversation and opportunistically sweeps expired
// ones. Sweeping here avoids a background timer and its shutdown races.
func (s *Store) Create() Conversation {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	c := &conversation{
		meta: Conversation{
			ID:        uuid.NewString(),
			Status:    StatusOpen,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	s.convs[c.meta.ID] = c
	return c.meta
}

// Append adds a message to a conversation in insertion order.
// It never creates a conversation as a side effect.
func (s *Store) Append(chatID string, sender Role, content string) (Message, error) {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.liveLocked(chatID, now)
	if err != nil {
		return Message{}, err
	}

	c.seq++
	msg := Message{
		ID:        newMessageID(now),
		ChatID:    chatID,
		Sender:    sender,
		Content:   content,
		Seq:       c.seq,
		CreatedAt: now,
	}
	c.messages = append(c.messages, msg)
	c.meta.UpdatedAt = now
	return msg, nil
}

// Messages returns a snapshot copy of a conversation's messages in insertion
// order. Callers never see live slices.
func (s *Store) Messages(chatID string) ([]Message, error) {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.liveLocked(chatID, now)
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out, nil
}

// Get returns conversation metadata.
func (s *Store) Get(chatID string) (Conversation, error) {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.liveLocked(chatID, now)
	if err != nil {
		return Conversation{}, err
	}
	return c.meta, nil
}

// Close moves a conversation to a terminal status. No-op when absent.
func (s *Store) Close(chatID string, status Status) {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.liveLocked(chatID, now)
	if err != nil {
		return
	}
	c.meta.Status = status
	c.meta.UpdatedAt = now
}

// SetWorkerState records a worker stage transition for a conversation.
func (s *Store) SetWorkerState(chatID string, stage Stage, detail string) (WorkerState, error) {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.liveLocked(chatID, now)
	if err != nil {
		return WorkerState{}, err
	}
	c.worker = &WorkerState{State: stage, Detail: detail, UpdatedAt: now}
	c.meta.UpdatedAt = now
	return *c.worker, nil
}

// WorkerState returns the effective worker state for a conversation.
//
// A conversation with no recorded state reads as idle. A state stuck in
// queued/processing beyond the staleness bound reads as error so a crashed
// worker cannot pin a conversation in a live-looking stage forever; the
// stored value is untouched and a late worker write still lands.
func (s *Store) WorkerState(chatID string) (WorkerState, error) {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.liveLocked(chatID, now)
	if err != nil {
		return WorkerState{}, err
	}
	if c.worker == nil {
		return WorkerState{State: StageIdle, UpdatedAt: c.meta.CreatedAt}, nil
	}

	ws := *c.worker
	if (ws.State == StageQueued || ws.State == StageProcessing) && now.Sub(ws.UpdatedAt) > s.staleAfter {
		return WorkerState{
			State:     StageError,
			Detail:    fmt.Sprintf("worker silent for %s while %s", now.Sub(ws.UpdatedAt).Truncate(time.Second), ws.State),
			UpdatedAt: ws.UpdatedAt,
		}, nil
	}
	return ws, nil
}

// OpenIDs lists open, unexpired conversation ids for worker polling.
func (s *Store) OpenIDs() []string {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.convs))
	for id, c := range s.convs {
		if s.expired(c, now) || c.meta.Status != StatusOpen {
			continue
		}
		out = append(out, id)
	}
	return out
}

// liveLocked resolves a conversation, evicting it lazily when expired.
func (s *Store) liveLocked(chatID string, now time.Time) (*conversation, error) {
	c, ok := s.convs[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(c, now) {
		delete(s.convs, chatID)
		s.log.Info("store.evict.expired", "chat_id", chatID, "idle", now.Sub(c.meta.UpdatedAt).String())
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Store) expired(c *conversation, now time.Time) bool {
	return now.Sub(c.meta.UpdatedAt) > s.ttl
}

func (s *Store) sweepLocked(now time.Time) {
	swept := 0
	for id, c := range s.convs {
		if s.expired(c, now) {
			delete(s.convs, id)
			swept++
		}
	}
	if swept > 0 {
		s.log.Info("store.sweep", "evicted", swept, "remaining", len(s.convs))
	}
}

// newMessageID returns a ULID so message ids sort with insertion order in
// logs and traces.
func newMessageID(now time.Time) string {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
