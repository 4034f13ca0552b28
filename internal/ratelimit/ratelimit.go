// Package ratelimit bounds visitor write rates per source IP and per
// conversation with independent fixed windows.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Dimension names which bucket tripped a rejection.
type Dimension string

const (
	DimensionIP   Dimension = "ip"
	DimensionChat Dimension = "chat"
)

// Too many idle buckets triggers an opportunistic prune on the next Allow.
const pruneThreshold = 4096

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter holds fixed-window counters keyed independently by IP and by
// conversation id. Windows for different keys are never synchronized to a
// global tick; each key's window starts at its first request.
type Limiter struct {
	clk     clock.Clock
	window  time.Duration
	ipMax   int
	chatMax int

	mu   sync.Mutex
	ip   map[string]*bucket
	chat map[string]*bucket
}

// New constructs a Limiter with safe defaults when inputs are invalid.
func New(clk clock.Clock, window time.Duration, ipMax, chatMax int) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = time.Minute
	}
	if ipMax <= 0 {
		ipMax = 60
	}
	if chatMax <= 0 {
		chatMax = 30
	}
	return &Limiter{
		clk:     clk,
		window:  window,
		ipMax:   ipMax,
		chatMax: chatMax,
		ip:      make(map[string]*bucket),
		chat:    make(map[string]*bucket),
	}
}

// Allow reports whether a visitor write from ip against chatID is permitted.
// When rejected it names the tripped dimension and how long until that
// bucket's window resets. Either bucket at its ceiling is sufficient to
// reject; a rejected request consumes no quota. An empty chatID skips the
// conversation dimension (conversation creation has no id yet).
func (l *Limiter) Allow(ip, chatID string) (bool, Dimension, time.Duration) {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.ip)+len(l.chat) > pruneThreshold {
		pruneExpired(l.ip, now)
		pruneExpired(l.chat, now)
	}

	ipB := fresh(l.ip, ip, now, l.window)
	var chatB *bucket
	if chatID != "" {
		chatB = fresh(l.chat, chatID, now, l.window)
	}

	if ipB.count >= l.ipMax {
		return false, DimensionIP, ipB.resetAt.Sub(now)
	}
	if chatB != nil && chatB.count >= l.chatMax {
		return false, DimensionChat, chatB.resetAt.Sub(now)
	}

	ipB.count++
	if chatB != nil {
		chatB.count++
	}
	return true, "", 0
}

// fresh returns the live bucket for key, replacing it with a new window when
// the old one has elapsed. Buckets reset strictly after resetAt, never early.
func fresh(m map[string]*bucket, key string, now time.Time, window time.Duration) *bucket {
	b, ok := m[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		m[key] = b
	}
	return b
}

func pruneExpired(m map[string]*bucket, now time.Time) {
	for k, b := range m {
		if !now.Before(b.resetAt) {
			delete(m, k)
		}
	}
}
