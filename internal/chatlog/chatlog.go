// Package chatlog is the asynchronous audit-log pipeline: a bounded
// in-memory queue drained by a single flush worker into per-day,
// per-conversation JSONL files with size-based pruning.
//
// Logging is best-effort. Enqueue never blocks, never fails the caller, and
// disk errors are absorbed and counted.
package chatlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Entry is one redacted audit record. The JSON shape matches the worker's
// own chat logs so offline tooling can read both.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	ChatID    string         `json:"chatId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Options configures a Pipeline.
type Options struct {
	Enabled       bool
	Dir           string
	MaxTotalBytes int64
	QueueCap      int
	BatchMax      int
	Clock         clock.Clock
}

const (
	defaultMaxTotalBytes = 64 << 20 // 64 MiB
	defaultQueueCap      = 1024
	defaultBatchMax      = 256
)

// Pipeline owns the queue and the flush worker.
//
// The queue is the only state shared with handlers; the mutex plus the
// single-flight flushing flag guarantee at most one flush runs at a time.
type Pipeline struct {
	log *slog.Logger
	clk clock.Clock
	opt Options

	mu       sync.Mutex
	queue    []Entry
	flushing bool

	dropped    atomic.Uint64
	writeFails atomic.Uint64
}

// New constructs a Pipeline and ensures the log directory exists.
func New(log *slog.Logger, opt Options) *Pipeline {
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.MaxTotalBytes <= 0 {
		opt.MaxTotalBytes = defaultMaxTotalBytes
	}
	if opt.QueueCap <= 0 {
		opt.QueueCap = defaultQueueCap
	}
	if opt.BatchMax <= 0 {
		opt.BatchMax = defaultBatchMax
	}
	p := &Pipeline{log: log, clk: opt.Clock, opt: opt}
	if opt.Enabled {
		if err := os.MkdirAll(opt.Dir, 0o755); err != nil {
			log.Error("chatlog.mkdir.fail", "dir", opt.Dir, "err", err)
			p.opt.Enabled = false
		}
	}
	return p
}

// Enqueue queues one event for asynchronous append. The payload is redacted
// before it enters the queue so raw secrets never sit in memory awaiting a
// flush, let alone reach disk. At capacity the oldest entry is dropped to
// keep the freshest audit trail.
func (p *Pipeline) Enqueue(chatID, eventType string, payload map[string]any) {
	if !p.opt.Enabled {
		return
	}

	e := Entry{
		Timestamp: p.clk.Now().UTC(),
		ChatID:    chatID,
		Type:      eventType,
		Payload:   Redact(payload),
	}

	p.mu.Lock()
	if len(p.queue) >= p.opt.QueueCap {
		p.queue = p.queue[1:]
		p.dropped.Add(1)
	}
	p.queue = append(p.queue, e)
	armed := p.flushing
	if !armed {
		p.flushing = true
	}
	p.mu.Unlock()

	if !armed {
		go p.flushLoop()
	}
}

// flushLoop drains bounded batches until the queue is empty, then goes
// dormant. A new flush is never scheduled while one is running.
func (p *Pipeline) flushLoop() {
	for {
		p.mu.Lock()
		n := len(p.queue)
		if n == 0 {
			p.flushing = false
			p.mu.Unlock()
			return
		}
		if n > p.opt.BatchMax {
			n = p.opt.BatchMax
		}
		batch := make([]Entry, n)
		copy(batch, p.queue[:n])
		p.queue = p.queue[n:]
		p.mu.Unlock()

		p.writeBatch(batch)
		p.prune()
	}
}

// writeBatch groups entries by destination file and performs one append per
// destination.
func (p *Pipeline) writeBatch(batch []Entry) {
	byFile := make(map[string][]Entry)
	for _, e := range batch {
		byFile[p.fileFor(e)] = append(byFile[p.fileFor(e)], e)
	}

	for path, entries := range byFile {
		if err := appendAll(path, entries); err != nil {
			p.writeFails.Add(uint64(len(entries)))
			p.log.Error("chatlog.append.fail", "path", path, "entries", len(entries), "err", err)
		}
	}
}

func (p *Pipeline) fileFor(e Entry) string {
	name := fmt.Sprintf("%s-%s.jsonl", sanitizeName(e.ChatID), e.Timestamp.Format("2006-01-02"))
	return filepath.Join(p.opt.Dir, name)
}

func appendAll(path string, entries []Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// prune deletes the oldest log files until total bytes fit the ceiling.
func (p *Pipeline) prune() {
	dirents, err := os.ReadDir(p.opt.Dir)
	if err != nil {
		return
	}

	type file struct {
		path string
		size int64
		mod  time.Time
	}
	var (
		files []file
		total int64
	)
	for _, d := range dirents {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		files = append(files, file{filepath.Join(p.opt.Dir, d.Name()), info.Size(), info.ModTime()})
		total += info.Size()
	}
	if total <= p.opt.MaxTotalBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files {
		if total <= p.opt.MaxTotalBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			p.log.Error("chatlog.prune.fail", "path", f.path, "err", err)
			continue
		}
		total -= f.size
		p.log.Info("chatlog.prune", "path", f.path, "freed", f.size)
	}
}

// Depth returns the current queue depth.
func (p *Pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Dropped returns the cumulative dropped-entry count.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// WriteFailures returns the cumulative failed-append entry count.
func (p *Pipeline) WriteFailures() uint64 { return p.writeFails.Load() }

// Drain waits for the queue to empty and the in-flight flush to finish,
// bounded by ctx. Used on shutdown.
func (p *Pipeline) Drain(ctx context.Context) error {
	if !p.opt.Enabled {
		return nil
	}
	t := p.clk.Ticker(10 * time.Millisecond)
	defer t.Stop()
	for {
		p.mu.Lock()
		idle := len(p.queue) == 0 && !p.flushing
		p.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func sanitizeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
