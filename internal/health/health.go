// Package health aggregates the worker's self-reported component health into
// a visitor-facing health chain.
package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Level is a closed component status level.
type Level string

const (
	LevelOnline   Level = "online"
	LevelDegraded Level = "degraded"
	LevelOffline  Level = "offline"
	LevelUnknown  Level = "unknown"
)

// NormalizeLevel collapses anything outside the closed set to unknown.
// Consumers treat Level as an enum; free-form network values never pass
// through verbatim.
func NormalizeLevel(s string) (Level, bool) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelOnline:
		return LevelOnline, true
	case LevelDegraded:
		return LevelDegraded, true
	case LevelOffline:
		return LevelOffline, true
	case LevelUnknown:
		return LevelUnknown, true
	default:
		return LevelUnknown, false
	}
}

// ComponentStatus mirrors the worker's report payload field names.
type ComponentStatus struct {
	Status    Level      `json:"status"`
	Detail    string     `json:"detail,omitempty"`
	CheckedAt *time.Time `json:"checkedAt,omitempty"`
	LatencyMS *float64   `json:"latencyMs,omitempty"`
}

// Report is the worker's aggregate self-report.
type Report struct {
	AgentAPI ComponentStatus `json:"agentApi"`
	LLM      ComponentStatus `json:"llm"`
}

// Hop is one named link in the health chain.
type Hop struct {
	Name string `json:"name"`
	ComponentStatus
}

// Chain hop names, in presentation order.
const (
	HopFrontend    = "frontend"
	HopRelay       = "relay"
	HopWorker      = "worker"
	HopAgentAPI    = "agent-api"
	HopModelServer = "model-server"
)

// Aggregator holds the latest worker report and heartbeat.
type Aggregator struct {
	clk        clock.Clock
	staleAfter time.Duration

	mu       sync.Mutex
	report   *Report
	lastSeen time.Time
}

const defaultStaleAfter = 90 * time.Second

// New constructs an Aggregator. staleAfter bounds how long a silent worker is
// still reported online.
func New(clk clock.Clock, staleAfter time.Duration) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Aggregator{clk: clk, staleAfter: staleAfter}
}

// Heartbeat records worker liveness. Every authenticated worker request calls
// this, independent of its content.
func (a *Aggregator) Heartbeat() {
	now := a.clk.Now().UTC()
	a.mu.Lock()
	a.lastSeen = now
	a.mu.Unlock()
}

// RecordReport overwrites the held snapshot and counts as a heartbeat.
// Levels are normalized; out-of-set values collapse to unknown with a
// fallback detail.
func (a *Aggregator) RecordReport(r Report) {
	r.AgentAPI = sanitize(r.AgentAPI)
	r.LLM = sanitize(r.LLM)

	now := a.clk.Now().UTC()
	a.mu.Lock()
	a.report = &r
	a.lastSeen = now
	a.mu.Unlock()
}

func sanitize(cs ComponentStatus) ComponentStatus {
	lvl, ok := NormalizeLevel(string(cs.Status))
	if !ok {
		cs.Detail = fmt.Sprintf("unrecognized status %q", cs.Status)
	}
	cs.Status = lvl
	return cs
}

// Chain composes the end-to-end health chain.
//
// Frontend and relay are always online: the relay can only answer this query
// if it is running. The worker hop derives from heartbeat staleness, and a
// silent worker forces its downstream hops offline/unknown so it cannot
// leave stale online readings for links it can no longer observe.
func (a *Aggregator) Chain() []Hop {
	now := a.clk.Now().UTC()

	a.mu.Lock()
	report := a.report
	lastSeen := a.lastSeen
	a.mu.Unlock()

	self := ComponentStatus{Status: LevelOnline, CheckedAt: &now}
	chain := []Hop{
		{Name: HopFrontend, ComponentStatus: self},
		{Name: HopRelay, ComponentStatus: self},
	}

	workerLive := !lastSeen.IsZero() && now.Sub(lastSeen) <= a.staleAfter

	worker := ComponentStatus{Status: LevelOnline, CheckedAt: &now}
	if !workerLive {
		worker.Status = LevelOffline
		if lastSeen.IsZero() {
			worker.Detail = "no heartbeat received"
		} else {
			worker.Detail = fmt.Sprintf("silent for %s", now.Sub(lastSeen).Truncate(time.Second))
		}
	} else {
		worker.CheckedAt = &lastSeen
	}
	chain = append(chain, Hop{Name: HopWorker, ComponentStatus: worker})

	if workerLive && report != nil {
		chain = append(chain,
			Hop{Name: HopAgentAPI, ComponentStatus: report.AgentAPI},
			Hop{Name: HopModelServer, ComponentStatus: report.LLM},
		)
		return chain
	}

	// Three remaining cases: a live worker that has not reported yet, a
	// silent worker with a stale report, and a worker never heard from.
	downstream := ComponentStatus{Status: LevelUnknown, Detail: "worker unreachable"}
	switch {
	case workerLive:
		downstream.Detail = "no report received"
	case report != nil:
		downstream.Status = LevelOffline
	}
	chain = append(chain,
		Hop{Name: HopAgentAPI, ComponentStatus: downstream},
		Hop{Name: HopModelServer, ComponentStatus: downstream},
	)
	return chain
}
