package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// maxRecentSpans bounds the window used for span counts and averages.
const maxRecentSpans = 512

type span struct {
	name     string
	duration time.Duration
}

// Aggregator is the single sink for pipeline observability. Components emit
// counter increments and span completions; nothing reads metrics back for
// control flow.
type Aggregator struct {
	messagesReceived  atomic.Int64
	notificationsSent atomic.Int64
	fallbackPolls     atomic.Int64
	errorCount        atomic.Int64
	deadLetters       atomic.Int64
	activeConnections atomic.Int64

	mu    sync.Mutex
	spans []span
	next  int
	full  bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		spans: make([]span, maxRecentSpans),
	}
}

func (m *Aggregator) IncMessagesReceived()  { m.messagesReceived.Add(1) }
func (m *Aggregator) IncNotificationsSent() { m.notificationsSent.Add(1) }
func (m *Aggregator) IncFallbackPolls()     { m.fallbackPolls.Add(1) }
func (m *Aggregator) IncErrors()            { m.errorCount.Add(1) }
func (m *Aggregator) IncDeadLetters()       { m.deadLetters.Add(1) }

func (m *Aggregator) SetActiveConnections(n int64) { m.activeConnections.Store(n) }

// ObserveSpan records one completed span into the recent window.
func (m *Aggregator) ObserveSpan(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.spans[m.next] = span{name: name, duration: d}
	m.next++
	if m.next == len(m.spans) {
		m.next = 0
		m.full = true
	}
}

// StartSpan begins timing; the returned function records the span.
//
//	defer m.StartSpan("cdc.process")()
func (m *Aggregator) StartSpan(name string) func() {
	start := time.Now()
	return func() {
		m.ObserveSpan(name, time.Since(start))
	}
}

// Snapshot is the read-only wire shape of the aggregator.
type Snapshot struct {
	MessagesReceived  int64              `json:"messagesReceived"`
	NotificationsSent int64              `json:"notificationsSent"`
	ActiveConnections int64              `json:"activeConnections"`
	PGNotifyFallbacks int64              `json:"pgNotifyFallbacks"`
	RecentSpanCount   int64              `json:"recentSpanCount"`
	SpansByName       map[string]int64   `json:"spansByName"`
	AvgDurationByName map[string]float64 `json:"avgDurationByName"`
	ErrorCount        int64              `json:"errorCount"`
	DeadLetters       int64              `json:"deadLetters"`
}

// Snapshot returns the current counters plus counts and average durations
// (milliseconds) over the recent span window.
func (m *Aggregator) Snapshot() Snapshot {
	m.mu.Lock()
	n := m.next
	if m.full {
		n = len(m.spans)
	}
	counts := make(map[string]int64)
	totals := make(map[string]time.Duration)
	for i := 0; i < n; i++ {
		s := m.spans[i]
		counts[s.name]++
		totals[s.name] += s.duration
	}
	m.mu.Unlock()

	avgs := make(map[string]float64, len(counts))
	for name, count := range counts {
		avgs[name] = float64(totals[name].Microseconds()) / float64(count) / 1000.0
	}

	return Snapshot{
		MessagesReceived:  m.messagesReceived.Load(),
		NotificationsSent: m.notificationsSent.Load(),
		ActiveConnections: m.activeConnections.Load(),
		PGNotifyFallbacks: m.fallbackPolls.Load(),
		RecentSpanCount:   int64(n),
		SpansByName:       counts,
		AvgDurationByName: avgs,
		ErrorCount:        m.errorCount.Load(),
		DeadLetters:       m.deadLetters.Load(),
	}
}
