package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"time"

	"github.com/google/uuid"

	"pulseline/internal/activity"
	"pulseline/internal/metrics"
	"pulseline/pkg/logger"
)

// Event is the transient, in-memory view of an activity during dispatch.
type Event struct {
	Topic    string
	Activity *activity.Activity
}

// Handler consumes one event. A failing handler is isolated: its error is
// counted and logged but never blocks delivery to other handlers.
type Handler func(ctx context.Context, evt Event) error

// Notification is the minimal payload published by the ledger's insert
// trigger. The full row is always re-read before dispatch; the payload is
// identity only and is never trusted beyond that.
type Notification struct {
	Table string    `json:"table"`
	ID    uuid.UUID `json:"id"`
	Seq   int64     `json:"seq"`
}

// Listener is the push transport. The returned channel closes when ctx ends.
type Listener interface {
	Notifications(ctx context.Context) (<-chan Notification, error)
}

// ActivityReader is the slice of the ledger the bus consumes.
type ActivityReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*activity.Activity, error)
	ListAfterSeq(ctx context.Context, seq int64, limit int) ([]activity.Activity, error)
	MaxSeq(ctx context.Context) (int64, error)
}

// Cursor persists the consumption position across restarts.
type Cursor interface {
	Load(ctx context.Context, slot string) (int64, error)
	Save(ctx context.Context, slot string, pos int64) error
}

const cursorSlot = "bus"

type registration struct {
	id    uint64
	h     Handler
	once  bool
	fired atomic.Bool
}

// Bus routes typed activity events to registered handlers. The primary
// transport is the ledger's NOTIFY channel; a ticker-driven poller catches
// up whenever known-unprocessed rows exist without a notification.
type Bus struct {
	listener Listener
	reader   ActivityReader
	cursor   Cursor
	metrics  *metrics.Aggregator
	logger   *logger.Logger

	fallbackInterval time.Duration
	batchSize        int
	gapTimeout       time.Duration

	mu       sync.RWMutex
	handlers map[string][]*registration
	nextID   uint64

	// Sequence numbers are drawn before commit, so notifications and poll
	// results can arrive out of seq order: a writer holding seq N may commit
	// after a writer holding seq N+1. floor is the position below which every
	// existing row has been delivered; seen holds delivered seqs above it;
	// gaps holds seqs with no visible row yet, stamped when first noticed so
	// an aborted transaction cannot pin the floor forever.
	seqMu sync.Mutex
	floor int64
	seen  map[int64]bool
	gaps  map[int64]time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Bus)

// WithCursor makes the bus persist its consumption position on shutdown and
// resume from it on the next start.
func WithCursor(c Cursor) Option {
	return func(b *Bus) { b.cursor = c }
}

func WithFallbackInterval(d time.Duration) Option {
	return func(b *Bus) { b.fallbackInterval = d }
}

func WithBatchSize(n int) Option {
	return func(b *Bus) { b.batchSize = n }
}

// WithGapTimeout sets how long a missing seq (an uncommitted or aborted
// transaction) may hold back the delivery floor before it is written off.
func WithGapTimeout(d time.Duration) Option {
	return func(b *Bus) { b.gapTimeout = d }
}

func New(listener Listener, reader ActivityReader, m *metrics.Aggregator, l *logger.Logger, opts ...Option) *Bus {
	b := &Bus{
		listener:         listener,
		reader:           reader,
		metrics:          m,
		logger:           l,
		fallbackInterval: 3 * time.Second,
		batchSize:        100,
		gapTimeout:       30 * time.Second,
		handlers:         make(map[string][]*registration),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers a handler for a topic. Handlers for the same topic run in
// registration order. The returned id is the argument to Off.
func (b *Bus) On(topic string, h Handler) uint64 {
	return b.register(topic, h, false)
}

// Once registers a handler that unsubscribes itself after its first
// successful dispatch.
func (b *Bus) Once(topic string, h Handler) uint64 {
	return b.register(topic, h, true)
}

func (b *Bus) register(topic string, h Handler, once bool) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], &registration{id: b.nextID, h: h, once: once})
	return b.nextID
}

// Off removes a registration. Unknown ids are a no-op.
func (b *Bus) Off(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[topic]
	for i, reg := range regs {
		if reg.id == id {
			b.handlers[topic] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(b.handlers[topic]) == 0 {
		delete(b.handlers, topic)
	}
}

// Emit dispatches locally, bypassing the transport entirely. Used for test
// injection and intra-process signaling; it does not touch the consumption
// position.
func (b *Bus) Emit(ctx context.Context, topic string, a *activity.Activity) {
	b.dispatch(ctx, Event{Topic: topic, Activity: a})
	b.metrics.IncNotificationsSent()
}

// Start begins consuming notifications. Idempotent.
func (b *Bus) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	start := int64(0)
	if b.cursor != nil {
		if pos, err := b.cursor.Load(ctx, cursorSlot); err == nil && pos > 0 {
			start = pos
		}
	}
	if start == 0 {
		// First start: consume from the current ledger head. Earlier rows
		// are served by the query surface, not replayed.
		max, err := b.reader.MaxSeq(ctx)
		if err != nil {
			b.running.Store(false)
			cancel()
			return fmt.Errorf("failed to read ledger head: %w", err)
		}
		start = max
	}
	b.seqMu.Lock()
	b.floor = start
	b.seen = make(map[int64]bool)
	b.gaps = make(map[int64]time.Time)
	b.seqMu.Unlock()

	if b.listener != nil {
		notifs, err := b.listener.Notifications(runCtx)
		if err != nil {
			b.running.Store(false)
			cancel()
			return fmt.Errorf("failed to open notification channel: %w", err)
		}
		b.wg.Add(1)
		go b.listenLoop(runCtx, notifs)
	}

	b.wg.Add(1)
	go b.fallbackLoop(runCtx)

	return nil
}

// Stop drains in-flight dispatch, persists the consumption position and
// disconnects. Idempotent.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	b.cancel()
	b.wg.Wait()

	if b.cursor != nil {
		b.seqMu.Lock()
		pos := b.floor
		b.seqMu.Unlock()
		if err := b.cursor.Save(ctx, cursorSlot, pos); err != nil {
			return fmt.Errorf("failed to persist bus cursor: %w", err)
		}
	}
	return nil
}

func (b *Bus) listenLoop(ctx context.Context, notifs <-chan Notification) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifs:
			if !ok {
				return
			}
			b.metrics.IncMessagesReceived()
			if b.alreadyDelivered(n.Seq) {
				continue
			}
			a, err := b.reader.GetByID(ctx, n.ID)
			if err != nil {
				b.metrics.IncErrors()
				b.logger.Errorf("bus: failed to load activity %s: %v", n.ID, err)
				continue
			}
			b.deliver(ctx, a)
		}
	}
}

func (b *Bus) fallbackLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.fallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx)
		}
	}
}

// poll catches up on rows the push path missed. It re-scans from the floor,
// not the highest delivered seq, so a row whose transaction committed after
// a higher-seq neighbor is still picked up; already-delivered rows in the
// overlap are dropped by claim.
func (b *Bus) poll(ctx context.Context) {
	b.seqMu.Lock()
	b.compactLocked(time.Now())
	floor := b.floor
	b.seqMu.Unlock()

	max, err := b.reader.MaxSeq(ctx)
	if err != nil {
		b.metrics.IncErrors()
		b.logger.Errorf("bus: fallback max seq failed: %v", err)
		return
	}
	if max <= floor {
		return
	}

	b.metrics.IncFallbackPolls()

	rows, err := b.reader.ListAfterSeq(ctx, floor, b.batchSize)
	if err != nil {
		b.metrics.IncErrors()
		b.logger.Errorf("bus: fallback poll failed: %v", err)
		return
	}

	expected := floor + 1
	for i := range rows {
		a := &rows[i]
		for seq := expected; seq < a.Seq; seq++ {
			b.noteGap(seq)
		}
		expected = a.Seq + 1
		b.deliver(ctx, a)
	}
	if len(rows) < b.batchSize {
		// Seqs between the last visible row and max belong to transactions
		// that have not committed yet, or never will.
		for seq := expected; seq <= max; seq++ {
			b.noteGap(seq)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, a *activity.Activity) {
	if !b.claim(a.Seq) {
		return
	}
	if a.IsDeadLetter() {
		return
	}
	b.dispatch(ctx, Event{Topic: a.Type, Activity: a})
	b.metrics.IncNotificationsSent()
}

func (b *Bus) alreadyDelivered(seq int64) bool {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	return seq <= b.floor || b.seen[seq]
}

// claim marks a seq as delivered exactly once between the push and fallback
// paths. The caller only dispatches when claim returns true.
func (b *Bus) claim(seq int64) bool {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	if seq <= b.floor || b.seen[seq] {
		return false
	}
	b.seen[seq] = true
	delete(b.gaps, seq)
	b.compactLocked(time.Now())
	return true
}

func (b *Bus) noteGap(seq int64) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	if seq <= b.floor || b.seen[seq] {
		return
	}
	if _, ok := b.gaps[seq]; !ok {
		b.gaps[seq] = time.Now()
	}
}

// compactLocked advances the floor through contiguously delivered seqs and
// through gaps that have outlived the gap timeout. Callers hold seqMu.
func (b *Bus) compactLocked(now time.Time) {
	for {
		next := b.floor + 1
		if b.seen[next] {
			delete(b.seen, next)
			b.floor = next
			continue
		}
		if at, ok := b.gaps[next]; ok && now.Sub(at) >= b.gapTimeout {
			delete(b.gaps, next)
			b.floor = next
			continue
		}
		return
	}
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	regs := append([]*registration(nil), b.handlers[evt.Topic]...)
	b.mu.RUnlock()

	for _, reg := range regs {
		if reg.once && !reg.fired.CompareAndSwap(false, true) {
			continue
		}
		if err := b.invoke(ctx, reg, evt); err != nil {
			b.metrics.IncErrors()
			b.logger.Errorf("bus: handler failed for %s: %v", evt.Topic, err)
			if reg.once {
				reg.fired.Store(false) // failed dispatch does not consume a once registration
			}
			continue
		}
		if reg.once {
			b.Off(evt.Topic, reg.id)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, reg *registration, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.h(ctx, evt)
}
