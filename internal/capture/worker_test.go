package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseline/internal/activity"
	"pulseline/internal/metrics"
	"pulseline/pkg/logger"
)

type fakeSource struct {
	mu    sync.Mutex
	ch    chan RowChange
	acked []uint64
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan RowChange, 16)}
}

func (s *fakeSource) Start(_ context.Context, _ uint64) (<-chan RowChange, error) {
	return s.ch, nil
}

func (s *fakeSource) Ack(_ context.Context, pos uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, pos)
	return nil
}

func (s *fakeSource) Close(_ context.Context) error { return nil }

func (s *fakeSource) ackedPositions() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.acked...)
}

// fakeAppender mimics the ledger's insert-or-ignore on the activity id.
type fakeAppender struct {
	mu       sync.Mutex
	appended []*activity.Activity
	seen     map[uuid.UUID]bool
	nextSeq  int64
}

func newFakeAppender() *fakeAppender {
	return &fakeAppender{seen: make(map[uuid.UUID]bool)}
}

func (f *fakeAppender) Append(_ context.Context, a *activity.Activity) (bool, error) {
	if err := a.Validate(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[a.ID] {
		return false, nil
	}
	f.seen[a.ID] = true
	f.nextSeq++
	a.Seq = f.nextSeq
	f.appended = append(f.appended, a)
	return true, nil
}

func (f *fakeAppender) all() []*activity.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*activity.Activity(nil), f.appended...)
}

type memCursor struct {
	mu sync.Mutex
	m  map[string]int64
}

func newMemCursor() *memCursor { return &memCursor{m: make(map[string]int64)} }

func (c *memCursor) Load(_ context.Context, slot string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[slot], nil
}

func (c *memCursor) Save(_ context.Context, slot string, pos int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[slot] = pos
	return nil
}

func newTestWorker(t *testing.T) (*Worker, *fakeSource, *fakeAppender, *memCursor) {
	t.Helper()
	source := newFakeSource()
	appender := newFakeAppender()
	cursor := newMemCursor()
	w := NewWorker(source, newTestMapper(), appender, cursor, metrics.NewAggregator(), logger.NewNop(), "test_slot", time.Hour)
	return w, source, appender, cursor
}

func TestWorkerCapturesTrackedInsert(t *testing.T) {
	w, source, appender, _ := newTestWorker(t)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	source.ch <- RowChange{
		Op:       OpInsert,
		Table:    "users",
		After:    map[string]string{"id": "u-1", "name": "ada"},
		Position: 10,
	}

	require.Eventually(t, func() bool {
		return len(appender.all()) == 1
	}, time.Second, 5*time.Millisecond)

	a := appender.all()[0]
	assert.Equal(t, activity.ActionCreate, a.Action)
	assert.Equal(t, "user.created", a.Type)
	assert.Equal(t, uint64(10), w.Position())
	assert.Contains(t, source.ackedPositions(), uint64(10))
}

func TestWorkerSkipsSyntheticRows(t *testing.T) {
	w, source, appender, _ := newTestWorker(t)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	source.ch <- RowChange{
		Op:       OpInsert,
		Table:    "users",
		After:    map[string]string{"id": "seed_u-1"},
		Position: 20,
	}
	source.ch <- RowChange{
		Op:       OpInsert,
		Table:    "users",
		After:    map[string]string{"id": "u-2"},
		Position: 21,
	}

	require.Eventually(t, func() bool {
		return len(appender.all()) == 1
	}, time.Second, 5*time.Millisecond)

	// The skipped row produced no activity but still advanced the stream.
	assert.Equal(t, "u-2", appender.all()[0].EntityID)
	assert.Contains(t, source.ackedPositions(), uint64(20))
	assert.Contains(t, source.ackedPositions(), uint64(21))
}

func TestWorkerDeduplicatesRedelivery(t *testing.T) {
	w, source, appender, _ := newTestWorker(t)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	ch := RowChange{
		Op:       OpInsert,
		Table:    "users",
		After:    map[string]string{"id": "u-1"},
		Position: 30,
	}
	source.ch <- ch
	source.ch <- ch // at-least-once redelivery

	require.Eventually(t, func() bool {
		return len(source.ackedPositions()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, appender.all(), 1)
}

func TestWorkerDeadLettersMappingFailures(t *testing.T) {
	w, source, appender, _ := newTestWorker(t)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop(context.Background())

	source.ch <- RowChange{
		Op:       OpInsert,
		Table:    "users",
		After:    map[string]string{"name": "no-primary-key"},
		Position: 40,
	}
	source.ch <- RowChange{
		Op:       OpInsert,
		Table:    "users",
		After:    map[string]string{"id": "u-3"},
		Position: 41,
	}

	require.Eventually(t, func() bool {
		return len(appender.all()) == 2
	}, time.Second, 5*time.Millisecond)

	rows := appender.all()
	assert.True(t, rows[0].IsDeadLetter(), "mapping failure must be persisted, not dropped")
	assert.False(t, rows[1].IsDeadLetter(), "stream advances past the dead letter")
	assert.Equal(t, uint64(41), w.Position())
}

func TestWorkerPersistsCursorOnStop(t *testing.T) {
	w, source, _, cursor := newTestWorker(t)
	require.NoError(t, w.Start(context.Background()))

	source.ch <- RowChange{
		Op:       OpInsert,
		Table:    "users",
		After:    map[string]string{"id": "u-1"},
		Position: 50,
	}

	require.Eventually(t, func() bool {
		return w.Position() == 50
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))

	pos, err := cursor.Load(context.Background(), "test_slot")
	require.NoError(t, err)
	assert.Equal(t, int64(50), pos)
}

func TestWorkerStartStopIdempotent(t *testing.T) {
	w, _, _, _ := newTestWorker(t)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
}
