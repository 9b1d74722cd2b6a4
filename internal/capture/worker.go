package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pulseline/internal/activity"
	"pulseline/internal/metrics"
	"pulseline/pkg/logger"
)

// Appender is the slice of the ledger the worker writes through.
type Appender interface {
	Append(ctx context.Context, a *activity.Activity) (bool, error)
}

// Cursor persists the replication position across restarts.
type Cursor interface {
	Load(ctx context.Context, slot string) (int64, error)
	Save(ctx context.Context, slot string, pos int64) error
}

// Worker consumes the replication stream, maps each change through the
// Mapper and appends the result to the ledger. The position advances for
// every change, including skips and dead letters: a stalled position stalls
// the stream permanently.
type Worker struct {
	source  Source
	mapper  *Mapper
	ledger  Appender
	cursor  Cursor
	metrics *metrics.Aggregator
	logger  *logger.Logger

	slot          string
	flushInterval time.Duration

	position atomic.Uint64
	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewWorker(source Source, mapper *Mapper, l Appender, cursor Cursor, m *metrics.Aggregator, log *logger.Logger, slot string, flushInterval time.Duration) *Worker {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Worker{
		source:        source,
		mapper:        mapper,
		ledger:        l,
		cursor:        cursor,
		metrics:       m,
		logger:        log,
		slot:          slot,
		flushInterval: flushInterval,
	}
}

// Start resumes from the persisted position and begins consuming. Idempotent.
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}

	pos, err := w.cursor.Load(ctx, w.slot)
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("failed to load capture cursor: %w", err)
	}
	w.position.Store(uint64(pos))

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	changes, err := w.source.Start(runCtx, w.position.Load())
	if err != nil {
		w.running.Store(false)
		cancel()
		return fmt.Errorf("failed to start change source: %w", err)
	}

	w.wg.Add(1)
	go w.run(runCtx, changes)
	return nil
}

// Stop finishes the in-flight change, persists the position and closes the
// stream. Idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	w.cancel()
	w.wg.Wait()

	if err := w.flush(ctx); err != nil {
		return err
	}
	return w.source.Close(ctx)
}

// Position returns the last processed stream position.
func (w *Worker) Position() uint64 {
	return w.position.Load()
}

func (w *Worker) run(ctx context.Context, changes <-chan RowChange) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.flush(ctx); err != nil {
				w.metrics.IncErrors()
				w.logger.Errorf("capture: cursor flush failed: %v", err)
			}
		case ch, ok := <-changes:
			if !ok {
				return
			}
			w.process(ctx, ch)
		}
	}
}

func (w *Worker) process(ctx context.Context, ch RowChange) {
	defer w.metrics.StartSpan("cdc.process")()

	a, err := w.mapper.Map(ch)
	switch {
	case err != nil:
		// Never drop the change: persist the failure and keep moving.
		dead := w.mapper.DeadLetter(ch, err)
		if _, appendErr := w.ledger.Append(ctx, dead); appendErr != nil {
			w.metrics.IncErrors()
			w.logger.Errorf("capture: dead-letter append failed for %s at %d: %v", ch.Table, ch.Position, appendErr)
			return // retried after restart; position not advanced
		}
		w.metrics.IncDeadLetters()
		w.logger.Warnf("capture: change at %d dead-lettered: %v", ch.Position, err)
	case a == nil:
		// Untracked table or synthetic row.
	default:
		inserted, appendErr := w.ledger.Append(ctx, a)
		if appendErr != nil {
			w.metrics.IncErrors()
			w.logger.Errorf("capture: append failed for %s/%s at %d: %v", ch.Table, a.EntityID, ch.Position, appendErr)
			return
		}
		if !inserted {
			// Redelivered change; the ledger already has it.
			w.logger.Infof("capture: duplicate change for %s/%s at %d ignored", ch.Table, a.EntityID, ch.Position)
		}
		w.metrics.IncMessagesReceived()
	}

	w.position.Store(ch.Position)
	if err := w.source.Ack(ctx, ch.Position); err != nil {
		w.metrics.IncErrors()
		w.logger.Errorf("capture: ack failed at %d: %v", ch.Position, err)
	}
}

func (w *Worker) flush(ctx context.Context) error {
	if err := w.cursor.Save(ctx, w.slot, int64(w.position.Load())); err != nil {
		return fmt.Errorf("failed to persist capture cursor: %w", err)
	}
	return nil
}
