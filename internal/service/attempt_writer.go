package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/superlion8/brand-camera-sub004/internal/metrics"
	"github.com/superlion8/brand-camera-sub004/internal/models"
)

type AttemptStore interface {
	InsertAttempts(ctx context.Context, attempts []models.SynthesisAttempt) error
}

// AttemptWriter persists synthesis attempts off the response path. Write failures
// are reported on Errors instead of being dropped.
type AttemptWriter struct {
	store   AttemptStore
	log     *slog.Logger
	timeout time.Duration
	queue   chan []models.SynthesisAttempt
	errs    chan error

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAttemptWriter(store AttemptStore, queueSize int, log *slog.Logger) *AttemptWriter {
	if queueSize < 1 {
		queueSize = 1
	}
	w := &AttemptWriter{
		store:   store,
		log:     log.With("component", "attempt_writer"),
		timeout: 10 * time.Second,
		queue:   make(chan []models.SynthesisAttempt, queueSize),
		errs:    make(chan error, queueSize),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Submit queues one request's attempts. It never blocks; a full queue is reported
// as an error and the batch is dropped.
func (w *AttemptWriter) Submit(attempts []models.SynthesisAttempt) bool {
	if len(attempts) == 0 {
		return true
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		metrics.AuditWriteErrors.Inc()
		w.log.Error("attempt writer closed, attempts dropped", "request_id", attempts[0].RequestID, "count", len(attempts))
		return false
	}
	select {
	case w.queue <- attempts:
		return true
	default:
		w.report(fmt.Errorf("attempt queue full, dropped %d attempts for %s", len(attempts), attempts[0].RequestID))
		return false
	}
}

// Errors delivers write failures. The channel is closed by Close.
func (w *AttemptWriter) Errors() <-chan error {
	return w.errs
}

// Close drains queued batches and stops the worker.
func (w *AttemptWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
	close(w.errs)
}

func (w *AttemptWriter) run() {
	defer w.wg.Done()
	for batch := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.store.InsertAttempts(ctx, batch)
		cancel()
		if err != nil {
			w.report(fmt.Errorf("write attempts for %s: %w", batch[0].RequestID, err))
		}
	}
	w.log.Info("attempt writer stopped")
}

func (w *AttemptWriter) report(err error) {
	metrics.AuditWriteErrors.Inc()
	select {
	case w.errs <- err:
	default:
		w.log.Error("attempt writer error channel full", "err", err)
	}
}
