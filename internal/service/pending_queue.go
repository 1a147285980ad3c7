package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/metrics"
)

const defaultPendingMaxRetries = 3

var ErrPendingQueueNotConfigured = errors.New("pending queue not configured")

// RemoteInserter es la parte del adaptador remoto que usa la cola.
type RemoteInserter interface {
	Insert(ctx context.Context, userID string, message domain.Message) error
}

// FlushResult resume un pase de flush.
type FlushResult struct {
	Delivered int
	Retried   int
	Dropped   int
	Skipped   bool
}

// PendingQueue guarda las escrituras remotas sin confirmar y las reintenta en orden.
type PendingQueue struct {
	remote     RemoteInserter
	maxRetries int
	logger     *zap.Logger

	// onDropped se invoca fuera del lock cuando una escritura agota sus reintentos.
	onDropped func(domain.PendingWrite, error)

	mu       sync.Mutex
	items    []domain.PendingWrite
	inflight map[string]struct{}
	flushing bool
}

func NewPendingQueue(remote RemoteInserter, maxRetries int, logger *zap.Logger) *PendingQueue {
	if maxRetries <= 0 {
		maxRetries = defaultPendingMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingQueue{
		remote:     remote,
		maxRetries: maxRetries,
		logger:     logger,
		inflight:   make(map[string]struct{}),
	}
}

// OnDropped registra el callback de escrituras descartadas.
func (q *PendingQueue) OnDropped(fn func(domain.PendingWrite, error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDropped = fn
}

// Enqueue agrega la escritura si su mensaje no está ya pendiente.
func (q *PendingQueue) Enqueue(w domain.PendingWrite) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[w.Message.ID]; ok {
		return false
	}
	for _, it := range q.items {
		if it.Message.ID == w.Message.ID {
			return false
		}
	}
	q.items = append(q.items, w)
	metrics.PendingWrites.Set(float64(len(q.items) + len(q.inflight)))
	q.logger.Info("remote write queued",
		zap.String("message_id", w.Message.ID),
		zap.Int("retry_count", w.RetryCount),
		zap.Int("pending", len(q.items)))
	return true
}

// Len cuenta también las escrituras en vuelo durante un flush.
func (q *PendingQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.inflight)
}

// Items devuelve una copia de las escrituras en espera.
func (q *PendingQueue) Items() []domain.PendingWrite {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.PendingWrite, len(q.items))
	copy(out, q.items)
	return out
}

// Flush intenta cada escritura una vez, en orden y de a una.
// Un fallo no corta el pase; al llegar a maxRetries la escritura se descarta.
func (q *PendingQueue) Flush(ctx context.Context) (FlushResult, error) {
	if q == nil || q.remote == nil {
		return FlushResult{}, ErrPendingQueueNotConfigured
	}

	q.mu.Lock()
	if q.flushing || len(q.items) == 0 {
		q.mu.Unlock()
		return FlushResult{Skipped: true}, nil
	}
	q.flushing = true
	batch := q.items
	q.items = nil
	for _, it := range batch {
		q.inflight[it.Message.ID] = struct{}{}
	}
	onDropped := q.onDropped
	q.mu.Unlock()

	var (
		res     FlushResult
		failed  []domain.PendingWrite
		dropped []domain.PendingWrite
		errs    []error
	)
	for _, it := range batch {
		start := time.Now()
		err := q.remote.Insert(ctx, it.UserID, it.Message)
		metrics.RemoteLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			res.Delivered++
			metrics.PendingFlushes.WithLabelValues("ok").Inc()
			continue
		}

		it.RetryCount++
		if it.RetryCount >= q.maxRetries {
			res.Dropped++
			metrics.PendingFlushes.WithLabelValues("dropped").Inc()
			dropErr := fmt.Errorf("%w: message %s after %d attempts: %w", domain.ErrExhaustedRetry, it.Message.ID, it.RetryCount, err)
			q.logger.Error("pending write dropped", zap.String("message_id", it.Message.ID), zap.Error(dropErr))
			dropped = append(dropped, it)
			errs = append(errs, dropErr)
			continue
		}

		res.Retried++
		metrics.PendingFlushes.WithLabelValues("retry").Inc()
		q.logger.Warn("pending write failed, will retry",
			zap.String("message_id", it.Message.ID),
			zap.Int("retry_count", it.RetryCount),
			zap.Error(err))
		failed = append(failed, it)
	}

	q.mu.Lock()
	// Los fallidos conservan su lugar delante de lo encolado durante el pase.
	q.items = append(failed, q.items...)
	for _, it := range batch {
		delete(q.inflight, it.Message.ID)
	}
	q.flushing = false
	metrics.PendingWrites.Set(float64(len(q.items)))
	q.mu.Unlock()

	if onDropped != nil {
		for i, it := range dropped {
			onDropped(it, errs[i])
		}
	}

	q.logger.Info("pending flush finished",
		zap.Int("delivered", res.Delivered),
		zap.Int("retried", res.Retried),
		zap.Int("dropped", res.Dropped))
	return res, errors.Join(errs...)
}
