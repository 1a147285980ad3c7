package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultJobTimeout = 10 * time.Second

// serialWorker ejecuta trabajos en segundo plano en orden de envío, de a uno.
// No cancela trabajos pendientes: Close espera a que la cola se vacíe.
type serialWorker struct {
	name    string
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func(ctx context.Context)
	running bool
	closed  bool
	done    chan struct{}
}

func newSerialWorker(name string, timeout time.Duration, logger *zap.Logger) *serialWorker {
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	w := &serialWorker{
		name:    name,
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// Submit encola job; devuelve false si el worker ya fue cerrado.
func (w *serialWorker) Submit(job func(ctx context.Context)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Warn("job submitted to closed worker", zap.String("worker", w.name))
		return false
	}
	w.queue = append(w.queue, job)
	w.cond.Broadcast()
	return true
}

func (w *serialWorker) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.running = true
		w.mu.Unlock()

		w.run(job)

		w.mu.Lock()
		w.running = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *serialWorker) run(job func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("background job panicked", zap.String("worker", w.name), zap.Any("panic", r))
		}
	}()
	job(ctx)
}

// Drain bloquea hasta que no quedan trabajos encolados ni en ejecución.
func (w *serialWorker) Drain() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) > 0 || w.running {
		w.cond.Wait()
	}
}

// Close termina los trabajos ya encolados y detiene el worker.
func (w *serialWorker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.cond.Broadcast()
	}
	w.mu.Unlock()
	<-w.done
}
