package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/metrics"
)

// NetworkSource es la señal de conectividad del host.
type NetworkSource interface {
	// Fetch consulta el estado actual.
	Fetch(ctx context.Context) (bool, error)
	// Listen entrega cada señal observada, repetida o no; devuelve la función para detener.
	Listen(fn func(online bool)) (stop func())
}

// ConnectivityMonitor expone el estado online y notifica solo los cambios reales.
type ConnectivityMonitor struct {
	logger    *zap.Logger
	mu        sync.Mutex
	online    bool
	listeners listenerSet[bool]
	stop      func()

	// deliverMu mantiene las notificaciones en el orden de los cambios de estado.
	deliverMu sync.Mutex
}

// NewConnectivityMonitor consulta el estado una vez y luego escucha la fuente.
// Un error en la consulta inicial se interpreta como offline.
func NewConnectivityMonitor(ctx context.Context, source NetworkSource, logger *zap.Logger) *ConnectivityMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ConnectivityMonitor{logger: logger}

	online, err := source.Fetch(ctx)
	if err != nil {
		logger.Warn("initial connectivity fetch failed, assuming offline", zap.Error(err))
		online = false
	}
	m.online = online
	setOnlineGauge(online)

	m.stop = source.Listen(m.handle)
	return m
}

func (m *ConnectivityMonitor) handle(online bool) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.mu.Unlock()

	setOnlineGauge(online)
	metrics.ConnectivityTransitions.Inc()
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	deliver(m.logger, "connectivity", m.listeners.snapshot(), online)
}

func (m *ConnectivityMonitor) CurrentStatus() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registra fn para cada transición; devuelve la función para cancelar.
func (m *ConnectivityMonitor) Subscribe(fn func(online bool)) func() {
	return m.listeners.add(fn)
}

// Close deja de escuchar la fuente.
func (m *ConnectivityMonitor) Close() {
	if m.stop != nil {
		m.stop()
	}
	m.listeners.clear()
}

func setOnlineGauge(online bool) {
	if online {
		metrics.Online.Set(1)
		return
	}
	metrics.Online.Set(0)
}

// Pinger es cualquier backend capaz de responder un ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingSource deriva la conectividad de sondear el backend remoto.
type PingSource struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewPingSource(pinger Pinger, interval, timeout time.Duration, logger *zap.Logger) *PingSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PingSource{pinger: pinger, interval: interval, timeout: timeout, logger: logger}
}

func (p *PingSource) Fetch(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pinger.Ping(ctx); err != nil {
		p.logger.Debug("connectivity probe failed", zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (p *PingSource) Listen(fn func(online bool)) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				online, _ := p.Fetch(context.Background())
				fn(online)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}

// ManualSource es una señal controlada a mano (CLI, HTTP, tests).
type ManualSource struct {
	deliverMu sync.Mutex
	mu        sync.Mutex
	online    bool
	listeners listenerSet[bool]
	logger    *zap.Logger
}

func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online, logger: zap.NewNop()}
}

func (s *ManualSource) Fetch(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online, nil
}

func (s *ManualSource) Listen(fn func(online bool)) func() {
	return s.listeners.add(fn)
}

// Set emite la señal aunque no haya cambio; el monitor se encarga de filtrar.
func (s *ManualSource) Set(online bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
	deliver(s.logger, "manual-source", s.listeners.snapshot(), online)
}
