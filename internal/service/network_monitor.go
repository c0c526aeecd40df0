package service

import (
	"context"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/harry-school/offline-sync/internal/models"
	"github.com/harry-school/offline-sync/pkg/config"
)

// Pinger checks that the backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NetworkMonitor tracks backend reachability and notifies subscribers on transitions.
// The agent starts offline until the first successful probe.
type NetworkMonitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	status    models.NetworkStatus
	listeners []func(online bool)
}

// NewNetworkMonitor constructs the monitor.
func NewNetworkMonitor(pinger Pinger, cfg config.NetworkConfig, metrics *MetricsService, logger *zap.Logger) *NetworkMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	metrics.SetNetworkOnline(false)
	return &NetworkMonitor{
		pinger:   pinger,
		interval: cfg.ProbeInterval,
		timeout:  cfg.ProbeTimeout,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Subscribe registers fn for online/offline transitions.
func (m *NetworkMonitor) Subscribe(fn func(online bool)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Online reports the last known state.
func (m *NetworkMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Online
}

// Status returns a snapshot of the monitor state.
func (m *NetworkMonitor) Status() models.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Probe pings the backend once and records the result.
func (m *NetworkMonitor) Probe(ctx context.Context) bool {
	if m.pinger == nil {
		m.Set(false, nil)
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.pinger.Ping(probeCtx)

	at := m.now().UTC()
	m.mu.Lock()
	m.status.LastProbe = &at
	m.mu.Unlock()

	m.Set(err == nil, err)
	return err == nil
}

// Set records a pushed state. Subscribers run synchronously, outside the lock,
// only when the state changes.
func (m *NetworkMonitor) Set(online bool, cause error) {
	m.mu.Lock()
	changed := m.status.Online != online
	if cause != nil {
		m.status.LastError = cause.Error()
	} else if online {
		m.status.LastError = ""
	}
	var listeners []func(bool)
	if changed {
		at := m.now().UTC()
		m.status.Online = online
		m.status.LastChange = &at
		m.status.Transitions++
		listeners = append(listeners, m.listeners...)
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.metrics.SetNetworkOnline(online)
	if online {
		m.logger.Info("backend reachable")
	} else {
		m.logger.Warn("backend unreachable", zap.Error(cause))
	}
	for _, fn := range listeners {
		fn(online)
	}
}

// HandleListenerEvent maps change feed connection events onto reachability.
func (m *NetworkMonitor) HandleListenerEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		m.Set(true, nil)
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		m.Set(false, err)
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (m *NetworkMonitor) Run(ctx context.Context) {
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
