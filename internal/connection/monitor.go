package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"weekly-er-engine/internal/config"
	"weekly-er-engine/internal/observ"
)

// Link is the dialable broker connection the monitor supervises.
type Link interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Stats summarizes link health over the life of the process.
type Stats struct {
	Connected       bool
	Disconnects     int
	Reconnects      int
	LastDisconnect  time.Time
	LastReconnect   time.Time
	TotalDowntime   time.Duration
	CurrentDownFrom time.Time
}

// Callbacks fire on link transitions. All are optional and are invoked
// from the monitor goroutine, so they must not block.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func()
	OnReconnected  func(downFor time.Duration)
}

// Monitor heartbeats the link and drives reconnects with the configured
// attempt limit and delay.
type Monitor struct {
	mu   sync.Mutex
	cfg  config.Connection
	link Link
	cb   Callbacks

	healthy bool
	stats   Stats
}

func NewMonitor(cfg config.Connection, link Link, cb Callbacks) *Monitor {
	return &Monitor{cfg: cfg, link: link, cb: cb}
}

func (m *Monitor) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	if !s.Connected && !s.CurrentDownFrom.IsZero() {
		s.TotalDowntime += time.Since(s.CurrentDownFrom)
	}
	return s
}

// Start connects the link and returns once the first connection is up.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.link.Connect(ctx); err != nil {
		return fmt.Errorf("initial connect %s:%d: %w", m.cfg.Host, m.cfg.Port, err)
	}
	m.markUp(false)
	if m.cb.OnConnected != nil {
		m.cb.OnConnected()
	}
	observ.Log("connection_established", map[string]any{
		"host": m.cfg.Host, "port": m.cfg.Port, "client_id": m.cfg.ClientID,
	})
	return nil
}

// Run heartbeats until ctx is done. On a failed heartbeat it marks the
// link unhealthy and attempts reconnects; if all attempts fail it returns
// an error so the caller can halt trading.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := m.link.Ping(ctx); err == nil {
			observ.SetGauge("connection_healthy", 1, nil)
			continue
		}
		m.markDown()
		observ.SetGauge("connection_healthy", 0, nil)
		observ.Log("connection_lost", map[string]any{"host": m.cfg.Host, "port": m.cfg.Port})
		if m.cb.OnDisconnected != nil {
			m.cb.OnDisconnected()
		}
		if err := m.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (m *Monitor) reconnect(ctx context.Context) error {
	delay := time.Duration(m.cfg.ReconnectDelaySecs) * time.Second
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		observ.Log("reconnect_attempt", map[string]any{"attempt": attempt, "max": m.cfg.MaxReconnectAttempts})
		if err := m.link.Connect(ctx); err != nil {
			observ.IncCounter("reconnect_failures_total", map[string]string{})
			continue
		}
		downFor := m.markUp(true)
		observ.SetGauge("connection_healthy", 1, nil)
		observ.Log("connection_restored", map[string]any{"attempt": attempt, "down_seconds": downFor.Seconds()})
		if m.cb.OnReconnected != nil {
			m.cb.OnReconnected(downFor)
		}
		return nil
	}
	return fmt.Errorf("reconnect exhausted after %d attempts", m.cfg.MaxReconnectAttempts)
}

func (m *Monitor) markDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.healthy {
		return
	}
	m.healthy = false
	m.stats.Connected = false
	m.stats.Disconnects++
	m.stats.LastDisconnect = time.Now()
	m.stats.CurrentDownFrom = m.stats.LastDisconnect
}

func (m *Monitor) markUp(isReconnect bool) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = true
	m.stats.Connected = true
	var downFor time.Duration
	if isReconnect {
		m.stats.Reconnects++
		m.stats.LastReconnect = time.Now()
		if !m.stats.CurrentDownFrom.IsZero() {
			downFor = time.Since(m.stats.CurrentDownFrom)
			m.stats.TotalDowntime += downFor
			m.stats.CurrentDownFrom = time.Time{}
		}
	}
	return downFor
}
