// Package connectivity implements the upstream reachability monitor
// from spec section 4.F: periodic probes, debounced online/offline
// transitions, and a failover callback.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aegis-home/meshbridge/internal/logging"
	"github.com/aegis-home/meshbridge/internal/model"
)

// Config bundles the monitor's tunables (spec section 4.F / 6).
type Config struct {
	CheckInterval   time.Duration
	CheckHosts      []string // "host:port" targets, tried in order until one succeeds
	FailedThreshold int      // consecutive failures before transitioning offline, default 3
	DialTimeout     time.Duration
	Dial            Dialer // overrides the default net.DialTimeout probe; used by tests
}

// FailoverCallback is invoked on every online/offline transition.
type FailoverCallback func(active bool)

// Dialer abstracts net.DialTimeout for testability.
type Dialer func(network, address string, timeout time.Duration) (net.Conn, error)

// Monitor runs the periodic reachability probe and tracks
// model.ConnectivityState.
type Monitor struct {
	cfg    Config
	log    *zap.Logger
	dial   Dialer

	mu    sync.RWMutex
	state model.ConnectivityState

	callbackMu sync.RWMutex
	callbacks  []FailoverCallback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log *zap.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if cfg.FailedThreshold <= 0 {
		cfg.FailedThreshold = 3
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	dial := cfg.Dial
	if dial == nil {
		dial = func(network, address string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout(network, address, timeout)
		}
	}
	return &Monitor{
		cfg:   cfg,
		log:   log,
		dial:  dial,
		state: model.ConnectivityState{IsOnline: true},
	}
}

// Start launches the probe loop. It runs one probe synchronously
// before returning so State() reflects reality immediately.
func (m *Monitor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.probe()

	m.wg.Add(1)
	go m.loop(runCtx)
	return nil
}

func (m *Monitor) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe tries each configured host in order until one succeeds,
// recording latency and applying the debounce policy.
func (m *Monitor) probe() {
	start := time.Now()
	success := false
	for _, host := range m.cfg.CheckHosts {
		conn, err := m.dial("tcp", host, m.cfg.DialTimeout)
		if err == nil {
			conn.Close()
			success = true
			break
		}
	}
	latency := float64(time.Since(start).Milliseconds())

	m.mu.Lock()
	m.state.LastCheck = time.Now().UTC()
	wasOnline := m.state.IsOnline
	var becameOnline, becameOffline bool

	if success {
		m.state.LatencyMs = latency
		m.state.FailedChecks = 0
		if !wasOnline {
			m.state.IsOnline = true
			becameOnline = true
		}
	} else {
		m.state.FailedChecks++
		if wasOnline && m.state.FailedChecks >= m.cfg.FailedThreshold {
			m.state.IsOnline = false
			now := time.Now().UTC()
			m.state.FailoverTriggeredAt = &now
			becameOffline = true
		}
	}
	m.state.FailoverActive = !m.state.IsOnline
	m.mu.Unlock()

	if becameOnline {
		m.log.Info("upstream connectivity restored", logging.ConnectivityFields("restore").Zap()...)
		m.notify(false)
	}
	if becameOffline {
		m.log.Warn("upstream connectivity lost, failover active", logging.ConnectivityFields("failover").Zap()...)
		m.notify(true)
	}
}

// notify fans out a failover transition; active=true means failover
// just became active (upstream offline), active=false means it just
// cleared (upstream restored).
func (m *Monitor) notify(active bool) {
	m.callbackMu.RLock()
	callbacks := append([]FailoverCallback{}, m.callbacks...)
	m.callbackMu.RUnlock()
	for _, cb := range callbacks {
		cb(active)
	}
}

// OnFailover registers a callback invoked with active=true on
// transition to offline and active=false on transition to online.
func (m *Monitor) OnFailover(cb FailoverCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Monitor) State() model.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
