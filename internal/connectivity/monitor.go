// Package connectivity turns raw, possibly flapping reachability
// signals into a debounced online/offline state.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultDebounce is how long a new state must hold before
	// it is published.
	DefaultDebounce = time.Second
	defaultTimeout  = 5 * time.Second
)

// Probe checks reachability; a nil error means online.
type Probe func(ctx context.Context) error

// Monitor publishes a reachability state only after it has been
// stable for the debounce window.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	candidate bool
	changedAt time.Time
	onOnline  []func()
	onOffline []func()

	debounce      time.Duration
	probe         Probe
	probeInterval time.Duration
	probeTimeout  time.Duration
	log           *zap.Logger

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	now      func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDebounce sets the stability window. Zero publishes every
// change immediately.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) { m.debounce = max(d, 0) }
}

// WithProbe polls p every interval once Start is called.
func WithProbe(p Probe, interval, timeout time.Duration) Option {
	return func(m *Monitor) {
		m.probe = p
		m.probeInterval = interval
		if timeout > 0 {
			m.probeTimeout = timeout
		}
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// New creates a Monitor whose published state starts at
// initial.
func New(initial bool, opts ...Option) *Monitor {
	m := &Monitor{
		online:       initial,
		candidate:    initial,
		debounce:     DefaultDebounce,
		probeTimeout: defaultTimeout,
		log:          zap.NewNop(),
		stop:         make(chan struct{}),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online returns the published state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn to run on every offline to online
// transition.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// OnOffline registers fn to run on every online to offline
// transition.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, fn)
}

// Set feeds a raw platform signal. The published state follows
// once the signal has held for the debounce window; a signal
// that flips back within the window is dropped.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if online != m.candidate {
		m.candidate = online
		m.changedAt = m.now()
	}
	m.mu.Unlock()
	if m.debounce == 0 {
		m.settle()
	}
}

// Check runs the probe once and feeds the result to Set. It
// returns the probe error, if any.
func (m *Monitor) Check(ctx context.Context) error {
	if m.probe == nil {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	err := m.probe(probeCtx)
	if ctx.Err() != nil {
		// Caller gave up; the result says nothing about the network.
		return ctx.Err()
	}
	m.Set(err == nil)
	return err
}

// settle publishes the candidate state if it has been stable
// long enough, then runs the matching callbacks outside the lock.
func (m *Monitor) settle() {
	m.mu.Lock()
	if m.candidate == m.online ||
		m.now().Sub(m.changedAt) < m.debounce {
		m.mu.Unlock()
		return
	}
	m.online = m.candidate
	var callbacks []func()
	if m.online {
		callbacks = append(callbacks, m.onOnline...)
	} else {
		callbacks = append(callbacks, m.onOffline...)
	}
	online := m.online
	m.mu.Unlock()

	m.log.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range callbacks {
		fn()
	}
}

// Start begins debouncing and, if configured, probing in
// background goroutines.
func (m *Monitor) Start() {
	if m.debounce > 0 {
		m.wg.Add(1)
		go m.settleLoop()
	}
	if m.probe != nil && m.probeInterval > 0 {
		m.wg.Add(1)
		go m.probeLoop()
	}
}

// Stop stops the background goroutines and waits for them.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
	})
}

func (m *Monitor) settleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(max(m.debounce/4, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.settle()
		}
	}
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := m.Check(ctx); err != nil {
			m.log.Debug("probe failed", zap.Error(err))
		}
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
	}
}
