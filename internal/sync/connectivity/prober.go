package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kimhsiao/shiftsync/internal/logging"
)

// Checker reports whether the server answers its health endpoint.
type Checker interface {
	Health(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

// Health calls f.
func (f CheckFunc) Health(ctx context.Context) error { return f(ctx) }

// ProberConfig holds probe configuration.
type ProberConfig struct {
	Interval time.Duration // time between probes
	Timeout  time.Duration // upper bound for one probe
}

// DefaultProberConfig returns default probe configuration.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Prober polls a Checker and feeds the result into a Monitor.
type Prober struct {
	monitor  *Monitor
	checker  Checker
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProber creates a Prober. A nil clock uses the real clock.
func NewProber(monitor *Monitor, checker Checker, cfg ProberConfig, clock clockwork.Clock) *Prober {
	def := DefaultProberConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Prober{
		monitor:  monitor,
		checker:  checker,
		clock:    clock,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
	}
}

// ProbeOnce checks the server once, updates the monitor and returns the
// observed state.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.checker.Health(pctx)
	if err != nil {
		logging.Debug("Health probe failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	p.monitor.SetOnline(err == nil)
	return err == nil
}

// Start probes immediately and then on every interval until Stop or ctx
// is done.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	ticker := p.clock.NewTicker(p.interval)
	p.wg.Add(1)
	go p.loop(ctx, ticker, stopCh)

	logging.Info("Connectivity prober started", map[string]interface{}{
		"interval": p.interval.String(),
	})
}

// Stop stops the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Info("Connectivity prober stopped")
}

func (p *Prober) loop(ctx context.Context, ticker clockwork.Ticker, stopCh chan struct{}) {
	defer p.wg.Done()
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			p.ProbeOnce(ctx)
		}
	}
}
