// Package scheduler runs the periodic background work of the sync engine:
// a full refresh of the view while online and a sweep of the mutation
// queue in case a replay trigger was missed.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"
	syncpkg "github.com/kimhsiao/shiftsync/internal/sync"
)

// Config holds scheduler configuration.
type Config struct {
	RefreshInterval time.Duration // how often to reload the view when online
	QueueInterval   time.Duration // how often to sweep the queue when online
	RefreshTimeout  time.Duration // upper bound for one refresh
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 15 * time.Minute,
		QueueInterval:   1 * time.Minute,
		RefreshTimeout:  2 * time.Minute,
	}
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running           bool       `json:"running"`
	RefreshInProgress bool       `json:"refresh_in_progress"`
	LastRefresh       *time.Time `json:"last_refresh,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	Sweeps            int        `json:"sweeps"`
}

// Scheduler manages the background loops.
type Scheduler struct {
	engine          syncpkg.SyncEngineInterface
	online          func() bool
	clock           clockwork.Clock
	refreshInterval time.Duration
	queueInterval   time.Duration
	refreshTimeout  time.Duration

	mu                sync.Mutex
	running           bool
	stopCh            chan struct{}
	wg                sync.WaitGroup
	refreshInProgress bool
	lastRefresh       time.Time
	lastErr           error
	sweeps            int
}

// NewScheduler creates a Scheduler. online gates both loops; a nil clock
// uses the real clock.
func NewScheduler(engine syncpkg.SyncEngineInterface, online func() bool, cfg Config, clock clockwork.Clock) *Scheduler {
	def := DefaultConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = def.QueueInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		engine:          engine,
		online:          online,
		clock:           clock,
		refreshInterval: cfg.RefreshInterval,
		queueInterval:   cfg.QueueInterval,
		refreshTimeout:  cfg.RefreshTimeout,
	}
}

// Start starts both loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	refreshTicker := s.clock.NewTicker(s.refreshInterval)
	queueTicker := s.clock.NewTicker(s.queueInterval)

	s.wg.Add(2)
	go s.loop(ctx, refreshTicker, stopCh, s.refresh)
	go s.loop(ctx, queueTicker, stopCh, s.sweep)

	logging.Info("Background scheduler started", map[string]interface{}{
		"refresh_interval": s.refreshInterval.String(),
		"queue_interval":   s.queueInterval.String(),
	})
}

// Stop stops both loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Background scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, ticker clockwork.Ticker, stopCh chan struct{}, tick func(context.Context)) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			if s.online != nil && !s.online() {
				continue
			}
			tick(ctx)
		}
	}
}

// TriggerRefresh reloads the view now. It returns false when a refresh is
// already running.
func (s *Scheduler) TriggerRefresh(ctx context.Context) bool {
	s.mu.Lock()
	busy := s.refreshInProgress
	s.mu.Unlock()
	if busy {
		return false
	}
	s.refresh(ctx)
	return true
}

func (s *Scheduler) refresh(ctx context.Context) {
	s.mu.Lock()
	if s.refreshInProgress {
		s.mu.Unlock()
		logging.Debug("Refresh already in progress, skipping")
		return
	}
	s.refreshInProgress = true
	s.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	err := s.engine.RefreshAll(rctx)
	cancel()

	s.mu.Lock()
	s.refreshInProgress = false
	s.lastErr = err
	if err == nil {
		s.lastRefresh = s.clock.Now()
	}
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("Periodic refresh failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"interval": s.refreshInterval.String(),
		})
		return
	}
	logging.Debug("Periodic refresh completed")
}

// sweep replays the queue when something is pending.
func (s *Scheduler) sweep(ctx context.Context) {
	if s.engine.Status().Pending == 0 {
		return
	}
	res := s.engine.ProcessQueue(ctx)

	s.mu.Lock()
	s.sweeps++
	s.mu.Unlock()

	logging.Info("Queue sweep completed", map[string]interface{}{
		"replayed": res.Replayed,
		"failed":   res.Failed,
		"pending":  res.Pending,
	})
}

// GetStatus returns a snapshot of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:           s.running,
		RefreshInProgress: s.refreshInProgress,
		Sweeps:            s.sweeps,
	}
	if !s.lastRefresh.IsZero() {
		t := s.lastRefresh
		st.LastRefresh = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// IsRunning returns whether the loops are running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
