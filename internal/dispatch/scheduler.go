package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner runs one dispatcher tick
type Runner interface {
	RunTick(ctx context.Context) (*TickResult, error)
}

// Scheduler owns the recurring tick. It is started when a campaign begins
// sending and stops itself once no sending campaign has pending rows.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	rearm   bool
	closed  bool
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped scheduler
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start arms the tick loop. It returns true if the loop was started by this
// call and false if it was already running or the scheduler is closed.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.running {
		// a tick in flight may have counted zero pending rows already
		s.rearm = true
		return false
	}

	s.running = true
	s.wg.Add(1)
	go s.loop()

	s.logger.Info("scheduler started", "interval", s.interval)
	return true
}

// Running reports whether the tick loop is armed
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close stops the loop, waits for the current tick and disables Start
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		s.rearm = false
		s.mu.Unlock()

		res, err := s.runner.RunTick(s.ctx)
		if err != nil {
			// state is untouched, next tick retries
			continue
		}

		if res.Pending > 0 {
			continue
		}

		s.mu.Lock()
		if s.rearm {
			s.rearm = false
			s.mu.Unlock()
			continue
		}
		s.running = false
		s.mu.Unlock()

		s.logger.Info("no pending recipients, scheduler stopped")
		return
	}
}
