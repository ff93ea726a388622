package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrRunning = errors.New("sweeper already running")

// Task is one unit of periodic maintenance.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Sweeper runs its tasks on a fixed interval between Start and Stop.
type Sweeper struct {
	interval time.Duration
	tasks    []Task
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, logger zerolog.Logger, tasks ...Task) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{interval: interval, tasks: tasks, logger: logger}
}

// Start launches the background loop. It returns ErrRunning if the sweeper
// was already started and not stopped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for an in-flight run to finish. It is a
// no-op when the sweeper is not running.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs every task in order. A failing task is logged and does not
// prevent the others from running.
func (s *Sweeper) RunOnce(ctx context.Context) {
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := task.Run(ctx); err != nil {
			s.logger.Error().Err(err).Str("task", task.Name).Msg("sweep task failed")
			continue
		}
		s.logger.Debug().Str("task", task.Name).Dur("took", time.Since(start)).Msg("sweep task completed")
	}
}
