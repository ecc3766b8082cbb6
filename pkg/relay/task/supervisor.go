// Package task runs the engine's long-lived background loops under a
// single lifecycle. Each loop registers as a named Runner; Start
// launches them all on one cancellable context and Stop cancels that
// context and waits for every loop to drain.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("task: supervisor already started")
	ErrNotStarted     = errors.New("task: supervisor not started")
)

// Runner is one long-running background loop. Run must return promptly
// once ctx is cancelled.
type Runner interface {
	// Name identifies the runner in logs and status output.
	Name() string

	// Run executes the loop until ctx is cancelled.
	Run(ctx context.Context)
}

type namedRunner struct {
	name string
	fn   func(ctx context.Context)
}

func (r namedRunner) Name() string            { return r.name }
func (r namedRunner) Run(ctx context.Context) { r.fn(ctx) }

// RunnerFunc wraps a plain function as a named Runner.
func RunnerFunc(name string, fn func(ctx context.Context)) Runner {
	return namedRunner{name: name, fn: fn}
}

// Supervisor owns a set of background loops and their shared
// cancellation. Runners are registered before Start; Start is
// one-shot.
type Supervisor struct {
	logger *slog.Logger

	mu      sync.Mutex
	runners []Runner
	cancel  context.CancelFunc

	wg      sync.WaitGroup
	started atomic.Bool
	done    chan struct{}
}

// NewSupervisor creates an empty supervisor. A nil logger disables
// lifecycle logging.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Add registers a runner. Registration after Start is rejected.
func (s *Supervisor) Add(r Runner) error {
	if s.started.Load() {
		return ErrAlreadyStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners = append(s.runners, r)
	return nil
}

// AddFunc registers a plain function as a named runner.
func (s *Supervisor) AddFunc(name string, fn func(ctx context.Context)) error {
	return s.Add(RunnerFunc(name, fn))
}

// Names lists the registered runners in registration order.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.runners))
	for i, r := range s.runners {
		names[i] = r.Name()
	}
	return names
}

// Start launches every registered runner on a child context of ctx.
// It returns immediately; the runners keep going until Stop is called
// or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	runners := make([]Runner, len(s.runners))
	copy(runners, s.runners)
	s.mu.Unlock()

	for _, r := range runners {
		s.wg.Add(1)
		go func(r Runner) {
			defer s.wg.Done()
			defer func() {
				if v := recover(); v != nil && s.logger != nil {
					s.logger.Error("background loop panicked",
						slog.String("task", r.Name()),
						slog.Any("panic", v),
					)
				}
			}()
			if s.logger != nil {
				s.logger.Debug("background loop started", slog.String("task", r.Name()))
			}
			r.Run(runCtx)
			if s.logger != nil {
				s.logger.Debug("background loop stopped", slog.String("task", r.Name()))
			}
		}(r)
	}

	go func() {
		s.wg.Wait()
		close(s.done)
	}()

	if s.logger != nil {
		s.logger.Info("supervisor started", slog.Int("tasks", len(runners)))
	}
	return nil
}

// Stop cancels the shared context and waits up to timeout for every
// runner to return. A timeout of zero waits indefinitely.
func (s *Supervisor) Stop(timeout time.Duration) error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if timeout <= 0 {
		<-s.done
		return nil
	}

	select {
	case <-s.done:
		if s.logger != nil {
			s.logger.Info("supervisor stopped")
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("task: shutdown timed out after %s", timeout)
	}
}

// Done is closed once every runner has returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}
