// Package supervisor runs named goroutines with panic recovery, optional
// restart-with-backoff, and bounded shutdown waiting.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	logx "xjedubot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log           logx.Logger
	cancelOnError bool

	mu       sync.Mutex
	firstErr error
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError controls whether the first goroutine error (or panic)
// cancels the supervisor context. Defaults to true.
func WithCancelOnError(v bool) Option {
	return func(s *Supervisor) { s.cancelOnError = v }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop(), cancelOnError: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }
func (s *Supervisor) Cancel()                  { s.cancel() }

// Err returns the first error recorded by any supervised goroutine.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) record(name string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = fmt.Errorf("%s: %w", name, err)
	}
	s.mu.Unlock()
	if s.cancelOnError {
		s.cancel()
	}
}

func (s *Supervisor) run(name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panicked",
				logx.String("goroutine", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(s.ctx)
}

// Go starts a named goroutine. A returned error (or panic) is recorded and,
// if cancel-on-error is enabled, cancels the whole supervisor.
func (s *Supervisor) Go(name string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(name, fn); err != nil {
			s.record(name, err)
		}
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// GoRestart starts a named goroutine and restarts it with jittered
// exponential backoff whenever it returns or panics while the supervisor
// context is still live. A clean return does not stop the restart loop;
// only context cancellation does.
func (s *Supervisor) GoRestart(name string, fn func(context.Context) error, minBackoff, maxBackoff time.Duration) {
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		delay := minBackoff
		for {
			err := s.run(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err != nil {
				s.log.Warn("supervised goroutine exited, restarting",
					logx.String("goroutine", name), logx.Err(err), logx.Duration("backoff", delay))
			} else {
				s.log.Debug("supervised goroutine returned, restarting",
					logx.String("goroutine", name), logx.Duration("backoff", delay))
			}
			// Jitter up to 25% to avoid restart thundering.
			d := delay + time.Duration(rand.Int63n(int64(delay)/4+1))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(d):
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}
	}()
}

// GoRestart0 is GoRestart for functions that cannot fail.
func (s *Supervisor) GoRestart0(name string, fn func(context.Context), minBackoff, maxBackoff time.Duration) {
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, minBackoff, maxBackoff)
}

// Wait blocks until all supervised goroutines finished or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the supervisor and waits for goroutines within ctx's deadline.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}
