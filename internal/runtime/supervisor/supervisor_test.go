package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background())
	boom := errors.New("boom")

	s.Go("worker", func(ctx context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorIs(t, err, boom)
	require.Error(t, s.Context().Err(), "first error cancels the supervisor context")
}

func TestGoPanicBecomesError(t *testing.T) {
	s := New(context.Background())
	s.Go0("panicky", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
}

func TestCancelOnErrorDisabled(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(false))
	s.Go("worker", func(ctx context.Context) error { return errors.New("soft") })

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Context().Err(), "soft failures must not cancel siblings")
	s.Cancel()
}

func TestGoRestartRestartsUntilCancelled(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(false))
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("exit")
	}, time.Millisecond, 4*time.Millisecond)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, s.Wait(ctx)) // the recorded flaky error, not a timeout
}

func TestStopWaitsForGoroutines(t *testing.T) {
	s := New(context.Background())
	done := make(chan struct{})
	s.Go0("blocker", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	select {
	case <-done:
	default:
		t.Fatal("goroutine still running after Stop returned")
	}
}
