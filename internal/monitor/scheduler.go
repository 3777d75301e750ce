package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "xjedubot/pkg/logx"
)

// ErrBusy means a check for the task is already in flight.
var ErrBusy = errors.New("monitor: check already in progress")

const defaultTick = 5 * time.Second

// Scheduler drives the pipeline. Each tick selects due tasks and starts
// their checks, subject to two rules: at most one in-flight check per
// task id, and at most maxConcurrent checks overall.
type Scheduler struct {
	svc  *Service
	tick time.Duration
	sem  chan struct{}
	log  logx.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	nowFn func() time.Time
}

func newScheduler(svc *Service, tick time.Duration, maxConcurrent int, log logx.Logger) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		svc:      svc,
		tick:     tick,
		sem:      make(chan struct{}, maxConcurrent),
		log:      log,
		inflight: map[string]context.CancelFunc{},
		nowFn:    time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (sc *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.dispatchDue(ctx)
		}
	}
}

func (sc *Scheduler) dispatchDue(ctx context.Context) {
	now := sc.nowFn()
	for _, t := range sc.svc.registry.List() {
		if !t.Enabled {
			continue
		}
		if now.Before(t.NextDue()) {
			continue
		}
		sc.start(ctx, t.ID)
	}
}

// start launches a check unless one is already in flight for the id.
// Reports whether a new check was started.
func (sc *Scheduler) start(ctx context.Context, id string) bool {
	sc.mu.Lock()
	if _, busy := sc.inflight[id]; busy {
		sc.mu.Unlock()
		return false
	}
	cctx, cancel := context.WithCancel(ctx)
	sc.inflight[id] = cancel
	sc.mu.Unlock()

	go func() {
		defer sc.finish(id)
		select {
		case sc.sem <- struct{}{}:
		case <-cctx.Done():
			return
		}
		defer func() { <-sc.sem }()
		res := sc.svc.runPipeline(cctx, id)
		if res.Err != nil && !errors.Is(res.Err, context.Canceled) &&
			!errors.Is(res.Err, ErrDisabled) && !errors.Is(res.Err, ErrNotFound) {
			// Disabled/removed between dispatch and run is a benign race.
			sc.log.Warn("check failed", logx.String("task", id), logx.Err(res.Err))
		}
	}()
	return true
}

func (sc *Scheduler) finish(id string) {
	sc.mu.Lock()
	cancel := sc.inflight[id]
	delete(sc.inflight, id)
	sc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelTask aborts any in-flight check for the id. Called on removal so
// the pipeline never touches freed task state.
func (sc *Scheduler) CancelTask(id string) {
	sc.mu.Lock()
	cancel := sc.inflight[id]
	sc.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunNow executes one check synchronously, honoring the same single-flight
// and concurrency rules as scheduled checks.
func (sc *Scheduler) RunNow(ctx context.Context, id string) (CheckResult, error) {
	sc.mu.Lock()
	if _, busy := sc.inflight[id]; busy {
		sc.mu.Unlock()
		return CheckResult{}, ErrBusy
	}
	cctx, cancel := context.WithCancel(ctx)
	sc.inflight[id] = cancel
	sc.mu.Unlock()
	defer sc.finish(id)

	select {
	case sc.sem <- struct{}{}:
	case <-cctx.Done():
		return CheckResult{}, cctx.Err()
	}
	defer func() { <-sc.sem }()

	return sc.svc.runPipeline(cctx, id), nil
}
