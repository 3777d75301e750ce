package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xjedubot/internal/eventbus"
	"xjedubot/internal/storage"
	kit "xjedubot/internal/transport"
	logx "xjedubot/pkg/logx"
)

// ---- test doubles ----

type fakeFetcher struct {
	mu    sync.Mutex
	body  []byte
	err   error
	calls int
}

func (f *fakeFetcher) set(body []byte, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = body
	f.err = err
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// blockingFetcher parks every Fetch until release is closed.
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (f *blockingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.entered <- struct{}{}
	select {
	case <-f.release:
		return []byte(pageA), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }
func (a *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}
func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	copy(out, a.sent)
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	svc     *Service
	fetch   *fakeFetcher
	adapter *fakeAdapter
	clock   *fakeClock
	store   storage.Store
	path    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	return newTestEnvAt(t, path)
}

func newTestEnvAt(t *testing.T, path string) *testEnv {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	adapter := &fakeAdapter{}
	fetch := &fakeFetcher{}
	clock := &fakeClock{t: time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)}

	svc := New(Options{
		TickInterval:  time.Second,
		MaxConcurrent: 4,
		MinInterval:   time.Minute,
	}, st, adapter, logx.Nop())
	svc.fetch = fetch
	svc.nowFn = clock.now
	svc.sched.nowFn = clock.now
	require.NoError(t, svc.Load(context.Background()))

	return &testEnv{svc: svc, fetch: fetch, adapter: adapter, clock: clock, store: st, path: path}
}

func (e *testEnv) addTask(t *testing.T, kind Kind, interval time.Duration) Task {
	t.Helper()
	task, err := e.svc.Add(context.Background(), "https://school.example.com/news/", interval, kind, kit.ChatTarget{ChatID: 100})
	require.NoError(t, err)
	return task
}

// ---- registration boundary ----

func TestAddRejectsIntervalBelowMinimum(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.Add(ctx, "https://e.com", 30*time.Second, KindPage, kit.ChatTarget{ChatID: 1})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "interval", cfgErr.Field)
	require.Empty(t, e.svc.List(), "rejected task must never enter the registry")

	_, err = e.svc.Add(ctx, "https://e.com", 60*time.Second, KindPage, kit.ChatTarget{ChatID: 1})
	require.NoError(t, err)
	require.Len(t, e.svc.List(), 1)
}

func TestAddRejectsBadURL(t *testing.T) {
	e := newTestEnv(t)
	for _, bad := range []string{"ftp://e.com/x", "not a url", "", "file:///etc/passwd"} {
		_, err := e.svc.Add(context.Background(), bad, time.Minute, KindPage, kit.ChatTarget{ChatID: 1})
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr, "url %q", bad)
	}
}

// ---- end-to-end page pipeline ----

func TestEndToEndPagePipeline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	task := e.addTask(t, KindPage, 300*time.Second)

	// t=0: baseline — fingerprint stored, no notification.
	e.fetch.set([]byte(pageA), nil)
	res, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StateBaseline, res.State)
	require.Empty(t, e.adapter.messages())

	got, _ := e.svc.Get(task.ID)
	f0 := got.LastFingerprint
	require.NotEmpty(t, f0)

	// t=300: same content — unchanged, still quiet.
	e.clock.advance(300 * time.Second)
	res, err = e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StateUnchanged, res.State)
	require.Empty(t, e.adapter.messages())

	// t=600: new content — changed, exactly one notification.
	e.clock.advance(300 * time.Second)
	e.fetch.set([]byte(pageB), nil)
	res, err = e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StateChanged, res.State)
	require.Contains(t, res.Summary, "Deadline extended")
	require.Len(t, e.adapter.messages(), 1)

	got, _ = e.svc.Get(task.ID)
	f1 := got.LastFingerprint
	require.NotEqual(t, f0, f1)

	// t=900: fetch times out — failure recorded, fingerprint untouched.
	e.clock.advance(300 * time.Second)
	e.fetch.set(nil, &TimeoutError{URL: task.URL, Err: context.DeadlineExceeded})
	res, err = e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	var toErr *TimeoutError
	require.ErrorAs(t, res.Err, &toErr)
	require.Len(t, e.adapter.messages(), 1, "failures never notify")

	got, _ = e.svc.Get(task.ID)
	require.Equal(t, 1, got.FailureCount)
	require.Equal(t, f1, got.LastFingerprint)
}

func TestFailuresAccumulateUntilDegraded(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	task := e.addTask(t, KindPage, time.Minute)

	e.fetch.set(nil, &NetworkError{URL: task.URL, Err: errors.New("refused")})
	for i := 0; i < DegradedThreshold; i++ {
		_, err := e.svc.CheckNow(ctx, task.ID)
		require.NoError(t, err)
	}
	got, _ := e.svc.Get(task.ID)
	require.True(t, got.Degraded())
	require.True(t, got.Enabled, "degraded tasks stay scheduled")

	// A success resets the streak.
	e.fetch.set([]byte(pageA), nil)
	_, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	got, _ = e.svc.Get(task.ID)
	require.Zero(t, got.FailureCount)
}

// ---- list pipeline, dedup across restart ----

const listPageV2 = `<html><body>
<ul class="list">
  <li><a href="/notice/0.html">Brand new notice</a><span>2026-08-24</span></li>
  <li><a href="/notice/1.html">First notice</a><span>2026-08-01</span></li>
  <li><a href="/notice/2.html">Second notice</a><span>2026-08-02</span></li>
  <li><a href="https://other.example.com/n/3">Third notice</a><span>2026-08-03</span></li>
</ul>
</body></html>`

func TestListPipelineBaselineThenNewItem(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	task := e.addTask(t, KindList, time.Minute)

	// Baseline: items seeded into dedup, nothing sent.
	e.fetch.set([]byte(listPage), nil)
	res, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StateBaseline, res.State)
	require.Empty(t, e.adapter.messages())

	// One new item on top — exactly one notification, for that item.
	e.fetch.set([]byte(listPageV2), nil)
	res, err = e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StateChanged, res.State)
	require.Len(t, res.NewItems, 1)
	require.Equal(t, "https://school.example.com/notice/0.html", res.NewItems[0].ID)

	msgs := e.adapter.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "Brand new notice")

	// Same content again: quiet.
	res, err = e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, res.NewItems)
	require.Len(t, e.adapter.messages(), 1)
}

func TestDedupSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	e1 := newTestEnvAt(t, path)
	task := e1.addTask(t, KindList, time.Minute)
	e1.fetch.set([]byte(listPage), nil)
	_, err := e1.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, e1.store.Close())

	// New process, same store: known items must stay silent.
	e2 := newTestEnvAt(t, path)
	require.Len(t, e2.svc.List(), 1, "tasks reload from the snapshot")
	reloaded := e2.svc.List()[0]
	require.Equal(t, task.ID, reloaded.ID)

	e2.fetch.set([]byte(listPage), nil)
	res, err := e2.svc.CheckNow(ctx, reloaded.ID)
	require.NoError(t, err)
	require.Empty(t, res.NewItems)
	require.Empty(t, e2.adapter.messages())
}

func TestResetDedupForgetsEverything(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	task := e.addTask(t, KindList, time.Minute)

	e.fetch.set([]byte(listPage), nil)
	_, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Positive(t, e.svc.dedup.Len())

	require.NoError(t, e.svc.ResetDedup(ctx))
	require.Zero(t, e.svc.dedup.Len())
	require.Empty(t, e.svc.Notices())
}

// ---- persistence discipline ----

type failingStore struct {
	storage.Store
	fail bool
}

func (f *failingStore) Put(ctx context.Context, key string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, key, value)
}

func TestAddRollsBackOnPersistFailure(t *testing.T) {
	e := newTestEnv(t)
	fs := &failingStore{Store: e.store, fail: true}
	e.svc.store = fs

	_, err := e.svc.Add(context.Background(), "https://e.com", time.Minute, KindPage, kit.ChatTarget{ChatID: 1})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Empty(t, e.svc.List(), "uncommitted task must not linger in memory")

	fs.fail = false
	_, err = e.svc.Add(context.Background(), "https://e.com", time.Minute, KindPage, kit.ChatTarget{ChatID: 1})
	require.NoError(t, err)
	require.Len(t, e.svc.List(), 1)
}

// ---- single-flight & scheduling ----

func TestSingleFlightPerTask(t *testing.T) {
	e := newTestEnv(t)
	task := e.addTask(t, KindPage, time.Minute)

	bf := &blockingFetcher{entered: make(chan struct{}, 2), release: make(chan struct{})}
	e.svc.fetch = bf

	ctx := context.Background()
	require.True(t, e.svc.sched.start(ctx, task.ID))
	<-bf.entered // first pipeline is inside Fetch now

	// Second due-tick for the same id: skipped, not queued.
	require.False(t, e.svc.sched.start(ctx, task.ID))

	// CheckNow during an in-flight run reports busy.
	_, err := e.svc.CheckNow(ctx, task.ID)
	require.ErrorIs(t, err, ErrBusy)

	close(bf.release)
	require.Eventually(t, func() bool {
		e.svc.sched.mu.Lock()
		defer e.svc.sched.mu.Unlock()
		return len(e.svc.sched.inflight) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, bf.calls)
}

func TestRemoveCancelsInFlightCheck(t *testing.T) {
	e := newTestEnv(t)
	task := e.addTask(t, KindPage, time.Minute)

	bf := &blockingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e.svc.fetch = bf

	require.True(t, e.svc.sched.start(context.Background(), task.ID))
	<-bf.entered

	require.NoError(t, e.svc.Remove(context.Background(), task.ID))
	require.Eventually(t, func() bool {
		e.svc.sched.mu.Lock()
		defer e.svc.sched.mu.Unlock()
		return len(e.svc.sched.inflight) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := e.svc.Get(task.ID)
	require.False(t, ok)
}

func TestDispatchDueRespectsSchedule(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	task := e.addTask(t, KindPage, 300*time.Second)

	e.fetch.set([]byte(pageA), nil)
	_, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)

	// Not yet due: dispatch must not start anything.
	e.clock.advance(100 * time.Second)
	e.svc.sched.dispatchDue(ctx)
	e.svc.sched.mu.Lock()
	inflight := len(e.svc.sched.inflight)
	e.svc.sched.mu.Unlock()
	require.Zero(t, inflight)

	// Past due: one check starts.
	e.clock.advance(250 * time.Second)
	e.svc.sched.dispatchDue(ctx)
	require.Eventually(t, func() bool {
		got, _ := e.svc.Get(task.ID)
		return got.LastCheck.Equal(e.clock.now())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisabledTasksAreNotScheduled(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	task := e.addTask(t, KindPage, time.Minute)
	require.NoError(t, e.svc.SetEnabled(ctx, task.ID, false))

	e.fetch.set([]byte(pageA), nil)
	e.svc.sched.dispatchDue(ctx)
	time.Sleep(50 * time.Millisecond)

	got, _ := e.svc.Get(task.ID)
	require.True(t, got.LastCheck.IsZero())
}

func TestRemoveUnknownTask(t *testing.T) {
	e := newTestEnv(t)
	require.ErrorIs(t, e.svc.Remove(context.Background(), "nope"), ErrNotFound)
	_, err := e.svc.CheckNow(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckNowDisabledTask(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	task := e.addTask(t, KindPage, time.Minute)
	require.NoError(t, e.svc.SetEnabled(ctx, task.ID, false))

	e.fetch.set([]byte(pageA), nil)
	_, err := e.svc.CheckNow(ctx, task.ID)
	require.ErrorIs(t, err, ErrDisabled)
	require.Zero(t, e.fetch.count(), "a paused task must not be fetched")

	// Re-enabled, the same call does a real baseline check.
	require.NoError(t, e.svc.SetEnabled(ctx, task.ID, true))
	res, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StateBaseline, res.State)
}

func TestPipelineEventsPublished(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	events, stop := e.svc.Events().Subscribe(32)
	defer stop()

	task := e.addTask(t, KindPage, time.Minute)

	e.fetch.set([]byte(pageA), nil)
	_, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)

	e.fetch.set([]byte(pageB), nil)
	_, err = e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)

	e.fetch.set(nil, &TimeoutError{URL: task.URL, Err: context.DeadlineExceeded})
	res, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Error(t, res.Err)

	require.Equal(t, []string{
		EventCheckStarted, EventCheckCompleted,
		EventCheckStarted, EventCheckCompleted, EventNotifySent,
		EventCheckStarted, EventCheckFailed,
	}, drainEventTypes(events))
}

func drainEventTypes(ch <-chan eventbus.Event) []string {
	var out []string
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

type recordingClassifier struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	result Classification
}

func (c *recordingClassifier) Classify(ctx context.Context, title, body string) (Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	c.bodies = append(c.bodies, body)
	return c.result, nil
}

func TestClassifierReceivesItemBody(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	cls := &recordingClassifier{result: Classification{
		IsRegistration: true, StartDate: "2026-08-25", EndDate: "2026-09-01",
	}}
	e.svc.classifier = cls

	task := e.addTask(t, KindList, time.Minute)
	e.fetch.set([]byte(listPage), nil)
	_, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, cls.titles, "baseline items are not classified")

	e.fetch.set([]byte(listPageV2), nil)
	res, err := e.svc.CheckNow(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, res.NewItems, 1)

	require.Equal(t, []string{"Brand new notice"}, cls.titles)
	require.Len(t, cls.bodies, 1)
	require.Contains(t, cls.bodies[0], "Brand new notice",
		"body is the fetched page text, not the listing's date column")
	require.NotEqual(t, res.NewItems[0].Date, cls.bodies[0])

	notices := e.svc.Notices()
	require.Len(t, notices, 1)
	require.Equal(t, "2026-09-01", notices[0].EndDate)
}
