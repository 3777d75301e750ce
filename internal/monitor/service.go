package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"xjedubot/internal/config"
	"xjedubot/internal/eventbus"
	rtsup "xjedubot/internal/runtime/supervisor"
	"xjedubot/internal/storage"
	kit "xjedubot/internal/transport"
	logx "xjedubot/pkg/logx"
)

var (
	ErrNotFound = errors.New("monitor: task not found")
	ErrDisabled = errors.New("monitor: task is disabled")
)

const defaultMinInterval = time.Minute

type Options struct {
	TickInterval   time.Duration
	MaxConcurrent  int
	MinInterval    time.Duration
	ListSelector   string
	StripSelectors []string

	Fetch FetchOptions

	RenderEnabled bool
	RenderTimeout time.Duration

	ClassifierEnabled bool
	Classifier        ClassifierOptions

	ReminderEnabled   bool
	ReminderCron      string
	ReminderDaysAhead int
	ReminderLocation  *time.Location
}

// OptionsFromConfig resolves the raw config section into runtime options.
// Validation of the raw values happens in config.Validate; here we only
// parse and default.
func OptionsFromConfig(mc config.MonitorConfig) (Options, error) {
	opt := Options{
		MaxConcurrent:     mc.MaxConcurrent,
		ListSelector:      mc.ListSelector,
		StripSelectors:    mc.StripSelectors,
		RenderEnabled:     mc.Render.Enabled,
		ClassifierEnabled: mc.Classifier.Enabled,
		ReminderEnabled:   mc.Reminder.Enabled,
		ReminderCron:      mc.Reminder.Cron,
		ReminderDaysAhead: mc.Reminder.DaysAhead,
	}

	var err error
	if opt.TickInterval, err = config.ParseDurationOrDefault("monitor.tick_interval", mc.TickInterval, defaultTick); err != nil {
		return Options{}, err
	}
	if opt.MinInterval, err = config.ParseDurationOrDefault("monitor.min_interval", mc.MinInterval, defaultMinInterval); err != nil {
		return Options{}, err
	}
	if opt.MinInterval < defaultMinInterval {
		opt.MinInterval = defaultMinInterval
	}
	if opt.Fetch.Timeout, err = config.ParseDurationOrDefault("monitor.fetch.timeout", mc.Fetch.Timeout, defaultFetchTimeout); err != nil {
		return Options{}, err
	}
	if opt.Fetch.RetryBase, err = config.ParseDurationOrDefault("monitor.fetch.retry_base", mc.Fetch.RetryBase, defaultRetryBase); err != nil {
		return Options{}, err
	}
	if opt.Fetch.RetryMaxDelay, err = config.ParseDurationOrDefault("monitor.fetch.retry_max_delay", mc.Fetch.RetryMaxDelay, 30*time.Second); err != nil {
		return Options{}, err
	}
	opt.Fetch.RetryMax = mc.Fetch.RetryMax
	if opt.Fetch.RetryMax <= 0 {
		opt.Fetch.RetryMax = defaultRetryMax
	}
	opt.Fetch.UserAgent = mc.Fetch.UserAgent
	opt.Fetch.MaxBodySize = mc.Fetch.MaxBodySize
	opt.Fetch.RatePerSec = mc.Fetch.RatePerSec

	if opt.RenderTimeout, err = config.ParseDurationOrDefault("monitor.render.timeout", mc.Render.Timeout, 45*time.Second); err != nil {
		return Options{}, err
	}

	opt.Classifier = ClassifierOptions{
		APIKey:  mc.Classifier.APIKey,
		BaseURL: mc.Classifier.BaseURL,
		Model:   mc.Classifier.Model,
	}
	if opt.Classifier.Timeout, err = config.ParseDurationOrDefault("monitor.classifier.timeout", mc.Classifier.Timeout, 30*time.Second); err != nil {
		return Options{}, err
	}

	if opt.ReminderDaysAhead <= 0 {
		opt.ReminderDaysAhead = 3
	}
	opt.ReminderLocation = time.Local
	if tz := strings.TrimSpace(mc.Reminder.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Options{}, fmt.Errorf("monitor.reminder.timezone: %w", err)
		}
		opt.ReminderLocation = loc
	}
	return opt, nil
}

// rawFetcher is what the pipeline needs from the network layer.
type rawFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Service owns the task registry, dedup store and notice knowledge base,
// and exposes the operations the command layer calls. All collaborator
// capabilities (render fallback, classifier) are resolved at construction.
type Service struct {
	log logx.Logger
	opt Options

	store    storage.Store
	registry *Registry
	dedup    *Dedup
	detector *Detector
	notifier *Notifier
	bus      *eventbus.Bus

	fetch      rawFetcher
	renderer   RenderedFetcher  // nil when disabled
	classifier NoticeClassifier // nil when disabled

	noticesMu sync.Mutex
	notices   []Notice

	// persistMu serializes snapshot commits so concurrent pipelines can
	// never interleave partial writes.
	persistMu sync.Mutex

	sched    *Scheduler
	reminder *reminder
	sup      *rtsup.Supervisor

	nowFn func() time.Time
}

func New(opt Options, store storage.Store, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := eventbus.New()
	s := &Service{
		log:      log,
		opt:      opt,
		store:    store,
		registry: NewRegistry(),
		dedup:    NewDedup(),
		detector: NewDetector(opt.ListSelector, opt.StripSelectors),
		notifier: NewNotifier(adapter, bus, log.With(logx.String("comp", "notifier"))),
		bus:      bus,
		fetch:    NewFetcher(opt.Fetch, log.With(logx.String("comp", "fetcher"))),
		nowFn:    time.Now,
	}
	if opt.RenderEnabled {
		s.renderer = NewRenderer(opt.RenderTimeout, log.With(logx.String("comp", "renderer")))
	}
	if opt.ClassifierEnabled {
		s.classifier = NewClassifier(opt.Classifier, log.With(logx.String("comp", "classifier")))
	}
	s.sched = newScheduler(s, opt.TickInterval, opt.MaxConcurrent, log.With(logx.String("comp", "scheduler")))
	if opt.ReminderEnabled {
		s.reminder = newReminder(s, log.With(logx.String("comp", "reminder")))
	}
	return s
}

// Load restores the snapshot. Must complete before Start so no check runs
// against partially-initialized state.
func (s *Service) Load(ctx context.Context) error {
	snap, err := loadSnapshot(ctx, s.store)
	if err != nil {
		return err
	}
	s.registry.restore(snap.Tasks)
	s.dedup.restore(snap.Dedup)
	s.noticesMu.Lock()
	s.notices = snap.Notices
	s.noticesMu.Unlock()
	s.log.Info("state loaded",
		logx.Int("tasks", s.registry.Len()),
		logx.Int("seen_items", s.dedup.Len()),
		logx.Int("notices", len(snap.Notices)))
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.Go0("monitor.scheduler", s.sched.Run)
	if s.reminder != nil {
		s.reminder.start()
	}
	s.log.Info("monitor started",
		logx.Duration("tick", s.opt.TickInterval),
		logx.Int("max_concurrent", s.opt.MaxConcurrent),
		logx.Bool("render", s.renderer != nil),
		logx.Bool("classifier", s.classifier != nil),
		logx.Bool("reminder", s.reminder != nil))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.reminder != nil {
		s.reminder.stop()
	}
	if s.sup != nil {
		if err := s.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// persist commits the whole state as one atomic snapshot. A failure means
// the change is not durable; the caller decides whether to roll back.
func (s *Service) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.noticesMu.Lock()
	notices := make([]Notice, len(s.notices))
	copy(notices, s.notices)
	s.noticesMu.Unlock()

	snap := &snapshot{
		Version: 1,
		Tasks:   s.registry.export(),
		Dedup:   s.dedup.export(),
		Notices: notices,
	}
	if err := saveSnapshot(ctx, s.store, snap); err != nil {
		s.log.Error("snapshot commit failed", logx.Err(err))
		return err
	}
	return nil
}

// ---- Operations exposed to the command layer ----

func (s *Service) Add(ctx context.Context, rawURL string, interval time.Duration, kind Kind, dest kit.ChatTarget) (Task, error) {
	if interval < s.opt.MinInterval {
		return Task{}, &ConfigError{
			Field:  "interval",
			Reason: fmt.Sprintf("%s is below the minimum %s", interval, s.opt.MinInterval),
		}
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Task{}, &ConfigError{Field: "url", Reason: fmt.Sprintf("%q is not an http(s) URL", rawURL)}
	}
	switch kind {
	case "":
		kind = KindPage
	case KindPage, KindList:
	default:
		return Task{}, &ConfigError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if dest.ChatID == 0 {
		return Task{}, &ConfigError{Field: "destination", Reason: "chat id is required"}
	}

	task := Task{
		ID:          newTaskID(),
		URL:         u.String(),
		Kind:        kind,
		Interval:    interval,
		Enabled:     true,
		Destination: dest,
		CreatedAt:   s.nowFn(),
	}
	if err := s.registry.Add(&task); err != nil {
		return Task{}, err
	}
	if err := s.persist(ctx); err != nil {
		// Not committed; the task must not survive in memory either.
		s.registry.Remove(task.ID)
		return Task{}, err
	}
	s.log.Info("task added", logx.String("task", task.ID), logx.String("url", task.URL),
		logx.String("kind", string(task.Kind)), logx.Duration("interval", task.Interval))
	return task, nil
}

func (s *Service) Remove(ctx context.Context, id string) error {
	s.sched.CancelTask(id)
	if !s.registry.Remove(id) {
		return ErrNotFound
	}
	if err := s.persist(ctx); err != nil {
		return err
	}
	s.log.Info("task removed", logx.String("task", id))
	return nil
}

func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if !s.registry.Update(id, func(t *Task) { t.Enabled = enabled }) {
		return ErrNotFound
	}
	return s.persist(ctx)
}

func (s *Service) List() []Task { return s.registry.List() }

func (s *Service) Get(id string) (Task, bool) { return s.registry.Get(id) }

// CheckNow runs the pipeline for one task immediately, regardless of its
// schedule. Returns ErrBusy when a check is already in flight and
// ErrDisabled for tasks that are paused.
func (s *Service) CheckNow(ctx context.Context, id string) (CheckResult, error) {
	task, ok := s.registry.Get(id)
	if !ok {
		return CheckResult{}, ErrNotFound
	}
	if !task.Enabled {
		return CheckResult{}, ErrDisabled
	}
	return s.sched.RunNow(ctx, id)
}

// ResetDedup clears the seen-item set and the notice knowledge base.
func (s *Service) ResetDedup(ctx context.Context) error {
	s.dedup.Reset()
	s.noticesMu.Lock()
	s.notices = nil
	s.noticesMu.Unlock()
	if err := s.persist(ctx); err != nil {
		return err
	}
	s.log.Info("dedup reset")
	return nil
}

// Events exposes the operational event bus for observers.
func (s *Service) Events() *eventbus.Bus { return s.bus }

// Notices returns a copy of the notice knowledge base.
func (s *Service) Notices() []Notice {
	s.noticesMu.Lock()
	defer s.noticesMu.Unlock()
	out := make([]Notice, len(s.notices))
	copy(out, s.notices)
	return out
}

// ---- Pipeline ----

func (s *Service) runPipeline(ctx context.Context, id string) CheckResult {
	task, ok := s.registry.Get(id)
	if !ok {
		return CheckResult{TaskID: id, Err: ErrNotFound}
	}
	if !task.Enabled {
		// Disabled between dispatch and run; never a silent success.
		return CheckResult{TaskID: id, Err: ErrDisabled}
	}
	s.bus.Publish(eventbus.Event{Type: EventCheckStarted, Data: CheckEvent{TaskID: id}})

	content, err := s.fetchContent(ctx, task.URL)
	now := s.nowFn()
	if err != nil {
		return s.recordFailure(ctx, id, now, err)
	}

	switch task.Kind {
	case KindList:
		return s.runListCheck(ctx, task, content, now)
	default:
		return s.runPageCheck(ctx, task, content, now)
	}
}

// fetchContent tries the raw fetch and falls back to a rendered fetch
// when the target blocks plain clients.
func (s *Service) fetchContent(ctx context.Context, url string) ([]byte, error) {
	content, err := s.fetch.Fetch(ctx, url)
	if err == nil {
		return content, nil
	}
	var blocked *BlockedError
	if errors.As(err, &blocked) && s.renderer != nil {
		s.log.Info("blocked; trying rendered fetch",
			logx.String("url", url), logx.String("marker", blocked.Marker))
		return s.renderer.FetchRendered(ctx, url)
	}
	return nil, err
}

func (s *Service) recordFailure(ctx context.Context, id string, now time.Time, cause error) CheckResult {
	var failures int
	s.registry.Update(id, func(t *Task) {
		t.LastCheck = now
		t.FailureCount++
		failures = t.FailureCount
	})
	if err := s.persist(ctx); err != nil {
		return CheckResult{TaskID: id, Err: err}
	}
	s.bus.Publish(eventbus.Event{Type: EventCheckFailed,
		Data: CheckEvent{TaskID: id, Failures: failures, Error: cause.Error()}})
	if failures == DegradedThreshold {
		s.log.Warn("task degraded",
			logx.String("task", id), logx.Int("consecutive_failures", failures), logx.Err(cause))
		s.bus.Publish(eventbus.Event{Type: EventTaskDegraded,
			Data: CheckEvent{TaskID: id, Failures: failures, Error: cause.Error()}})
	}
	return CheckResult{TaskID: id, Err: cause}
}

func (s *Service) runPageCheck(ctx context.Context, task Task, content []byte, now time.Time) CheckResult {
	det, err := s.detector.Detect(&task, content)
	if err != nil {
		return s.recordFailure(ctx, task.ID, now, err)
	}

	s.registry.Update(task.ID, func(t *Task) {
		t.LastCheck = now
		t.FailureCount = 0
		t.LastFingerprint = det.Fingerprint
		t.LastExcerpt = det.Excerpt
	})
	if err := s.persist(ctx); err != nil {
		return CheckResult{TaskID: task.ID, Err: err}
	}

	res := CheckResult{TaskID: task.ID, State: det.State, Summary: det.Summary}
	s.bus.Publish(eventbus.Event{Type: EventCheckCompleted,
		Data: CheckEvent{TaskID: task.ID, State: det.State}})
	if det.State == StateChanged {
		// State is committed first; a notify failure is reported, never
		// re-queued (at-most-once).
		if err := s.notifier.PageChanged(ctx, task, det.Summary); err != nil {
			s.log.Warn("notify failed", logx.String("task", task.ID), logx.Err(err))
		}
	}
	return res
}

func (s *Service) runListCheck(ctx context.Context, task Task, content []byte, now time.Time) CheckResult {
	items, err := s.detector.ExtractItems(task.URL, content)
	if err != nil {
		return s.recordFailure(ctx, task.ID, now, err)
	}

	ids := make([]string, len(items))
	byID := make(map[string]Item, len(items))
	for i, it := range items {
		ids[i] = it.ID
		byID[it.ID] = it
	}
	freshIDs := s.dedup.SeenBatch(ids)

	// First successful fetch seeds the seen set without notifying.
	baseline := task.LastFingerprint == ""

	type pending struct {
		item Item
		cls  *Classification
	}
	var toNotify []pending
	for _, fid := range freshIDs {
		item := byID[fid]
		s.dedup.Mark(fid, now)
		if baseline {
			continue
		}
		var cls *Classification
		if s.classifier != nil {
			c, err := s.classifier.Classify(ctx, item.Title, s.itemBody(ctx, item.URL))
			if err != nil {
				s.log.Warn("classify failed", logx.String("item", item.URL), logx.Err(err))
			} else {
				cls = &c
				if c.IsRegistration && c.EndDate != "" {
					s.addNotice(Notice{
						ID: item.ID, TaskID: task.ID, Title: item.Title, URL: item.URL,
						StartDate: c.StartDate, EndDate: c.EndDate, FirstSeen: now,
					})
				}
			}
		}
		toNotify = append(toNotify, pending{item: item, cls: cls})
	}

	s.registry.Update(task.ID, func(t *Task) {
		t.LastCheck = now
		t.FailureCount = 0
		// The fingerprint marks the list as baselined; it also lets
		// operators see at a glance whether the listing moved.
		t.LastFingerprint = Fingerprint(strings.Join(ids, "\n"))
	})
	if err := s.persist(ctx); err != nil {
		return CheckResult{TaskID: task.ID, Err: err}
	}

	state := StateUnchanged
	if baseline {
		state = StateBaseline
	} else if len(toNotify) > 0 {
		state = StateChanged
	}
	res := CheckResult{TaskID: task.ID, State: state}
	s.bus.Publish(eventbus.Event{Type: EventCheckCompleted,
		Data: CheckEvent{TaskID: task.ID, State: state}})
	for _, p := range toNotify {
		res.NewItems = append(res.NewItems, p.item)
		if err := s.notifier.NewItem(ctx, task, p.item, p.cls); err != nil {
			s.log.Warn("notify failed", logx.String("task", task.ID),
				logx.String("item", p.item.URL), logx.Err(err))
		}
	}
	return res
}

// itemBody fetches the linked notice page and reduces it to plain text
// for the classifier. Any failure degrades to title-only classification;
// a notice must never be lost because its detail page was unreachable.
func (s *Service) itemBody(ctx context.Context, itemURL string) string {
	content, err := s.fetchContent(ctx, itemURL)
	if err != nil {
		s.log.Debug("item body fetch failed", logx.String("url", itemURL), logx.Err(err))
		return ""
	}
	text, err := s.detector.Normalize(itemURL, content)
	if err != nil {
		return ""
	}
	return text
}

func (s *Service) addNotice(n Notice) {
	s.noticesMu.Lock()
	defer s.noticesMu.Unlock()
	for _, existing := range s.notices {
		if existing.ID == n.ID {
			return
		}
	}
	s.notices = append(s.notices, n)
}
