package monitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "xjedubot/pkg/logx"
)

const (
	defaultReminderCron = "0 9 * * *"
	dateLayout          = "2006-01-02"
)

// reminder sweeps the notice knowledge base daily and pings destinations
// about registration deadlines that are about to close. LastRemind keeps
// it at one reminder per notice per day.
type reminder struct {
	svc  *Service
	cron *cron.Cron
	log  logx.Logger
}

func newReminder(svc *Service, log logx.Logger) *reminder {
	loc := svc.opt.ReminderLocation
	if loc == nil {
		loc = time.Local
	}
	r := &reminder{
		svc:  svc,
		cron: cron.New(cron.WithLocation(loc)),
		log:  log,
	}
	expr := svc.opt.ReminderCron
	if expr == "" {
		expr = defaultReminderCron
	}
	if _, err := r.cron.AddFunc(expr, func() {
		r.sweep(context.Background())
	}); err != nil {
		// Config validation rejects bad expressions before we get here.
		log.Error("reminder schedule rejected", logx.String("cron", expr), logx.Err(err))
	}
	return r
}

func (r *reminder) start() { r.cron.Start() }

func (r *reminder) stop() {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
	}
}

func (r *reminder) sweep(ctx context.Context) {
	now := r.svc.nowFn().In(r.svc.opt.ReminderLocation)
	today := now.Format(dateLayout)
	todayDate := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var reminded int
	for _, n := range r.svc.Notices() {
		if n.EndDate == "" || n.LastRemind == today {
			continue
		}
		end, err := time.ParseInLocation(dateLayout, n.EndDate, now.Location())
		if err != nil {
			continue
		}
		daysLeft := int(end.Sub(todayDate).Hours() / 24)
		if daysLeft < 0 || daysLeft > r.svc.opt.ReminderDaysAhead {
			continue
		}

		task, ok := r.svc.Get(n.TaskID)
		if !ok {
			continue
		}
		if err := r.svc.notifier.DeadlineReminder(ctx, task.Destination, n, daysLeft); err != nil {
			r.log.Warn("reminder delivery failed", logx.String("notice", n.ID), logx.Err(err))
			continue
		}
		r.svc.markReminded(n.ID, today)
		reminded++
	}

	if reminded > 0 {
		if err := r.svc.persist(ctx); err != nil {
			r.log.Error("reminder state commit failed", logx.Err(err))
		}
		r.log.Info("deadline reminders sent", logx.Int("count", reminded))
	}
}

func (s *Service) markReminded(noticeID, day string) {
	s.noticesMu.Lock()
	defer s.noticesMu.Unlock()
	for i := range s.notices {
		if s.notices[i].ID == noticeID {
			s.notices[i].LastRemind = day
			return
		}
	}
}
