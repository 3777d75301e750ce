package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupReminder(e *testEnv, daysAhead int) *reminder {
	e.svc.opt.ReminderDaysAhead = daysAhead
	e.svc.opt.ReminderLocation = time.UTC
	return &reminder{svc: e.svc, log: e.svc.log}
}

func TestReminderSweepWithinWindow(t *testing.T) {
	e := newTestEnv(t)
	task := e.addTask(t, KindList, time.Minute)
	r := setupReminder(e, 3)

	// Clock: 2026-08-24. Deadline in 2 days — remind.
	e.svc.addNotice(Notice{ID: "n1", TaskID: task.ID, Title: "Enrollment", URL: "https://e.com/n1", EndDate: "2026-08-26", FirstSeen: e.clock.now()})
	// Deadline far out — quiet.
	e.svc.addNotice(Notice{ID: "n2", TaskID: task.ID, Title: "Later", URL: "https://e.com/n2", EndDate: "2026-09-20", FirstSeen: e.clock.now()})
	// Already past — quiet.
	e.svc.addNotice(Notice{ID: "n3", TaskID: task.ID, Title: "Gone", URL: "https://e.com/n3", EndDate: "2026-08-20", FirstSeen: e.clock.now()})

	r.sweep(context.Background())
	msgs := e.adapter.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "Enrollment")
	require.Contains(t, msgs[0], "2 days")
}

func TestReminderOncePerDay(t *testing.T) {
	e := newTestEnv(t)
	task := e.addTask(t, KindList, time.Minute)
	r := setupReminder(e, 3)

	e.svc.addNotice(Notice{ID: "n1", TaskID: task.ID, Title: "Enrollment", URL: "https://e.com/n1", EndDate: "2026-08-25", FirstSeen: e.clock.now()})

	r.sweep(context.Background())
	r.sweep(context.Background())
	require.Len(t, e.adapter.messages(), 1, "same day never reminds twice")

	// Next day: reminds again (deadline is tomorrow, then today).
	e.clock.advance(24 * time.Hour)
	r.sweep(context.Background())
	msgs := e.adapter.messages()
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[1], "TODAY")
}

func TestReminderSkipsOrphanedNotices(t *testing.T) {
	e := newTestEnv(t)
	r := setupReminder(e, 3)
	e.svc.addNotice(Notice{ID: "n1", TaskID: "removed-task", Title: "X", EndDate: "2026-08-25", FirstSeen: e.clock.now()})

	r.sweep(context.Background())
	require.Empty(t, e.adapter.messages())
}

func TestParseClassificationLenient(t *testing.T) {
	cls, err := parseClassification("```json\n{\"is_registration\": true, \"start_date\": \"2026-09-01\", \"end_date\": \"2026-09-15\"}\n```")
	require.NoError(t, err)
	require.True(t, cls.IsRegistration)
	require.Equal(t, "2026-09-15", cls.EndDate)

	cls, err = parseClassification(`Sure! {"is_registration": false, "start_date": "", "end_date": ""}`)
	require.NoError(t, err)
	require.False(t, cls.IsRegistration)

	_, err = parseClassification("no json here")
	require.Error(t, err)
}
