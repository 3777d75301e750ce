// Package monitor implements the watch pipeline: schedule, fetch, detect
// changes by content fingerprint, dedup list items, notify, persist.
package monitor

import (
	"time"

	kit "xjedubot/internal/transport"
)

type Kind string

const (
	// KindPage fingerprints the whole page and notifies on any change.
	KindPage Kind = "page"
	// KindList enumerates discrete notice items and notifies once per
	// genuinely new item.
	KindList Kind = "list"
)

// DegradedThreshold is the consecutive-failure count at which a task is
// reported as degraded. Degraded tasks stay scheduled.
const DegradedThreshold = 5

type Task struct {
	ID       string        `json:"id"`
	URL      string        `json:"url"`
	Kind     Kind          `json:"kind"`
	Interval time.Duration `json:"interval"`
	Enabled  bool          `json:"enabled"`

	Destination kit.ChatTarget `json:"destination"`

	// LastFingerprint is empty until the first successful fetch; it is
	// only ever replaced after a successful fetch.
	LastFingerprint string `json:"last_fingerprint,omitempty"`
	// LastExcerpt is the normalized-text excerpt behind LastFingerprint,
	// kept so change summaries can show what moved.
	LastExcerpt string `json:"last_excerpt,omitempty"`

	LastCheck    time.Time `json:"last_check,omitempty"`
	FailureCount int       `json:"failure_count,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (t *Task) Degraded() bool { return t.FailureCount >= DegradedThreshold }

// NextDue is when the task becomes eligible for a check. A never-checked
// task is due immediately.
func (t *Task) NextDue() time.Time {
	if t.LastCheck.IsZero() {
		return time.Time{}
	}
	return t.LastCheck.Add(t.Interval)
}

// Item is one discrete entry of a list-style resource, in listing order.
type Item struct {
	ID    string // absolute URL, used as the dedup identity
	Title string
	URL   string
	Date  string // as printed on the page, not parsed
}

type DetectState int

const (
	StateBaseline DetectState = iota
	StateUnchanged
	StateChanged
)

func (s DetectState) String() string {
	switch s {
	case StateBaseline:
		return "baseline"
	case StateUnchanged:
		return "unchanged"
	case StateChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// CheckResult reports one pipeline run for a task.
type CheckResult struct {
	TaskID   string
	State    DetectState
	NewItems []Item // list tasks only
	Summary  string // page tasks, on change
	Err      error
}

// Notice is a classified registration announcement kept for daily
// deadline reminders. Dates are "2006-01-02" strings as extracted.
type Notice struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	StartDate  string    `json:"start_date,omitempty"`
	EndDate    string    `json:"end_date,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastRemind string    `json:"last_remind,omitempty"` // "2006-01-02", one reminder per day
}
