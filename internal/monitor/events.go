package monitor

// Operational event types published on the service bus. Observers (the
// process log subscriber, tests) see the pipeline without being in it.
const (
	EventCheckStarted   = "check.started"
	EventCheckCompleted = "check.completed"
	EventCheckFailed    = "check.failed"
	EventTaskDegraded   = "task.degraded"
	EventNotifySent     = "notify.sent"
	EventNotifyFailed   = "notify.failed"
)

// CheckEvent is the payload of the check.* and task.degraded events.
type CheckEvent struct {
	TaskID   string
	State    DetectState
	Failures int
	Error    string
}

// NotifyEvent is the payload of the notify.* events.
type NotifyEvent struct {
	ChatID int64
	Error  string
}
