package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"xjedubot/internal/eventbus"
	kit "xjedubot/internal/transport"
	logx "xjedubot/pkg/logx"
)

// Notifier delivers change events synchronously; failures come back to
// the pipeline so it can report them, and never roll back committed
// fingerprint or dedup state. Every delivery attempt is mirrored on the
// event bus.
type Notifier struct {
	adapter kit.Adapter
	bus     *eventbus.Bus
	log     logx.Logger
}

func NewNotifier(adapter kit.Adapter, bus *eventbus.Bus, log logx.Logger) *Notifier {
	if bus == nil {
		bus = eventbus.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{adapter: adapter, bus: bus, log: log}
}

func (n *Notifier) PageChanged(ctx context.Context, task Task, summary string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 Page changed\n%s\n", task.URL)
	if summary != "" {
		fmt.Fprintf(&b, "\n%s\n", summary)
	}
	fmt.Fprintf(&b, "\ntask %s · %s", task.ID, time.Now().Format("2006-01-02 15:04"))
	return n.send(ctx, task.Destination, b.String())
}

func (n *Notifier) NewItem(ctx context.Context, task Task, item Item, cls *Classification) error {
	var b strings.Builder
	fmt.Fprintf(&b, "📢 New notice\n%s\n%s", item.Title, item.URL)
	if item.Date != "" {
		fmt.Fprintf(&b, "\n%s", item.Date)
	}
	if cls != nil && cls.IsRegistration {
		b.WriteString("\n\n📝 Registration notice")
		if cls.StartDate != "" {
			fmt.Fprintf(&b, "\nStarts: %s", cls.StartDate)
		}
		if cls.EndDate != "" {
			fmt.Fprintf(&b, "\nDeadline: %s", cls.EndDate)
		}
	}
	return n.send(ctx, task.Destination, b.String())
}

func (n *Notifier) DeadlineReminder(ctx context.Context, dest kit.ChatTarget, notice Notice, daysLeft int) error {
	var b strings.Builder
	switch daysLeft {
	case 0:
		b.WriteString("⏰ Registration closes TODAY\n")
	case 1:
		b.WriteString("⏰ Registration closes tomorrow\n")
	default:
		fmt.Fprintf(&b, "⏰ Registration closes in %d days\n", daysLeft)
	}
	fmt.Fprintf(&b, "%s\n%s\nDeadline: %s", notice.Title, notice.URL, notice.EndDate)
	return n.send(ctx, dest, b.String())
}

func (n *Notifier) send(ctx context.Context, dest kit.ChatTarget, text string) error {
	if n.adapter == nil || dest.ChatID == 0 {
		return fmt.Errorf("notify: no destination")
	}
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := n.adapter.SendText(sctx, dest, text, &kit.SendOptions{DisablePreview: true})
	if err != nil {
		n.bus.Publish(eventbus.Event{Type: EventNotifyFailed,
			Data: NotifyEvent{ChatID: dest.ChatID, Error: err.Error()}})
		return err
	}
	n.bus.Publish(eventbus.Event{Type: EventNotifySent, Data: NotifyEvent{ChatID: dest.ChatID}})
	return nil
}
