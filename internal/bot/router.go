// Package bot is the thin chat command layer over the monitor service.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"xjedubot/internal/monitor"
	rtsup "xjedubot/internal/runtime/supervisor"
	kit "xjedubot/internal/transport"
	logx "xjedubot/pkg/logx"
)

const helpText = `Watch commands:
/watch add <url> <interval> [page|list] — monitor a page or notice list
/watch list — show monitored tasks
/watch check <id> — check a task right now
/watch enable <id> | disable <id>
/watch remove <id>
/watch reset — forget all seen notices (will re-notify!)

Intervals accept Go durations ("5m", "1h") or bare seconds ("300").`

type Router struct {
	adapter kit.Adapter
	svc     *monitor.Service
	owners  map[int64]struct{}
	log     logx.Logger

	sup *rtsup.Supervisor
}

func NewRouter(adapter kit.Adapter, svc *monitor.Service, ownerIDs []int64, log logx.Logger) *Router {
	owners := make(map[int64]struct{}, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = struct{}{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{adapter: adapter, svc: svc, owners: owners, log: log}
}

// Start begins consuming updates. Non-blocking; Stop unwinds it.
func (r *Router) Start(ctx context.Context) error {
	updates := make(chan kit.Update, 128)
	if err := r.adapter.Start(ctx, updates); err != nil {
		return err
	}

	if menu, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := menu.UpdateMenuCommands(mctx, []kit.BotCommand{
			{Command: "watch", Description: "manage page/notice monitors"},
			{Command: "help", Description: "show usage"},
		}); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
		cancel()
	}

	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	r.sup.Go0("bot.updates", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up := <-updates:
				if up.Message != nil {
					r.handleMessage(c, up.Message)
				}
			}
		}
	})
	return nil
}

func (r *Router) Stop(ctx context.Context) error {
	err := r.adapter.Stop(ctx)
	if r.sup != nil {
		_ = r.sup.Stop(ctx)
	}
	return err
}

func (r *Router) handleMessage(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return
	}

	cmd, args := splitCommand(text)
	switch cmd {
	case "/start", "/help":
		r.reply(ctx, msg, helpText)
	case "/watch":
		r.handleWatch(ctx, msg, args)
	}
}

// splitCommand separates the command word (with any @botname suffix
// dropped) from its arguments.
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	cmd := fields[0]
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), fields[1:]
}

func (r *Router) isOwner(userID int64) bool {
	if len(r.owners) == 0 {
		return true // unrestricted deployment
	}
	_, ok := r.owners[userID]
	return ok
}

func (r *Router) handleWatch(ctx context.Context, msg *kit.Message, args []string) {
	if len(args) == 0 {
		r.reply(ctx, msg, helpText)
		return
	}
	sub := strings.ToLower(args[0])
	if sub == "help" {
		r.reply(ctx, msg, helpText)
		return
	}
	if !r.isOwner(msg.FromID) {
		r.reply(ctx, msg, "Not authorized.")
		return
	}

	switch sub {
	case "add":
		r.cmdAdd(ctx, msg, args[1:])
	case "list":
		r.reply(ctx, msg, formatTaskList(r.svc.List()))
	case "check":
		r.cmdCheck(ctx, msg, args[1:])
	case "enable", "disable":
		r.cmdSetEnabled(ctx, msg, args[1:], sub == "enable")
	case "remove", "rm":
		r.cmdRemove(ctx, msg, args[1:])
	case "reset":
		r.cmdReset(ctx, msg)
	default:
		r.reply(ctx, msg, fmt.Sprintf("Unknown subcommand %q.\n\n%s", sub, helpText))
	}
}

func (r *Router) cmdAdd(ctx context.Context, msg *kit.Message, args []string) {
	if len(args) < 2 {
		r.reply(ctx, msg, "Usage: /watch add <url> <interval> [page|list]")
		return
	}
	interval, err := parseInterval(args[1])
	if err != nil {
		r.reply(ctx, msg, "Bad interval: "+err.Error())
		return
	}
	kind := monitor.KindPage
	if len(args) >= 3 {
		kind = monitor.Kind(strings.ToLower(args[2]))
	}

	dest := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	task, err := r.svc.Add(ctx, args[0], interval, kind, dest)
	if err != nil {
		var cfgErr *monitor.ConfigError
		if errors.As(err, &cfgErr) {
			r.reply(ctx, msg, "Rejected: "+cfgErr.Error())
			return
		}
		r.log.Error("add failed", logx.Err(err))
		r.reply(ctx, msg, "Failed to add task: "+err.Error())
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("Watching %s every %s as %s task %s.", task.URL, task.Interval, task.Kind, task.ID))
}

func (r *Router) cmdCheck(ctx context.Context, msg *kit.Message, args []string) {
	if len(args) < 1 {
		r.reply(ctx, msg, "Usage: /watch check <id>")
		return
	}
	id := args[0]
	ref, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		"Checking "+id+"…", nil)
	if err != nil {
		return
	}

	res, err := r.svc.CheckNow(ctx, id)
	var text string
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		text = "No such task: " + id
	case errors.Is(err, monitor.ErrDisabled):
		text = "Task " + id + " is disabled. /watch enable " + id + " first."
	case errors.Is(err, monitor.ErrBusy):
		text = "A check for " + id + " is already running."
	case err != nil:
		text = "Check failed: " + err.Error()
	case res.Err != nil:
		text = "Check failed: " + res.Err.Error()
	default:
		text = formatCheckResult(res)
	}
	if eErr := r.adapter.EditText(ctx, ref, text, nil); eErr != nil {
		r.log.Warn("edit failed", logx.Err(eErr))
	}
}

func (r *Router) cmdSetEnabled(ctx context.Context, msg *kit.Message, args []string, enabled bool) {
	if len(args) < 1 {
		r.reply(ctx, msg, "Usage: /watch enable|disable <id>")
		return
	}
	if err := r.svc.SetEnabled(ctx, args[0], enabled); err != nil {
		r.replyErr(ctx, msg, args[0], err)
		return
	}
	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	r.reply(ctx, msg, "Task "+args[0]+" "+verb+".")
}

func (r *Router) cmdRemove(ctx context.Context, msg *kit.Message, args []string) {
	if len(args) < 1 {
		r.reply(ctx, msg, "Usage: /watch remove <id>")
		return
	}
	if err := r.svc.Remove(ctx, args[0]); err != nil {
		r.replyErr(ctx, msg, args[0], err)
		return
	}
	r.reply(ctx, msg, "Task "+args[0]+" removed.")
}

func (r *Router) cmdReset(ctx context.Context, msg *kit.Message) {
	if err := r.svc.ResetDedup(ctx); err != nil {
		r.reply(ctx, msg, "Reset failed: "+err.Error())
		return
	}
	r.reply(ctx, msg, "Seen-notice memory cleared. Every current item will notify again on its next check.")
}

func (r *Router) replyErr(ctx context.Context, msg *kit.Message, id string, err error) {
	if errors.Is(err, monitor.ErrNotFound) {
		r.reply(ctx, msg, "No such task: "+id)
		return
	}
	r.reply(ctx, msg, "Failed: "+err.Error())
}

func (r *Router) reply(ctx context.Context, msg *kit.Message, text string) {
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := r.adapter.SendText(sctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text,
		&kit.SendOptions{DisablePreview: true})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}

// parseInterval accepts Go durations ("5m") and bare seconds ("300").
func parseInterval(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("want a duration like 5m or seconds like 300")
	}
	return d, nil
}

func formatTaskList(tasks []monitor.Task) string {
	if len(tasks) == 0 {
		return "No tasks. Add one with /watch add <url> <interval>."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s):\n", len(tasks))
	for _, t := range tasks {
		status := "✅"
		if !t.Enabled {
			status = "⏸"
		} else if t.Degraded() {
			status = fmt.Sprintf("⚠️ degraded (%d failures)", t.FailureCount)
		}
		fmt.Fprintf(&b, "\n%s %s [%s] every %s\n%s", status, t.ID, t.Kind, t.Interval, t.URL)
		if !t.LastCheck.IsZero() {
			fmt.Fprintf(&b, "\nlast check: %s", t.LastCheck.Format("2006-01-02 15:04"))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatCheckResult(res monitor.CheckResult) string {
	switch res.State {
	case monitor.StateBaseline:
		return "Baseline recorded for " + res.TaskID + "; changes will notify from now on."
	case monitor.StateChanged:
		if len(res.NewItems) > 0 {
			return fmt.Sprintf("%d new item(s) found for %s.", len(res.NewItems), res.TaskID)
		}
		return "Change detected for " + res.TaskID + "."
	default:
		return "No change for " + res.TaskID + "."
	}
}
