package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xjedubot/internal/monitor"
	logx "xjedubot/pkg/logx"
)

func TestSplitCommand(t *testing.T) {
	cmd, args := splitCommand("/watch add https://e.com 5m")
	require.Equal(t, "/watch", cmd)
	require.Equal(t, []string{"add", "https://e.com", "5m"}, args)

	cmd, args = splitCommand("/Watch@xjedubot list")
	require.Equal(t, "/watch", cmd)
	require.Equal(t, []string{"list"}, args)
}

func TestParseInterval(t *testing.T) {
	d, err := parseInterval("300")
	require.NoError(t, err)
	require.Equal(t, 300*time.Second, d)

	d, err = parseInterval("5m")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	_, err = parseInterval("soon")
	require.Error(t, err)
}

func TestIsOwner(t *testing.T) {
	open := NewRouter(nil, nil, nil, logx.Nop())
	require.True(t, open.isOwner(123), "no owners configured means unrestricted")

	gated := NewRouter(nil, nil, []int64{1, 2}, logx.Nop())
	require.True(t, gated.isOwner(1))
	require.False(t, gated.isOwner(3))
}

func TestFormatTaskList(t *testing.T) {
	require.Contains(t, formatTaskList(nil), "No tasks")

	tasks := []monitor.Task{
		{ID: "abcd1234", URL: "https://e.com", Kind: monitor.KindPage, Interval: 5 * time.Minute, Enabled: true},
		{ID: "ffff0000", URL: "https://e.com/2", Kind: monitor.KindList, Interval: time.Hour, Enabled: true, FailureCount: monitor.DegradedThreshold},
		{ID: "00001111", URL: "https://e.com/3", Kind: monitor.KindPage, Interval: time.Hour},
	}
	out := formatTaskList(tasks)
	require.Contains(t, out, "3 task(s)")
	require.Contains(t, out, "abcd1234")
	require.Contains(t, out, "degraded")
	require.Contains(t, out, "⏸")
}
