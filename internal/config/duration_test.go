package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("monitor.tick_interval", " 5m ")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = ParseDurationField("monitor.tick_interval", "")
	require.NoError(t, err)
	require.Zero(t, d, "empty means unset")

	_, err = ParseDurationField("monitor.tick_interval", "soon")
	require.ErrorContains(t, err, "monitor.tick_interval")

	_, err = ParseDurationField("monitor.tick_interval", "-1s")
	require.ErrorContains(t, err, ">= 0")
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("storage.busy_timeout", "", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("storage.busy_timeout", "250ms", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationOrDefault("storage.busy_timeout", "nope", 5*time.Second)
	require.Error(t, err)
}
