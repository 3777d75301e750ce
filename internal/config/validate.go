package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation plus the semantic checks that tags
// cannot express (duration strings, cron expressions, timezones).
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := structValidator.Struct(cfg); err != nil {
		return err
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"monitor.tick_interval", cfg.Monitor.TickInterval},
		{"monitor.min_interval", cfg.Monitor.MinInterval},
		{"monitor.fetch.timeout", cfg.Monitor.Fetch.Timeout},
		{"monitor.fetch.retry_base", cfg.Monitor.Fetch.RetryBase},
		{"monitor.fetch.retry_max_delay", cfg.Monitor.Fetch.RetryMaxDelay},
		{"monitor.render.timeout", cfg.Monitor.Render.Timeout},
		{"monitor.classifier.timeout", cfg.Monitor.Classifier.Timeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	// The registration floor never goes below one minute; a configured
	// min_interval can only raise it.
	if raw := cfg.Monitor.MinInterval; raw != "" {
		d, _ := ParseDurationField("monitor.min_interval", raw)
		if d < time.Minute {
			return fmt.Errorf("monitor.min_interval: must be >= 1m, got %s", raw)
		}
	}

	if cfg.Monitor.Reminder.Enabled {
		expr := cfg.Monitor.Reminder.Cron
		if expr == "" {
			expr = "0 9 * * *"
		}
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("monitor.reminder.cron: invalid expression %q: %w", expr, err)
		}
	}
	if tz := cfg.Monitor.Reminder.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("monitor.reminder.timezone: %w", err)
		}
	}

	if cfg.Monitor.Classifier.Enabled && cfg.Monitor.Classifier.APIKey == "" {
		return fmt.Errorf("monitor.classifier.api_key: required when classifier is enabled")
	}
	return nil
}
