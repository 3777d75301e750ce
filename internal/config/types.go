package config

type Config struct {
	Telegram TelegramConfig `json:"telegram" validate:"required"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Monitor  MonitorConfig  `json:"monitor"`
}

type TelegramConfig struct {
	Token        string  `json:"token" validate:"required"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat that receives operational log mirroring
	// (see logging.telegram). 0 disables it.
	GroupLog int64 `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./xjedubot_store" }
type StorageConfig struct {
	Driver string `json:"driver,omitempty" validate:"omitempty,oneof=file sqlite badger"`
	Path   string `json:"path,omitempty"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MonitorConfig controls the page/notice watch pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type MonitorConfig struct {
	// TickInterval is how often the scheduler evaluates due tasks.
	// Default "5s".
	TickInterval string `json:"tick_interval,omitempty"`
	// MaxConcurrent caps simultaneous checks across all tasks. Default 4.
	MaxConcurrent int `json:"max_concurrent,omitempty" validate:"omitempty,min=1"`
	// MinInterval is the smallest per-task check interval accepted by
	// task registration. Default and floor: "60s".
	MinInterval string `json:"min_interval,omitempty"`

	// ListSelector locates notice list items when a task watches a list.
	// Default "ul.list li".
	ListSelector string `json:"list_selector,omitempty"`
	// StripSelectors are removed from fetched documents before
	// fingerprinting, on top of the built-in script/style strip. Use it to
	// ignore volatile regions (timestamps, visit counters).
	StripSelectors []string `json:"strip_selectors,omitempty"`

	Fetch      FetchConfig      `json:"fetch"`
	Render     RenderConfig     `json:"render"`
	Classifier ClassifierConfig `json:"classifier"`
	Reminder   ReminderConfig   `json:"reminder"`
}

type FetchConfig struct {
	Timeout       string `json:"timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty" validate:"omitempty,min=0,max=10"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	// MaxBodySize bounds response bodies in bytes. Default 2 MiB.
	MaxBodySize int64 `json:"max_body_size,omitempty"`
	// RatePerSec caps outbound requests per second across all tasks.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// RenderConfig controls the headless-browser fallback used when a page
// answers with a bot challenge (403/429/JS wall).
type RenderConfig struct {
	Enabled bool   `json:"enabled"`
	Timeout string `json:"timeout,omitempty"`
}

// ClassifierConfig controls AI extraction of registration deadlines from
// newly seen notices.
type ClassifierConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// ReminderConfig controls the daily deadline reminder sweep.
type ReminderConfig struct {
	Enabled bool `json:"enabled"`
	// Cron is a standard 5-field cron expression. Default "0 9 * * *".
	Cron string `json:"cron,omitempty"`
	// DaysAhead reminds about deadlines within this many days. Default 3.
	DaysAhead int    `json:"days_ahead,omitempty" validate:"omitempty,min=1,max=30"`
	Timezone  string `json:"timezone,omitempty"`
}
