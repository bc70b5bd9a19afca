package config

// Config is the on-disk daemon configuration. Durations are Go duration
// strings ("500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Wheel      WheelConfig      `json:"wheel"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Delay      DelayConfig      `json:"delay"`
	HTTP       HTTPConfig       `json:"http"`
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`

	// Storage is the optional task journal. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
}

// WheelConfig sets the wheel geometry. Changing it requires a restart.
//
// Defaults: slot_size 10, interval "1s".
type WheelConfig struct {
	SlotSize int    `json:"slot_size"`
	Interval string `json:"interval"`
}

// DispatcherConfig controls the task engine that runs fired jobs.
//
// Defaults (when fields are omitted/zero):
//   - workers: 5
//   - queue_size: 1024
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0 (every job runs once)
type DispatcherConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type DelayConfig struct {
	// Timezone for cron "when" expressions (IANA name). Empty means local.
	Timezone string `json:"timezone,omitempty"`
	// Output is where print tasks write: stdout (default), stderr or none.
	Output string `json:"output,omitempty"`
}

// HTTPConfig controls the task submission API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8080").
//   - A non-loopback addr needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	MaxBodyBytes int64   `json:"max_body_bytes,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the task journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/wheeld.db", "max_rows": 50000 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxRows     int    `json:"max_rows,omitempty"`
}
