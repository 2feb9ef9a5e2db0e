package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); an empty duration means the component default.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Commands CommandsConfig `json:"commands"`
	Relay    RelayConfig    `json:"relay"`
	Backup   BackupConfig   `json:"backup"`
}

// TelegramConfig enables the Telegram adapter when Token is set.
// CHATBRIDGE_TELEGRAM_TOKEN overrides Token.
type TelegramConfig struct {
	Token         string `json:"token"`
	PollTimeout   string `json:"poll_timeout,omitempty"`
	AdminCacheTTL string `json:"admin_cache_ttl,omitempty"`
}

// DiscordConfig enables the Discord adapter when Token is set.
// CHATBRIDGE_DISCORD_TOKEN overrides Token.
type DiscordConfig struct {
	Token         string `json:"token"`
	AdminCacheTTL string `json:"admin_cache_ttl,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings and errors into a chat, e.g.
//
//	"chat": { "enabled": true, "target": "telegram:-1001234", "min_level": "warn" }
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the ledger backend.
//
//	"storage": { "driver": "file", "path": "./data" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bridge@db/bridge?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Table       string `json:"table,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type CommandsConfig struct {
	Prefix  string `json:"prefix,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	Workers int    `json:"workers,omitempty"`
}

type RelayConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// BackupConfig writes periodic ledger snapshots into Dir.
// Schedule is a cron expression or descriptor ("@daily", "0 */6 * * *").
type BackupConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Dir      string `json:"dir,omitempty"`
	Keep     int    `json:"keep,omitempty"`
}
