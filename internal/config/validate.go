package config

import (
	logx "chatbridge/pkg/logx"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatbridge/internal/backup"
	kit "chatbridge/internal/transport"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var storageDrivers = []interface{}{"", "file", "sqlite", "sqlite3", "postgres", "postgresql", "mysql", "badger", "memory"}

// Validate checks every section. Errors are keyed by the JSON field path.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" && strings.TrimSpace(c.Discord.Token) == "" {
		return errors.New("at least one of telegram.token or discord.token must be set")
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Telegram),
		validation.Field(&c.Discord),
		validation.Field(&c.Logging),
		validation.Field(&c.Storage),
		validation.Field(&c.Commands),
		validation.Field(&c.Relay),
		validation.Field(&c.Backup),
	)
}

func (t TelegramConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.PollTimeout, validation.By(duration)),
		validation.Field(&t.AdminCacheTTL, validation.By(duration)),
	)
}

func (d DiscordConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.AdminCacheTTL, validation.By(duration)),
	)
}

func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.By(level)),
		validation.Field(&l.File),
		validation.Field(&l.Chat),
	)
}

func (f LoggingFile) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Path, validation.When(f.Enabled, validation.Required)),
	)
}

func (c LoggingChat) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Target, validation.When(c.Enabled, validation.Required, validation.By(chatKey))),
		validation.Field(&c.MinLevel, validation.By(level)),
		validation.Field(&c.RatePerSec, validation.Min(0)),
	)
}

func (s StorageConfig) Validate() error {
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	sqlDriver := driver == "postgres" || driver == "postgresql" || driver == "mysql"
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver, validation.In(storageDrivers...)),
		validation.Field(&s.DSN, validation.When(sqlDriver, validation.Required)),
		validation.Field(&s.BusyTimeout, validation.By(duration)),
	)
}

func (c CommandsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Prefix, validation.Length(0, 8)),
		validation.Field(&c.Timeout, validation.By(duration)),
		validation.Field(&c.Workers, validation.Min(0)),
	)
}

func (r RelayConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Workers, validation.Min(0)),
		validation.Field(&r.QueueSize, validation.Min(0)),
		validation.Field(&r.RatePerSec, validation.Min(0)),
		validation.Field(&r.RetryMax, validation.Min(0), validation.Max(10)),
		validation.Field(&r.RetryBase, validation.By(duration)),
		validation.Field(&r.RetryMaxDelay, validation.By(duration)),
		validation.Field(&r.SendTimeout, validation.By(duration)),
	)
}

func (b BackupConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Schedule, validation.By(schedule)),
		validation.Field(&b.Dir, validation.When(b.Enabled, validation.Required)),
		validation.Field(&b.Keep, validation.Min(0)),
	)
}

// ParseDurationField parses a Go duration string. Blank is zero and
// negative values are rejected. path prefixes the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, err := parseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// DurationOr is ParseDurationField with def standing in for a zero result.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d != 0 {
		return d, err
	}
	return def, nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("invalid duration %q", raw)
	case d < 0:
		return 0, errors.New("duration must be >= 0")
	}
	return d, nil
}

func duration(value interface{}) error {
	s, _ := value.(string)
	if _, err := parseDuration(s); err != nil {
		return errors.New("must be a non-negative duration such as 10s")
	}
	return nil
}

func level(value interface{}) error {
	s, _ := value.(string)
	if !logx.ValidLevel(s) {
		return errors.New("must be one of trace, debug, info, warn, error")
	}
	return nil
}

func chatKey(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	_, err := kit.ParseChatKey(s)
	return err
}

func schedule(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := backup.Parser.Parse(s); err != nil {
		return errors.New("must be a cron expression or descriptor such as @daily")
	}
	return nil
}
