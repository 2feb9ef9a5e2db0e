package app

import (
	logx "chatbridge/pkg/logx"
	"strings"
	"time"

	"chatbridge/internal/backup"
	"chatbridge/internal/commands"
	"chatbridge/internal/config"
	"chatbridge/internal/relay"
	"chatbridge/internal/storage"
	kit "chatbridge/internal/transport"
	"chatbridge/internal/transport/discord"
	"chatbridge/internal/transport/telegram"
)

func mapStorageConfig(c config.StorageConfig) (storage.Config, error) {
	busy, err := config.DurationOr("storage.busy_timeout", c.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	path := strings.TrimSpace(c.Path)
	if path == "" {
		switch driver {
		case "sqlite", "sqlite3":
			path = "./data/chatbridge.db"
		case "badger":
			path = "./data/badger"
		default:
			path = "./data"
		}
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(c.DSN),
		Table:       strings.TrimSpace(c.Table),
		BusyTimeout: busy,
	}, nil
}

func mapTelegramConfig(c config.TelegramConfig) (telegram.Config, error) {
	poll, err := config.DurationOr("telegram.poll_timeout", c.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	ttl, err := config.DurationOr("telegram.admin_cache_ttl", c.AdminCacheTTL, time.Minute)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: c.Token, PollTimeout: poll, AdminCacheTTL: ttl}, nil
}

func mapDiscordConfig(c config.DiscordConfig) (discord.Config, error) {
	ttl, err := config.DurationOr("discord.admin_cache_ttl", c.AdminCacheTTL, time.Minute)
	if err != nil {
		return discord.Config{}, err
	}
	return discord.Config{Token: c.Token, AdminCacheTTL: ttl}, nil
}

// mapRelayConfig leaves zero values for relay.Service to default.
func mapRelayConfig(c config.RelayConfig) (relay.Config, error) {
	var (
		out = relay.Config{
			Workers:    c.Workers,
			QueueSize:  c.QueueSize,
			RatePerSec: c.RatePerSec,
			RetryMax:   c.RetryMax,
		}
		err error
	)
	if out.RetryBase, err = config.ParseDurationField("relay.retry_base", c.RetryBase); err != nil {
		return relay.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("relay.retry_max_delay", c.RetryMaxDelay); err != nil {
		return relay.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("relay.send_timeout", c.SendTimeout); err != nil {
		return relay.Config{}, err
	}
	return out, nil
}

func mapCommandsConfig(c config.CommandsConfig) (commands.Config, error) {
	timeout, err := config.ParseDurationField("commands.timeout", c.Timeout)
	if err != nil {
		return commands.Config{}, err
	}
	return commands.Config{Prefix: strings.TrimSpace(c.Prefix), Timeout: timeout, Workers: c.Workers}, nil
}

func mapBackupConfig(c config.BackupConfig) backup.Config {
	return backup.Config{
		Enabled:  c.Enabled,
		Schedule: strings.TrimSpace(c.Schedule),
		Dir:      strings.TrimSpace(c.Dir),
		Keep:     c.Keep,
	}
}

// mapLoggingConfig also returns the chat key the log sink posts to, if any.
func mapLoggingConfig(c config.LoggingConfig) (logx.Config, kit.ChatKey) {
	out := logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    c.Chat.Enabled,
			MinLevel:   c.Chat.MinLevel,
			RatePerSec: c.Chat.RatePerSec,
		},
	}
	var target kit.ChatKey
	if c.Chat.Enabled {
		if k, err := kit.ParseChatKey(c.Chat.Target); err == nil {
			target = k
			out.Chat.ChatID = k.ChatID
		}
	}
	return out, target
}
