package config

import (
	logx "chatbridge/pkg/logx"
	"strings"
)

// Restart lists sections whose changes only take effect after a restart.
var Restart = map[string]bool{
	"telegram": true,
	"discord":  true,
	"storage":  true,
}

// SummarizeChange returns the names of the sections that differ and
// loggable attributes describing the new values. Tokens and DSNs are never
// included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", isSet(newCfg.Telegram.Token)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}
	if oldCfg.Discord != newCfg.Discord {
		changed = append(changed, "discord")
		attrs = append(attrs, logx.Bool("discord.token_set", isSet(newCfg.Discord.Token)))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", isSet(newCfg.Storage.DSN)),
		)
	}
	if oldCfg.Commands != newCfg.Commands {
		changed = append(changed, "commands")
		attrs = append(attrs, logx.String("commands.prefix", newCfg.Commands.Prefix))
	}
	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Int("relay.workers", newCfg.Relay.Workers),
			logx.Int("relay.rate_per_sec", newCfg.Relay.RatePerSec),
		)
	}
	if oldCfg.Backup != newCfg.Backup {
		changed = append(changed, "backup")
		attrs = append(attrs,
			logx.Bool("backup.enabled", newCfg.Backup.Enabled),
			logx.String("backup.schedule", newCfg.Backup.Schedule),
		)
	}
	return changed, attrs
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
