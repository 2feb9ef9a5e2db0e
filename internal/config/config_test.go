package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalJSON = `{
  "telegram": { "token": "tg-token", "poll_timeout": "15s" },
  "storage": { "driver": "file", "path": "./data" }
}`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", minimalJSON)
	m := NewManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "tg-token", cfg.Telegram.Token)
	require.Equal(t, "15s", cfg.Telegram.PollTimeout)
	require.Equal(t, "file", cfg.Storage.Driver)
	require.Same(t, cfg, m.Get())
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", `
discord:
  token: dc-token
relay:
  workers: 3
  retry_base: 250ms
backup:
  enabled: true
  dir: /var/backups/chatbridge
  keep: 7
`)
	cfg, err := NewManager(p).Load()
	require.NoError(t, err)
	require.Equal(t, "dc-token", cfg.Discord.Token)
	require.Equal(t, 3, cfg.Relay.Workers)
	require.Equal(t, "250ms", cfg.Relay.RetryBase)
	require.True(t, cfg.Backup.Enabled)
	require.Equal(t, 7, cfg.Backup.Keep)
}

func TestRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	dir := t.TempDir()
	_, err := NewManager(writeFile(t, dir, "a.json", `{"telegram":{"token":"x","owner":1}}`)).Parse()
	require.ErrorContains(t, err, "unknown field")

	_, err = NewManager(writeFile(t, dir, "b.json", `{"telegram":{"token":"x"}}{}`)).Parse()
	require.ErrorContains(t, err, "trailing data")

	_, err = NewManager(writeFile(t, dir, "c.yml", "telegram:\n  token: x\n  bogus: 1\n")).Parse()
	require.ErrorContains(t, err, "unknown field")
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"no token":       `{}`,
		"bad duration":   `{"telegram":{"token":"x","poll_timeout":"soon"}}`,
		"bad level":      `{"telegram":{"token":"x"},"logging":{"level":"loud"}}`,
		"bad driver":     `{"telegram":{"token":"x"},"storage":{"driver":"etcd"}}`,
		"dsn missing":    `{"telegram":{"token":"x"},"storage":{"driver":"postgres"}}`,
		"negative":       `{"telegram":{"token":"x"},"relay":{"workers":-1}}`,
		"bad schedule":   `{"telegram":{"token":"x"},"backup":{"schedule":"every day"}}`,
		"backup no dir":  `{"telegram":{"token":"x"},"backup":{"enabled":true}}`,
		"chat no target": `{"telegram":{"token":"x"},"logging":{"chat":{"enabled":true}}}`,
		"chat bad key":   `{"telegram":{"token":"x"},"logging":{"chat":{"enabled":true,"target":"nocolon"}}}`,
	}
	dir := t.TempDir()
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, dir, "cfg.json", body)).Parse()
			require.Error(t, err)
		})
	}

	ok := `{"discord":{"token":"x"},"storage":{"driver":"mysql","dsn":"u:p@/db"},"backup":{"enabled":true,"dir":"b","schedule":"@every 1h"},"logging":{"level":"WARN","chat":{"enabled":true,"target":"discord:42"}}}`
	_, err := NewManager(writeFile(t, dir, "ok.json", ok)).Parse()
	require.NoError(t, err)
}

func TestEnvOverridesTokens(t *testing.T) {
	t.Setenv(EnvTelegramToken, " from-env ")
	t.Setenv(EnvDiscordToken, "dc-env")
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":""}}`)
	cfg, err := NewManager(p).Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Telegram.Token)
	require.Equal(t, "dc-env", cfg.Discord.Token)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", minimalJSON)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	require.False(t, m.Reload(), "same content")

	require.NoError(t, os.WriteFile(p, []byte(`{"telegram":{"token":"tg-token"},"relay":{"workers":9}}`), 0o600))
	require.True(t, m.Reload())
	got := <-sub
	require.Equal(t, 9, got.Relay.Workers)
	require.Same(t, got, m.Get())

	require.NoError(t, os.WriteFile(p, []byte(`{"telegram":`), 0o600))
	require.False(t, m.Reload())
	require.Equal(t, 9, m.Get().Relay.Workers)
}

func TestPublishKeepsNewestForSlowSubscriber(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	require.Same(t, second, <-sub)

	m.Unsubscribe(sub)
	_, open := <-sub
	require.False(t, open)
	m.publish(first)
}

func TestWatchPicksUpEdits(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", minimalJSON)
	m := NewManager(p)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Keep writing until the watcher is up and the change lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			require.Equal(t, "!", cfg.Commands.Prefix)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(p, []byte(`{"telegram":{"token":"tg-token"},"commands":{"prefix":"!"}}`), 0o600))
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "secret"}}
	b := *a
	b.Relay.Workers = 4
	b.Storage.DSN = "postgres://u:pw@db/x"

	sections, attrs := SummarizeChange(a, &b)
	require.Equal(t, []string{"storage", "relay"}, sections)
	require.NotEmpty(t, attrs)

	sections, _ = SummarizeChange(a, a)
	require.Empty(t, sections)
	require.True(t, Restart["storage"])
}

func TestDurationOr(t *testing.T) {
	d, err := DurationOr("x", "", 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, d)

	d, err = DurationOr("x", " 2m ", time.Second)
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, d)

	_, err = DurationOr("relay.retry_base", "-1s", time.Second)
	require.ErrorContains(t, err, "relay.retry_base")
}
