package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	to   []string
}

func (r *recordingSender) SendText(_ context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, chatID)
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestFieldsAndWith(t *testing.T) {
	zerolog.ErrorFieldName = "err"
	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).With(String("comp", "relay"))
	log.Warn("send failed", Int("attempt", 2), Err(errors.New("timeout")), Duration("took", time.Second))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "warn", rec["level"])
	require.Equal(t, "send failed", rec["message"])
	require.Equal(t, "relay", rec["comp"])
	require.EqualValues(t, 2, rec["attempt"])
	require.Equal(t, "timeout", rec["err"])
	require.Contains(t, rec["caller"], "logging_test.go:")
}

func TestZeroLoggerIsNop(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Error("dropped")
	require.False(t, Nop().IsZero())

	lvl := FromZerolog(zerolog.New(nil).Level(zerolog.WarnLevel))
	require.False(t, lvl.Enabled(LevelInfo))
	require.True(t, lvl.Enabled(LevelError))
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatbridge.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("hello", String("k", "v"))
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"message":"hello"`)
	require.Contains(t, string(raw), `"k":"v"`)
}

func TestChatSinkMirrorsWarnings(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "x.log")}})
	defer svc.Close()
	svc.SetChatSender(sender)
	svc.Apply(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "y.log")},
		Chat:  ChatConfig{Enabled: true, ChatID: "-100", RatePerSec: 10},
	})

	log.Info("routine")
	log.Warn("queue full", String("publisher", "discord:1"))

	require.Eventually(t, func() bool { return len(sender.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := sender.messages()[0]
	require.Contains(t, msg, "[WARN] queue full")
	require.Contains(t, msg, "- publisher=discord:1")
	require.Equal(t, []string{"-100"}, sender.to)
}

func TestFormatChatJSONFallsBackToRaw(t *testing.T) {
	require.Equal(t, "not json", formatChatJSON([]byte(" not json \n")))
	require.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestValidLevel(t *testing.T) {
	for _, ok := range []string{"", "trace", "Debug", "INFO", "warning", "error"} {
		require.True(t, ValidLevel(ok), ok)
	}
	require.False(t, ValidLevel("verbose"))
	require.Equal(t, zerolog.WarnLevel, parseLevel("nope", zerolog.WarnLevel))
}
