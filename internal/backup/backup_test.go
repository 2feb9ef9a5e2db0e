package backup

import (
	logx "chatbridge/pkg/logx"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/broker"
	"chatbridge/internal/eventbus"
	"chatbridge/internal/ledger"
	"chatbridge/internal/storage"

	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type failingSource struct{}

func (failingSource) Snapshot(context.Context) (*ledger.Ledger, error) {
	return nil, errors.New("store offline")
}

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	ctx := context.Background()
	b := broker.New(storage.NewMemory())
	id, err := b.PublisherID(ctx, "discord:1")
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(ctx, "telegram:-100", id))
	return b
}

func TestRunOnceWritesSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	b := newBroker(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1, EventWritten)
	defer unsub()

	s := New(Config{Dir: dir}, b, bus, logx.Nop())
	s.now = (&stepClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}).now

	path, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "ledger-20260301T120001.000Z.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(raw), "}\n"))
	require.Contains(t, string(raw), "\n  \"subs\": {")

	got := ledger.New()
	require.NoError(t, json.Unmarshal(raw, got))
	want, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, want.Pubs, got.Pubs)
	require.Equal(t, want.Subs, got.Subs)

	ev := (<-events).Data.(Result)
	require.Equal(t, path, ev.Path)
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	s := New(Config{Dir: dir, Keep: 3}, newBroker(t), nil, logx.Nop())
	s.now = (&stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}).now

	var paths []string
	for i := 0; i < 5; i++ {
		p, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		paths = append(paths, p)
	}

	files, err := List(dir)
	require.NoError(t, err)
	require.Equal(t, paths[2:], files)
	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
}

func TestRunOnceFailure(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1, EventFailed)
	defer unsub()

	s := New(Config{Dir: t.TempDir()}, failingSource{}, bus, logx.Nop())
	_, err := s.RunOnce(context.Background())
	require.ErrorContains(t, err, "store offline")
	require.Equal(t, "store offline", (<-events).Data.(Result).Error)

	s = New(Config{}, failingSource{}, nil, logx.Nop())
	_, err = s.RunOnce(context.Background())
	require.ErrorContains(t, err, "dir not configured")
}

func TestListMissingDir(t *testing.T) {
	files, err := List(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestScheduleRuns(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Enabled: true, Schedule: "@every 1s", Dir: dir}, newBroker(t), nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		files, _ := List(dir)
		return len(files) > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestApply(t *testing.T) {
	s := New(Config{Dir: t.TempDir()}, newBroker(t), nil, logx.Nop())
	require.Equal(t, DefaultSchedule, s.cfg.Schedule)
	require.Equal(t, DefaultKeep, s.cfg.Keep)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.Nil(t, s.c, "disabled service stays idle")

	require.Error(t, s.Apply(Config{Enabled: true, Schedule: "whenever", Dir: "x"}))

	require.NoError(t, s.Apply(Config{Enabled: true, Schedule: "0 3 * * *", Dir: "x"}))
	require.NotNil(t, s.c)
	first := s.c

	require.NoError(t, s.Apply(Config{Enabled: true, Schedule: "0 3 * * *", Dir: "y"}))
	require.Same(t, first, s.c)

	require.NoError(t, s.Apply(Config{Enabled: true, Schedule: "@hourly", Dir: "y"}))
	require.NotSame(t, first, s.c)

	require.NoError(t, s.Apply(Config{Enabled: false}))
	require.Nil(t, s.c)
}
