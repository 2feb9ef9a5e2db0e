// Package backup writes timestamped copies of the subscription ledger on a
// cron schedule.
package backup

import (
	logx "chatbridge/pkg/logx"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/eventbus"
	"chatbridge/internal/ledger"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "@daily"
	DefaultKeep     = 14

	EventWritten = "backup.written"
	EventFailed  = "backup.failed"

	filePrefix = "ledger-"
	fileSuffix = ".json"
	timeLayout = "20060102T150405.000Z"
)

// Parser accepts 5- or 6-field cron specs and descriptors like @daily.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Config struct {
	Enabled  bool
	Schedule string
	Dir      string
	Keep     int
	Timeout  time.Duration
}

// Source yields a consistent copy of the ledger.
type Source interface {
	Snapshot(ctx context.Context) (*ledger.Ledger, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context

	src Source
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, src Source, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{src: src, bus: bus, log: log, now: time.Now}
	s.cfg = withDefaults(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins the schedule. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	sched, err := Parser.Parse(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("backup schedule %q: %w", s.cfg.Schedule, err)
	}
	c := cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	c.Schedule(sched, cron.FuncJob(s.runScheduled))
	c.Start()
	s.c = c
	s.log.Info("backup schedule started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("dir", s.cfg.Dir),
		logx.Int("keep", s.cfg.Keep),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("backup schedule stopped")
}

// Apply swaps the config. The running cron is restarted when the schedule
// changed and stopped when backups were disabled.
func (s *Service) Apply(cfg Config) error {
	cfg = withDefaults(cfg)
	if cfg.Enabled {
		if _, err := Parser.Parse(cfg.Schedule); err != nil {
			return fmt.Errorf("backup schedule %q: %w", cfg.Schedule, err)
		}
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	c := s.c
	running := c != nil
	if running && (!cfg.Enabled || cfg.Schedule != prev.Schedule) {
		s.c = nil
	} else {
		c = nil
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil && cfg.Enabled && s.ctx != nil && s.ctx.Err() == nil {
		return s.startLocked()
	}
	return nil
}

func (s *Service) runScheduled() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_, _ = s.RunOnce(ctx)
}

// RunOnce writes one snapshot and prunes old ones. It returns the path of
// the new file.
func (s *Service) RunOnce(ctx context.Context) (string, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := s.now()
	path, err := s.write(ctx, cfg, start)
	if err != nil {
		s.log.Error("ledger backup failed", logx.String("dir", cfg.Dir), logx.Err(err))
		s.publish(EventFailed, Result{At: start, Error: err.Error()})
		return "", err
	}
	removed, err := prune(cfg.Dir, cfg.Keep)
	if err != nil {
		s.log.Warn("backup prune failed", logx.String("dir", cfg.Dir), logx.Err(err))
	}
	s.log.Info("ledger backup written",
		logx.String("path", path),
		logx.Int("pruned", removed),
		logx.Duration("took", s.now().Sub(start)),
	)
	s.publish(EventWritten, Result{At: start, Path: path, Pruned: removed})
	return path, nil
}

// Result is the Data of backup events.
type Result struct {
	At     time.Time `json:"at"`
	Path   string    `json:"path,omitempty"`
	Pruned int       `json:"pruned,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func (s *Service) publish(typ string, r Result) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: r.At, Data: r})
}

func (s *Service) write(ctx context.Context, cfg Config, at time.Time) (string, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return "", fmt.Errorf("backup dir not configured")
	}
	l, err := s.src.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode ledger: %w", err)
	}
	b = append(b, '\n')

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return "", err
	}
	name := filePrefix + at.UTC().Format(timeLayout) + fileSuffix
	path := filepath.Join(cfg.Dir, name)

	tmp, err := os.CreateTemp(cfg.Dir, "."+name+".*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", err
	}
	return path, nil
}

// List returns the backup files in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(n, filePrefix) && strings.HasSuffix(n, fileSuffix) {
			out = append(out, filepath.Join(dir, n))
		}
	}
	// The timestamp layout sorts lexically.
	sort.Strings(out)
	return out, nil
}

func prune(dir string, keep int) (int, error) {
	files, err := List(dir)
	if err != nil || len(files) <= keep {
		return 0, err
	}
	removed := 0
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(f); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
