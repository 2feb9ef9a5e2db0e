package relay

import (
	logx "chatbridge/pkg/logx"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatbridge/internal/eventbus"
	rtsup "chatbridge/internal/runtime/supervisor"
	"chatbridge/internal/storage"
	kit "chatbridge/internal/transport"

	"golang.org/x/time/rate"
)

type job struct {
	from kit.ChatKey
	to   kit.ChatKey
	text string
}

// Service fans a publisher's messages out to its subscribers through a
// bounded queue, a worker pool, a shared rate limit and retries.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	subs     Resolver
	adapters *kit.Registry
	store    storage.Store
	bus      eventbus.Bus

	cfg     Config
	limiter *rate.Limiter
	paused  atomic.Bool

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, subs Resolver, adapters *kit.Registry, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Service{
		log:      log,
		subs:     subs,
		adapters: adapters,
		store:    store,
		bus:      bus,
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps limits and retry settings. Worker and queue sizes take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// burst = rate, so short spikes are not throttled hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start loads the persisted pause state and launches the workers.
// Calling it on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st := &Settings{}
	if s.store != nil {
		if err := s.store.Load(ctx, st); err != nil {
			return fmt.Errorf("load relay settings: %w", err)
		}
	}
	s.paused.Store(st.Paused)

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return nil
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "relay"))))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// The queue is closed only while stopping.
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("relay worker exited unexpectedly")
		})
	}
	s.log.Info("relay started", logx.Int("workers", workers), logx.Bool("paused", st.Paused))
	return nil
}

// Stop refuses new messages and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight Forward calls finish enqueueing before the queue closes.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("relay drain cut short", logx.Int("pending", len(q)))
		sup.Cancel()
	}
}

// Paused reports whether forwarding is suspended.
func (s *Service) Paused() bool { return s.paused.Load() }

// SetPaused persists the pause flag and applies it immediately.
func (s *Service) SetPaused(ctx context.Context, paused bool) error {
	if s.store != nil {
		st := &Settings{}
		err := s.store.Update(ctx, st, func() error {
			if st.Paused == paused {
				return storage.ErrSkipSave
			}
			st.Paused = paused
			return nil
		})
		if err != nil {
			return err
		}
	}
	s.paused.Store(paused)
	s.log.Info("relay pause changed", logx.Bool("paused", paused))
	return nil
}

// Forward queues msg for every subscriber of its chat and returns how many
// deliveries were queued. The publisher itself and subscribers on platforms
// without an adapter are skipped.
func (s *Service) Forward(ctx context.Context, msg kit.Update) (int, error) {
	if strings.TrimSpace(msg.Text) == "" || s.paused.Load() {
		return 0, nil
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return 0, ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	from := msg.Chat.String()
	subs, err := s.subs.Subscribers(ctx, from)
	if err != nil {
		return 0, err
	}

	queued, dropped := 0, 0
	for _, sub := range subs {
		to, err := kit.ParseChatKey(sub)
		if err != nil {
			s.log.Warn("skipping malformed subscriber", logx.String("subscriber", sub), logx.Err(err))
			continue
		}
		if to == msg.Chat {
			continue
		}
		if _, ok := s.adapters.Get(to.Platform); !ok {
			s.log.Debug("no adapter for subscriber platform", logx.String("subscriber", sub))
			continue
		}
		select {
		case q <- job{from: msg.Chat, to: to, text: msg.Text}:
			queued++
		default:
			dropped++
			s.publish(EventDropped, DeliveryEvent{From: from, To: sub, Error: ErrQueueFull.Error()})
		}
	}
	if dropped > 0 {
		s.log.Warn("relay queue full", logx.String("from", from), logx.Int("dropped", dropped))
		return queued, ErrQueueFull
	}
	return queued, nil
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	ad, ok := s.adapters.Get(j.to.Platform)
	if !ok {
		return
	}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := ad.SendText(callCtx, j.to.ChatID, j.text)
		cancel()
		if err == nil {
			s.publish(EventSent, DeliveryEvent{From: j.from.String(), To: j.to.String(), Attempts: attempt})
			return
		}
		lastErr = err
		s.log.Debug("relay send failed", logx.String("to", j.to.String()), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("relay delivery failed", logx.String("from", j.from.String()), logx.String("to", j.to.String()), logx.Err(lastErr))
	s.publish(EventFailed, DeliveryEvent{From: j.from.String(), To: j.to.String(), Attempts: maxAttempts, Error: lastErr.Error()})
}

func (s *Service) publish(typ string, ev DeliveryEvent) {
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// retryDelay is the pause before attempt+1: base doubled per attempt, capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
