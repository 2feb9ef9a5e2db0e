package relay

import (
	logx "chatbridge/pkg/logx"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/broker"
	"chatbridge/internal/eventbus"
	"chatbridge/internal/storage"
	kit "chatbridge/internal/transport"

	"github.com/stretchr/testify/require"
)

type sent struct {
	chatID string
	text   string
}

type fakeAdapter struct {
	platform string

	mu    sync.Mutex
	sent  []sent
	fails int // fail this many sends before succeeding
}

func (f *fakeAdapter) Platform() string { return f.platform }
func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error { return nil }
func (f *fakeAdapter) SendPrivate(ctx context.Context, u, t string) error { return f.SendText(ctx, u, t) }

func (f *fakeAdapter) SendText(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("flood wait")
	}
	f.sent = append(f.sent, sent{chatID, text})
	return nil
}

func (f *fakeAdapter) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type fixture struct {
	store    storage.Store
	broker   *broker.Broker
	bus      eventbus.Bus
	telegram *fakeAdapter
	svc      *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemory(),
		bus:      eventbus.New(),
		telegram: &fakeAdapter{platform: kit.PlatformTelegram},
	}
	f.broker = broker.New(f.store)
	f.svc = New(cfg, f.broker, kit.NewRegistry(f.telegram), f.store, f.bus, logx.Nop())
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.svc.Stop(ctx)
	})
}

func (f *fixture) subscribe(t *testing.T, publisher string, subscribers ...string) {
	t.Helper()
	ctx := context.Background()
	id, err := f.broker.PublisherID(ctx, publisher)
	require.NoError(t, err)
	for _, s := range subscribers {
		require.NoError(t, f.broker.Subscribe(ctx, s, id))
	}
}

func waitEvents(t *testing.T, ch <-chan eventbus.Event, n int) []eventbus.Event {
	t.Helper()
	out := make([]eventbus.Event, 0, n)
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-timeout:
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestForwardFansOut(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	events, unsub := f.bus.Subscribe(16, EventSent)
	defer unsub()
	f.start(t)

	// The publisher subscribed to itself is skipped, and so is a platform
	// with no adapter.
	f.subscribe(t, "discord:1", "telegram:10", "telegram:20", "discord:1", "slack:5")

	n, err := f.svc.Forward(context.Background(), kit.Update{Chat: kit.ChatKey{Platform: "discord", ChatID: "1"}, Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	waitEvents(t, events, 2)
	require.ElementsMatch(t, []sent{{"10", "hello"}, {"20", "hello"}}, f.telegram.Sent())
}

func TestForwardWithoutSubscribersRegistersPublisher(t *testing.T) {
	f := newFixture(t, Config{})
	f.start(t)

	n, err := f.svc.Forward(context.Background(), kit.Update{Chat: kit.ChatKey{Platform: "telegram", ChatID: "3"}, Text: "x"})
	require.NoError(t, err)
	require.Zero(t, n)

	snap, err := f.broker.Snapshot(context.Background())
	require.NoError(t, err)
	require.Contains(t, snap.Pubs, "telegram:3")
}

func TestRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
	f.telegram.fails = 2
	events, unsub := f.bus.Subscribe(4, EventSent, EventFailed)
	defer unsub()
	f.start(t)
	f.subscribe(t, "discord:1", "telegram:10")

	_, err := f.svc.Forward(context.Background(), kit.Update{Chat: kit.ChatKey{Platform: "discord", ChatID: "1"}, Text: "retry me"})
	require.NoError(t, err)

	e := waitEvents(t, events, 1)[0]
	require.Equal(t, EventSent, e.Type)
	require.Equal(t, 3, e.Data.(DeliveryEvent).Attempts)
}

func TestGivesUpAfterRetryMax(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, RetryMax: 1, RetryBase: time.Millisecond})
	f.telegram.fails = 10
	events, unsub := f.bus.Subscribe(4, EventSent, EventFailed)
	defer unsub()
	f.start(t)
	f.subscribe(t, "discord:1", "telegram:10")

	_, err := f.svc.Forward(context.Background(), kit.Update{Chat: kit.ChatKey{Platform: "discord", ChatID: "1"}, Text: "lost"})
	require.NoError(t, err)

	e := waitEvents(t, events, 1)[0]
	require.Equal(t, EventFailed, e.Type)
	ev := e.Data.(DeliveryEvent)
	require.Equal(t, "telegram:10", ev.To)
	require.Equal(t, 2, ev.Attempts)
	require.Equal(t, "flood wait", ev.Error)
	require.Empty(t, f.telegram.Sent())
}

func TestPauseIsPersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.start(t)
	f.subscribe(t, "discord:1", "telegram:10")

	require.NoError(t, f.svc.SetPaused(ctx, true))
	require.True(t, f.svc.Paused())
	n, err := f.svc.Forward(ctx, kit.Update{Chat: kit.ChatKey{Platform: "discord", ChatID: "1"}, Text: "muted"})
	require.NoError(t, err)
	require.Zero(t, n)

	st := &Settings{}
	require.NoError(t, f.store.Load(ctx, st))
	require.True(t, st.Paused)

	again := New(Config{}, f.broker, kit.NewRegistry(f.telegram), f.store, nil, logx.Nop())
	require.NoError(t, again.Start(ctx))
	require.True(t, again.Paused())
	again.Stop(ctx)

	require.NoError(t, f.svc.SetPaused(ctx, false))
	n, err = f.svc.Forward(ctx, kit.Update{Chat: kit.ChatKey{Platform: "discord", ChatID: "1"}, Text: "back"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStopDrainsAndRefuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Workers: 1, RatePerSec: 1000})
	require.NoError(t, f.svc.Start(ctx))
	f.subscribe(t, "discord:1", "telegram:10", "telegram:11", "telegram:12")

	for i := 0; i < 5; i++ {
		_, err := f.svc.Forward(ctx, kit.Update{Chat: kit.ChatKey{Platform: "discord", ChatID: "1"}, Text: "m"})
		require.NoError(t, err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	f.svc.Stop(stopCtx)

	require.Len(t, f.telegram.Sent(), 15)
	_, err := f.svc.Forward(ctx, kit.Update{Chat: kit.ChatKey{Platform: "discord", ChatID: "1"}, Text: "late"})
	require.ErrorIs(t, err, ErrStopped)
}

func TestQueueFullDrops(t *testing.T) {
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(4, EventDropped)
	defer unsub()
	f.subscribe(t, "discord:1", "telegram:10", "telegram:11")

	// Accept without workers so the single slot stays taken.
	f.svc.queue = make(chan job, 1)
	f.svc.accepting = true

	n, err := f.svc.Forward(context.Background(), kit.Update{Chat: kit.ChatKey{Platform: "discord", ChatID: "1"}, Text: "m"})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, 1, n)
	ev := waitEvents(t, events, 1)[0].Data.(DeliveryEvent)
	require.Equal(t, "telegram:11", ev.To)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, time.Second)
	}
	require.GreaterOrEqual(t, retryDelay(cfg, 1), 70*time.Millisecond)
}
