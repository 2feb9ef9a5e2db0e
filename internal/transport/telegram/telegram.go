package telegram

import (
	logx "chatbridge/pkg/logx"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	tele "gopkg.in/telebot.v4"

	rtsup "chatbridge/internal/runtime/supervisor"
	kit "chatbridge/internal/transport"
)

const textLimit = 4000

type Config struct {
	Token         string
	PollTimeout   time.Duration
	AdminCacheTTL time.Duration
}

// Adapter bridges one Telegram bot account. It handles group, supergroup,
// private and channel messages.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	me  int64
	out atomic.Value // chan<- kit.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	admins *ttlcache.Cache[string, bool]
	// roleOf looks up a chat member's status. Replaced in tests.
	roleOf func(chatID, userID int64) (tele.MemberStatus, error)
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	a := newAdapter(cfg, log)
	a.bot = b
	if b.Me != nil {
		a.me = b.Me.ID
	}
	a.roleOf = func(chatID, userID int64) (tele.MemberStatus, error) {
		m, err := b.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: userID})
		if err != nil {
			return "", err
		}
		return m.Role, nil
	}
	a.registerHandlers()
	return a, nil
}

func newAdapter(cfg Config, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	ttl := cfg.AdminCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	a := &Adapter{
		cfg: cfg,
		log: log,
		admins: ttlcache.New[string, bool](
			ttlcache.WithTTL[string, bool](ttl),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a
}

func (a *Adapter) Platform() string { return kit.PlatformTelegram }

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.dispatch(a.toUpdate(m, false))
		}
		return nil
	})
	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Text != "" {
			a.dispatch(a.toUpdate(m, true))
		}
		return nil
	})
}

func (a *Adapter) toUpdate(m *tele.Message, channel bool) kit.Update {
	up := kit.Update{
		Chat: kit.ChatKey{Platform: kit.PlatformTelegram, ChatID: strconv.FormatInt(m.Chat.ID, 10)},
		Text: m.Text,
	}
	if channel {
		// Only channel administrators can post in a channel.
		up.FromAdmin = true
		return up
	}
	up.Private = m.Chat.Type == tele.ChatPrivate
	if m.Sender != nil {
		up.AuthorID = strconv.FormatInt(m.Sender.ID, 10)
		up.AuthorName = m.Sender.Username
		if up.AuthorName == "" {
			up.AuthorName = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
		}
		up.FromSelf = a.me != 0 && m.Sender.ID == a.me
		up.FromAdmin = up.Private || a.isAdmin(m.Chat.ID, m.Sender.ID)
	}
	return up
}

// isAdmin reports whether userID administers chatID. Answers are cached per
// (chat, user) pair; lookup failures are not.
func (a *Adapter) isAdmin(chatID, userID int64) bool {
	key := fmt.Sprintf("%d:%d", chatID, userID)
	if item := a.admins.Get(key); item != nil {
		return item.Value()
	}
	if a.roleOf == nil {
		return false
	}
	role, err := a.roleOf(chatID, userID)
	if err != nil {
		a.log.Warn("chat member lookup failed", logx.Int64("chat_id", chatID), logx.Int64("user_id", userID), logx.Err(err))
		return false
	}
	ok := role == tele.Administrator || role == tele.Creator
	a.admins.Set(key, ok, ttlcache.DefaultTTL)
	return ok
}

func (a *Adapter) dispatch(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("admins.expire", func(c context.Context) {
		go a.admins.Start()
		<-c.Done()
		a.admins.Stop()
	})

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop. An early return while running is a failure.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(chanCap int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
	}
}

// Stop never blocks shutdown for long: the getUpdates long poll may still be
// waiting when the grace window closes.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	for _, chunk := range kit.SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(tele.ChatID(id), chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// SendPrivate messages a user directly. Telegram private chat IDs equal user
// IDs; the user must have started the bot before.
func (a *Adapter) SendPrivate(ctx context.Context, userID, text string) error {
	return a.SendText(ctx, userID, text)
}
