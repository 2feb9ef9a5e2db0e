package discord

import (
	logx "chatbridge/pkg/logx"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jellydator/ttlcache/v3"

	kit "chatbridge/internal/transport"
)

const textLimit = 2000

type Config struct {
	Token         string
	AdminCacheTTL time.Duration
}

// Adapter bridges one Discord bot account over the gateway.
type Adapter struct {
	cfg Config
	log logx.Logger

	session *discordgo.Session
	me      atomic.Value // string
	out     atomic.Value // chan<- kit.Update

	runMu   sync.Mutex
	running bool
	removes []func()

	droppedUpdates atomic.Uint64

	admins *ttlcache.Cache[string, bool]
	// permsOf returns a member's computed permissions in a channel.
	// Replaced in tests.
	permsOf func(userID, channelID string) (int64, error)
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsDirectMessages

	a := newAdapter(cfg, log)
	a.session = s
	a.permsOf = func(userID, channelID string) (int64, error) {
		return s.UserChannelPermissions(userID, channelID)
	}
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
	a.me.Store("")
	return a
}

func (a *Adapter) Platform() string { return kit.PlatformDiscord }

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(out)
	a.removes = append(a.removes,
		a.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			if r.User != nil {
				a.me.Store(r.User.ID)
				a.log.Info("gateway ready", logx.String("user", r.User.Username))
			}
		}),
		a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if m.Message == nil {
				return
			}
			a.dispatch(a.toUpdate(m.Message))
		}),
	)
	if err := a.session.Open(); err != nil {
		a.dropHandlers()
		return err
	}
	a.running = true
	go a.admins.Start()
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	if !a.running {
		return nil
	}
	a.running = false
	a.dropHandlers()
	a.admins.Stop()
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
	}
	if err := a.session.Close(); err != nil {
		a.log.Warn("gateway close failed", logx.Err(err))
	}
	a.log.Info("gateway closed")
	return nil
}

func (a *Adapter) dropHandlers() {
	for _, rm := range a.removes {
		rm()
	}
	a.removes = nil
}

func (a *Adapter) toUpdate(m *discordgo.Message) kit.Update {
	up := kit.Update{
		Chat:    kit.ChatKey{Platform: kit.PlatformDiscord, ChatID: m.ChannelID},
		Text:    m.Content,
		Private: m.GuildID == "",
	}
	if m.Author == nil {
		return up
	}
	up.AuthorID = m.Author.ID
	up.AuthorName = m.Author.Username
	me, _ := a.me.Load().(string)
	up.FromSelf = me != "" && m.Author.ID == me
	if m.WebhookID != "" || m.Author.Bot {
		return up
	}
	up.FromAdmin = up.Private || a.isAdmin(m.ChannelID, m.Author.ID)
	return up
}

func (a *Adapter) isAdmin(channelID, userID string) bool {
	key := channelID + ":" + userID
	if item := a.admins.Get(key); item != nil {
		return item.Value()
	}
	if a.permsOf == nil {
		return false
	}
	perms, err := a.permsOf(userID, channelID)
	if err != nil {
		a.log.Warn("channel permission lookup failed", logx.String("channel_id", channelID), logx.String("user_id", userID), logx.Err(err))
		return false
	}
	ok := perms&discordgo.PermissionAdministrator == discordgo.PermissionAdministrator
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

func (a *Adapter) SendText(ctx context.Context, channelID, text string) error {
	for _, chunk := range kit.SplitText(text, textLimit) {
		if _, err := a.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return err
		}
	}
	return nil
}

// SendPrivate opens (or reuses) the DM channel with userID.
func (a *Adapter) SendPrivate(ctx context.Context, userID, text string) error {
	ch, err := a.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	return a.SendText(ctx, ch.ID, text)
}
