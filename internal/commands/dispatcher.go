package commands

import (
	logx "chatbridge/pkg/logx"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/ledger"
	kit "chatbridge/internal/transport"
)

// Broker is the subset of the chat broker the commands drive.
type Broker interface {
	PublisherID(ctx context.Context, publisher string) (ledger.PublisherID, error)
	ResetPublisherID(ctx context.Context, publisher string) (ledger.PublisherID, error)
	Subscriptions(ctx context.Context, subscriber string) ([]ledger.PublisherID, error)
	Subscribe(ctx context.Context, subscriber string, id ledger.PublisherID) error
	Unsubscribe(ctx context.Context, subscriber string, id ledger.PublisherID) error
	UnsubscribeAll(ctx context.Context, subscriber string) error
}

// Relay receives every message that is not a command.
type Relay interface {
	Forward(ctx context.Context, msg kit.Update) (int, error)
	SetPaused(ctx context.Context, paused bool) error
	Paused() bool
}

type Config struct {
	Prefix  string
	Timeout time.Duration
	Workers int
}

type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	AdminOnly   bool
	Handle      HandlerFunc
}

// Request is one command invocation.
type Request struct {
	Update  kit.Update
	Command string
	Args    []string
	Adapter kit.Adapter
}

// Reply posts text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Adapter.SendText(ctx, r.Update.Chat.ChatID, text)
}

// ReplyPrivate sends text to the author directly. Messages with no known
// author (channel posts) and private chats fall back to Reply.
func (r *Request) ReplyPrivate(ctx context.Context, text string) error {
	if r.Update.AuthorID == "" || r.Update.Private {
		return r.Reply(ctx, text)
	}
	return r.Adapter.SendPrivate(ctx, r.Update.AuthorID, text)
}

// Dispatcher routes inbound updates: commands to their handlers, everything
// else to the relay.
type Dispatcher struct {
	mu    sync.RWMutex
	cfg   Config
	cmds  map[string]*Command
	names []string

	broker   Broker
	relay    Relay
	adapters *kit.Registry
	log      logx.Logger
}

func New(cfg Config, broker Broker, relay Relay, adapters *kit.Registry, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cmds:     map[string]*Command{},
		broker:   broker,
		relay:    relay,
		adapters: adapters,
		log:      log,
	}
	d.Apply(cfg)
	for _, c := range d.builtins() {
		d.Register(c)
	}
	return d
}

// Apply swaps the prefix, timeout and worker count. Workers take effect on
// the next Run.
func (d *Dispatcher) Apply(cfg Config) {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) Register(c Command) {
	if c.Name == "" || c.Handle == nil {
		return
	}
	cc := c
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds[cc.Name] = &cc
	for _, a := range cc.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			d.cmds[a] = &cc
		}
	}
	d.names = append(d.names, cc.Name)
	sort.Strings(d.names)
}

func (d *Dispatcher) lookup(name string) (*Command, Config) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cmds[name], d.cfg
}

// Handle processes one update.
func (d *Dispatcher) Handle(ctx context.Context, up kit.Update) error {
	if up.FromSelf || up.Chat.IsZero() {
		return nil
	}
	d.mu.RLock()
	prefix := d.cfg.Prefix
	d.mu.RUnlock()

	name, args, isCmd := parseCommand(up.Text, prefix)
	var cmd *Command
	var cfg Config
	if isCmd {
		cmd, cfg = d.lookup(name)
	}
	if cmd == nil {
		// Unknown commands travel like ordinary text.
		n, err := d.relay.Forward(ctx, up)
		if err != nil {
			d.log.Warn("relay forward failed", logx.Stringer("chat", up.Chat), logx.Err(err))
			return err
		}
		if n > 0 {
			d.log.Debug("message relayed", logx.Stringer("chat", up.Chat), logx.Int("deliveries", n))
		}
		return nil
	}

	if cmd.AdminOnly && !up.FromAdmin {
		d.log.Debug("ignoring command from non-admin", logx.String("cmd", cmd.Name), logx.Stringer("chat", up.Chat), logx.String("from", up.AuthorID))
		return nil
	}
	ad, ok := d.adapters.Get(up.Chat.Platform)
	if !ok {
		return fmt.Errorf("no adapter for platform %q", up.Chat.Platform)
	}

	req := &Request{Update: up, Command: cmd.Name, Args: args, Adapter: ad}
	h := Chain(cmd.Handle, withRecover(d.log), withRequestLog(d.log), withTimeout(cfg.Timeout))
	return h(ctx, req)
}

// Run feeds updates to a worker pool until ctx is done or updates closes.
func (d *Dispatcher) Run(ctx context.Context, updates <-chan kit.Update) error {
	d.mu.RLock()
	workers := d.cfg.Workers
	d.mu.RUnlock()
	d.log.Info("command dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case up, ok := <-updates:
					if !ok {
						return
					}
					d.handleSafe(ctx, idx, up)
				}
			}
		}(i)
	}
	wg.Wait()
	d.log.Info("command dispatcher stopped")
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Dispatcher) handleSafe(ctx context.Context, worker int, up kit.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in dispatch worker", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	_ = d.Handle(ctx, up)
}
