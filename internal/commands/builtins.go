package commands

import (
	logx "chatbridge/pkg/logx"
	"context"
	"errors"
	"fmt"
	"strings"

	"chatbridge/internal/broker"
	"chatbridge/internal/ledger"
	kit "chatbridge/internal/transport"
)

const (
	msgFailed    = "Something went wrong. Please try again later."
	msgInvalidID = "Invalid publisher ID. Use the number /get_id sent you."
)

func (d *Dispatcher) builtins() []Command {
	return []Command{
		{
			Name:        "get_id",
			Description: "send this chat's publisher ID to you privately",
			AdminOnly:   true,
			Handle:      d.cmdGetID,
		},
		{
			Name:        "reset_subs",
			Description: "issue a new publisher ID and drop all subscribers",
			AdminOnly:   true,
			Handle:      d.cmdResetSubs,
		},
		{
			Name:        "sub",
			Usage:       "<id> | <chat> <id>",
			Description: "receive messages published under <id>",
			AdminOnly:   true,
			Handle:      d.cmdSub,
		},
		{
			Name:        "unsub",
			Usage:       "[id]",
			Description: "stop receiving <id>, or everything without an argument",
			AdminOnly:   true,
			Handle:      d.cmdUnsub,
		},
		{
			Name:        "unsub_all",
			Description: "stop receiving from every publisher",
			AdminOnly:   true,
			Handle:      d.cmdUnsubAll,
		},
		{
			Name:        "subs",
			Description: "list the publisher IDs this chat receives",
			AdminOnly:   true,
			Handle:      d.cmdSubs,
		},
		{
			Name:        "pause",
			Description: "stop relaying messages everywhere",
			AdminOnly:   true,
			Handle:      d.cmdPause(true),
		},
		{
			Name:        "resume",
			Description: "resume relaying",
			AdminOnly:   true,
			Handle:      d.cmdPause(false),
		},
		{
			Name:        "help",
			Aliases:     []string{"start"},
			Description: "show this help",
			Handle:      d.cmdHelp,
		},
	}
}

func (d *Dispatcher) cmdGetID(ctx context.Context, req *Request) error {
	id, err := d.broker.PublisherID(ctx, req.Update.Chat.String())
	if err != nil {
		return d.fail(ctx, req, err)
	}
	return req.ReplyPrivate(ctx, id.String())
}

func (d *Dispatcher) cmdResetSubs(ctx context.Context, req *Request) error {
	id, err := d.broker.ResetPublisherID(ctx, req.Update.Chat.String())
	if err != nil {
		return d.fail(ctx, req, err)
	}
	return req.ReplyPrivate(ctx, "Subscriptions reset. New publisher ID: "+id.String())
}

func (d *Dispatcher) cmdSub(ctx context.Context, req *Request) error {
	subscriber := req.Update.Chat
	var raw string
	switch len(req.Args) {
	case 1:
		raw = req.Args[0]
	case 2:
		target, err := samePlatformChat(req.Update.Chat.Platform, req.Args[0])
		if err != nil {
			return req.Reply(ctx, "Invalid chat: "+err.Error())
		}
		subscriber, raw = target, req.Args[1]
	default:
		return req.Reply(ctx, "Usage: /sub <id> or /sub <chat> <id>")
	}
	id, err := ledger.ParsePublisherID(raw)
	if err != nil || id.IsZero() {
		return req.Reply(ctx, msgInvalidID)
	}
	if err := d.broker.Subscribe(ctx, subscriber.String(), id); err != nil {
		return d.fail(ctx, req, err)
	}
	d.log.Info("chat subscribed", logx.Stringer("subscriber", subscriber), logx.Stringer("publisher_id", id))
	return req.Reply(ctx, "Subscribed!")
}

func (d *Dispatcher) cmdUnsub(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return d.cmdUnsubAll(ctx, req)
	}
	id, err := ledger.ParsePublisherID(req.Args[0])
	if err != nil || id.IsZero() {
		return req.Reply(ctx, msgInvalidID)
	}
	if err := d.broker.Unsubscribe(ctx, req.Update.Chat.String(), id); err != nil {
		return d.fail(ctx, req, err)
	}
	return req.Reply(ctx, "Unsubscribed.")
}

func (d *Dispatcher) cmdUnsubAll(ctx context.Context, req *Request) error {
	if err := d.broker.UnsubscribeAll(ctx, req.Update.Chat.String()); err != nil {
		return d.fail(ctx, req, err)
	}
	d.log.Info("chat unsubscribed from all publishers", logx.Stringer("subscriber", req.Update.Chat))
	return req.Reply(ctx, "Unsubscribed!")
}

func (d *Dispatcher) cmdSubs(ctx context.Context, req *Request) error {
	ids, err := d.broker.Subscriptions(ctx, req.Update.Chat.String())
	if err != nil {
		return d.fail(ctx, req, err)
	}
	if len(ids) == 0 {
		return req.Reply(ctx, "No subscriptions.")
	}
	var b strings.Builder
	b.WriteString("Subscriptions:")
	for _, id := range ids {
		b.WriteString("\n")
		b.WriteString(id.String())
	}
	return req.Reply(ctx, b.String())
}

func (d *Dispatcher) cmdPause(paused bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if err := d.relay.SetPaused(ctx, paused); err != nil {
			return d.fail(ctx, req, err)
		}
		if paused {
			return req.Reply(ctx, "Relay paused.")
		}
		return req.Reply(ctx, "Relay resumed.")
	}
}

func (d *Dispatcher) cmdHelp(ctx context.Context, req *Request) error {
	d.mu.RLock()
	names := append([]string(nil), d.names...)
	cmds := make([]*Command, 0, len(names))
	for _, n := range names {
		cmds = append(cmds, d.cmds[n])
	}
	prefix := d.cfg.Prefix
	d.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range cmds {
		b.WriteString("\n" + prefix + c.Name)
		if c.Usage != "" {
			b.WriteString(" " + c.Usage)
		}
		b.WriteString(" - " + c.Description)
	}
	if d.relay.Paused() {
		b.WriteString("\n\nRelaying is paused.")
	}
	return req.Reply(ctx, b.String())
}

// fail logs err and tells the chat something went wrong without details.
func (d *Dispatcher) fail(ctx context.Context, req *Request, err error) error {
	if errors.Is(err, broker.ErrInvalidKey) || errors.Is(err, broker.ErrInvalidID) {
		_ = req.Reply(ctx, msgInvalidID)
		return err
	}
	d.log.Error("command failed", logx.String("cmd", req.Command), logx.Stringer("chat", req.Update.Chat), logx.Err(err))
	_ = req.Reply(ctx, msgFailed)
	return err
}

// samePlatformChat resolves the chat argument of the two-argument /sub form.
// A bare chat ID is taken to be on platform.
func samePlatformChat(platform, arg string) (kit.ChatKey, error) {
	if !strings.Contains(arg, ":") {
		return kit.ChatKey{Platform: platform, ChatID: arg}, nil
	}
	k, err := kit.ParseChatKey(arg)
	if err != nil {
		return kit.ChatKey{}, err
	}
	if k.Platform != platform {
		return kit.ChatKey{}, fmt.Errorf("%s is not a %s chat", arg, platform)
	}
	return k, nil
}
