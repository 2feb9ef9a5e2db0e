package broker

import (
	logx "chatbridge/pkg/logx"
	"context"
	"strings"

	"chatbridge/internal/ledger"
	"chatbridge/internal/storage"
)

const maxMintAttempts = 8

// Broker owns publisher identities and subscriber sets. It is the only
// writer of the ledger.
//
// Every operation is one storage.Store.Update (or Load for pure reads): the
// whole ledger is loaded, mutated and saved under the store's lock, so
// concurrent calls from any number of adapters serialize cleanly. The broker
// keeps no ledger copy between calls.
type Broker struct {
	store storage.Store
	log   logx.Logger
	newID func() (ledger.PublisherID, error)
}

type Option func(*Broker)

func WithLogger(log logx.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// WithIDSource replaces the random ID generator.
func WithIDSource(fn func() (ledger.PublisherID, error)) Option {
	return func(b *Broker) {
		if fn != nil {
			b.newID = fn
		}
	}
}

func New(store storage.Store, opts ...Option) *Broker {
	b := &Broker{store: store, newID: ledger.NewPublisherID}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

// PublisherID returns the ID of publisher, registering it first if it has
// never been seen.
func (b *Broker) PublisherID(ctx context.Context, publisher string) (ledger.PublisherID, error) {
	var id ledger.PublisherID
	if err := checkKey(publisher); err != nil {
		return id, opErr("publisher id", err)
	}
	err := b.update(ctx, "publisher id", func(l *ledger.Ledger) (bool, error) {
		if cur, ok := l.Pubs[publisher]; ok {
			id = cur
			return false, nil
		}
		nid, err := b.reset(l, publisher)
		if err != nil {
			return false, err
		}
		id = nid
		b.log.Info("publisher registered", logx.String("publisher", publisher))
		return true, nil
	})
	return id, err
}

// ResetPublisherID retires the publisher's current ID together with its
// subscriber set and installs a fresh ID with no subscribers.
func (b *Broker) ResetPublisherID(ctx context.Context, publisher string) (ledger.PublisherID, error) {
	var id ledger.PublisherID
	if err := checkKey(publisher); err != nil {
		return id, opErr("reset publisher id", err)
	}
	err := b.update(ctx, "reset publisher id", func(l *ledger.Ledger) (bool, error) {
		nid, err := b.reset(l, publisher)
		if err != nil {
			return false, err
		}
		id = nid
		return true, nil
	})
	if err == nil {
		b.log.Info("publisher id reset", logx.String("publisher", publisher))
	}
	return id, err
}

// Subscribers returns a sorted snapshot of the publisher's subscribers,
// registering the publisher first if needed.
func (b *Broker) Subscribers(ctx context.Context, publisher string) ([]string, error) {
	var out []string
	if err := checkKey(publisher); err != nil {
		return nil, opErr("subscribers", err)
	}
	err := b.update(ctx, "subscribers", func(l *ledger.Ledger) (bool, error) {
		id, ok := l.Pubs[publisher]
		changed := false
		if !ok {
			nid, err := b.reset(l, publisher)
			if err != nil {
				return false, err
			}
			id, changed = nid, true
			b.log.Info("publisher registered", logx.String("publisher", publisher))
		}
		out = l.Subs[id].Sorted()
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubscribersOf returns the subscribers of a publisher ID without
// registering anything. Unknown IDs have no subscribers.
func (b *Broker) SubscribersOf(ctx context.Context, id ledger.PublisherID) ([]string, error) {
	var out []string
	err := b.view(ctx, "subscribers of", func(l *ledger.Ledger) {
		out = l.Subs[id].Sorted()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Subscriptions returns the IDs subscriber is subscribed to, ascending.
// It scans every publisher ID.
func (b *Broker) Subscriptions(ctx context.Context, subscriber string) ([]ledger.PublisherID, error) {
	var out []ledger.PublisherID
	if err := checkKey(subscriber); err != nil {
		return nil, opErr("subscriptions", err)
	}
	err := b.view(ctx, "subscriptions", func(l *ledger.Ledger) {
		out = l.SubscriptionsOf(subscriber)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe adds subscriber to id's set, creating the set for an ID no
// publisher owns yet. Subscribing twice is a no-op.
func (b *Broker) Subscribe(ctx context.Context, subscriber string, id ledger.PublisherID) error {
	if err := checkRef(subscriber, id); err != nil {
		return opErr("subscribe", err)
	}
	return b.update(ctx, "subscribe", func(l *ledger.Ledger) (bool, error) {
		set, ok := l.Subs[id]
		if !ok {
			set = ledger.SubscriberSet{}
			l.Subs[id] = set
		}
		if set.Has(subscriber) {
			return !ok, nil
		}
		set[subscriber] = struct{}{}
		b.log.Debug("subscribed", logx.String("subscriber", subscriber), logx.Stringer("publisher_id", id))
		return true, nil
	})
}

// Unsubscribe removes subscriber from id's set. Absent entries are a no-op.
func (b *Broker) Unsubscribe(ctx context.Context, subscriber string, id ledger.PublisherID) error {
	if err := checkRef(subscriber, id); err != nil {
		return opErr("unsubscribe", err)
	}
	return b.update(ctx, "unsubscribe", func(l *ledger.Ledger) (bool, error) {
		set, ok := l.Subs[id]
		if !ok || !set.Has(subscriber) {
			return false, nil
		}
		delete(set, subscriber)
		b.log.Debug("unsubscribed", logx.String("subscriber", subscriber), logx.Stringer("publisher_id", id))
		return true, nil
	})
}

// UnsubscribeAll removes subscriber from every subscriber set.
func (b *Broker) UnsubscribeAll(ctx context.Context, subscriber string) error {
	if err := checkKey(subscriber); err != nil {
		return opErr("unsubscribe all", err)
	}
	return b.update(ctx, "unsubscribe all", func(l *ledger.Ledger) (bool, error) {
		n := 0
		for _, set := range l.Subs {
			if set.Has(subscriber) {
				delete(set, subscriber)
				n++
			}
		}
		if n > 0 {
			b.log.Debug("unsubscribed from all", logx.String("subscriber", subscriber), logx.Int("count", n))
		}
		return n > 0, nil
	})
}

// Snapshot returns a copy of the current ledger.
func (b *Broker) Snapshot(ctx context.Context) (*ledger.Ledger, error) {
	var out *ledger.Ledger
	err := b.view(ctx, "snapshot", func(l *ledger.Ledger) {
		out = l.Clone()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reset mints a new ID for publisher, dropping the old ID and its
// subscribers. The old ID is still in the ledger while minting, so it can
// never come back as the new one.
func (b *Broker) reset(l *ledger.Ledger, publisher string) (ledger.PublisherID, error) {
	id, err := b.mint(l)
	if err != nil {
		return id, err
	}
	if old, ok := l.Pubs[publisher]; ok {
		delete(l.Subs, old)
		delete(l.Pubs, publisher)
	}
	l.Pubs[publisher] = id
	l.Subs[id] = ledger.SubscriberSet{}
	return id, nil
}

func (b *Broker) mint(l *ledger.Ledger) (ledger.PublisherID, error) {
	for attempt := 1; attempt <= maxMintAttempts; attempt++ {
		id, err := b.newID()
		if err != nil {
			return ledger.PublisherID{}, err
		}
		if id.IsZero() || l.InUse(id) {
			b.log.Warn("minted publisher id collides, re-rolling", logx.Int("attempt", attempt))
			continue
		}
		return id, nil
	}
	return ledger.PublisherID{}, ErrIDCollision
}

// update runs fn inside one Store.Update. fn reports whether it changed the
// ledger; unchanged ledgers are not rewritten.
func (b *Broker) update(ctx context.Context, op string, fn func(l *ledger.Ledger) (bool, error)) error {
	l := ledger.New()
	err := b.store.Update(ctx, l, func() error {
		l.Normalize()
		changed, err := fn(l)
		if err != nil {
			return err
		}
		if !changed {
			return storage.ErrSkipSave
		}
		return nil
	})
	if err != nil {
		b.log.Error("ledger update failed", logx.String("op", op), logx.Err(err))
	}
	return opErr(op, err)
}

func (b *Broker) view(ctx context.Context, op string, fn func(l *ledger.Ledger)) error {
	l := ledger.New()
	if err := b.store.Load(ctx, l); err != nil {
		b.log.Error("ledger load failed", logx.String("op", op), logx.Err(err))
		return opErr(op, err)
	}
	l.Normalize()
	fn(l)
	return nil
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

func checkRef(subscriber string, id ledger.PublisherID) error {
	if err := checkKey(subscriber); err != nil {
		return err
	}
	if id.IsZero() {
		return ErrInvalidID
	}
	return nil
}
