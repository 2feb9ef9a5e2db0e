package ledger

import (
	"encoding/json"
	"sort"

	"chatbridge/internal/storage"
)

// Kind is the storage key of the ledger document.
const Kind storage.Kind = "ledger"

// SubscriberSet is a set of platform-qualified subscriber keys.
// It serializes as a sorted JSON array.
type SubscriberSet map[string]struct{}

func NewSubscriberSet(keys ...string) SubscriberSet {
	s := make(SubscriberSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s SubscriberSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Sorted returns the members in ascending order.
func (s SubscriberSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s SubscriberSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *SubscriberSet) UnmarshalJSON(b []byte) error {
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	*s = NewSubscriberSet(keys...)
	return nil
}

// Ledger is the single persisted document mapping publishers to IDs and IDs
// to subscriber sets.
type Ledger struct {
	Subs map[PublisherID]SubscriberSet `json:"subs"`
	Pubs map[string]PublisherID        `json:"pubs"`
}

var _ storage.Document = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		Subs: map[PublisherID]SubscriberSet{},
		Pubs: map[string]PublisherID{},
	}
}

func (l *Ledger) StorageKind() storage.Kind { return Kind }

// Normalize replaces nil maps and restores the invariant that every
// publisher ID in Pubs owns a (possibly empty) subscriber set.
func (l *Ledger) Normalize() {
	if l.Subs == nil {
		l.Subs = map[PublisherID]SubscriberSet{}
	}
	if l.Pubs == nil {
		l.Pubs = map[string]PublisherID{}
	}
	for id, set := range l.Subs {
		if set == nil {
			l.Subs[id] = SubscriberSet{}
		}
	}
	for _, id := range l.Pubs {
		if _, ok := l.Subs[id]; !ok {
			l.Subs[id] = SubscriberSet{}
		}
	}
}

// InUse reports whether id is referenced anywhere in the ledger.
func (l *Ledger) InUse(id PublisherID) bool {
	if _, ok := l.Subs[id]; ok {
		return true
	}
	for _, v := range l.Pubs {
		if v == id {
			return true
		}
	}
	return false
}

// SubscriptionsOf returns the IDs whose subscriber set holds key, ascending.
func (l *Ledger) SubscriptionsOf(key string) []PublisherID {
	out := []PublisherID{}
	for id, set := range l.Subs {
		if set.Has(key) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	c := New()
	for id, set := range l.Subs {
		cp := make(SubscriberSet, len(set))
		for k := range set {
			cp[k] = struct{}{}
		}
		c.Subs[id] = cp
	}
	for k, id := range l.Pubs {
		c.Pubs[k] = id
	}
	return c
}
