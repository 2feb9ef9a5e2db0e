package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
)

// ChatKey is a platform-qualified chat address. Its string form
// "<platform>:<chat id>" is what the ledger stores.
type ChatKey struct {
	Platform string
	ChatID   string
}

func (k ChatKey) String() string { return k.Platform + ":" + k.ChatID }

func (k ChatKey) IsZero() bool { return k.Platform == "" && k.ChatID == "" }

// ParseChatKey splits s on the first colon. Chat IDs may contain further
// colons; platforms may not.
func ParseChatKey(s string) (ChatKey, error) {
	platform, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || platform == "" || id == "" {
		return ChatKey{}, fmt.Errorf("chat key %q: want <platform>:<chat id>", s)
	}
	return ChatKey{Platform: strings.ToLower(platform), ChatID: id}, nil
}

// Update is one inbound chat message as seen by the dispatcher.
type Update struct {
	Chat       ChatKey
	AuthorID   string
	AuthorName string
	Text       string

	// FromAdmin is set when the author may administer Chat. Private chats
	// always count as administered by their only member.
	FromAdmin bool
	// FromSelf marks messages the bot itself posted.
	FromSelf bool
	Private  bool
}

// Adapter is a chat platform connection.
//
// Start begins delivering updates to out and returns without blocking.
// SendText posts to a chat; SendPrivate opens or reuses a direct
// conversation with a user.
type Adapter interface {
	Platform() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, chatID, text string) error
	SendPrivate(ctx context.Context, userID, text string) error
}

// Registry maps platform names to running adapters.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{m: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.m[a.Platform()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(platform string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.m[platform]
	return a, ok
}

// All returns the adapters ordered by platform name.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	out := make([]Adapter, 0, len(r.m))
	for _, a := range r.m {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Platform() < out[j].Platform() })
	return out
}

// SplitText cuts s into chunks of at most limit runes, preferring newline
// boundaries in the last two thirds of each window.
func SplitText(s string, limit int) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
