package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	sent, unsubSent := b.Subscribe(4, "relay.sent")
	defer unsubSent()

	b.Publish(Event{Type: "relay.failed", Data: 1})
	b.Publish(Event{Type: "relay.sent", Data: 2})

	e := <-all
	require.Equal(t, "relay.failed", e.Type)
	require.False(t, e.Time.IsZero())
	require.Equal(t, "relay.sent", (<-all).Type)

	e = <-sent
	require.Equal(t, 2, e.Data)
	require.Empty(t, sent)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x", Data: i})
	}
	require.Len(t, ch, 1)
	require.Equal(t, 0, (<-ch).Data)

	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: "x"})
}
