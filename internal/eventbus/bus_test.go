package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	one, stopOne := b.Subscribe(8)
	two, stopTwo := b.Subscribe(8)
	defer stopOne()
	defer stopTwo()

	b.Publish(Event{Type: "check.started", Data: "t1"})

	ev := <-one
	require.Equal(t, "check.started", ev.Type)
	require.Equal(t, "t1", ev.Data)
	require.False(t, ev.Time.IsZero(), "publish stamps the time")

	ev = <-two
	require.Equal(t, "check.started", ev.Type)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	ch, stop := b.Subscribe(1)
	defer stop()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full: dropped, must not block

	require.Equal(t, "a", (<-ch).Type)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q after drop", ev.Type)
	default:
	}
}

func TestUnsubscribeClosesChannelAndIsIdempotent(t *testing.T) {
	b := New()
	ch, stop := b.Subscribe(4)

	stop()
	stop() // second call is a no-op

	_, open := <-ch
	require.False(t, open, "unsubscribe closes the channel")

	// A publish racing a completed unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
}
