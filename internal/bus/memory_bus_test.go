// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, TopicTally)
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, TopicTally)
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "other")
	require.NoError(t, err)

	ev := Event{Kind: KindTallyUpdate, RunID: 1, Count: 7}
	require.NoError(t, b.Publish(ctx, TopicTally, ev))

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case got := <-sub.C():
			require.Equal(t, 7, got.Count)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case <-other.C():
		t.Fatal("event leaked across topics")
	default:
	}
}

func TestSlowSubscriberLosesOldest(t *testing.T) {
	b := NewMemoryBusWithBuffer(2)
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, TopicTally)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(ctx, TopicTally, Event{Kind: KindTallyUpdate, Count: i}))
	}

	// Queue depth two: only the newest two survive.
	first := <-sub.C()
	second := <-sub.C()
	require.Equal(t, 4, first.Count)
	require.Equal(t, 5, second.Count)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected extra event with count %d", ev.Count)
	default:
	}
}

func TestSubscriptionCloseDetaches(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close() //nolint:errcheck
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, TopicTally)
	require.NoError(t, err)
	sub.Close()
	sub.Close() // idempotent

	_, open := <-sub.C()
	require.False(t, open, "channel stays open after Close")

	// Publishing after detach must not panic.
	require.NoError(t, b.Publish(ctx, TopicTally, Event{Kind: KindTallyUpdate}))
}

func TestBusCloseIsTerminalAndIdempotent(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, TopicTally)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, open := <-sub.C()
	require.False(t, open)

	require.ErrorIs(t, b.Publish(ctx, TopicTally, Event{}), ErrBusClosed)
	_, err = b.Subscribe(ctx, TopicTally)
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestPublishWithoutSubscribersIsCheap(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close() //nolint:errcheck
	require.NoError(t, b.Publish(context.Background(), TopicTally, Event{Kind: KindTallyUpdate}))
}
