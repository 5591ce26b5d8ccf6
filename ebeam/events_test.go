package ebeam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()
	a := b.Subscribe(4)
	c := b.Subscribe(4)

	b.Publish(Event{Kind: EventPreset, Message: "work"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventPreset, ev.Kind)
			assert.False(t, ev.At.IsZero(), "Publish stamps the event")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive")
		}
	}
}

func TestBroadcasterNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: EventRamp})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a full subscriber stalled the publisher")
	}

	// the subscriber kept the first event and lost the rest
	require.Len(t, ch, 1)
}

func TestNilBroadcasterIsSafe(t *testing.T) {
	var b *Broadcaster
	assert.NotPanics(t, func() { b.Publish(Event{Kind: EventWrite}) })
}
