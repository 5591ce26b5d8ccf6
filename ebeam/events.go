package ebeam

import (
	"sync"
	"time"
)

// EventKind discriminates status events.
type EventKind string

// The event kinds emitted by the core.
const (
	// EventDeviceOpen and EventDeviceClose bracket the hardware session.
	EventDeviceOpen  EventKind = "device-open"
	EventDeviceClose EventKind = "device-close"

	// EventRamp is a per-tick (channel, voltage) snapshot of a moving
	// channel.
	EventRamp EventKind = "ramp"

	// EventWrite is a direct (non-ramped) channel write.
	EventWrite EventKind = "write"

	// EventPreset marks application of the Idle or Work preset.
	EventPreset EventKind = "preset"

	// EventHandover marks a computer-control state transition, immediate
	// or deferred.
	EventHandover EventKind = "handover"

	// EventShutdown marks the start and completion of the shutdown
	// sequence.
	EventShutdown EventKind = "shutdown"
)

// An Event is one structured status record.  The zero values of Channel and
// Voltage are meaningless for kinds that do not concern a channel.
type Event struct {
	Kind    EventKind `json:"kind"`
	Channel string    `json:"channel,omitempty"`
	Voltage float64   `json:"voltage,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// A Broadcaster fans events out to any number of subscribers.  Sends never
// block: a subscriber that falls behind misses events rather than stalling
// the control loop.
type Broadcaster struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewBroadcaster returns an empty Broadcaster.  The zero value is also
// usable.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers a new subscriber and returns its channel.  buffer is
// the channel depth; per-tick ramp traffic arrives at 20 Hz per moving
// channel, so a few dozen is plenty for a display consumer.
func (b *Broadcaster) Subscribe(buffer int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, buffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber with room for it.
func (b *Broadcaster) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) channelEvent(kind EventKind, c Channel, v float64) {
	b.Publish(Event{Kind: kind, Channel: c.String(), Voltage: v})
}

func (b *Broadcaster) message(kind EventKind, msg string) {
	b.Publish(Event{Kind: kind, Message: msg})
}
