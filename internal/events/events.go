// Package events fans progress, log, error and completion events out to live
// subscribers. Delivery is best effort: nothing is persisted or replayed.
package events

import (
	"sync"
	"time"
)

// Channel groups events by the pipeline that produced them.
type Channel string

const (
	ChannelScan       Channel = "scan"
	ChannelUpload     Channel = "upload"
	ChannelPackageJob Channel = "package-job"
)

// Type is the kind of an event within a channel.
type Type string

const (
	TypeLog      Type = "log"
	TypeProgress Type = "progress"
	TypeError    Type = "error"
	TypeComplete Type = "complete"
)

// Event is one broadcast message. TargetID names the server, upload or
// installation the event is about, when there is one.
type Event struct {
	Channel  Channel   `json:"channel"`
	Type     Type      `json:"type"`
	Message  string    `json:"message"`
	TargetID string    `json:"targetId,omitempty"`
	Data     any       `json:"data,omitempty"`
	Time     time.Time `json:"time"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Broadcaster delivers each published event to every subscriber whose buffer
// has room; a full buffer drops the event for that subscriber only.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	dropped uint64
}

// NewBroadcaster returns a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Event)}
}

// Publish stamps the event time if unset and delivers it without blocking.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	var dropped uint64
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()
	if dropped > 0 {
		b.mu.Lock()
		b.dropped += dropped
		b.mu.Unlock()
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unregisters it and closes the channel; it is safe to call twice.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends ev.
func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Filter returns the recorded events of channel and type.
func (r *Recorder) Filter(ch Channel, typ Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Channel == ch && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Multi publishes to each publisher in order.
type Multi []Publisher

// Publish forwards ev.
func (m Multi) Publish(ev Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}
