package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSubscriberClosed is returned by Next once a subscriber has been closed,
// either directly or by bus shutdown.
var ErrSubscriberClosed = errors.New("events: subscriber closed")

// Message is one bus event: the SSE event name plus its marshaled payload.
type Message struct {
	Event string
	Data  []byte
}

// Bus fans messages out to per-channel subscribers. Each subscriber owns a
// bounded ring buffer; when a slow consumer overflows, the oldest messages
// are dropped and the subscriber synthesizes a single lagged event carrying
// the drop count. Publish never blocks.
type Bus struct {
	capacity int

	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	closed bool
}

// NewBus creates a bus whose subscribers buffer up to capacity messages.
func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber on channel. The returned subscriber
// must be closed when the consumer goes away; its buffered messages are
// discarded at that point. Subscribing to a closed bus yields a subscriber
// that is already closed.
func (b *Bus) Subscribe(channel string) *Subscriber {
	sub := &Subscriber{
		bus:     b,
		channel: channel,
		buf:     make([]Message, b.capacity),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Close()
		return sub
	}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers msg to every current subscriber of channel. It never
// blocks: full subscriber rings drop their oldest entry instead.
func (b *Bus) Publish(channel string, msg Message) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	set := b.subs[channel]
	targets := make([]*Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.push(msg)
	}
}

// SubscriberCount reports how many subscribers a channel currently has.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Shutdown closes every subscriber and rejects further subscriptions.
// Safe to call more than once.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscriber
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.closeLocal()
	}
	slog.Info("Event bus shut down", "closed_subscribers", len(all))
}

// remove detaches a subscriber from the routing table.
func (b *Bus) remove(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.channel]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.channel)
		}
	}
}

// Subscriber is one consumer's bounded view of a channel.
type Subscriber struct {
	bus     *Bus
	channel string

	mu      sync.Mutex
	buf     []Message // ring storage, len == capacity
	head    int       // index of oldest buffered message
	count   int       // buffered messages
	dropped uint64    // drops since the last lagged emission

	ready     chan struct{} // capacity 1, signaled on push
	done      chan struct{}
	closeOnce sync.Once
}

// Channel returns the channel this subscriber is attached to.
func (s *Subscriber) Channel() string {
	return s.channel
}

// Next blocks until a message is available, the context ends, or the
// subscriber is closed. After an overflow it first returns one synthetic
// lagged event describing the loss, then the surviving buffered messages in
// publish order.
func (s *Subscriber) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return laggedMessage(s.channel, n), nil
		}
		if s.count > 0 {
			msg := s.buf[s.head]
			s.buf[s.head] = Message{}
			s.head = (s.head + 1) % len(s.buf)
			s.count--
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.done:
			return Message{}, ErrSubscriberClosed
		}
	}
}

// Close detaches the subscriber from the bus and discards anything buffered.
// Safe to call more than once; a blocked Next returns ErrSubscriberClosed.
func (s *Subscriber) Close() {
	s.bus.remove(s)
	s.closeLocal()
}

func (s *Subscriber) closeLocal() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.head = 0
		s.count = 0
		s.dropped = 0
		s.mu.Unlock()
	})
}

// push appends a message, dropping the oldest entry on overflow.
func (s *Subscriber) push(msg Message) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	if s.count == len(s.buf) {
		// Overflow: evict the oldest message and remember the loss.
		s.buf[s.head] = Message{}
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		s.dropped++
	}
	tail := (s.head + s.count) % len(s.buf)
	s.buf[tail] = msg
	s.count++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// laggedMessage builds the synthetic overflow notice for a channel.
func laggedMessage(channel string, dropped uint64) Message {
	payload := LaggedPayload{
		Type:         EventLagged,
		Channel:      channel,
		DroppedCount: dropped,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// LaggedPayload has only scalar fields; marshal cannot fail.
		data = []byte(`{"type":"lagged"}`)
	}
	return Message{Event: EventLagged, Data: data}
}
