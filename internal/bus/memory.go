package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 1024

// memorySub is a registered subscriber of a MemoryBus.
type memorySub struct {
	id      string
	pattern string
	group   string // consumer group key, empty for plain subscriptions
	ch      chan Message
	bus     *MemoryBus
	closed  atomic.Bool
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.bus.remove(s.id)
	return nil
}

// MemoryBus is an in-process Bus. It keeps the full history of every
// channel, which makes consumer groups replayable, and is safe for
// concurrent use. A subscriber that falls more than its buffer behind
// loses messages.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[string]*memorySub
	last    map[string]map[string]Message // channel -> request id -> message
	history map[string][]Message
	offsets map[string]int // channel|group -> next history index
	closed  bool
	bufSize int
	now     func() time.Time
	dropped atomic.Uint64
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) MemoryOption {
	return func(b *MemoryBus) { b.bufSize = n }
}

// WithClock sets the time source used to stamp messages.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBus) { b.now = now }
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		subs:    make(map[string]*memorySub),
		last:    make(map[string]map[string]Message),
		history: make(map[string][]Message),
		offsets: make(map[string]int),
		bufSize: defaultBufferSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records msg and delivers it to every matching subscriber.
func (b *MemoryBus) Publish(ctx context.Context, channel string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Channel = channel
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	if !ephemeral(channel) {
		b.history[channel] = append(b.history[channel], msg)
		if msg.RequestID != "" {
			if b.last[channel] == nil {
				b.last[channel] = make(map[string]Message)
			}
			b.last[channel][msg.RequestID] = msg
		}
	}

	servedGroups := make(map[string]bool)
	for _, sub := range b.subs {
		if !matches(sub.pattern, channel) {
			continue
		}
		if sub.group != "" {
			if servedGroups[sub.group] {
				continue
			}
			servedGroups[sub.group] = true
			b.offsets[sub.group] = len(b.history[channel])
		}
		b.deliver(sub, msg)
	}
	return nil
}

func (b *MemoryBus) deliver(sub *memorySub, msg Message) {
	select {
	case sub.ch <- msg:
	default:
		b.dropped.Add(1)
		slog.Warn("bus: subscriber buffer full, message dropped",
			"subscription", sub.id, "channel", msg.Channel, "message_id", msg.ID)
	}
}

// Subscribe registers a subscriber for channels matching pattern.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.addLocked(pattern, "", b.bufSize), nil
}

// Consume replays every message on channel the group has not seen yet and
// then follows new ones.
func (b *MemoryBus) Consume(ctx context.Context, channel, group, consumer string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	key := channel + "|" + group
	history := b.history[channel]
	backlog := history[min(b.offsets[key], len(history)):]
	sub := b.addLocked(channel, key, b.bufSize+len(backlog))
	for _, msg := range backlog {
		b.deliver(sub, msg)
	}
	b.offsets[key] = len(history)
	return sub, nil
}

func (b *MemoryBus) addLocked(pattern, group string, size int) *memorySub {
	sub := &memorySub{
		id:      uuid.NewString(),
		pattern: pattern,
		group:   group,
		ch:      make(chan Message, size),
		bus:     b,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *MemoryBus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Request publishes msg and waits for a reply.
func (b *MemoryBus) Request(ctx context.Context, channel string, msg Message, timeout time.Duration) (Message, error) {
	return request(ctx, b, channel, msg, timeout)
}

// Last returns the latest message on channel for requestID.
func (b *MemoryBus) Last(ctx context.Context, channel, requestID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.last[channel][requestID]
	if !ok {
		return Message{}, ErrNoMessage
	}
	return msg, nil
}

// History returns a copy of every message published on channel.
func (b *MemoryBus) History(channel string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.history[channel]))
	copy(out, b.history[channel])
	return out
}

// SubscriptionCount returns the number of live subscriptions.
func (b *MemoryBus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closed.Store(true)
		close(sub.ch)
		delete(b.subs, id)
	}
	return nil
}
