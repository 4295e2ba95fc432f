package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis. Every publish is written to a stream
// (durable history and consumer groups), to a per-channel hash holding the
// last message per request number, and to pub/sub for push delivery.
type RedisBus struct {
	client    *redis.Client
	prefix    string
	streamLen int64
	block     time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) RedisOption {
	return func(b *RedisBus) { b.prefix = prefix }
}

// WithStreamLen caps each stream at approximately n entries.
func WithStreamLen(n int64) RedisOption {
	return func(b *RedisBus) { b.streamLen = n }
}

// WithLogger sets the logger for background delivery errors.
func WithLogger(l *slog.Logger) RedisOption {
	return func(b *RedisBus) { b.logger = l }
}

// NewRedisBus wraps an existing client. The client is closed by Close.
func NewRedisBus(client *redis.Client, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		client:    client,
		prefix:    "orch",
		streamLen: 10000,
		block:     5 * time.Second,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ping checks connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) pubsubKey(channel string) string { return b.prefix + ":" + channel }
func (b *RedisBus) streamKey(channel string) string { return b.prefix + ":stream:" + channel }
func (b *RedisBus) lastKey(channel string) string   { return b.prefix + ":last:" + channel }

// Publish writes msg to the channel's stream, last-message hash and pub/sub
// in one transaction. State queries and reply inboxes only use pub/sub.
func (b *RedisBus) Publish(ctx context.Context, channel string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Channel = channel
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = b.now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if ephemeral(channel) {
		return b.client.Publish(ctx, b.pubsubKey(channel), data).Err()
	}

	pipe := b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(channel),
		MaxLen: b.streamLen,
		Approx: true,
		Values: map[string]any{"request_id": msg.RequestID, "data": string(data)},
	})
	if msg.RequestID != "" {
		pipe.HSet(ctx, b.lastKey(channel), msg.RequestID, data)
	}
	pipe.Publish(ctx, b.pubsubKey(channel), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// redisSub adapts a background reader to Subscription.
type redisSub struct {
	ch     chan Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	closer func() error
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.closer != nil {
			err = s.closer()
		}
		<-s.done
	})
	return err
}

// Subscribe uses PSUBSCRIBE so that glob patterns work across channels.
func (b *RedisBus) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, b.pubsubKey(pattern))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &redisSub{
		ch:     make(chan Message, defaultBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
		closer: ps.Close,
	}
	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warn("bus: undecodable message", "channel", raw.Channel, "error", err)
					continue
				}
				select {
				case sub.ch <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// Consume reads channel's stream through a consumer group, acknowledging
// each entry once it has been handed to the subscriber.
func (b *RedisBus) Consume(ctx context.Context, channel, group, consumer string) (Subscription, error) {
	stream := b.streamKey(channel)
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", group, channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &redisSub{
		ch:     make(chan Message, defaultBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		for ctx.Err() == nil {
			streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, ">"},
				Count:    64,
				Block:    b.block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || ctx.Err() != nil {
					continue
				}
				b.logger.Warn("bus: consume failed", "channel", channel, "group", group, "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
				continue
			}
			for _, s := range streams {
				for _, entry := range s.Messages {
					data, _ := entry.Values["data"].(string)
					var msg Message
					if err := json.Unmarshal([]byte(data), &msg); err != nil {
						b.logger.Warn("bus: undecodable stream entry", "channel", channel, "entry", entry.ID, "error", err)
					} else {
						select {
						case sub.ch <- msg:
						case <-ctx.Done():
							return
						}
					}
					if err := b.client.XAck(ctx, stream, group, entry.ID).Err(); err != nil {
						b.logger.Warn("bus: ack failed", "channel", channel, "entry", entry.ID, "error", err)
					}
				}
			}
		}
	}()
	return sub, nil
}

// Request publishes msg with a reply inbox and waits for the answer.
func (b *RedisBus) Request(ctx context.Context, channel string, msg Message, timeout time.Duration) (Message, error) {
	return request(ctx, b, channel, msg, timeout)
}

// Last reads the last message for requestID from the channel's hash.
func (b *RedisBus) Last(ctx context.Context, channel, requestID string) (Message, error) {
	data, err := b.client.HGet(ctx, b.lastKey(channel), requestID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrNoMessage
	}
	if err != nil {
		return Message{}, fmt.Errorf("last %s/%s: %w", channel, requestID, err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode last %s/%s: %w", channel, requestID, err)
	}
	return msg, nil
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
