// Package bus is the ordered publish/subscribe transport the engine talks
// through. Channels carry JSON payloads keyed by request number; every
// non-inbox channel also keeps the last message per request number so
// callers can ask "what was the latest deliverable for REQ-42?".
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known channels.
const (
	ChannelNewRequirements = "requirements.new"
	ChannelManifest        = "requirements.manifest"
	ChannelWorkflowState   = "workflow.state"
	ChannelStateQuery      = "workflow.state.query"
	ChannelHeartbeat       = "workflow.heartbeat"
	ChannelBlocked         = "workflow.blocked"
	ChannelDecisions       = "workflow.decisions"
	ChannelEscalations     = "workflow.escalations"
	ChannelCompleted       = "workflow.completed"

	inboxPrefix = "inbox."
)

// DispatchChannel is where stage work for a specialist is published.
func DispatchChannel(stage string) string {
	return "stage.dispatch." + stage
}

var (
	// ErrNoMessage is returned by Last when nothing was published for the
	// request number on that channel.
	ErrNoMessage = errors.New("bus: no message")
	// ErrRequestTimeout is returned by Request when no reply arrives in time.
	ErrRequestTimeout = errors.New("bus: request timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

// Message is one envelope on the bus.
type Message struct {
	ID          string          `json:"id"`
	Channel     string          `json:"channel"`
	RequestID   string          `json:"request_id,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewMessage encodes payload into a message for requestID.
func NewMessage(requestID string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode payload: %w", err)
	}
	return Message{ID: uuid.NewString(), RequestID: requestID, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s on %s has no payload", m.ID, m.Channel)
	}
	return json.Unmarshal(m.Payload, v)
}

// Subscription is a live stream of messages.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Bus is the transport contract the engine depends on.
type Bus interface {
	// Publish appends msg to channel and fans it out to subscribers.
	Publish(ctx context.Context, channel string, msg Message) error
	// Subscribe delivers messages published after the call on every channel
	// matching pattern ("*" matches any run of characters).
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
	// Consume delivers messages on channel through a durable consumer group,
	// including ones published while nobody was listening.
	Consume(ctx context.Context, channel, group, consumer string) (Subscription, error)
	// Request publishes msg with a private reply inbox and waits for the
	// first reply.
	Request(ctx context.Context, channel string, msg Message, timeout time.Duration) (Message, error)
	// Last returns the most recent message on channel for requestID.
	Last(ctx context.Context, channel, requestID string) (Message, error)
	Close() error
}

// Publish encodes payload and publishes it on channel.
func Publish(ctx context.Context, b Bus, channel, requestID string, payload any) error {
	msg, err := NewMessage(requestID, payload)
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, msg)
}

// Reply answers a request message.
func Reply(ctx context.Context, b Bus, req Message, payload any) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("message %s has no reply inbox", req.ID)
	}
	return Publish(ctx, b, req.ReplyTo, req.RequestID, payload)
}

// LastInto fetches the last message on channel for requestID and decodes it.
func LastInto(ctx context.Context, b Bus, channel, requestID string, v any) error {
	msg, err := b.Last(ctx, channel, requestID)
	if err != nil {
		return err
	}
	return msg.Decode(v)
}

// request implements Request on top of Subscribe and Publish.
func request(ctx context.Context, b Bus, channel string, msg Message, timeout time.Duration) (Message, error) {
	inbox := inboxPrefix + uuid.NewString()
	sub, err := b.Subscribe(ctx, inbox)
	if err != nil {
		return Message{}, err
	}
	defer sub.Close()

	msg.ReplyTo = inbox
	if err := b.Publish(ctx, channel, msg); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-sub.C():
		if !ok {
			return Message{}, ErrClosed
		}
		return reply, nil
	case <-timer.C:
		return Message{}, fmt.Errorf("%s after %s: %w", channel, timeout, ErrRequestTimeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func isInbox(channel string) bool {
	return strings.HasPrefix(channel, inboxPrefix)
}

// ephemeral reports whether channel carries request/reply traffic that is
// delivered live and never retained.
func ephemeral(channel string) bool {
	return isInbox(channel) || channel == ChannelStateQuery
}

// matches reports whether channel matches a glob pattern. Channels never
// contain '/', so path.Match semantics apply directly.
func matches(pattern, channel string) bool {
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}
