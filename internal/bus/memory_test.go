package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deliverable struct {
	Stage   string `json:"stage"`
	Summary string `json:"summary"`
}

func receive(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestMemoryBus_SubscribePattern(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe(ctx, "deliverables.*")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, Publish(ctx, b, "deliverables.research", "REQ-1", deliverable{Stage: "research"}))
	require.NoError(t, Publish(ctx, b, "workflow.state", "REQ-1", map[string]string{"status": "running"}))
	require.NoError(t, Publish(ctx, b, "deliverables.qa", "REQ-2", deliverable{Stage: "qa"}))

	first := receive(t, sub)
	assert.Equal(t, "deliverables.research", first.Channel)
	assert.Equal(t, "REQ-1", first.RequestID)

	second := receive(t, sub)
	var d deliverable
	require.NoError(t, second.Decode(&d))
	assert.Equal(t, "qa", d.Stage)
}

func TestMemoryBus_Last(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	_, err := b.Last(ctx, "deliverables.research", "REQ-1")
	assert.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, Publish(ctx, b, "deliverables.research", "REQ-1", deliverable{Summary: "v1"}))
	require.NoError(t, Publish(ctx, b, "deliverables.research", "REQ-1", deliverable{Summary: "v2"}))

	var d deliverable
	require.NoError(t, LastInto(ctx, b, "deliverables.research", "REQ-1", &d))
	assert.Equal(t, "v2", d.Summary)
	assert.Len(t, b.History("deliverables.research"), 2)
}

func TestMemoryBus_ConsumeReplaysBacklogOncePerGroup(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	require.NoError(t, Publish(ctx, b, ChannelNewRequirements, "REQ-1", map[string]string{"id": "REQ-1"}))
	require.NoError(t, Publish(ctx, b, ChannelNewRequirements, "REQ-2", map[string]string{"id": "REQ-2"}))

	sub, err := b.Consume(ctx, ChannelNewRequirements, "orchestrator", "c1")
	require.NoError(t, err)
	assert.Equal(t, "REQ-1", receive(t, sub).RequestID)
	assert.Equal(t, "REQ-2", receive(t, sub).RequestID)

	require.NoError(t, Publish(ctx, b, ChannelNewRequirements, "REQ-3", map[string]string{"id": "REQ-3"}))
	assert.Equal(t, "REQ-3", receive(t, sub).RequestID)
	require.NoError(t, sub.Close())

	again, err := b.Consume(ctx, ChannelNewRequirements, "orchestrator", "c1")
	require.NoError(t, err)
	defer again.Close()
	select {
	case msg := <-again.C():
		t.Fatalf("unexpected redelivery of %s", msg.RequestID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_RequestReply(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	defer b.Close()

	queries, err := b.Subscribe(ctx, ChannelStateQuery)
	require.NoError(t, err)
	go func() {
		for q := range queries.C() {
			_ = Reply(ctx, b, q, map[string]string{"echo": q.RequestID})
		}
	}()

	msg, err := NewMessage("REQ-9", nil)
	require.NoError(t, err)
	reply, err := b.Request(ctx, ChannelStateQuery, msg, time.Second)
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, reply.Decode(&body))
	assert.Equal(t, "REQ-9", body["echo"])
	assert.Empty(t, b.History(ChannelStateQuery))
	_, err = b.Last(ctx, ChannelStateQuery, "REQ-9")
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	b := NewMemoryBus()
	msg, err := NewMessage("REQ-1", nil)
	require.NoError(t, err)

	_, err = b.Request(context.Background(), ChannelStateQuery, msg, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestMemoryBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	assert.ErrorIs(t, Publish(context.Background(), b, "x", "REQ-1", 1), ErrClosed)
}
