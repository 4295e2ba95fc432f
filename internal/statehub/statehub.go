// Package statehub serves the canonical bus-held state of workflows over a
// request/response channel. The pipeline driver publishes state changes on
// workflow.state and stage work publishes heartbeats on workflow.heartbeat;
// the Responder joins the two when asked.
package statehub

import (
	"context"
	"fmt"
	"time"

	"agent-orchestrator/backend/internal/bus"
	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/pkg/models"
)

// ErrStateNotFound means the bus holds no state for the request number.
var ErrStateNotFound = orcherrors.New("statehub: no workflow state")

type query struct {
	RequestID string `json:"request_id"`
}

type reply struct {
	Found bool                  `json:"found"`
	State *models.WorkflowState `json:"state,omitempty"`
}

// Publish records state as the canonical state of its workflow.
func Publish(ctx context.Context, b bus.Bus, state models.WorkflowState) error {
	return bus.Publish(ctx, b, bus.ChannelWorkflowState, state.RequestID, state)
}

// Current reads the state of requestID directly from the bus, merging in
// the latest heartbeat.
func Current(ctx context.Context, b bus.Bus, requestID string) (models.WorkflowState, error) {
	var state models.WorkflowState
	err := bus.LastInto(ctx, b, bus.ChannelWorkflowState, requestID, &state)
	if orcherrors.Is(err, bus.ErrNoMessage) {
		return state, ErrStateNotFound
	}
	if err != nil {
		return state, err
	}

	var hb models.Heartbeat
	switch err := bus.LastInto(ctx, b, bus.ChannelHeartbeat, requestID, &hb); {
	case err == nil:
		at := hb.At
		state.LastHeartbeat = &at
	case orcherrors.Is(err, bus.ErrNoMessage):
	default:
		return state, err
	}
	return state, nil
}

// Responder answers state queries.
type Responder struct {
	bus    bus.Bus
	logger *logging.Logger
}

// NewResponder creates a Responder.
func NewResponder(b bus.Bus, logger *logging.Logger) *Responder {
	return &Responder{bus: b, logger: logger}
}

// Subscribe registers for queries. Call it before anything may query so
// no request is missed, then hand the subscription to Serve.
func (r *Responder) Subscribe(ctx context.Context) (bus.Subscription, error) {
	return r.bus.Subscribe(ctx, bus.ChannelStateQuery)
}

// Serve answers queries until ctx is cancelled or the subscription closes.
func (r *Responder) Serve(ctx context.Context, sub bus.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			r.answer(ctx, msg)
		}
	}
}

func (r *Responder) answer(ctx context.Context, msg bus.Message) {
	var q query
	if err := msg.Decode(&q); err != nil || q.RequestID == "" {
		q.RequestID = msg.RequestID
	}
	resp := reply{}
	state, err := Current(ctx, r.bus, q.RequestID)
	switch {
	case err == nil:
		resp.Found = true
		resp.State = &state
	case orcherrors.Is(err, ErrStateNotFound):
	default:
		// No reply lets the caller time out, which it treats as transient.
		r.logger.Warn("state query failed", "request_id", q.RequestID, "error", err)
		return
	}
	if err := bus.Reply(ctx, r.bus, msg, resp); err != nil {
		r.logger.Warn("state reply failed", "request_id", q.RequestID, "error", err)
	}
}

// Client performs bounded state lookups.
type Client struct {
	bus     bus.Bus
	timeout time.Duration
}

// NewClient creates a Client waiting at most timeout per lookup.
func NewClient(b bus.Bus, timeout time.Duration) *Client {
	return &Client{bus: b, timeout: timeout}
}

// Lookup asks for the state of requestID. It returns ErrStateNotFound when
// the bus holds none, and a transient error wrapping ErrTimeout when no
// answer arrives in time.
func (c *Client) Lookup(ctx context.Context, requestID string) (models.WorkflowState, error) {
	msg, err := bus.NewMessage(requestID, query{RequestID: requestID})
	if err != nil {
		return models.WorkflowState{}, err
	}
	answer, err := c.bus.Request(ctx, bus.ChannelStateQuery, msg, c.timeout)
	if orcherrors.Is(err, bus.ErrRequestTimeout) {
		return models.WorkflowState{}, orcherrors.Transient("state lookup", requestID, fmt.Errorf("%w: %w", orcherrors.ErrTimeout, err))
	}
	if err != nil {
		return models.WorkflowState{}, orcherrors.Transient("state lookup", requestID, err)
	}

	var resp reply
	if err := answer.Decode(&resp); err != nil {
		return models.WorkflowState{}, fmt.Errorf("decode state reply: %w", err)
	}
	if !resp.Found || resp.State == nil {
		return models.WorkflowState{}, ErrStateNotFound
	}
	return *resp.State, nil
}

// Direct reads state straight from the bus. One-shot commands use it since
// no responder may be running to answer queries.
type Direct struct {
	Bus bus.Bus
}

// Lookup returns the state of requestID or ErrStateNotFound.
func (d Direct) Lookup(ctx context.Context, requestID string) (models.WorkflowState, error) {
	return Current(ctx, d.Bus, requestID)
}
