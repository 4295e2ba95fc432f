// Package escalation is the universal "surface to a human" channel. An
// escalation updates the ledger, publishes an event on the bus and appends
// to a durable side log. It is best effort throughout: every failure is
// logged and swallowed so that callers such as the monitor loops never
// fail because of it.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/internal/ledger"
	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/internal/observability"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/internal/services"
	"agent-orchestrator/backend/internal/statehub"
	"agent-orchestrator/backend/pkg/models"
)

// Escalator performs escalations.
type Escalator struct {
	ledger    ledger.Store
	bus       bus.Bus
	log       *FileLog
	store     repository.WorkflowStore
	knowledge *services.KnowledgeService
	metrics   *observability.Metrics
	logger    *logging.Logger
	now       func() time.Time
}

// Option configures an Escalator.
type Option func(*Escalator)

// WithStore also marks the durable workflow row escalated.
func WithStore(s repository.WorkflowStore) Option {
	return func(e *Escalator) { e.store = s }
}

// WithKnowledge records each escalation as a learning.
func WithKnowledge(k *services.KnowledgeService) Option {
	return func(e *Escalator) { e.knowledge = k }
}

// WithMetrics counts escalations by reason.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Escalator) { e.metrics = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Escalator) { e.now = now }
}

// New creates an Escalator. log may be nil to skip the side log.
func New(l ledger.Store, b bus.Bus, log *FileLog, logger *logging.Logger, opts ...Option) *Escalator {
	e := &Escalator{
		ledger:  l,
		bus:     b,
		log:     log,
		metrics: observability.Noop(),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Escalate flags requestID for human follow-up. In-flight stage work is not
// stopped.
func (e *Escalator) Escalate(ctx context.Context, requestID string, reason models.EscalationReason, detail string) {
	at := e.now().UTC()
	logger := e.logger.WithRequest(requestID).With("reason", string(reason))
	logger.Warn("escalating workflow", "detail", detail)
	e.metrics.Escalation(ctx, string(reason))

	note := string(reason)
	if detail != "" {
		note += ": " + detail
	}
	if ok, err := e.ledger.UpdateStatus(ctx, requestID, models.RequestEscalated, note); err != nil || !ok {
		logger.Error("escalation: ledger update failed", "updated", ok, "error", err)
	}

	event := models.EscalationEvent{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Reason:    reason,
		Detail:    detail,
		At:        at,
	}
	if err := bus.Publish(ctx, e.bus, bus.ChannelEscalations, requestID, event); err != nil {
		logger.Error("escalation: publish failed", "error", err)
	}

	if e.log != nil {
		rec := Record{ID: event.ID, RequestID: requestID, Reason: reason, Detail: detail, At: at}
		if err := e.log.Append(ctx, rec); err != nil {
			logger.Error("escalation: log append failed", "error", err)
		}
	}

	e.markState(ctx, requestID, reason, at, logger)
	e.knowledge.Remember(ctx, requestID, repository.KindLearning, fmt.Sprintf("escalated %s: %s", reason, detail))
}

// markState mirrors the escalation into the durable row and the bus-held
// state so reconciliation does not see a disagreement. Flag-only reasons
// record the reason on the row and keep the workflow running.
func (e *Escalator) markState(ctx context.Context, requestID string, reason models.EscalationReason, at time.Time, logger *logging.Logger) {
	if e.store != nil {
		wf, err := e.store.GetByRequestID(ctx, requestID)
		switch {
		case err == nil:
			if !reason.FlagOnly() {
				wf.Status = models.WorkflowEscalated
			}
			wf.Metadata.EscalationReason = string(reason)
			wf.UpdatedAt = at
			if err := e.store.Upsert(ctx, wf); err != nil {
				logger.Error("escalation: store update failed", "error", err)
			}
		case !errors.Is(err, repository.ErrNotFound):
			logger.Error("escalation: store read failed", "error", err)
		}
	}
	if reason.FlagOnly() {
		return
	}

	state, err := statehub.Current(ctx, e.bus, requestID)
	if err != nil {
		return
	}
	state.Status = models.WorkflowEscalated
	state.UpdatedAt = at
	if err := statehub.Publish(ctx, e.bus, state); err != nil {
		logger.Error("escalation: state publish failed", "error", err)
	}
}
