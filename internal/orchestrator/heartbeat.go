package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/internal/ledger"
	"agent-orchestrator/backend/internal/statehub"
	"agent-orchestrator/backend/pkg/models"
)

// HeartbeatReport summarises one liveness sweep.
type HeartbeatReport struct {
	Checked   int
	Orphans   []string
	Escalated map[string]models.EscalationReason
}

// CheckHeartbeats sweeps in-progress ledger entries. A workflow running
// longer than the maximum duration is escalated and not checked further;
// otherwise a stale heartbeat is escalated. Escalation only flags the
// workflow, stage work keeps running.
func (o *Orchestrator) CheckHeartbeats(ctx context.Context) (HeartbeatReport, error) {
	report := HeartbeatReport{Escalated: make(map[string]models.EscalationReason)}
	reqs, err := o.ledger.List(ctx)
	if err != nil {
		return report, orcherrors.Transient("heartbeat", "", err)
	}

	now := o.now()
	for _, req := range ledger.FilterByStatus(reqs, models.RequestInProgress) {
		report.Checked++
		logger := o.logger.WithRequest(req.ID)

		state, err := o.states.Lookup(ctx, req.ID)
		if errors.Is(err, statehub.ErrStateNotFound) {
			report.Orphans = append(report.Orphans, req.ID)
			logger.Warn("in-progress request has no workflow state")
			continue
		}
		if err != nil {
			logger.Warn("heartbeat lookup failed", "error", err)
			continue
		}

		if !state.StartedAt.IsZero() {
			if elapsed := now.Sub(state.StartedAt); elapsed > o.cfg.MaxDuration {
				o.escalator.Escalate(ctx, req.ID, models.ReasonMaxDurationExceeded,
					fmt.Sprintf("running for %s, limit %s", elapsed.Round(time.Second), o.cfg.MaxDuration))
				report.Escalated[req.ID] = models.ReasonMaxDurationExceeded
				continue
			}
		}
		if state.LastHeartbeat != nil {
			if silent := now.Sub(*state.LastHeartbeat); silent > o.cfg.HeartbeatThreshold {
				o.escalator.Escalate(ctx, req.ID, models.ReasonHeartbeatTimeout,
					fmt.Sprintf("no heartbeat for %s, threshold %s", silent.Round(time.Second), o.cfg.HeartbeatThreshold))
				report.Escalated[req.ID] = models.ReasonHeartbeatTimeout
			}
		}
	}
	return report, nil
}
