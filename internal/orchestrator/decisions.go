package orchestrator

import (
	"context"
	"fmt"

	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/pkg/models"
)

// HandleDecision applies a strategic decision rendered on a workflow.
// Requested changes restart it from the first stage for re-validation, a
// rejection goes to a human, an approval is only recorded.
func (o *Orchestrator) HandleDecision(ctx context.Context, ev models.DecisionEvent) error {
	logger := o.logger.WithRequest(ev.RequestID).With("decision", ev.Decision)

	switch ev.Decision {
	case models.DecisionRequestChanges:
		if err := o.Restart(ctx, ev.RequestID, 0, coalesce(ev.Reason, "changes requested")); err != nil {
			return err
		}
	case models.DecisionReject:
		o.escalator.Escalate(ctx, ev.RequestID, models.ReasonNeedsHumanDecision,
			"rejected: "+coalesce(ev.Reason, "no reason given"))
	case models.DecisionApprove:
		logger.Info("decision recorded")
	default:
		return orcherrors.Inconsistency("decision", ev.RequestID, fmt.Errorf("unknown decision %q", ev.Decision))
	}

	o.knowledge.Remember(ctx, ev.RequestID, repository.KindDecision, ev.Decision+": "+ev.Reason)
	return nil
}
