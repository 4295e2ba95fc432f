package orchestrator

import (
	"context"

	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/pkg/models"
)

// ProgressReport summarises one progress pass.
type ProgressReport struct {
	Advanced  []string
	Completed []string
	Failed    []string
}

// Progress moves every running workflow forward as far as its delivered
// stages allow. A workflow that delivers its last stage is completed and
// its ledger entry follows.
func (o *Orchestrator) Progress(ctx context.Context) (ProgressReport, error) {
	var report ProgressReport
	running, err := o.store.ListByStatus(ctx, models.WorkflowRunning)
	if err != nil {
		return report, orcherrors.Transient("progress", "", err)
	}

	for _, wf := range running {
		id := wf.RequestID
		var changed bool
		err := o.guard("progress", id, func() error {
			var err error
			changed, err = o.driver.Advance(ctx, id)
			return err
		})
		if err != nil {
			report.Failed = append(report.Failed, id)
			o.logger.WithRequest(id).Warn("advance failed", "error", err)
			continue
		}
		if !changed {
			continue
		}

		status, err := o.driver.GetStatus(ctx, id)
		if err != nil || status.Status != models.WorkflowComplete {
			report.Advanced = append(report.Advanced, id)
			continue
		}
		report.Completed = append(report.Completed, id)
		if ok, err := o.ledger.UpdateStatus(ctx, id, models.RequestComplete, "all stages delivered"); err != nil || !ok {
			o.logger.WithRequest(id).Warn("ledger completion not verified", "updated", ok, "error", err)
		}
	}
	return report, nil
}
