package orchestrator

import (
	"context"
	"errors"

	"agent-orchestrator/backend/internal/bus"
	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/internal/statehub"
	"agent-orchestrator/backend/pkg/models"
)

// RecoveryReport summarises a startup recovery.
type RecoveryReport struct {
	Recovered []string // durable running rows adopted into the processed set
	Confirmed []string // in-progress ledger entries with live bus state
	Reset     []string // in-progress ledger entries sent back to new
	Resumed   []string // blocked parents whose children had all completed
	Tracking  []string // blocked parents whose completion tracking was rebuilt
	Skipped   []string // entries left alone after a transient failure
}

// Recover rebuilds in-process state after a restart from the durable
// store, the bus and the ledger.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	running, err := o.store.ListByStatus(ctx, models.WorkflowRunning)
	if err != nil {
		return report, orcherrors.Transient("recover", "", err)
	}
	for _, wf := range running {
		o.processed.Add(wf.RequestID)
		report.Recovered = append(report.Recovered, wf.RequestID)
	}

	reqs, err := o.ledger.List(ctx)
	if err != nil {
		return report, orcherrors.Transient("recover", "", err)
	}
	for _, req := range reqs {
		var err error
		switch req.Status {
		case models.RequestInProgress:
			err = o.guard("recover", req.ID, func() error { return o.recoverInProgress(ctx, req.ID, &report) })
		case models.RequestBlocked:
			err = o.guard("recover", req.ID, func() error { return o.recoverBlocked(ctx, req.ID, &report) })
		default:
			continue
		}
		if err != nil {
			report.Skipped = append(report.Skipped, req.ID)
			o.logger.WithRequest(req.ID).Warn("recovery skipped", "kind", orcherrors.KindOf(err).String(), "error", err)
		}
	}
	return report, nil
}

// recoverInProgress trusts live bus state. Without it the previous process
// died before the workflow was established, so the ledger entry goes back
// to new and is re-admitted from scratch.
func (o *Orchestrator) recoverInProgress(ctx context.Context, id string, report *RecoveryReport) error {
	_, err := o.states.Lookup(ctx, id)
	switch {
	case err == nil:
		o.processed.Add(id)
		report.Confirmed = append(report.Confirmed, id)
		return nil
	case !errors.Is(err, statehub.ErrStateNotFound):
		return err
	}

	ok, err := o.ledger.UpdateStatus(ctx, id, models.RequestNew, "no workflow state after restart")
	if err != nil {
		return orcherrors.Transient("recover reset", id, err)
	}
	if !ok {
		return orcherrors.Inconsistency("recover reset", id, orcherrors.ErrVerification)
	}
	o.processed.Remove(id)
	if err := o.store.UpdateStatus(ctx, id, models.WorkflowPending); err != nil && !errors.Is(err, repository.ErrNotFound) {
		o.logger.WithRequest(id).Warn("durable status reset failed", "error", err)
	}
	report.Reset = append(report.Reset, id)
	o.logger.WithRequest(id).Info("no workflow state found, request reset to new")
	return nil
}

// recoverBlocked resumes parents whose children all completed while the
// process was down, and re-subscribes for the rest.
func (o *Orchestrator) recoverBlocked(ctx context.Context, id string, report *RecoveryReport) error {
	var manifest models.SubRequirementManifest
	err := bus.LastInto(ctx, o.bus, bus.ChannelManifest, id, &manifest)
	if errors.Is(err, bus.ErrNoMessage) {
		o.logger.WithRequest(id).Warn("blocked request has no sub-requirement manifest")
		return nil
	}
	if err != nil {
		return orcherrors.Transient("recover manifest", id, err)
	}

	pending := 0
	for _, child := range manifest.Children {
		_, err := o.bus.Last(ctx, o.completion.Channel, child)
		switch {
		case err == nil:
		case errors.Is(err, bus.ErrNoMessage):
			pending++
		default:
			return orcherrors.Transient("recover children", id, err)
		}
	}

	if pending == 0 {
		if err := o.resumeParent(ctx, id, "sub-requests completed during downtime"); err != nil {
			return err
		}
		report.Resumed = append(report.Resumed, id)
		return nil
	}
	if err := o.track(ctx, manifest); err != nil {
		return orcherrors.Transient("recover tracking", id, err)
	}
	report.Tracking = append(report.Tracking, id)
	return nil
}
