package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"agent-orchestrator/backend/internal/breaker"
	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/internal/ledger"
	"agent-orchestrator/backend/internal/pipeline"
	"agent-orchestrator/backend/pkg/models"
)

// ScanReport summarises one scan pass.
type ScanReport struct {
	Rejected bool     // the breaker refused the pass; nothing was read
	Started  []string // new requests started at stage 0
	Resumed  []string // pending/rejected requests resumed at their gap stage
	Skipped  []string // eligible requests left for a later pass
	Failed   []string
}

// Scan reads the ledger once and starts or resumes every eligible request,
// subject to the breaker and the concurrency ceiling.
func (o *Orchestrator) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	if err := o.breaker.Allow(); err != nil {
		report.Rejected = true
		o.metrics.BreakerRejection(ctx)
		var open *breaker.OpenError
		if errors.As(err, &open) {
			o.logger.Warn("scan rejected by circuit breaker",
				"state", string(open.State),
				"failure_rate", open.FailureRate,
				"retry_in", open.RetryIn.String())
		}
		return report, nil
	}
	halfOpen := o.breaker.State() == breaker.StateHalfOpen

	reqs, err := o.ledger.List(ctx)
	if err != nil {
		o.breaker.Failure()
		return report, orcherrors.Transient("scan", "", err)
	}

	running := ledger.CountByStatus(reqs, models.RequestInProgress)

	attempts := 0
	for _, req := range reqs {
		if !req.Status.Eligible() {
			continue
		}
		if o.processed.Has(req.ID) {
			continue
		}
		if halfOpen && attempts > 0 {
			report.Skipped = append(report.Skipped, req.ID)
			continue
		}
		if req.Status == models.RequestNew && running >= o.cfg.ConcurrencyCeiling {
			o.logger.WithRequest(req.ID).Debug("concurrency ceiling reached, deferring", "running", running, "ceiling", o.cfg.ConcurrencyCeiling)
			report.Skipped = append(report.Skipped, req.ID)
			continue
		}

		var admitted bool
		err := o.guard("scan", req.ID, func() error {
			var err error
			admitted, err = o.admit(ctx, req)
			return err
		})
		if err != nil {
			attempts++
			o.breaker.Failure()
			report.Failed = append(report.Failed, req.ID)
			o.logger.WithRequest(req.ID).Warn("admission failed",
				"status", string(req.Status), "kind", orcherrors.KindOf(err).String(), "error", err)
			continue
		}
		if !admitted {
			continue
		}
		attempts++
		running++
		o.breaker.Success()
		if req.Status == models.RequestNew {
			report.Started = append(report.Started, req.ID)
		} else {
			report.Resumed = append(report.Resumed, req.ID)
		}
	}
	if attempts == 0 {
		// A pass that read the ledger and had nothing to do still counts as
		// a healthy outcome, and it is what resolves a half-open trial.
		o.breaker.Success()
	}
	return report, nil
}

// admit starts or resumes one request. It reports false without an error
// when the request was skipped as a duplicate or could not be claimed.
func (o *Orchestrator) admit(ctx context.Context, req models.Request) (bool, error) {
	logger := o.logger.WithRequest(req.ID)

	st, err := o.driver.GetStatus(ctx, req.ID)
	switch {
	case err == nil && st.Status == models.WorkflowRunning:
		o.processed.Add(req.ID)
		logger.Debug("workflow already running, skipping")
		return false, nil
	case err != nil && !errors.Is(err, pipeline.ErrNotFound):
		return false, orcherrors.Transient("status lookup", req.ID, err)
	}

	stage := 0
	if req.Status != models.RequestNew {
		if stage, err = o.driver.GapStage(ctx, req.ID); err != nil {
			return false, orcherrors.Transient("gap scan", req.ID, err)
		}
	}

	ok, err := o.ledger.UpdateStatus(ctx, req.ID, models.RequestInProgress, "")
	if err != nil {
		return false, orcherrors.Transient("claim", req.ID, err)
	}
	if !ok {
		logger.Warn("ledger claim not verified, leaving for next scan")
		return false, nil
	}

	if err := o.dispatch(ctx, req, stage); err != nil {
		if _, rerr := o.ledger.UpdateStatus(ctx, req.ID, req.Status, req.Reason); rerr != nil {
			logger.Error("ledger revert failed", "status", string(req.Status), "error", rerr)
		}
		return false, err
	}

	o.processed.Add(req.ID)
	kind := "start"
	if req.Status != models.RequestNew {
		kind = "resume"
	}
	o.metrics.Admission(ctx, kind)
	logger.Info("request admitted", "ledger_status", string(req.Status), "stage", o.driver.Catalog().Name(stage))
	return true, nil
}

// dispatch hands req to the driver at stage. If the durable workflow has
// already moved past stage, or has finished, the resume is performed as an
// explicit restart so the ledger owner's request is honoured.
func (o *Orchestrator) dispatch(ctx context.Context, req models.Request, stage int) error {
	err := o.driver.ResumeFromStage(ctx, req, stage)
	if errors.Is(err, models.ErrStageRegression) || errors.Is(err, models.ErrInvalidTransition) {
		reason := fmt.Sprintf("ledger status %s: restarting at %s", req.Status, o.driver.Catalog().Name(stage))
		o.logger.WithRequest(req.ID).Info("resume would regress, restarting", "stage", stage)
		err = o.driver.RestartFromStage(ctx, req.ID, stage, reason)
	}
	return err
}
