package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"agent-orchestrator/backend/internal/breaker"
	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/internal/ledger"
	"agent-orchestrator/backend/internal/pipeline"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/internal/statehub"
	"agent-orchestrator/backend/pkg/models"
)

// ErrUnknownWorkflow is returned by ops lookups for a request number neither
// the durable store nor the ledger knows.
var ErrUnknownWorkflow = errors.New("orchestrator: unknown workflow")

// WorkflowView joins everything known about one request for ops surfaces.
type WorkflowView struct {
	Workflow  *models.Workflow        `json:"workflow,omitempty"`
	Ledger    *models.Request         `json:"ledger,omitempty"`
	State     *models.WorkflowState   `json:"state,omitempty"`
	StageName string                  `json:"stage_name,omitempty"`
	Children  []string                `json:"children,omitempty"`
	Knowledge []*repository.Knowledge `json:"knowledge,omitempty"`
}

// Workflows lists durable workflow rows, optionally filtered by status.
func (o *Orchestrator) Workflows(ctx context.Context, status models.WorkflowStatus, limit int) ([]*models.Workflow, error) {
	if status == "" {
		return o.store.List(ctx, limit)
	}
	rows, err := o.store.ListByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Workflow returns the joined view of requestID. Missing parts are left
// empty; it fails only when nothing is known about the request.
func (o *Orchestrator) Workflow(ctx context.Context, requestID string) (WorkflowView, error) {
	var view WorkflowView

	wf, err := o.store.GetByRequestID(ctx, requestID)
	switch {
	case err == nil:
		view.Workflow = wf
		view.StageName = o.driver.Catalog().Name(wf.CurrentStage)
	case !errors.Is(err, repository.ErrNotFound):
		return view, err
	}

	req, err := o.ledger.Get(ctx, requestID)
	switch {
	case err == nil:
		view.Ledger = &req
	case !errors.Is(err, ledger.ErrNotFound):
		return view, err
	}

	if view.Workflow == nil && view.Ledger == nil {
		return view, ErrUnknownWorkflow
	}

	state, err := o.states.Lookup(ctx, requestID)
	switch {
	case err == nil:
		view.State = &state
	case !errors.Is(err, statehub.ErrStateNotFound):
		o.logger.WithRequest(requestID).Debug("state lookup failed", "error", err)
	}

	view.Children = o.subsets.children(requestID)
	if view.Knowledge, err = o.knowledge.Recall(ctx, requestID); err != nil {
		o.logger.WithRequest(requestID).Debug("knowledge recall failed", "error", err)
	}
	return view, nil
}

// Restart is the operator-initiated restart: the workflow is reset to stage
// and re-dispatched, and its ledger entry follows.
func (o *Orchestrator) Restart(ctx context.Context, requestID string, stage int, reason string) error {
	if stage < 0 || stage >= o.driver.Catalog().Len() {
		return orcherrors.Policy("restart", requestID, fmt.Errorf("stage %d out of range", stage))
	}
	reason = coalesce(reason, "operator restart")
	err := o.driver.RestartFromStage(ctx, requestID, stage, reason)
	if errors.Is(err, pipeline.ErrNotFound) {
		return ErrUnknownWorkflow
	}
	if err != nil {
		return orcherrors.Transient("restart", requestID, err)
	}
	if ok, err := o.ledger.UpdateStatus(ctx, requestID, models.RequestInProgress, "restarted: "+reason); err != nil || !ok {
		o.logger.WithRequest(requestID).Warn("ledger restart status not verified", "updated", ok, "error", err)
	}
	o.processed.Add(requestID)
	o.logger.WithRequest(requestID).Info("workflow restarted by operator", "stage", o.driver.Catalog().Name(stage))
	return nil
}

// BreakerSnapshot reports the admission breaker for ops surfaces.
func (o *Orchestrator) BreakerSnapshot() breaker.Snapshot { return o.breaker.Snapshot() }

// StageIndex resolves a stage name against the catalog.
func (o *Orchestrator) StageIndex(name string) (int, bool) { return o.driver.Catalog().Index(name) }
