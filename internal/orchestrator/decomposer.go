package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/internal/pipeline"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/pkg/models"
)

// HandleBlocked reacts to a stage reporting that it cannot proceed. Only
// critique blocks are decomposed: the issues found become sub-requests, the
// parent waits blocked until every child has delivered its final stage and
// then resumes at the implementation stage.
func (o *Orchestrator) HandleBlocked(ctx context.Context, ev models.BlockedEvent) error {
	logger := o.logger.WithRequest(ev.RequestID).With("stage", ev.Stage)
	if idx, ok := o.driver.Catalog().Index(ev.Stage); !ok || idx != o.critique {
		logger.Debug("ignoring block outside critique")
		return nil
	}

	depth := o.depthOf(ctx, ev.RequestID)
	if depth >= o.cfg.MaxDepth {
		o.escalator.Escalate(ctx, ev.RequestID, models.ReasonMaxDepthExceeded,
			fmt.Sprintf("decomposition depth %d reached the limit of %d", depth, o.cfg.MaxDepth))
		return nil
	}

	if err := o.decompose(ctx, ev, depth); err != nil {
		logger.Error("decomposition failed", "error", err)
		o.escalator.Escalate(ctx, ev.RequestID, models.ReasonNeedsHumanDecision,
			fmt.Sprintf("decomposition failed: %v", err))
	}
	return nil
}

func (o *Orchestrator) decompose(ctx context.Context, ev models.BlockedEvent, depth int) error {
	parentID := ev.RequestID
	logger := o.logger.WithRequest(parentID)

	issues := ev.Blockers
	if len(issues) == 0 {
		critique := o.driver.Catalog().Name(o.critique)
		del, err := o.driver.Deliverable(ctx, critique, parentID)
		switch {
		case err == nil:
			issues = ExtractIssues(del.Summary)
		case errors.Is(err, bus.ErrNoMessage):
		default:
			return fmt.Errorf("fetch critique: %w", err)
		}
	}
	if len(issues) == 0 {
		logger.Info("block reported no issues, treating as approved")
		o.knowledge.Remember(ctx, parentID, repository.KindDecision, "critique block without issues: implicit approval")
		return o.resumeParent(ctx, parentID, "critique block without issues")
	}

	parent := o.requestFor(ctx, parentID)
	now := o.now().UTC()
	children := make([]string, 0, len(issues))
	for i, issue := range issues {
		child := models.Request{
			ID:          models.SubRequestID(parentID, i+1, now),
			Title:       issue.Title,
			Assignee:    parent.Assignee,
			Status:      models.RequestNew,
			Priority:    coalesce(issue.Priority, parent.Priority),
			Type:        coalesce(issue.Type, "fix"),
			Source:      "decomposition",
			ParentID:    parentID,
			Depth:       depth + 1,
			Description: issue.Description,
		}
		if err := bus.Publish(ctx, o.bus, bus.ChannelNewRequirements, child.ID, child); err != nil {
			return fmt.Errorf("publish sub-request %d: %w", i+1, err)
		}
		children = append(children, child.ID)
	}

	manifest := models.SubRequirementManifest{
		ParentID:  parentID,
		Children:  children,
		Total:     len(children),
		CreatedAt: now,
	}
	if err := bus.Publish(ctx, o.bus, bus.ChannelManifest, parentID, manifest); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}

	reason := fmt.Sprintf("blocked on %d sub-requests: %s", len(children), strings.Join(children, ", "))
	ok, err := o.ledger.UpdateStatus(ctx, parentID, models.RequestBlocked, reason)
	if err != nil {
		return fmt.Errorf("mark ledger blocked: %w", err)
	}
	if !ok {
		logger.Warn("ledger blocked status not verified")
	}
	if err := o.driver.Block(ctx, parentID, reason); err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		return fmt.Errorf("mark workflow blocked: %w", err)
	}

	if err := o.track(ctx, manifest); err != nil {
		return fmt.Errorf("track sub-requests: %w", err)
	}
	o.metrics.Decomposition(ctx, len(children))
	o.knowledge.Remember(ctx, parentID, repository.KindDecision, reason)
	logger.Info("workflow decomposed", "children", len(children), "depth", depth+1)
	return nil
}

// track waits for every child in manifest to deliver its completion stage
// and then resumes the parent.
func (o *Orchestrator) track(ctx context.Context, manifest models.SubRequirementManifest) error {
	channel := o.completion.Channel
	sub, err := o.bus.Subscribe(o.ctx, channel)
	if err != nil {
		return err
	}
	parentID := manifest.ParentID
	set := newSubWorkflowSet(parentID, manifest.Children)
	set.stop = func() { _ = sub.Close() }
	o.subsets.add(set)

	// Children that completed before the subscription existed.
	for _, child := range manifest.Children {
		_, err := o.bus.Last(ctx, channel, child)
		if err != nil {
			continue
		}
		if o.subsets.complete(parentID, child) {
			_ = sub.Close()
			o.goWorker(func() { o.finishParent(o.ctx, parentID) })
			return nil
		}
	}

	o.goWorker(func() {
		defer sub.Close()
		for {
			select {
			case <-o.ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if o.subsets.complete(parentID, msg.RequestID) {
					o.finishParent(o.ctx, parentID)
					return
				}
			}
		}
	})
	return nil
}

// finishParent runs once every child of parentID has completed.
func (o *Orchestrator) finishParent(ctx context.Context, parentID string) {
	o.logger.WithRequest(parentID).Info("all sub-requests complete, resuming")
	err := o.guard("resume parent", parentID, func() error {
		return o.resumeParent(ctx, parentID, "sub-requests complete")
	})
	if err != nil && ctx.Err() == nil {
		o.escalator.Escalate(ctx, parentID, models.ReasonNeedsHumanDecision,
			fmt.Sprintf("resume after sub-requests failed: %v", err))
	}
}

// resumeParent flips the ledger back to in progress and resumes the
// workflow at the implementation stage; research and critique are kept.
// It refuses when the critique deliverable is missing.
func (o *Orchestrator) resumeParent(ctx context.Context, parentID, note string) error {
	contiguous, err := o.driver.ContiguousStage(ctx, parentID)
	if err != nil {
		return err
	}
	if contiguous < o.implementation {
		return fmt.Errorf("cannot resume %s at implementation: deliverables stop at stage %d", parentID, contiguous)
	}
	if ok, err := o.ledger.UpdateStatus(ctx, parentID, models.RequestInProgress, note); err != nil || !ok {
		o.logger.WithRequest(parentID).Warn("ledger resume status not verified", "updated", ok, "error", err)
	}
	err = o.driver.ResumeFromStage(ctx, o.requestFor(ctx, parentID), o.implementation)
	if errors.Is(err, models.ErrStageRegression) {
		o.logger.WithRequest(parentID).Info("workflow already past implementation, not resuming")
		return nil
	}
	if err != nil {
		return err
	}
	o.processed.Add(parentID)
	o.knowledge.Remember(ctx, parentID, repository.KindDecision, "resumed at implementation: "+note)
	return nil
}

// depthOf returns the decomposition depth of requestID: the deepest of the
// durable row, the ledger entry and the lineage markers in the id.
func (o *Orchestrator) depthOf(ctx context.Context, requestID string) int {
	depth := models.LineageDepth(requestID)
	if wf, err := o.store.GetByRequestID(ctx, requestID); err == nil {
		depth = max(depth, wf.Metadata.Depth)
	}
	if req, err := o.ledger.Get(ctx, requestID); err == nil {
		depth = max(depth, req.Depth)
	}
	return depth
}

// requestFor rebuilds the ledger-shaped view of a workflow from the durable
// row, falling back to the ledger entry.
func (o *Orchestrator) requestFor(ctx context.Context, requestID string) models.Request {
	req := models.Request{ID: requestID}
	if l, err := o.ledger.Get(ctx, requestID); err == nil {
		req = l
	}
	if wf, err := o.store.GetByRequestID(ctx, requestID); err == nil {
		req.Title = coalesce(req.Title, wf.Title)
		if req.Assignee == "" {
			req.Assignee = wf.Assignee
		}
		req.Priority = coalesce(req.Priority, wf.Metadata.Priority)
		req.Source = coalesce(req.Source, wf.Metadata.Source)
		req.ParentID = coalesce(req.ParentID, wf.Metadata.ParentID)
		req.Depth = max(req.Depth, wf.Metadata.Depth)
	}
	return req
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
