// Package pipeline drives workflows through the stage catalog. It owns the
// per-workflow "current stage" state machine: a stage is dispatched only
// once every earlier stage has an observed deliverable, the durable stage
// is written before any dispatch, and the same stage is never dispatched
// twice for one attempt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/internal/observability"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/internal/services"
	"agent-orchestrator/backend/internal/statehub"
	"agent-orchestrator/backend/pkg/models"
)

// ErrNotFound is returned when no workflow exists for a request number.
var ErrNotFound = errors.New("pipeline: workflow not found")

// Status is the externally visible view of one workflow.
type Status struct {
	RequestID   string                `json:"request_id"`
	Status      models.WorkflowStatus `json:"status"`
	Stage       int                   `json:"stage"`
	StageName   string                `json:"stage_name,omitempty"`
	Assignee    models.Assignee       `json:"assignee"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Driver advances workflows stage by stage.
type Driver struct {
	catalog    *Catalog
	bus        bus.Bus
	store      repository.WorkflowStore
	specialist services.Specialist
	knowledge  *services.KnowledgeService
	metrics    *observability.Metrics
	logger     *logging.Logger
	now        func() time.Time

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	dispatched map[string]int // request number -> stage dispatched by this process
}

// Option configures a Driver.
type Option func(*Driver)

// WithKnowledge caches observed deliverables.
func WithKnowledge(k *services.KnowledgeService) Option {
	return func(d *Driver) { d.knowledge = k }
}

// WithMetrics counts dispatches.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// NewDriver creates a Driver.
func NewDriver(catalog *Catalog, b bus.Bus, store repository.WorkflowStore, specialist services.Specialist, logger *logging.Logger, opts ...Option) *Driver {
	d := &Driver{
		catalog:    catalog,
		bus:        b,
		store:      store,
		specialist: specialist,
		metrics:    observability.Noop(),
		logger:     logger,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
		dispatched: make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Catalog returns the stage catalog.
func (d *Driver) Catalog() *Catalog { return d.catalog }

// StartWorkflow starts req at stage 0.
func (d *Driver) StartWorkflow(ctx context.Context, req models.Request) error {
	return d.ResumeFromStage(ctx, req, 0)
}

// ResumeFromStage starts or continues req at stage. The stage is clamped to
// the contiguous deliverable count so that no stage runs ahead of its
// inputs. Moving an existing workflow backwards returns
// models.ErrStageRegression; resuming a finished or escalated one returns
// models.ErrInvalidTransition. Both call for RestartFromStage instead.
func (d *Driver) ResumeFromStage(ctx context.Context, req models.Request, stage int) error {
	unlock := d.lock(req.ID)
	defer unlock()

	if stage < 0 || stage > d.catalog.Len() {
		return fmt.Errorf("pipeline: stage %d out of range [0, %d]", stage, d.catalog.Len())
	}
	contiguous, err := d.contiguous(ctx, req.ID)
	if err != nil {
		return err
	}
	if stage > contiguous {
		d.logger.WithRequest(req.ID).Warn("resume clamped to last contiguous deliverable",
			"requested_stage", stage, "stage", contiguous)
		stage = contiguous
	}

	now := d.now().UTC()
	prev, err := d.store.GetByRequestID(ctx, req.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("load workflow %s: %w", req.ID, err)
	}

	var wf models.Workflow
	if prev == nil {
		wf = newWorkflow(req, stage, now)
	} else {
		wf = *prev
		applyRequest(&wf, req)
		if err := wf.TransitionTo(models.WorkflowRunning, now); err != nil {
			return err
		}
		if err := wf.AdvanceTo(stage, now); err != nil {
			return err
		}
		if prev.Status == models.WorkflowRunning && prev.CurrentStage == stage && d.wasDispatched(req.ID, stage) {
			return nil
		}
	}
	return d.commit(ctx, &wf, prev, "")
}

// RestartFromStage resets an existing workflow to stage and dispatches it
// again, discarding later progress. Work already in flight for the previous
// attempt is superseded, not aborted.
func (d *Driver) RestartFromStage(ctx context.Context, requestID string, stage int, reason string) error {
	unlock := d.lock(requestID)
	defer unlock()

	if stage < 0 || stage >= d.catalog.Len() {
		return fmt.Errorf("pipeline: restart stage %d out of range [0, %d)", stage, d.catalog.Len())
	}
	prev, err := d.store.GetByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", requestID, err)
	}
	if contiguous, err := d.contiguous(ctx, requestID); err != nil {
		return err
	} else if stage > contiguous {
		stage = contiguous
	}

	wf := *prev
	wf.Restart(stage, reason, d.now().UTC())
	d.forget(requestID)
	return d.commit(ctx, &wf, prev, reason)
}

// Advance looks at the deliverables of a running workflow and dispatches
// the next stage if the contiguous run of deliverables has moved past the
// current stage. When every stage has a deliverable the workflow is
// completed instead. It reports whether anything changed.
func (d *Driver) Advance(ctx context.Context, requestID string) (bool, error) {
	unlock := d.lock(requestID)
	defer unlock()

	prev, err := d.store.GetByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load workflow %s: %w", requestID, err)
	}
	if prev.Status != models.WorkflowRunning {
		return false, nil
	}
	k, err := d.contiguous(ctx, requestID)
	if err != nil {
		return false, err
	}
	if k <= prev.CurrentStage {
		return false, nil
	}
	d.cacheDeliverables(ctx, requestID, prev.CurrentStage, k)

	now := d.now().UTC()
	wf := *prev
	if err := wf.AdvanceTo(k, now); err != nil {
		return false, err
	}
	if k == d.catalog.Len() {
		return true, d.complete(ctx, &wf, now)
	}
	return true, d.commit(ctx, &wf, prev, "")
}

// Block marks a workflow blocked. Stage progress is kept so that a later
// resume continues from where it stopped.
func (d *Driver) Block(ctx context.Context, requestID, reason string) error {
	unlock := d.lock(requestID)
	defer unlock()

	prev, err := d.store.GetByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", requestID, err)
	}
	wf := *prev
	if err := wf.TransitionTo(models.WorkflowBlocked, d.now().UTC()); err != nil {
		return err
	}
	wf.Metadata.BlockedReason = reason
	if err := d.store.MarkBlocked(ctx, requestID, reason); err != nil {
		return err
	}
	d.publishState(ctx, &wf)
	d.forget(requestID)
	return nil
}

// GetStatus is the authoritative status lookup used for duplicate
// protection.
func (d *Driver) GetStatus(ctx context.Context, requestID string) (Status, error) {
	wf, err := d.store.GetByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("load workflow %s: %w", requestID, err)
	}
	return Status{
		RequestID:   wf.RequestID,
		Status:      wf.Status,
		Stage:       wf.CurrentStage,
		StageName:   d.catalog.Name(wf.CurrentStage),
		Assignee:    wf.Assignee,
		StartedAt:   wf.StartedAt,
		CompletedAt: wf.CompletedAt,
	}, nil
}

// GapStage returns the first stage in catalog order with no deliverable
// for requestID. When every stage has one it returns 0.
func (d *Driver) GapStage(ctx context.Context, requestID string) (int, error) {
	for i, s := range d.catalog.stages {
		ok, err := d.hasDeliverable(ctx, s, requestID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return i, nil
		}
	}
	return 0, nil
}

// ContiguousStage returns how many stages, counted from stage 0, have a
// deliverable for requestID without a gap. It equals Len when all do.
func (d *Driver) ContiguousStage(ctx context.Context, requestID string) (int, error) {
	return d.contiguous(ctx, requestID)
}

// Deliverable returns the latest deliverable of a stage.
func (d *Driver) Deliverable(ctx context.Context, stage, requestID string) (models.Deliverable, error) {
	i, ok := d.catalog.Index(stage)
	if !ok {
		return models.Deliverable{}, fmt.Errorf("pipeline: unknown stage %q", stage)
	}
	var out models.Deliverable
	err := bus.LastInto(ctx, d.bus, d.catalog.stages[i].Channel, requestID, &out)
	return out, err
}

func (d *Driver) contiguous(ctx context.Context, requestID string) (int, error) {
	for i, s := range d.catalog.stages {
		ok, err := d.hasDeliverable(ctx, s, requestID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return i, nil
		}
	}
	return d.catalog.Len(), nil
}

func (d *Driver) hasDeliverable(ctx context.Context, s models.Stage, requestID string) (bool, error) {
	_, err := d.bus.Last(ctx, s.Channel, requestID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bus.ErrNoMessage):
		return false, nil
	default:
		return false, fmt.Errorf("look up %s for %s: %w", s.Name, requestID, err)
	}
}

// commit writes wf durably, publishes its state and dispatches its current
// stage. A failed dispatch rolls the durable row back so the request can be
// re-admitted.
func (d *Driver) commit(ctx context.Context, wf *models.Workflow, prev *models.Workflow, reason string) error {
	if wf.CurrentStage >= d.catalog.Len() {
		return d.complete(ctx, wf, wf.UpdatedAt)
	}
	if err := d.store.Upsert(ctx, wf); err != nil {
		return err
	}
	d.publishState(ctx, wf)

	stage := d.catalog.stages[wf.CurrentStage]
	task := models.StageTask{
		RequestID:  wf.RequestID,
		Title:      wf.Title,
		Assignee:   wf.Assignee,
		Stage:      stage.Name,
		StageIndex: wf.CurrentStage,
		Reason:     reason,
	}
	if err := d.specialist.Dispatch(ctx, task); err != nil {
		d.rollback(ctx, wf, prev)
		return fmt.Errorf("dispatch %s for %s: %w", stage.Name, wf.RequestID, err)
	}

	d.mu.Lock()
	d.dispatched[wf.RequestID] = wf.CurrentStage
	d.mu.Unlock()
	d.metrics.Dispatch(ctx, stage.Name)
	d.logger.WithRequest(wf.RequestID).Info("stage dispatched", "stage", stage.Name, "stage_index", wf.CurrentStage)
	return nil
}

func (d *Driver) rollback(ctx context.Context, wf *models.Workflow, prev *models.Workflow) {
	restore := prev
	if restore == nil {
		pending := *wf
		pending.Status = models.WorkflowPending
		restore = &pending
	}
	if err := d.store.Upsert(ctx, restore); err != nil {
		d.logger.WithRequest(wf.RequestID).Error("rollback after failed dispatch", "error", err)
		return
	}
	d.publishState(ctx, restore)
}

func (d *Driver) complete(ctx context.Context, wf *models.Workflow, at time.Time) error {
	if err := wf.TransitionTo(models.WorkflowComplete, at); err != nil {
		return err
	}
	if err := d.store.Upsert(ctx, wf); err != nil {
		return err
	}
	d.publishState(ctx, wf)
	d.forget(wf.RequestID)

	event := models.CompletionEvent{RequestID: wf.RequestID, CompletedAt: at}
	if err := bus.Publish(ctx, d.bus, bus.ChannelCompleted, wf.RequestID, event); err != nil {
		d.logger.WithRequest(wf.RequestID).Warn("completion event not published", "error", err)
	}
	d.logger.WithRequest(wf.RequestID).Info("workflow complete")
	return nil
}

// publishState is best effort: the durable row is authoritative and the
// next transition republishes.
func (d *Driver) publishState(ctx context.Context, wf *models.Workflow) {
	state := models.WorkflowState{
		RequestID:   wf.RequestID,
		Status:      wf.Status,
		Stage:       wf.CurrentStage,
		StageName:   d.catalog.Name(wf.CurrentStage),
		Assignee:    wf.Assignee,
		StartedAt:   wf.StartedAt,
		UpdatedAt:   wf.UpdatedAt,
		CompletedAt: wf.CompletedAt,
	}
	if err := statehub.Publish(ctx, d.bus, state); err != nil {
		d.logger.WithRequest(wf.RequestID).Warn("state not published", "error", err)
	}
}

func (d *Driver) cacheDeliverables(ctx context.Context, requestID string, from, to int) {
	if d.knowledge == nil {
		return
	}
	for i := from; i < to; i++ {
		s := d.catalog.stages[i]
		var del models.Deliverable
		if err := bus.LastInto(ctx, d.bus, s.Channel, requestID, &del); err != nil || del.Summary == "" {
			continue
		}
		d.knowledge.Remember(ctx, requestID, repository.KindDeliverable, s.Name+": "+del.Summary)
	}
}

func (d *Driver) lock(requestID string) func() {
	d.mu.Lock()
	l, ok := d.locks[requestID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[requestID] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (d *Driver) wasDispatched(requestID string, stage int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.dispatched[requestID]
	return ok && s == stage
}

func (d *Driver) forget(requestID string) {
	d.mu.Lock()
	delete(d.dispatched, requestID)
	d.mu.Unlock()
}

func newWorkflow(req models.Request, stage int, now time.Time) models.Workflow {
	wf := models.Workflow{
		RequestID:    req.ID,
		Status:       models.WorkflowRunning,
		CurrentStage: stage,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	applyRequest(&wf, req)
	return wf
}

func applyRequest(wf *models.Workflow, req models.Request) {
	if req.Title != "" {
		wf.Title = req.Title
	}
	if req.Assignee != "" || wf.Assignee == "" {
		wf.Assignee = models.NormalizeAssignee(string(req.Assignee))
	}
	m := &wf.Metadata
	if req.Source != "" {
		m.Source = req.Source
	}
	if req.Priority != "" {
		m.Priority = req.Priority
	}
	if req.ParentID != "" {
		m.ParentID = req.ParentID
	}
	if req.Type != "" {
		m.AuditType = req.Type
	}
	if req.Description != "" {
		m.Description = req.Description
	}
	if req.Depth > m.Depth {
		m.Depth = req.Depth
	}
}
