// Package orchestrator runs the workflow engine: it admits requests from
// the ledger, drives them through the pipeline, decomposes blocked ones,
// recovers after restarts, reconciles the ledger with bus state and
// escalates stuck workflows.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-orchestrator/backend/internal/breaker"
	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/internal/config"
	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/internal/ledger"
	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/internal/observability"
	"agent-orchestrator/backend/internal/pipeline"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/internal/services"
	"agent-orchestrator/backend/internal/statehub"
	"agent-orchestrator/backend/pkg/models"
)

// StateLookup fetches the canonical bus-held state of a workflow.
type StateLookup interface {
	Lookup(ctx context.Context, requestID string) (models.WorkflowState, error)
}

// Escalator surfaces a workflow to a human. It never fails.
type Escalator interface {
	Escalate(ctx context.Context, requestID string, reason models.EscalationReason, detail string)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Ledger    ledger.Store
	Bus       bus.Bus
	Store     repository.WorkflowStore
	Driver    *pipeline.Driver
	States    StateLookup
	Escalator Escalator
	Breaker   *breaker.Breaker
	Knowledge *services.KnowledgeService
	Metrics   *observability.Metrics
	Logger    *logging.Logger
}

// Orchestrator owns all mutable engine state: the processed set, the
// circuit breaker and the live sub-workflow sets.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	ledger    ledger.Store
	bus       bus.Bus
	store     repository.WorkflowStore
	driver    *pipeline.Driver
	states    StateLookup
	escalator Escalator
	breaker   *breaker.Breaker
	knowledge *services.KnowledgeService
	metrics   *observability.Metrics
	logger    *logging.Logger
	responder *statehub.Responder
	now       func() time.Time

	critique       int
	implementation int
	completion     models.Stage

	processed *processedSet
	subsets   *subWorkflowSets
	scanNow   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	workers sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	started     bool
	stopped     bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New wires an Orchestrator.
func New(cfg config.OrchestratorConfig, deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Ledger == nil || deps.Bus == nil || deps.Store == nil || deps.Driver == nil {
		return nil, errors.New("orchestrator: ledger, bus, store and driver are required")
	}
	catalog := deps.Driver.Catalog()
	critique, ok := catalog.Index(cfg.CritiqueStage)
	if !ok {
		return nil, fmt.Errorf("orchestrator: critique stage %q not in catalog", cfg.CritiqueStage)
	}
	implementation, ok := catalog.Index(cfg.ImplementationStage)
	if !ok {
		return nil, fmt.Errorf("orchestrator: implementation stage %q not in catalog", cfg.ImplementationStage)
	}
	completionIdx, ok := catalog.Index(cfg.CompletionStage)
	if !ok {
		return nil, fmt.Errorf("orchestrator: completion stage %q not in catalog", cfg.CompletionStage)
	}
	completion, _ := catalog.Stage(completionIdx)

	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.Noop()
	}
	if deps.Breaker == nil {
		deps.Breaker = breaker.New()
	}
	if deps.States == nil {
		deps.States = statehub.NewClient(deps.Bus, cfg.StateQueryTimeout)
	}
	if deps.Escalator == nil {
		return nil, errors.New("orchestrator: escalator is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:            cfg,
		ledger:         deps.Ledger,
		bus:            deps.Bus,
		store:          deps.Store,
		driver:         deps.Driver,
		states:         deps.States,
		escalator:      deps.Escalator,
		breaker:        deps.Breaker,
		knowledge:      deps.Knowledge,
		metrics:        deps.Metrics,
		logger:         deps.Logger.With("component", "orchestrator"),
		responder:      statehub.NewResponder(deps.Bus, deps.Logger.With("component", "statehub")),
		now:            time.Now,
		critique:       critique,
		implementation: implementation,
		completion:     completion,
		processed:      newProcessedSet(),
		subsets:        newSubWorkflowSets(),
		scanNow:        make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.group, o.ctx = errgroup.WithContext(o.ctx)
	return o, nil
}

// Initialize starts answering state queries and runs startup recovery.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = true
	o.mu.Unlock()

	sub, err := o.responder.Subscribe(o.ctx)
	if err != nil {
		return fmt.Errorf("subscribe state queries: %w", err)
	}
	o.group.Go(func() error { return o.responder.Serve(o.ctx, sub) })

	report, err := o.Recover(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	o.logger.Info("startup recovery finished",
		"recovered", len(report.Recovered),
		"confirmed", len(report.Confirmed),
		"reset", len(report.Reset),
		"resumed", len(report.Resumed),
		"tracking", len(report.Tracking))
	return nil
}

// StartDaemon launches the timer and subscription loops. It returns once
// they are running; Wait blocks until they stop.
func (o *Orchestrator) StartDaemon(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator: already started")
	}
	if o.stopped {
		return errors.New("orchestrator: stopped")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.started = true

	subs := []struct {
		name    string
		channel string
		handle  func(context.Context, bus.Message) error
	}{
		{"requirements", bus.ChannelNewRequirements, o.handleRequirement},
		{"blocked", bus.ChannelBlocked, o.handleBlockedMessage},
		{"decisions", bus.ChannelDecisions, o.handleDecisionMessage},
	}
	for _, s := range subs {
		sub, err := o.bus.Consume(o.ctx, s.channel, o.cfg.ConsumerGroup, o.cfg.ConsumerName)
		if err != nil {
			return fmt.Errorf("consume %s: %w", s.channel, err)
		}
		name, handle := s.name, s.handle
		o.group.Go(func() error { return o.consumeLoop(name, sub, handle) })
	}

	o.group.Go(o.scanLoop)
	o.group.Go(func() error {
		return o.tickLoop("progress", o.cfg.ProgressInterval, func(ctx context.Context) error {
			_, err := o.Progress(ctx)
			return err
		})
	})
	o.group.Go(func() error {
		return o.tickLoop("heartbeat", o.cfg.HeartbeatInterval, func(ctx context.Context) error {
			_, err := o.CheckHeartbeats(ctx)
			return err
		})
	})
	o.group.Go(func() error {
		return o.tickLoop("reconcile", o.cfg.ReconcileInterval, func(ctx context.Context) error {
			_, err := o.Reconcile(ctx)
			return err
		})
	})

	o.logger.Info("daemon started",
		"scan_interval", o.cfg.ScanInterval,
		"concurrency_ceiling", o.cfg.ConcurrencyCeiling,
		"stages", o.driver.Catalog().Len())
	return nil
}

// Wait blocks until every loop has returned.
func (o *Orchestrator) Wait() error {
	err := o.group.Wait()
	o.workers.Wait()
	return err
}

// Stop cancels every loop and sub-workflow tracker and waits for them.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	o.cancel()
	err := o.Wait()
	o.logger.Info("daemon stopped")
	return err
}

// Close stops the daemon and releases the bus.
func (o *Orchestrator) Close() error {
	stopErr := o.Stop()
	return errors.Join(stopErr, o.bus.Close())
}

// TriggerScan asks the scan loop for an immediate pass.
func (o *Orchestrator) TriggerScan() {
	select {
	case o.scanNow <- struct{}{}:
	default:
	}
}

// Breaker exposes the admission breaker for ops surfaces.
func (o *Orchestrator) Breaker() *breaker.Breaker { return o.breaker }

// Tracking lists the parents currently waiting on sub-workflows.
func (o *Orchestrator) Tracking() []string { return o.subsets.parents() }

func (o *Orchestrator) scanLoop() error {
	o.runTick("scan", o.scanTick)
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return nil
		case <-ticker.C:
			o.runTick("scan", o.scanTick)
		case <-o.scanNow:
			o.runTick("scan", o.scanTick)
		}
	}
}

func (o *Orchestrator) scanTick(ctx context.Context) error {
	_, err := o.Scan(ctx)
	return err
}

func (o *Orchestrator) tickLoop(name string, every time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return nil
		case <-ticker.C:
			o.runTick(name, fn)
		}
	}
}

// runTick runs one pass. Errors are logged and retried by the next tick.
func (o *Orchestrator) runTick(name string, fn func(context.Context) error) {
	err := o.guard(name, "", func() error { return fn(o.ctx) })
	if err != nil && o.ctx.Err() == nil {
		o.logger.Warn("tick failed", "loop", name, "kind", orcherrors.KindOf(err).String(), "error", err)
	}
}

func (o *Orchestrator) consumeLoop(name string, sub bus.Subscription, handle func(context.Context, bus.Message) error) error {
	defer sub.Close()
	for {
		select {
		case <-o.ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			err := o.guard(name, msg.RequestID, func() error { return handle(o.ctx, msg) })
			if err != nil {
				o.logger.WithRequest(msg.RequestID).Warn("message handling failed",
					"loop", name, "kind", orcherrors.KindOf(err).String(), "error", err)
			}
		}
	}
}

// guard isolates one unit of work: a panic becomes an error instead of
// taking down the loop.
func (o *Orchestrator) guard(op, requestID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic recovered", "op", op, "request_id", requestID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s: panic: %v", op, r)
		}
	}()
	return fn()
}

// goWorker runs fn on a goroutine that Stop waits for.
func (o *Orchestrator) goWorker(fn func()) {
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		fn()
	}()
}

func (o *Orchestrator) handleRequirement(ctx context.Context, msg bus.Message) error {
	var req models.Request
	if err := msg.Decode(&req); err != nil {
		return orcherrors.Inconsistency("requirement", msg.RequestID, err)
	}
	if req.ID == "" {
		req.ID = msg.RequestID
	}
	if req.ID == "" {
		return orcherrors.Inconsistency("requirement", "", errors.New("requirement without request id"))
	}
	req.Status = models.RequestNew
	req.Assignee = models.NormalizeAssignee(string(req.Assignee))

	added, err := o.ledger.Create(ctx, req)
	if err != nil {
		return orcherrors.Transient("requirement", req.ID, err)
	}
	if added {
		o.logger.WithRequest(req.ID).Info("requirement recorded", "parent_id", req.ParentID, "depth", req.Depth)
		o.TriggerScan()
	}
	return nil
}

func (o *Orchestrator) handleBlockedMessage(ctx context.Context, msg bus.Message) error {
	var ev models.BlockedEvent
	if err := msg.Decode(&ev); err != nil {
		return orcherrors.Inconsistency("blocked", msg.RequestID, err)
	}
	if ev.RequestID == "" {
		ev.RequestID = msg.RequestID
	}
	return o.HandleBlocked(ctx, ev)
}

func (o *Orchestrator) handleDecisionMessage(ctx context.Context, msg bus.Message) error {
	var ev models.DecisionEvent
	if err := msg.Decode(&ev); err != nil {
		return orcherrors.Inconsistency("decision", msg.RequestID, err)
	}
	if ev.RequestID == "" {
		ev.RequestID = msg.RequestID
	}
	return o.HandleDecision(ctx, ev)
}
