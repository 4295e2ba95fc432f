package repository

import (
	"context"
	"errors"
	"time"

	"agent-orchestrator/backend/pkg/models"
)

// ErrNotFound is returned when no row exists for a request number.
var ErrNotFound = errors.New("repository: not found")

// WorkflowStore is the durable store of workflow rows, one per request number.
type WorkflowStore interface {
	// Upsert inserts the workflow or replaces the existing row for its
	// request number.
	Upsert(ctx context.Context, wf *models.Workflow) error
	// GetByRequestID retrieves a workflow by its request number.
	GetByRequestID(ctx context.Context, requestID string) (*models.Workflow, error)
	// ListByStatus lists workflows in a status, oldest first.
	ListByStatus(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error)
	// List lists every workflow, most recently updated first.
	List(ctx context.Context, limit int) ([]*models.Workflow, error)
	// MarkComplete marks a workflow complete.
	MarkComplete(ctx context.Context, requestID string) error
	// MarkBlocked marks a workflow blocked with a reason.
	MarkBlocked(ctx context.Context, requestID, reason string) error
	// UpdateStatus sets the status of a workflow.
	UpdateStatus(ctx context.Context, requestID string, status models.WorkflowStatus) error
}

// Knowledge kinds.
const (
	KindDecision    = "decision"
	KindLearning    = "learning"
	KindDeliverable = "deliverable"
)

// Knowledge is one entry in the knowledge store: a decision, a learning or
// a cached deliverable.
type Knowledge struct {
	ID        string
	RequestID string
	Kind      string
	Content   string
	CreatedAt time.Time
}

// KnowledgeStore is an interface for storing and retrieving knowledge entries.
type KnowledgeStore interface {
	// Save saves an entry to the store.
	Save(ctx context.Context, k *Knowledge) error
	// ListByRequest lists the entries recorded for a request number.
	ListByRequest(ctx context.Context, requestID string) ([]*Knowledge, error)
}
