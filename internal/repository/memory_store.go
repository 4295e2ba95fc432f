package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"agent-orchestrator/backend/pkg/models"
)

// MemoryWorkflowStore is an in-process WorkflowStore used by tests and by
// the daemon when no database is configured.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]models.Workflow
	now       func() time.Time
}

// NewMemoryWorkflowStore creates an empty store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{workflows: make(map[string]models.Workflow), now: time.Now}
}

// Upsert stores a copy of wf.
func (s *MemoryWorkflowStore) Upsert(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = s.now().UTC()
	}
	if wf.StartedAt.IsZero() {
		wf.StartedAt = wf.UpdatedAt
	}
	s.workflows[wf.RequestID] = *wf
	return nil
}

// GetByRequestID returns a copy of the stored workflow.
func (s *MemoryWorkflowStore) GetByRequestID(ctx context.Context, requestID string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &wf, nil
}

// ListByStatus lists workflows in status, oldest first.
func (s *MemoryWorkflowStore) ListByStatus(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Workflow
	for _, wf := range s.workflows {
		if wf.Status == status {
			out = append(out, &wf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// List lists workflows, most recently updated first.
func (s *MemoryWorkflowStore) List(ctx context.Context, limit int) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, &wf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkComplete marks a workflow complete.
func (s *MemoryWorkflowStore) MarkComplete(ctx context.Context, requestID string) error {
	return s.mutate(requestID, func(wf *models.Workflow, now time.Time) {
		wf.Status = models.WorkflowComplete
		wf.CompletedAt = &now
	})
}

// MarkBlocked marks a workflow blocked.
func (s *MemoryWorkflowStore) MarkBlocked(ctx context.Context, requestID, reason string) error {
	return s.mutate(requestID, func(wf *models.Workflow, _ time.Time) {
		wf.Status = models.WorkflowBlocked
		wf.Metadata.BlockedReason = reason
	})
}

// UpdateStatus sets the status of a workflow.
func (s *MemoryWorkflowStore) UpdateStatus(ctx context.Context, requestID string, status models.WorkflowStatus) error {
	return s.mutate(requestID, func(wf *models.Workflow, _ time.Time) {
		wf.Status = status
	})
}

func (s *MemoryWorkflowStore) mutate(requestID string, fn func(*models.Workflow, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[requestID]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	fn(&wf, now)
	wf.UpdatedAt = now
	s.workflows[requestID] = wf
	return nil
}

// MemoryKnowledgeStore is an in-process KnowledgeStore.
type MemoryKnowledgeStore struct {
	mu      sync.Mutex
	entries []Knowledge
}

// NewMemoryKnowledgeStore creates an empty store.
func NewMemoryKnowledgeStore() *MemoryKnowledgeStore {
	return &MemoryKnowledgeStore{}
}

// Save appends a copy of k.
func (s *MemoryKnowledgeStore) Save(ctx context.Context, k *Knowledge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, *k)
	return nil
}

// ListByRequest lists entries for requestID in insertion order.
func (s *MemoryKnowledgeStore) ListByRequest(ctx context.Context, requestID string) ([]*Knowledge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Knowledge
	for _, k := range s.entries {
		if k.RequestID == requestID {
			out = append(out, &k)
		}
	}
	return out, nil
}
