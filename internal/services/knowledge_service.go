package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/internal/repository"
)

const defaultRememberTimeout = 2 * time.Second

// KnowledgeService records decisions, learnings and deliverable summaries.
// Writes are best effort: a failing store is logged and never surfaces to
// the orchestration path.
type KnowledgeService struct {
	store   repository.KnowledgeStore
	logger  *logging.Logger
	timeout time.Duration
}

// NewKnowledgeService creates a new KnowledgeService. A nil store turns
// every write into a no-op.
func NewKnowledgeService(store repository.KnowledgeStore, logger *logging.Logger) *KnowledgeService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &KnowledgeService{
		store:   store,
		logger:  logger,
		timeout: defaultRememberTimeout,
	}
}

// Remember stores one entry for requestID.
func (s *KnowledgeService) Remember(ctx context.Context, requestID, kind, content string) {
	if s == nil || s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	entry := &repository.Knowledge{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Save(ctx, entry); err != nil {
		s.logger.Warn("knowledge write failed", "request_id", requestID, "kind", kind, "error", err)
	}
}

// Recall lists everything recorded for requestID.
func (s *KnowledgeService) Recall(ctx context.Context, requestID string) ([]*repository.Knowledge, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	return s.store.ListByRequest(ctx, requestID)
}
