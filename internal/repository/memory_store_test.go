package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/backend/pkg/models"
)

func TestMemoryWorkflowStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryWorkflowStore()
	base := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"REQ-2", "REQ-1"} {
		require.NoError(t, s.Upsert(ctx, &models.Workflow{
			RequestID: id,
			Status:    models.WorkflowRunning,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			UpdatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	running, err := s.ListByStatus(ctx, models.WorkflowRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "REQ-2", running[0].RequestID)

	got, err := s.GetByRequestID(ctx, "REQ-1")
	require.NoError(t, err)
	got.Title = "mutated copy"
	again, err := s.GetByRequestID(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Empty(t, again.Title)

	require.NoError(t, s.MarkBlocked(ctx, "REQ-1", "waiting on children"))
	blocked, err := s.GetByRequestID(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowBlocked, blocked.Status)
	assert.Equal(t, "waiting on children", blocked.Metadata.BlockedReason)

	require.NoError(t, s.MarkComplete(ctx, "REQ-2"))
	done, err := s.GetByRequestID(ctx, "REQ-2")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowComplete, done.Status)
	assert.NotNil(t, done.CompletedAt)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "REQ-9", models.WorkflowFailed), ErrNotFound)

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryKnowledgeStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryKnowledgeStore()

	require.NoError(t, s.Save(ctx, &Knowledge{ID: "a", RequestID: "REQ-1", Kind: KindLearning, Content: "x"}))
	require.NoError(t, s.Save(ctx, &Knowledge{ID: "b", RequestID: "REQ-2", Kind: KindDecision, Content: "y"}))

	entries, err := s.ListByRequest(ctx, "REQ-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)
	assert.False(t, entries[0].CreatedAt.IsZero())
}
