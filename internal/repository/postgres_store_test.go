package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"agent-orchestrator/backend/pkg/models"
)

func TestPostgresStores(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	applied, err := Migrate(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, []string{"migrations/001_init.sql"}, applied)

	again, err := Migrate(ctx, pool)
	require.NoError(t, err)
	assert.Empty(t, again)

	workflows := NewPostgresWorkflowStore(pool)
	knowledge := NewPostgresKnowledgeStore(pool)
	started := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Upsert and Get", func(t *testing.T) {
		wf := &models.Workflow{
			RequestID:    "REQ-100",
			Title:        "Usage export",
			Assignee:     models.AssigneeProduct,
			Status:       models.WorkflowRunning,
			CurrentStage: 1,
			StartedAt:    started,
			UpdatedAt:    started,
			Metadata:     models.WorkflowMetadata{Source: "ledger", Priority: "high", Depth: 1},
		}
		require.NoError(t, workflows.Upsert(ctx, wf))

		wf.CurrentStage = 2
		wf.UpdatedAt = started.Add(time.Minute)
		require.NoError(t, workflows.Upsert(ctx, wf))

		got, err := workflows.GetByRequestID(ctx, "REQ-100")
		require.NoError(t, err)
		assert.Equal(t, 2, got.CurrentStage)
		assert.Equal(t, models.AssigneeProduct, got.Assignee)
		assert.Equal(t, "high", got.Metadata.Priority)
		assert.Equal(t, 1, got.Metadata.Depth)
		assert.True(t, started.Equal(got.StartedAt))
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("Get missing", func(t *testing.T) {
		_, err := workflows.GetByRequestID(ctx, "REQ-missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("MarkBlocked and ListByStatus", func(t *testing.T) {
		require.NoError(t, workflows.MarkBlocked(ctx, "REQ-100", "2 issues"))

		blocked, err := workflows.ListByStatus(ctx, models.WorkflowBlocked)
		require.NoError(t, err)
		require.Len(t, blocked, 1)
		assert.Equal(t, "2 issues", blocked[0].Metadata.BlockedReason)
		assert.Equal(t, "ledger", blocked[0].Metadata.Source)

		running, err := workflows.ListByStatus(ctx, models.WorkflowRunning)
		require.NoError(t, err)
		assert.Empty(t, running)
	})

	t.Run("MarkComplete", func(t *testing.T) {
		require.NoError(t, workflows.UpdateStatus(ctx, "REQ-100", models.WorkflowRunning))
		require.NoError(t, workflows.MarkComplete(ctx, "REQ-100"))

		got, err := workflows.GetByRequestID(ctx, "REQ-100")
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowComplete, got.Status)
		assert.NotNil(t, got.CompletedAt)

		assert.ErrorIs(t, workflows.MarkComplete(ctx, "REQ-missing"), ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		all, err := workflows.List(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("Knowledge Save and List", func(t *testing.T) {
		entry := &Knowledge{
			ID:        uuid.New().String(),
			RequestID: "REQ-100",
			Kind:      KindDecision,
			Content:   "decomposed into 2 sub-requests",
		}
		require.NoError(t, knowledge.Save(ctx, entry))

		entries, err := knowledge.ListByRequest(ctx, "REQ-100")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, entry.ID, entries[0].ID)
		assert.Equal(t, KindDecision, entries[0].Kind)
		assert.Equal(t, entry.Content, entries[0].Content)
	})
}
