package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/backend/internal/breaker"
	orcherrors "agent-orchestrator/backend/internal/errors"
	"agent-orchestrator/backend/pkg/models"
)

func TestWorkflowView(t *testing.T) {
	f := newFixture(t, models.Request{ID: "REQ-1", Title: "t", Status: models.RequestInProgress})
	ctx := context.Background()
	require.NoError(t, f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1", Title: "t"}))
	f.states.set(models.WorkflowState{RequestID: "REQ-1", Status: models.WorkflowRunning})

	view, err := f.orch.Workflow(ctx, "REQ-1")
	require.NoError(t, err)
	require.NotNil(t, view.Workflow)
	require.NotNil(t, view.Ledger)
	require.NotNil(t, view.State)
	assert.Equal(t, models.StageResearch, view.StageName)

	_, err = f.orch.Workflow(ctx, "REQ-404")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)

	rows, err := f.orch.Workflows(ctx, models.WorkflowRunning, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	rows, err = f.orch.Workflows(ctx, models.WorkflowBlocked, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRestart(t *testing.T) {
	f := newFixture(t, models.Request{ID: "REQ-1", Title: "t", Status: models.RequestEscalated})
	ctx := context.Background()
	require.NoError(t, f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1", Title: "t"}))

	err := f.orch.Restart(ctx, "REQ-1", 9, "")
	assert.Equal(t, orcherrors.KindPolicy, orcherrors.KindOf(err))
	assert.ErrorIs(t, f.orch.Restart(ctx, "REQ-404", 0, ""), ErrUnknownWorkflow)

	require.NoError(t, f.orch.Restart(ctx, "REQ-1", 0, "operator asked"))
	assert.Equal(t, models.RequestInProgress, f.ledger.Status("REQ-1"))
	assert.True(t, f.orch.processed.Has("REQ-1"))
	assert.Equal(t, breaker.StateClosed, f.orch.BreakerSnapshot().State)
}
