package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/pkg/models"
)

const critiqueSummary = `Critique of the export feature.

- **Missing auth** - endpoint is public
❌ **No pagination** - unbounded result set

Otherwise looks fine.`

func TestExtractIssues(t *testing.T) {
	issues := ExtractIssues(critiqueSummary)
	require.Len(t, issues, 2)
	assert.Equal(t, "Missing auth", issues[0].Title)
	assert.Equal(t, "endpoint is public", issues[0].Description)
	assert.Equal(t, "No pagination", issues[1].Title)
	assert.Equal(t, "high", issues[1].Priority)

	assert.Empty(t, ExtractIssues("LGTM, no issues."))
}

func TestHandleBlocked_IgnoresNonCritiqueStages(t *testing.T) {
	f := newFixture(t, models.Request{ID: "REQ-1", Status: models.RequestInProgress})

	err := f.orch.HandleBlocked(context.Background(), models.BlockedEvent{
		RequestID: "REQ-1",
		Stage:     models.StageQA,
		Blockers:  []models.Issue{{Title: "flaky"}},
	})
	require.NoError(t, err)
	assert.Empty(t, f.bus.History(bus.ChannelNewRequirements))
	assert.Empty(t, f.escalator.all())
}

func TestHandleBlocked_DepthGuardEscalates(t *testing.T) {
	id := "REQ-1-SUB1-100-SUB2-200-SUB1-300"
	f := newFixture(t, models.Request{ID: id, Status: models.RequestInProgress})

	err := f.orch.HandleBlocked(context.Background(), models.BlockedEvent{
		RequestID: id,
		Stage:     models.StageCritique,
		Blockers:  []models.Issue{{Title: "one"}, {Title: "two"}},
	})
	require.NoError(t, err)

	assert.Empty(t, f.bus.History(bus.ChannelNewRequirements))
	assert.Equal(t, []escalated{{RequestID: id, Reason: models.ReasonMaxDepthExceeded}}, f.escalator.all())
}

func TestHandleBlocked_DepthGuardUsesLineageOverRow(t *testing.T) {
	id := "REQ-1-SUB1-100-SUB2-200-SUB1-300"
	f := newFixture(t, models.Request{ID: id, Title: "t", Status: models.RequestNew})
	ctx := context.Background()

	report, err := f.orch.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{id}, report.Started)
	wf, err := f.store.GetByRequestID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 0, wf.Metadata.Depth)

	err = f.orch.HandleBlocked(ctx, models.BlockedEvent{
		RequestID: id,
		Stage:     models.StageCritique,
		Blockers:  []models.Issue{{Title: "one"}, {Title: "two"}},
	})
	require.NoError(t, err)

	assert.Empty(t, f.bus.History(bus.ChannelNewRequirements))
	assert.Equal(t, []escalated{{RequestID: id, Reason: models.ReasonMaxDepthExceeded}}, f.escalator.all())
}

func TestHandleBlocked_LedgerFailureEscalates(t *testing.T) {
	f := newFixture(t, models.Request{ID: "REQ-1", Title: "t", Status: models.RequestNew})
	ctx := context.Background()
	_, err := f.orch.Scan(ctx)
	require.NoError(t, err)
	f.ledger.FailUpdates(models.RequestBlocked, errors.New("ledger write rejected"))

	err = f.orch.HandleBlocked(ctx, models.BlockedEvent{
		RequestID: "REQ-1",
		Stage:     models.StageCritique,
		Blockers:  []models.Issue{{Title: "one"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []escalated{{RequestID: "REQ-1", Reason: models.ReasonNeedsHumanDecision}}, f.escalator.all())
	assert.Equal(t, models.RequestInProgress, f.ledger.Status("REQ-1"))
	assert.Empty(t, f.orch.Tracking())
}

func TestHandleBlocked_NoIssuesWithoutCritiqueEscalates(t *testing.T) {
	f := newFixture(t, models.Request{ID: "REQ-1", Title: "t", Status: models.RequestInProgress})
	ctx := context.Background()
	require.NoError(t, f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1", Title: "t"}))
	f.deliver(t, "REQ-1", 0)
	_, err := f.driver.Advance(ctx, "REQ-1")
	require.NoError(t, err)

	require.NoError(t, f.orch.HandleBlocked(ctx, models.BlockedEvent{RequestID: "REQ-1", Stage: models.StageCritique}))

	assert.Equal(t, []escalated{{RequestID: "REQ-1", Reason: models.ReasonNeedsHumanDecision}}, f.escalator.all())
	st, err := f.driver.GetStatus(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Stage)
	assert.Equal(t, 2, f.specialist.count())
}

func TestHandleBlocked_NoIssuesResumesParent(t *testing.T) {
	f := newFixture(t, models.Request{ID: "REQ-1", Title: "t", Status: models.RequestInProgress})
	ctx := context.Background()
	require.NoError(t, f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1", Title: "t"}))
	f.deliver(t, "REQ-1", 0)
	_, err := f.driver.Advance(ctx, "REQ-1")
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, f.bus, models.DeliverableChannel(models.StageCritique), "REQ-1",
		models.Deliverable{RequestID: "REQ-1", Stage: models.StageCritique, Summary: "LGTM"}))

	require.NoError(t, f.orch.HandleBlocked(ctx, models.BlockedEvent{RequestID: "REQ-1", Stage: models.StageCritique}))

	assert.Empty(t, f.bus.History(bus.ChannelNewRequirements))
	st, err := f.driver.GetStatus(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, st.Status)
	assert.Equal(t, 2, st.Stage)
}

func TestDecomposition_RoundTrip(t *testing.T) {
	parent := models.Request{ID: "REQ-1", Title: "export", Assignee: models.AssigneeProduct, Status: models.RequestNew, Priority: "low"}
	f := newFixture(t, parent)
	ctx := context.Background()

	_, err := f.orch.Scan(ctx)
	require.NoError(t, err)
	f.deliver(t, "REQ-1", 0)
	_, err = f.orch.Progress(ctx)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, f.bus, models.DeliverableChannel(models.StageCritique), "REQ-1",
		models.Deliverable{RequestID: "REQ-1", Stage: models.StageCritique, Summary: critiqueSummary}))

	require.NoError(t, f.orch.HandleBlocked(ctx, models.BlockedEvent{RequestID: "REQ-1", Stage: models.StageCritique}))

	published := f.bus.History(bus.ChannelNewRequirements)
	require.Len(t, published, 2)
	var children []string
	for _, msg := range published {
		var child models.Request
		require.NoError(t, msg.Decode(&child))
		assert.Equal(t, "REQ-1", child.ParentID)
		assert.Equal(t, 1, child.Depth)
		assert.Equal(t, models.AssigneeProduct, child.Assignee)
		assert.Equal(t, 1, models.LineageDepth(child.ID))
		children = append(children, child.ID)
	}

	var manifest models.SubRequirementManifest
	require.NoError(t, bus.LastInto(ctx, f.bus, bus.ChannelManifest, "REQ-1", &manifest))
	assert.Equal(t, children, manifest.Children)
	assert.Equal(t, models.RequestBlocked, f.ledger.Status("REQ-1"))
	st, err := f.driver.GetStatus(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowBlocked, st.Status)
	assert.Equal(t, []string{"REQ-1"}, f.orch.Tracking())

	for _, child := range children {
		f.deliver(t, child, 6)
	}

	assert.Eventually(t, func() bool {
		st, err := f.driver.GetStatus(ctx, "REQ-1")
		return err == nil && st.Status == models.WorkflowRunning && st.Stage == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.RequestInProgress, f.ledger.Status("REQ-1"))
	assert.Empty(t, f.orch.Tracking())
	assert.Empty(t, f.escalator.all())
}
