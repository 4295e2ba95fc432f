package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/internal/statehub"
	"agent-orchestrator/backend/pkg/models"
)

type recordingSpecialist struct {
	mu    sync.Mutex
	tasks []models.StageTask
	err   error
}

func (s *recordingSpecialist) Dispatch(_ context.Context, task models.StageTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *recordingSpecialist) stages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.StageIndex
	}
	return out
}

type fixture struct {
	driver     *Driver
	bus        *bus.MemoryBus
	store      *repository.MemoryWorkflowStore
	specialist *recordingSpecialist
	catalog    *Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:        bus.NewMemoryBus(),
		store:      repository.NewMemoryWorkflowStore(),
		specialist: &recordingSpecialist{},
		catalog:    MustCatalog(models.DefaultStages()),
	}
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	f.driver = NewDriver(f.catalog, f.bus, f.store, f.specialist, logging.Discard(),
		WithClock(func() time.Time { return now }))
	return f
}

func (f *fixture) deliver(t *testing.T, requestID string, stages ...int) {
	t.Helper()
	for _, i := range stages {
		s, ok := f.catalog.Stage(i)
		require.True(t, ok)
		require.NoError(t, bus.Publish(context.Background(), f.bus, s.Channel, requestID,
			models.Deliverable{RequestID: requestID, Stage: s.Name, Summary: s.Name + " done"}))
	}
}

func upTo(k int) []int {
	out := make([]int, k)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestStartWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1", Title: "Export", Assignee: "design", Priority: "high"})
	require.NoError(t, err)

	wf, err := f.store.GetByRequestID(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, wf.Status)
	assert.Equal(t, 0, wf.CurrentStage)
	assert.Equal(t, models.AssigneeDesign, wf.Assignee)
	assert.Equal(t, "high", wf.Metadata.Priority)

	assert.Equal(t, []int{0}, f.specialist.stages())

	state, err := statehub.Current(ctx, f.bus, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, state.Status)
	assert.Equal(t, models.StageResearch, state.StageName)

	st, err := f.driver.GetStatus(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunning, st.Status)

	_, err = f.driver.GetStatus(ctx, "REQ-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Seeding deliverables for stages [0, k) must never let the driver propose
// or dispatch a stage beyond k.
func TestStageGating(t *testing.T) {
	n := models.DefaultStages()
	for k := 0; k <= len(n); k++ {
		t.Run(fmt.Sprintf("deliverables_%d", k), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			id := fmt.Sprintf("REQ-%d", k)

			require.NoError(t, f.driver.StartWorkflow(ctx, models.Request{ID: id}))
			f.deliver(t, id, upTo(k)...)

			gap, err := f.driver.GapStage(ctx, id)
			require.NoError(t, err)
			if k == len(n) {
				assert.Equal(t, 0, gap)
			} else {
				assert.Equal(t, k, gap)
			}

			_, err = f.driver.Advance(ctx, id)
			require.NoError(t, err)
			for _, s := range f.specialist.stages() {
				assert.LessOrEqual(t, s, k)
			}

			wf, err := f.store.GetByRequestID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, k, wf.CurrentStage)
			if k == len(n) {
				assert.Equal(t, models.WorkflowComplete, wf.Status)
			}
		})
	}
}

func TestStageGating_StopsAtFirstGap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1"}))
	f.deliver(t, "REQ-1", 0, 1, 3, 4)

	changed, err := f.driver.Advance(ctx, "REQ-1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []int{0, 2}, f.specialist.stages())

	changed, err = f.driver.Advance(ctx, "REQ-1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []int{0, 2}, f.specialist.stages())
}

func TestAdvance_Completes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	completed, err := f.bus.Subscribe(ctx, bus.ChannelCompleted)
	require.NoError(t, err)
	defer completed.Close()

	require.NoError(t, f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1"}))
	f.deliver(t, "REQ-1", upTo(f.catalog.Len())...)

	changed, err := f.driver.Advance(ctx, "REQ-1")
	require.NoError(t, err)
	assert.True(t, changed)

	select {
	case msg := <-completed.C():
		assert.Equal(t, "REQ-1", msg.RequestID)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}

	st, err := f.driver.GetStatus(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowComplete, st.Status)
	assert.NotNil(t, st.CompletedAt)
	assert.Equal(t, []int{0}, f.specialist.stages())

	changed, err = f.driver.Advance(ctx, "REQ-1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestResumeFromStage(t *testing.T) {
	ctx := context.Background()

	t.Run("does not dispatch the same stage twice", func(t *testing.T) {
		f := newFixture(t)
		f.deliver(t, "REQ-1", 0, 1)
		require.NoError(t, f.driver.ResumeFromStage(ctx, models.Request{ID: "REQ-1"}, 2))
		require.NoError(t, f.driver.ResumeFromStage(ctx, models.Request{ID: "REQ-1"}, 2))
		assert.Equal(t, []int{2}, f.specialist.stages())
	})

	t.Run("clamps to contiguous deliverables", func(t *testing.T) {
		f := newFixture(t)
		f.deliver(t, "REQ-1", 0)
		require.NoError(t, f.driver.ResumeFromStage(ctx, models.Request{ID: "REQ-1"}, 4))
		assert.Equal(t, []int{1}, f.specialist.stages())
	})

	t.Run("resumes a blocked workflow", func(t *testing.T) {
		f := newFixture(t)
		f.deliver(t, "REQ-1", 0, 1)
		require.NoError(t, f.store.Upsert(ctx, &models.Workflow{RequestID: "REQ-1", Status: models.WorkflowBlocked, CurrentStage: 1}))
		require.NoError(t, f.driver.ResumeFromStage(ctx, models.Request{ID: "REQ-1"}, 2))

		wf, err := f.store.GetByRequestID(ctx, "REQ-1")
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowRunning, wf.Status)
		assert.Equal(t, 2, wf.CurrentStage)
	})

	t.Run("refuses to move backwards", func(t *testing.T) {
		f := newFixture(t)
		f.deliver(t, "REQ-1", 0, 1, 2)
		require.NoError(t, f.driver.ResumeFromStage(ctx, models.Request{ID: "REQ-1"}, 3))
		err := f.driver.ResumeFromStage(ctx, models.Request{ID: "REQ-1"}, 1)
		assert.ErrorIs(t, err, models.ErrStageRegression)
	})

	t.Run("refuses escalated workflows", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.Upsert(ctx, &models.Workflow{RequestID: "REQ-1", Status: models.WorkflowEscalated}))
		err := f.driver.ResumeFromStage(ctx, models.Request{ID: "REQ-1"}, 0)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})
}

func TestRestartFromStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deliver(t, "REQ-1", 0, 1, 2)
	require.NoError(t, f.driver.ResumeFromStage(ctx, models.Request{ID: "REQ-1"}, 3))

	require.NoError(t, f.driver.RestartFromStage(ctx, "REQ-1", 0, "changes requested"))

	wf, err := f.store.GetByRequestID(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, 0, wf.CurrentStage)
	assert.Equal(t, models.WorkflowRunning, wf.Status)
	assert.Equal(t, "changes requested", wf.Metadata.RestartReason)

	f.specialist.mu.Lock()
	last := f.specialist.tasks[len(f.specialist.tasks)-1]
	f.specialist.mu.Unlock()
	assert.Equal(t, 0, last.StageIndex)
	assert.Equal(t, "changes requested", last.Reason)

	assert.ErrorIs(t, f.driver.RestartFromStage(ctx, "REQ-404", 0, ""), ErrNotFound)
}

func TestDispatchFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.specialist.err = errors.New("specialist unavailable")

	err := f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1"})
	require.Error(t, err)

	st, err := f.driver.GetStatus(ctx, "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowPending, st.Status)

	f.specialist.err = nil
	require.NoError(t, f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1"}))
	assert.Equal(t, []int{0}, f.specialist.stages())
}

func TestCatalog(t *testing.T) {
	c := MustCatalog(models.DefaultStages())
	assert.Equal(t, 7, c.Len())
	i, ok := c.Index(models.StageBackend)
	assert.True(t, ok)
	assert.Equal(t, 2, i)
	assert.Equal(t, "", c.Name(7))

	_, err := NewCatalog(nil)
	assert.Error(t, err)
	_, err = NewCatalog([]models.Stage{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)

	custom := MustCatalog([]models.Stage{{Name: "draft"}})
	s, _ := custom.Stage(0)
	assert.Equal(t, "deliverables.draft", s.Channel)
}
