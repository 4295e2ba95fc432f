package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/backend/internal/breaker"
	"agent-orchestrator/backend/pkg/models"
)

func TestScan_RespectsConcurrencyCeiling(t *testing.T) {
	f := newFixture(t, newRequests(8)...)

	report, err := f.orch.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Started, 5)
	assert.Len(t, report.Skipped, 3)
	assert.Equal(t, 5, f.specialist.count())

	inProgress := 0
	for _, r := range newRequests(8) {
		if f.ledger.Status(r.ID) == models.RequestInProgress {
			inProgress++
		}
	}
	assert.Equal(t, 5, inProgress)
}

func TestScan_IsIdempotent(t *testing.T) {
	f := newFixture(t, newRequests(3)...)
	ctx := context.Background()

	_, err := f.orch.Scan(ctx)
	require.NoError(t, err)
	second, err := f.orch.Scan(ctx)
	require.NoError(t, err)

	assert.Empty(t, second.Started)
	assert.Empty(t, second.Resumed)
	assert.Equal(t, 3, f.specialist.count())
}

func TestScan_SkipsRunningWorkflow(t *testing.T) {
	f := newFixture(t, models.Request{ID: "REQ-1", Title: "t", Status: models.RequestPending})
	ctx := context.Background()
	require.NoError(t, f.driver.StartWorkflow(ctx, models.Request{ID: "REQ-1", Title: "t"}))
	before := f.specialist.count()

	report, err := f.orch.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Resumed)
	assert.Equal(t, before, f.specialist.count())
	assert.True(t, f.orch.processed.Has("REQ-1"))
	assert.Equal(t, models.RequestPending, f.ledger.Status("REQ-1"))
}

func TestScan_ResumesPendingAtFirstGap(t *testing.T) {
	f := newFixture(t, models.Request{ID: "REQ-1", Title: "t", Status: models.RequestRejected})
	f.deliver(t, "REQ-1", 0, 1, 2)

	report, err := f.orch.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"REQ-1"}, report.Resumed)

	st, err := f.driver.GetStatus(context.Background(), "REQ-1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Stage)
	assert.Equal(t, models.RequestInProgress, f.ledger.Status("REQ-1"))
}

func TestScan_DispatchFailureRevertsLedger(t *testing.T) {
	f := newFixture(t, newRequests(1)...)
	ctx := context.Background()
	f.specialist.fail(errors.New("specialist unavailable"))

	report, err := f.orch.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"REQ-001"}, report.Failed)
	assert.Empty(t, report.Started)
	assert.Equal(t, models.RequestNew, f.ledger.Status("REQ-001"))
	assert.False(t, f.orch.processed.Has("REQ-001"))

	f.specialist.fail(nil)
	report, err = f.orch.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"REQ-001"}, report.Started)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 1, f.specialist.count())
	assert.Equal(t, models.RequestInProgress, f.ledger.Status("REQ-001"))
	assert.True(t, f.orch.processed.Has("REQ-001"))
}

func TestScan_DispatchFailureKeepsPendingStatus(t *testing.T) {
	f := newFixture(t, models.Request{ID: "REQ-1", Title: "t", Status: models.RequestPending, Reason: "awaiting review"})
	f.deliver(t, "REQ-1", 0)
	f.specialist.fail(errors.New("specialist unavailable"))

	report, err := f.orch.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"REQ-1"}, report.Failed)
	assert.Equal(t, models.RequestPending, f.ledger.Status("REQ-1"))
	updates := f.ledger.Updates()
	require.NotEmpty(t, updates)
	assert.Equal(t, "awaiting review", updates[len(updates)-1].Reason)
	assert.False(t, f.orch.processed.Has("REQ-1"))
}

func TestScan_BreakerRejectsWithoutReadingLedger(t *testing.T) {
	now := testNow
	br := breaker.New(
		breaker.WithWindowSize(4),
		breaker.WithMinSamples(3),
		breaker.WithFailureThreshold(0.5),
		breaker.WithCooldown(time.Minute, 10*time.Minute),
		breaker.WithClock(func() time.Time { return now }),
	)
	f := newFixtureWith(t, br, newRequests(3)...)
	ctx := context.Background()

	f.ledger.FailList(errors.New("ledger unreadable"))
	for i := 0; i < 3; i++ {
		_, err := f.orch.Scan(ctx)
		require.Error(t, err)
	}
	require.Equal(t, breaker.StateOpen, br.State())

	calls := f.ledger.ListCalls()
	report, err := f.orch.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, report.Rejected)
	assert.Equal(t, calls, f.ledger.ListCalls())

	// After the cooldown a single trial pass is admitted and closes the breaker.
	f.ledger.FailList(nil)
	now = now.Add(2 * time.Minute)
	report, err = f.orch.Scan(ctx)
	require.NoError(t, err)
	assert.False(t, report.Rejected)
	assert.Len(t, report.Started, 1)
	assert.Len(t, report.Skipped, 2)
	assert.Equal(t, breaker.StateClosed, br.State())

	report, err = f.orch.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Started, 2)
}
