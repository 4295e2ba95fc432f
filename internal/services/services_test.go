package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/internal/repository"
	"agent-orchestrator/backend/pkg/models"
)

type mockKnowledgeStore struct {
	mock.Mock
}

func (m *mockKnowledgeStore) Save(ctx context.Context, k *repository.Knowledge) error {
	args := m.Called(ctx, k)
	return args.Error(0)
}

func (m *mockKnowledgeStore) ListByRequest(ctx context.Context, requestID string) ([]*repository.Knowledge, error) {
	args := m.Called(ctx, requestID)
	entries, _ := args.Get(0).([]*repository.Knowledge)
	return entries, args.Error(1)
}

func TestKnowledgeService_RememberSwallowsErrors(t *testing.T) {
	store := new(mockKnowledgeStore)
	store.On("Save", mock.Anything, mock.MatchedBy(func(k *repository.Knowledge) bool {
		return k.RequestID == "REQ-1" && k.Kind == repository.KindDecision && k.ID != ""
	})).Return(errors.New("db down")).Once()

	svc := NewKnowledgeService(store, logging.Discard())
	assert.NotPanics(t, func() {
		svc.Remember(context.Background(), "REQ-1", repository.KindDecision, "decomposed")
	})
	store.AssertExpectations(t)
}

func TestKnowledgeService_NilStore(t *testing.T) {
	svc := NewKnowledgeService(nil, nil)
	svc.Remember(context.Background(), "REQ-1", repository.KindLearning, "x")

	entries, err := svc.Recall(context.Background(), "REQ-1")
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestKnowledgeService_Recall(t *testing.T) {
	store := repository.NewMemoryKnowledgeStore()
	svc := NewKnowledgeService(store, logging.Discard())

	svc.Remember(context.Background(), "REQ-1", repository.KindDeliverable, "research done")
	entries, err := svc.Recall(context.Background(), "REQ-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "research done", entries[0].Content)
}

func TestHTTPSpecialist_Dispatch(t *testing.T) {
	var got models.StageTask
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stages/critique", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	s := NewHTTPSpecialist(server.URL, time.Second)
	err := s.Dispatch(context.Background(), models.StageTask{RequestID: "REQ-3", Stage: "critique", StageIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, "REQ-3", got.RequestID)
	assert.Equal(t, 1, got.StageIndex)
}

func TestHTTPSpecialist_DispatchRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	s := NewHTTPSpecialist(server.URL, time.Second)
	err := s.Dispatch(context.Background(), models.StageTask{RequestID: "REQ-3", Stage: "qa"})
	assert.ErrorContains(t, err, "status code 503")
}

func TestBusSpecialist_Dispatch(t *testing.T) {
	b := bus.NewMemoryBus()
	s := NewBusSpecialist(b)

	task := models.StageTask{RequestID: "REQ-4", Stage: "backend", StageIndex: 2}
	require.NoError(t, s.Dispatch(context.Background(), task))

	var got models.StageTask
	require.NoError(t, bus.LastInto(context.Background(), b, bus.DispatchChannel("backend"), "REQ-4", &got))
	assert.Equal(t, task, got)
}
