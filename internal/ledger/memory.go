package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"agent-orchestrator/backend/pkg/models"
)

// Update is one recorded status write on a MemoryStore.
type Update struct {
	ID     string
	Status models.RequestStatus
	Reason string
}

// MemoryStore is an in-process ledger. It records every status write and
// counts List calls, which makes it a convenient stand-in in tests.
type MemoryStore struct {
	mu        sync.Mutex
	order     []string
	requests  map[string]models.Request
	updates   []Update
	listCalls int
	listErr   error
	failOn    map[models.RequestStatus]error
	now       func() time.Time
}

// NewMemoryStore creates a ledger seeded with reqs.
func NewMemoryStore(reqs ...models.Request) *MemoryStore {
	s := &MemoryStore{
		requests: make(map[string]models.Request),
		now:      time.Now,
	}
	for _, r := range reqs {
		if _, ok := s.requests[r.ID]; !ok {
			s.order = append(s.order, r.ID)
		}
		s.requests[r.ID] = r
	}
	return s
}

// List returns every request in insertion order.
func (s *MemoryStore) List(ctx context.Context) ([]models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]models.Request, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.requests[id])
	}
	return out, nil
}

// Get returns one request.
func (s *MemoryStore) Get(ctx context.Context, id string) (models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	return r, nil
}

// UpdateStatus sets status and reason.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.RequestStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[status]; err != nil {
		return false, err
	}
	r, ok := s.requests[id]
	if !ok {
		return false, nil
	}
	r.Status = status
	r.Reason = reason
	r.Version++
	r.UpdatedAt = s.now()
	s.requests[id] = r
	s.updates = append(s.updates, Update{ID: id, Status: status, Reason: reason})
	return true, nil
}

// Create adds req unless its id exists.
func (s *MemoryStore) Create(ctx context.Context, req models.Request) (bool, error) {
	if req.ID == "" {
		return false, errors.New("ledger: request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return false, nil
	}
	if req.Status == "" {
		req.Status = models.RequestNew
	}
	req.Version = 1
	req.UpdatedAt = s.now()
	s.order = append(s.order, req.ID)
	s.requests[req.ID] = req
	return true, nil
}

// Updates returns every status write in order.
func (s *MemoryStore) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Update, len(s.updates))
	copy(out, s.updates)
	return out
}

// ListCalls returns how many times List was called.
func (s *MemoryStore) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// FailList makes subsequent List calls return err (nil to clear).
func (s *MemoryStore) FailList(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// FailUpdates makes subsequent writes of status return err (nil to clear).
func (s *MemoryStore) FailUpdates(status models.RequestStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn == nil {
		s.failOn = make(map[models.RequestStatus]error)
	}
	s.failOn[status] = err
}

// Status returns the current status of id, or "" if unknown.
func (s *MemoryStore) Status(id string) models.RequestStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id].Status
}
