// Package ledger is the owner-facing record of requests and their status.
// The engine mirrors workflow progress into it but does not own it: people
// edit it concurrently, so every write is verified by reading it back.
package ledger

import (
	"context"
	"errors"

	"agent-orchestrator/backend/pkg/models"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("ledger: request not found")

// Store is the ledger contract the engine depends on.
type Store interface {
	// List returns every request in ledger order.
	List(ctx context.Context) ([]models.Request, error)
	// Get returns one request.
	Get(ctx context.Context, id string) (models.Request, error)
	// UpdateStatus sets the status and reason of a request. It reports false
	// without an error when the request does not exist or the write could
	// not be verified.
	UpdateStatus(ctx context.Context, id string, status models.RequestStatus, reason string) (bool, error)
	// Create adds a request unless one with the same id exists. It reports
	// whether the request was added.
	Create(ctx context.Context, req models.Request) (bool, error)
}

// CountByStatus counts requests in status.
func CountByStatus(reqs []models.Request, status models.RequestStatus) int {
	n := 0
	for _, r := range reqs {
		if r.Status == status {
			n++
		}
	}
	return n
}

// FilterByStatus returns the requests in status, preserving order.
func FilterByStatus(reqs []models.Request, status models.RequestStatus) []models.Request {
	var out []models.Request
	for _, r := range reqs {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}
