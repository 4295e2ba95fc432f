package services

import (
	"context"

	"agent-orchestrator/backend/pkg/models"
)

// Specialist is the external capability that performs stage work.
type Specialist interface {
	// Dispatch hands one stage of a workflow to the specialist. It returns
	// once the work has been accepted, not when it is done.
	Dispatch(ctx context.Context, task models.StageTask) error
}
