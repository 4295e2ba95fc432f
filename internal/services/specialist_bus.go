package services

import (
	"context"
	"fmt"

	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/pkg/models"
)

// BusSpecialist dispatches stage work by publishing the task on the stage's
// dispatch channel, where specialist workers consume it.
type BusSpecialist struct {
	bus bus.Bus
}

// NewBusSpecialist creates a new BusSpecialist.
func NewBusSpecialist(b bus.Bus) *BusSpecialist {
	return &BusSpecialist{bus: b}
}

// Dispatch publishes task on stage.dispatch.<stage>.
func (s *BusSpecialist) Dispatch(ctx context.Context, task models.StageTask) error {
	if err := bus.Publish(ctx, s.bus, bus.DispatchChannel(task.Stage), task.RequestID, task); err != nil {
		return fmt.Errorf("failed to dispatch %s for %s: %w", task.Stage, task.RequestID, err)
	}
	return nil
}
