package models

import (
	"fmt"
	"strings"
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow row.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowBlocked   WorkflowStatus = "blocked"
	WorkflowComplete  WorkflowStatus = "complete"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowEscalated WorkflowStatus = "escalated"
)

// allowedTransitions lists the status moves a workflow may make without an
// explicit restart. Restart may move any status back to running.
var allowedTransitions = map[WorkflowStatus]map[WorkflowStatus]struct{}{
	WorkflowPending: {
		WorkflowRunning:   {},
		WorkflowFailed:    {},
		WorkflowEscalated: {},
	},
	WorkflowRunning: {
		WorkflowBlocked:   {},
		WorkflowComplete:  {},
		WorkflowFailed:    {},
		WorkflowEscalated: {},
	},
	WorkflowBlocked: {
		WorkflowRunning:   {},
		WorkflowFailed:    {},
		WorkflowEscalated: {},
	},
	WorkflowEscalated: {
		WorkflowFailed: {},
	},
}

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowPending, WorkflowRunning, WorkflowBlocked, WorkflowComplete, WorkflowFailed, WorkflowEscalated:
		return true
	}
	return false
}

// Terminal reports whether no further stage work is expected.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowComplete || s == WorkflowFailed
}

// CanTransition reports whether a workflow may move from s to next without a
// restart. Staying in the same status is always allowed.
func (s WorkflowStatus) CanTransition(next WorkflowStatus) bool {
	if s == next {
		return true
	}
	_, ok := allowedTransitions[s][next]
	return ok
}

// Assignee is the owning role of a workflow.
type Assignee string

const (
	AssigneeEngineering Assignee = "engineering"
	AssigneeProduct     Assignee = "product"
	AssigneeDesign      Assignee = "design"
	AssigneeOperations  Assignee = "operations"
)

// NormalizeAssignee maps free-form input onto the fixed set of roles.
// Unknown values fall back to engineering.
func NormalizeAssignee(raw string) Assignee {
	switch a := Assignee(strings.ToLower(strings.TrimSpace(raw))); a {
	case AssigneeEngineering, AssigneeProduct, AssigneeDesign, AssigneeOperations:
		return a
	}
	return AssigneeEngineering
}

// WorkflowMetadata is the free-form part of a workflow row, persisted as JSON.
type WorkflowMetadata struct {
	Source           string `json:"source,omitempty"`
	Priority         string `json:"priority,omitempty"`
	ParentID         string `json:"parent_id,omitempty"`
	AuditType        string `json:"audit_type,omitempty"`
	Description      string `json:"description,omitempty"`
	Depth            int    `json:"depth"`
	BlockedReason    string `json:"blocked_reason,omitempty"`
	RestartReason    string `json:"restart_reason,omitempty"`
	EscalationReason string `json:"escalation_reason,omitempty"`
}

// Workflow is one request's end-to-end progress through the stage pipeline.
type Workflow struct {
	RequestID    string           `json:"request_id"`
	Title        string           `json:"title"`
	Assignee     Assignee         `json:"assignee"`
	Status       WorkflowStatus   `json:"status"`
	CurrentStage int              `json:"current_stage"`
	StartedAt    time.Time        `json:"started_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Metadata     WorkflowMetadata `json:"metadata"`
}

// TransitionTo moves the workflow to next, enforcing the transition table.
func (w *Workflow) TransitionTo(next WorkflowStatus, at time.Time) error {
	if !w.Status.CanTransition(next) {
		return fmt.Errorf("workflow %s: %s -> %s: %w", w.RequestID, w.Status, next, ErrInvalidTransition)
	}
	w.Status = next
	w.UpdatedAt = at
	if next == WorkflowComplete {
		done := at
		w.CompletedAt = &done
	}
	return nil
}

// AdvanceTo moves the current stage forward. Moving backwards is only
// possible through Restart.
func (w *Workflow) AdvanceTo(stage int, at time.Time) error {
	if stage < w.CurrentStage {
		return fmt.Errorf("workflow %s: stage %d -> %d: %w", w.RequestID, w.CurrentStage, stage, ErrStageRegression)
	}
	w.CurrentStage = stage
	w.UpdatedAt = at
	return nil
}

// Restart resets the workflow to stage and running, recording why.
func (w *Workflow) Restart(stage int, reason string, at time.Time) {
	w.CurrentStage = stage
	w.Status = WorkflowRunning
	w.CompletedAt = nil
	w.UpdatedAt = at
	w.Metadata.RestartReason = reason
	w.Metadata.BlockedReason = ""
	w.Metadata.EscalationReason = ""
}

// SubMarker separates lineage segments in sub-workflow request numbers.
const SubMarker = "-SUB"

// LineageDepth counts sub-workflow markers in a request number. It is only
// used when no durable row carries an explicit depth.
func LineageDepth(requestID string) int {
	return strings.Count(requestID, SubMarker)
}

// SubRequestID derives a child request number from its parent, its ordinal
// in the decomposition and the decomposition time.
func SubRequestID(parentID string, ordinal int, at time.Time) string {
	return fmt.Sprintf("%s%s%d-%d", parentID, SubMarker, ordinal, at.UnixMilli())
}
