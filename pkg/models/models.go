// Package models defines the domain models shared by the orchestration engine,
// its collaborators and its ops surfaces.
package models

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTransition is returned when a status change skips the
	// transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStageRegression is returned when a stage index would move backwards
	// without an explicit restart.
	ErrStageRegression = errors.New("stage index regression")
)

// EscalationReason names why a workflow was surfaced to a human.
type EscalationReason string

const (
	ReasonMaxDepthExceeded    EscalationReason = "MAX_DEPTH_EXCEEDED"
	ReasonNeedsHumanDecision  EscalationReason = "NEEDS_HUMAN_DECISION"
	ReasonMaxDurationExceeded EscalationReason = "MAX_DURATION_EXCEEDED"
	ReasonHeartbeatTimeout    EscalationReason = "HEARTBEAT_TIMEOUT"
)

// FlagOnly reports whether an escalation for this reason leaves the
// workflow running. A stale heartbeat is a warning; the stage may still
// deliver.
func (r EscalationReason) FlagOnly() bool {
	return r == ReasonHeartbeatTimeout
}

// Issue is one problem extracted from a blocked critique.
type Issue struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Type        string `json:"type,omitempty"`
}

// BlockedEvent reports that a stage of a workflow cannot proceed.
type BlockedEvent struct {
	RequestID string  `json:"request_id"`
	Stage     string  `json:"stage"`
	Reason    string  `json:"reason,omitempty"`
	Blockers  []Issue `json:"blockers,omitempty"`
}

// Deliverable is the output artifact of a stage.
type Deliverable struct {
	RequestID  string    `json:"request_id"`
	Stage      string    `json:"stage"`
	Summary    string    `json:"summary,omitempty"`
	Approved   bool      `json:"approved,omitempty"`
	ProducedAt time.Time `json:"produced_at"`
}

// Decision kinds rendered on a workflow after a critique.
const (
	DecisionApprove        = "approve"
	DecisionRequestChanges = "request_changes"
	DecisionReject         = "reject"
)

// DecisionEvent is a strategic decision rendered on a workflow.
type DecisionEvent struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

// SubRequirementManifest records the children created by one decomposition.
type SubRequirementManifest struct {
	ParentID  string    `json:"parent_id"`
	Children  []string  `json:"children"`
	Total     int       `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowState is the canonical bus-held view of a workflow.
type WorkflowState struct {
	RequestID     string         `json:"request_id"`
	Status        WorkflowStatus `json:"status"`
	Stage         int            `json:"stage"`
	StageName     string         `json:"stage_name,omitempty"`
	Assignee      Assignee       `json:"assignee,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
}

// Heartbeat is a liveness signal emitted by stage work.
type Heartbeat struct {
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage,omitempty"`
	At        time.Time `json:"at"`
}

// EscalationEvent is published when a workflow needs human follow-up.
type EscalationEvent struct {
	ID        string           `json:"id"`
	RequestID string           `json:"request_id"`
	Reason    EscalationReason `json:"reason"`
	Detail    string           `json:"detail,omitempty"`
	At        time.Time        `json:"at"`
}

// CompletionEvent is published when every stage of a workflow is done.
type CompletionEvent struct {
	RequestID   string    `json:"request_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// StageTask is the unit of work handed to a specialist.
type StageTask struct {
	RequestID  string   `json:"request_id"`
	Title      string   `json:"title"`
	Assignee   Assignee `json:"assignee"`
	Stage      string   `json:"stage"`
	StageIndex int      `json:"stage_index"`
	Reason     string   `json:"reason,omitempty"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
