package models

import "time"

// RequestStatus is the ledger-facing status vocabulary.
type RequestStatus string

const (
	RequestNew        RequestStatus = "new"
	RequestPending    RequestStatus = "pending"
	RequestRejected   RequestStatus = "rejected"
	RequestInProgress RequestStatus = "in_progress"
	RequestBlocked    RequestStatus = "blocked"
	RequestComplete   RequestStatus = "complete"
	RequestEscalated  RequestStatus = "escalated"
	RequestFailed     RequestStatus = "failed"
)

// Eligible reports whether the scanner may start or resume a request in
// this status.
func (s RequestStatus) Eligible() bool {
	return s == RequestNew || s == RequestPending || s == RequestRejected
}

// Request is a ledger entry.
type Request struct {
	ID          string        `json:"id" yaml:"id"`
	Title       string        `json:"title" yaml:"title"`
	Assignee    Assignee      `json:"assignee" yaml:"assignee"`
	Status      RequestStatus `json:"status" yaml:"status"`
	Priority    string        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Source      string        `json:"source,omitempty" yaml:"source,omitempty"`
	Type        string        `json:"type,omitempty" yaml:"type,omitempty"`
	ParentID    string        `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Depth       int           `json:"depth,omitempty" yaml:"depth,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Reason      string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Version     int           `json:"version" yaml:"version"`
	UpdatedAt   time.Time     `json:"updated_at" yaml:"updated_at"`
}

// LedgerStatus maps a workflow status onto the ledger vocabulary.
func LedgerStatus(s WorkflowStatus) RequestStatus {
	switch s {
	case WorkflowPending:
		return RequestPending
	case WorkflowRunning:
		return RequestInProgress
	case WorkflowBlocked:
		return RequestBlocked
	case WorkflowComplete:
		return RequestComplete
	case WorkflowEscalated:
		return RequestEscalated
	case WorkflowFailed:
		return RequestFailed
	}
	return RequestStatus(s)
}
