package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-orchestrator/backend/pkg/models"
)

const workflowColumns = "request_id, title, assignee, status, current_stage, started_at, updated_at, completed_at, metadata"

// PostgresWorkflowStore is a PostgreSQL implementation of the WorkflowStore interface.
type PostgresWorkflowStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *pgxpool.Pool) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db, now: time.Now}
}

// Upsert inserts or replaces the row for wf.RequestID.
func (s *PostgresWorkflowStore) Upsert(ctx context.Context, wf *models.Workflow) error {
	meta, err := json.Marshal(wf.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = s.now().UTC()
	}
	if wf.StartedAt.IsZero() {
		wf.StartedAt = wf.UpdatedAt
	}
	_, err = s.db.Exec(ctx, `INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO UPDATE SET
			title = EXCLUDED.title,
			assignee = EXCLUDED.assignee,
			status = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at,
			metadata = EXCLUDED.metadata`,
		wf.RequestID, wf.Title, string(wf.Assignee), string(wf.Status), wf.CurrentStage,
		wf.StartedAt, wf.UpdatedAt, wf.CompletedAt, string(meta))
	if err != nil {
		return fmt.Errorf("failed to upsert workflow %s: %w", wf.RequestID, err)
	}
	return nil
}

// GetByRequestID retrieves a workflow by its request number.
func (s *PostgresWorkflowStore) GetByRequestID(ctx context.Context, requestID string) (*models.Workflow, error) {
	row := s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE request_id = $1", requestID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", requestID, err)
	}
	return wf, nil
}

// ListByStatus lists workflows in a status, oldest first.
func (s *PostgresWorkflowStore) ListByStatus(ctx context.Context, status models.WorkflowStatus) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE status = $1 ORDER BY started_at", string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s workflows: %w", status, err)
	}
	return collectWorkflows(rows)
}

// List lists workflows, most recently updated first. A non-positive limit
// returns every row.
func (s *PostgresWorkflowStore) List(ctx context.Context, limit int) ([]*models.Workflow, error) {
	query := "SELECT " + workflowColumns + " FROM workflows ORDER BY updated_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return collectWorkflows(rows)
}

// MarkComplete marks a workflow complete.
func (s *PostgresWorkflowStore) MarkComplete(ctx context.Context, requestID string) error {
	now := s.now().UTC()
	tag, err := s.db.Exec(ctx,
		"UPDATE workflows SET status = $2, completed_at = $3, updated_at = $3 WHERE request_id = $1",
		requestID, string(models.WorkflowComplete), now)
	if err != nil {
		return fmt.Errorf("failed to complete workflow %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkBlocked marks a workflow blocked and records why.
func (s *PostgresWorkflowStore) MarkBlocked(ctx context.Context, requestID, reason string) error {
	tag, err := s.db.Exec(ctx, `UPDATE workflows
		SET status = $2, updated_at = $3,
			metadata = jsonb_set(metadata, '{blocked_reason}', to_jsonb($4::text))
		WHERE request_id = $1`,
		requestID, string(models.WorkflowBlocked), s.now().UTC(), reason)
	if err != nil {
		return fmt.Errorf("failed to block workflow %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus sets the status of a workflow.
func (s *PostgresWorkflowStore) UpdateStatus(ctx context.Context, requestID string, status models.WorkflowStatus) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE workflows SET status = $2, updated_at = $3 WHERE request_id = $1",
		requestID, string(status), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", requestID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectWorkflows(rows pgx.Rows) ([]*models.Workflow, error) {
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	var (
		wf       models.Workflow
		assignee string
		status   string
		meta     []byte
	)
	err := row.Scan(&wf.RequestID, &wf.Title, &assignee, &status, &wf.CurrentStage,
		&wf.StartedAt, &wf.UpdatedAt, &wf.CompletedAt, &meta)
	if err != nil {
		return nil, err
	}
	wf.Assignee = models.Assignee(assignee)
	wf.Status = models.WorkflowStatus(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &wf.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", wf.RequestID, err)
		}
	}
	return &wf, nil
}
