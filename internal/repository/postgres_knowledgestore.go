package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresKnowledgeStore is a PostgreSQL implementation of the KnowledgeStore interface.
type PostgresKnowledgeStore struct {
	db *pgxpool.Pool
}

// NewPostgresKnowledgeStore creates a new PostgresKnowledgeStore.
func NewPostgresKnowledgeStore(db *pgxpool.Pool) *PostgresKnowledgeStore {
	return &PostgresKnowledgeStore{db: db}
}

// Save saves an entry to the store.
func (s *PostgresKnowledgeStore) Save(ctx context.Context, k *Knowledge) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, "INSERT INTO knowledge (id, request_id, kind, content, created_at) VALUES ($1, $2, $3, $4, $5)", k.ID, k.RequestID, k.Kind, k.Content, k.CreatedAt)
	return err
}

// ListByRequest lists the entries recorded for a request number, oldest first.
func (s *PostgresKnowledgeStore) ListByRequest(ctx context.Context, requestID string) ([]*Knowledge, error) {
	rows, err := s.db.Query(ctx, "SELECT id, request_id, kind, content, created_at FROM knowledge WHERE request_id = $1 ORDER BY created_at", requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Knowledge
	for rows.Next() {
		var k Knowledge
		err := rows.Scan(&k.ID, &k.RequestID, &k.Kind, &k.Content, &k.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &k)
	}

	return entries, rows.Err()
}
