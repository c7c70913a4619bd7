package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

var recordIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_identity_inconsistencies_open ON identity_inconsistencies (timestamp) WHERE resolved_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS idx_identity_inconsistencies_user ON identity_inconsistencies (user_id)`,
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *bun.DB
}

// NewPostgresStore creates a new PostgreSQL inconsistency store
func NewPostgresStore(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateTables creates the inconsistency table and its indexes
func CreateTables(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().
		Model((*InconsistencyRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create table for model %T: %w", (*InconsistencyRecord)(nil), err)
	}

	for _, indexSQL := range recordIndexes {
		if _, err := db.ExecContext(ctx, indexSQL); err != nil {
			return fmt.Errorf("failed to create index with SQL %q: %w", indexSQL, err)
		}
	}
	return nil
}

// Record persists a new inconsistency record
func (s *PostgresStore) Record(ctx context.Context, record *InconsistencyRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid inconsistency record: %w", err)
	}
	_, err := s.db.NewInsert().Model(record).Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to insert inconsistency record: %w", err)
	}
	return nil
}

// ListOpen returns unresolved records, oldest first
func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*InconsistencyRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var records []*InconsistencyRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("resolved_at IS NULL").
		Order("timestamp ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open inconsistency records: %w", err)
	}
	return records, nil
}

// Resolve marks a record as reconciled. Resolving twice keeps the first timestamp.
func (s *PostgresStore) Resolve(ctx context.Context, id string) error {
	res, err := s.db.NewUpdate().
		Model((*InconsistencyRecord)(nil)).
		Set("resolved_at = COALESCE(resolved_at, ?)", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve inconsistency record: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return nil
}
