package profiles

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

var userIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_users_created_at ON users (created_at DESC)`,
}

// CreateTables creates the users table and its indexes
func CreateTables(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().
		Model((*UserSchema)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create table for model %T: %w", (*UserSchema)(nil), err)
	}

	for _, indexSQL := range userIndexes {
		if _, err := db.ExecContext(ctx, indexSQL); err != nil {
			return fmt.Errorf("failed to create index with SQL %q: %w", indexSQL, err)
		}
	}

	return nil
}
