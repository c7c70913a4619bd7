package profiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// UserSchema represents the users table schema in PostgreSQL
type UserSchema struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID         string    `bun:"id,pk" json:"id"`
	Name       string    `bun:"name,notnull" json:"name"`
	Email      string    `bun:"email,notnull,unique" json:"email"`
	Username   *string   `bun:"username,nullzero" json:"username,omitempty"`
	Role       string    `bun:"role,notnull,default:'user'" json:"role"`
	AvatarPath *string   `bun:"avatar_path,nullzero" json:"avatar_path,omitempty"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt  time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *bun.DB
}

// NewPostgresStore creates a new PostgreSQL profile store
func NewPostgresStore(db *bun.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new profile row
func (s *PostgresStore) Create(ctx context.Context, req *CreateUserRequest) (*User, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	now := time.Now()
	schema := UserToUserSchema(&User{
		ID:        req.ID,
		Name:      req.Name,
		Email:     req.Email,
		Username:  req.Username,
		Role:      RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	})

	_, err := s.db.NewInsert().
		Model(&schema).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, classifyWriteError("create", err)
	}

	return UserSchemaToUser(schema), nil
}

// GetByID retrieves a profile by primary key
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	var schema UserSchema
	err := s.db.NewSelect().
		Model(&schema).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return UserSchemaToUser(schema), nil
}

// Update applies the supplied fields only
func (s *PostgresStore) Update(ctx context.Context, id string, fields Fields) (*User, error) {
	cols, err := fields.columns()
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return s.GetByID(ctx, id)
	}

	q := s.db.NewUpdate().
		Model((*UserSchema)(nil)).
		Where("id = ?", id)
	for _, col := range cols {
		if col.value == nil {
			q = q.Set("? = NULL", bun.Ident(col.name))
			continue
		}
		q = q.Set("? = ?", bun.Ident(col.name), *col.value)
	}

	var schema UserSchema
	res, err := q.Set("updated_at = ?", time.Now()).
		Returning("*").
		Exec(ctx, &schema)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, classifyWriteError("update", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return UserSchemaToUser(schema), nil
}

// Delete removes a profile row. Deleting a missing row is not an error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.NewDelete().
		Model((*UserSchema)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// List returns profiles newest first
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*User, error) {
	opts = opts.normalized()

	var schemas []UserSchema
	err := s.db.NewSelect().
		Model(&schemas).
		Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]*User, 0, len(schemas))
	for _, schema := range schemas {
		users = append(users, UserSchemaToUser(schema))
	}
	return users, nil
}

// classifyWriteError maps Postgres integrity violations onto the store sentinels.
func classifyWriteError(op string, err error) error {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
		constraint := pgErr.Field('n')
		if pgErr.Field('C') == "23505" && strings.Contains(constraint, "email") {
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Field('M'))
		}
		return fmt.Errorf("%w: %s", ErrInvalid, pgErr.Field('M'))
	}
	return fmt.Errorf("failed to %s user: %w", op, err)
}

// Helper conversion functions
func UserSchemaToUser(schema UserSchema) *User {
	user := &User{
		ID:        schema.ID,
		Name:      schema.Name,
		Email:     schema.Email,
		Role:      Role(schema.Role),
		CreatedAt: schema.CreatedAt,
		UpdatedAt: schema.UpdatedAt,
	}

	if schema.Username != nil {
		user.Username = *schema.Username
	}
	if schema.AvatarPath != nil {
		user.AvatarPath = *schema.AvatarPath
	}

	return user
}

func UserToUserSchema(user *User) UserSchema {
	var username, avatar *string
	if user.Username != "" {
		username = &user.Username
	}
	if user.AvatarPath != "" {
		avatar = &user.AvatarPath
	}

	return UserSchema{
		ID:         user.ID,
		Name:       user.Name,
		Email:      user.Email,
		Username:   username,
		Role:       string(user.Role),
		AvatarPath: avatar,
		CreatedAt:  user.CreatedAt,
		UpdatedAt:  user.UpdatedAt,
	}
}
