package profiles

import "errors"

var (
	// ErrNotFound is returned when no profile row exists for the id.
	ErrNotFound = errors.New("user not found")
	// ErrConflict is returned when the email uniqueness constraint is violated.
	ErrConflict = errors.New("email already in use")
	// ErrInvalid covers every other constraint or validation failure.
	ErrInvalid = errors.New("invalid user data")
	// ErrSensitiveField is returned when a partial update names a protected column.
	ErrSensitiveField = errors.New("field may not be updated")
)
