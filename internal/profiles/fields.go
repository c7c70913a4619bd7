package profiles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Fields is a partial update keyed by column name.
type Fields map[string]interface{}

const (
	FieldName       = "name"
	FieldEmail      = "email"
	FieldUsername   = "username"
	FieldRole       = "role"
	FieldAvatarPath = "avatar_path"
)

// columns that must never be written through a partial update
var sensitiveFields = map[string]bool{
	"password":   true,
	"id":         true,
	"created_at": true,
	"updated_at": true,
}

// nullable columns accept an explicit null to clear them
var updatableFields = map[string]bool{
	FieldName:       false,
	FieldEmail:      false,
	FieldUsername:   true,
	FieldRole:       false,
	FieldAvatarPath: true,
}

var validate = validator.New()

// column is one validated assignment; a nil value clears a nullable column.
type column struct {
	name  string
	value *string
}

// columns validates the set and returns the assignments in a stable order.
func (f Fields) columns() ([]column, error) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := make([]column, 0, len(keys))
	for _, key := range keys {
		if sensitiveFields[key] {
			return nil, fmt.Errorf("%w: %s", ErrSensitiveField, key)
		}
		nullable, ok := updatableFields[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalid, key)
		}

		raw := f[key]
		if raw == nil {
			if !nullable {
				return nil, fmt.Errorf("%w: %s cannot be null", ErrInvalid, key)
			}
			cols = append(cols, column{name: key})
			continue
		}

		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string", ErrInvalid, key)
		}
		s = strings.TrimSpace(s)

		switch key {
		case FieldName:
			if len(s) < 2 {
				return nil, fmt.Errorf("%w: name must have at least 2 characters", ErrInvalid)
			}
		case FieldEmail:
			s = normalizeEmail(s)
			if err := validate.Var(s, "required,email"); err != nil {
				return nil, fmt.Errorf("%w: email is not valid", ErrInvalid)
			}
		case FieldRole:
			if !Role(s).IsValid() {
				return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, s)
			}
		case FieldUsername:
			if s == "" {
				cols = append(cols, column{name: key})
				continue
			}
		}

		v := s
		cols = append(cols, column{name: key, value: &v})
	}
	return cols, nil
}

// Validate checks the set without applying it.
func (f Fields) Validate() error {
	_, err := f.columns()
	return err
}

// CredentialChanges extracts the attributes the credential store also holds.
// Blank values are never reported; see ClearedCredentialField.
func (f Fields) CredentialChanges() (email, username *string) {
	if v, ok := f[FieldEmail].(string); ok && strings.TrimSpace(v) != "" {
		e := normalizeEmail(v)
		email = &e
	}
	if v, ok := f[FieldUsername].(string); ok && strings.TrimSpace(v) != "" {
		u := strings.TrimSpace(v)
		username = &u
	}
	return email, username
}

// ClearedCredentialField names the first credential attribute the set would
// clear, either with an explicit null or a blank string. The credential store
// has no way to clear them.
func (f Fields) ClearedCredentialField() (string, bool) {
	for _, key := range []string{FieldEmail, FieldUsername} {
		raw, ok := f[key]
		if !ok {
			continue
		}
		if raw == nil {
			return key, true
		}
		if s, isString := raw.(string); isString && strings.TrimSpace(s) == "" {
			return key, true
		}
	}
	return "", false
}

// Only returns a copy restricted to the given keys. Missing keys are skipped.
func (f Fields) Only(keys ...string) Fields {
	out := make(Fields, len(keys))
	for _, k := range keys {
		if v, ok := f[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Without returns a copy with the given keys removed.
func (f Fields) Without(keys ...string) Fields {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if !drop[k] {
			out[k] = v
		}
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCreate(req *CreateUserRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is required", ErrInvalid)
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Name = strings.TrimSpace(req.Name)
	req.Email = normalizeEmail(req.Email)
	req.Username = strings.TrimSpace(req.Username)

	if req.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if len(req.Name) < 2 {
		return fmt.Errorf("%w: name must have at least 2 characters", ErrInvalid)
	}
	if err := validate.Var(req.Email, "required,email"); err != nil {
		return fmt.Errorf("%w: email is not valid", ErrInvalid)
	}
	return nil
}
