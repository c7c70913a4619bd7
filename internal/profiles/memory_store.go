package profiles

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements Store with in-memory storage
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
	now   func() time.Time
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]*User),
		now:   time.Now,
	}
}

// Create inserts a new profile
func (s *InMemoryStore) Create(ctx context.Context, req *CreateUserRequest) (*User, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.emailTakenLocked(req.Email, "") {
		return nil, fmt.Errorf("%w: %s", ErrConflict, req.Email)
	}
	if _, exists := s.users[req.ID]; exists {
		return nil, fmt.Errorf("%w: id %s already exists", ErrInvalid, req.ID)
	}

	now := s.now()
	user := &User{
		ID:        req.ID,
		Name:      req.Name,
		Email:     req.Email,
		Username:  req.Username,
		Role:      RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[user.ID] = user

	cp := *user
	return &cp, nil
}

// GetByID retrieves a profile
func (s *InMemoryStore) GetByID(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	cp := *user
	return &cp, nil
}

// Update applies the supplied fields only
func (s *InMemoryStore) Update(ctx context.Context, id string, fields Fields) (*User, error) {
	cols, err := fields.columns()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(cols) == 0 {
		cp := *user
		return &cp, nil
	}

	updated := *user
	for _, col := range cols {
		value := ""
		if col.value != nil {
			value = *col.value
		}
		switch col.name {
		case FieldName:
			updated.Name = value
		case FieldEmail:
			if s.emailTakenLocked(value, id) {
				return nil, fmt.Errorf("%w: %s", ErrConflict, value)
			}
			updated.Email = value
		case FieldUsername:
			updated.Username = value
		case FieldRole:
			updated.Role = Role(value)
		case FieldAvatarPath:
			updated.AvatarPath = value
		}
	}
	updated.UpdatedAt = s.now()
	s.users[id] = &updated

	cp := updated
	return &cp, nil
}

// Delete removes a profile. Deleting a missing profile is not an error.
func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, id)
	return nil
}

// List returns profiles newest first
func (s *InMemoryStore) List(ctx context.Context, opts ListOptions) ([]*User, error) {
	opts = opts.normalized()

	s.mu.RLock()
	all := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if opts.Offset >= len(all) {
		return []*User{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[opts.Offset:end], nil
}

func (s *InMemoryStore) emailTakenLocked(email, exceptID string) bool {
	for id, u := range s.users {
		if id != exceptID && u.Email == email {
			return true
		}
	}
	return false
}
