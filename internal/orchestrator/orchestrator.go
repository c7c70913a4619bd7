// Package orchestrator coordinates identity writes that span the profile
// store and the authentication service's credential store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sposaceee/user-microservice/internal/credentials"
	"github.com/sposaceee/user-microservice/internal/outcome"
	"github.com/sposaceee/user-microservice/internal/profiles"
	"github.com/sposaceee/user-microservice/internal/reconciliation"
)

const usersResource = "users"

// Coordinator runs identity operations as ordered step lists. It keeps no
// per-request state and is safe for concurrent use.
type Coordinator struct {
	cfg         Config
	profiles    profiles.Store
	credentials CredentialClient
	recorder    reconciliation.Recorder
	policy      reconciliation.Decider
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a new coordinator instance
func NewCoordinator(
	cfg Config,
	store profiles.Store,
	creds CredentialClient,
	recorder reconciliation.Recorder,
	logger *zap.Logger,
) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("profile store cannot be nil")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential client cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("inconsistency recorder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		cfg:         cfg,
		profiles:    store,
		credentials: creds,
		recorder:    recorder,
		policy:      reconciliation.Policy{},
		logger:      logger.Named("coordinator"),
		sleep:       sleepContext,
	}, nil
}

// CreateUser inserts the profile row. Credential creation belongs to the
// authentication service.
func (c *Coordinator) CreateUser(ctx context.Context, req *profiles.CreateUserRequest) Result {
	if req == nil {
		return validationFailure(reconciliation.OpCreateUser, NewValidationError("body", nil, "request body is required"))
	}

	var user *profiles.User
	res := c.execute(ctx, operation{
		kind:   reconciliation.OpCreateUser,
		userID: req.ID,
		steps: []step{{
			name:  "profile insert",
			store: reconciliation.StoreProfile,
			run: func(ctx context.Context, attempt int) outcome.Outcome {
				// an earlier attempt may have committed before its reply was lost
				if attempt > 1 {
					if existing, err := c.profiles.GetByID(ctx, req.ID); err == nil && sameEmail(existing.Email, req.Email) {
						user = existing
						return outcome.Committed()
					}
				}
				created, err := c.profiles.Create(ctx, req)
				if err != nil {
					return profileOutcome("create", err)
				}
				user = created
				return outcome.Committed()
			},
		}},
	})
	res.User = user
	return res
}

// SelfUpdate lets a user change their own display name. Email, username and
// role changes need an administrator because they touch the credential store
// or grant privileges.
func (c *Coordinator) SelfUpdate(ctx context.Context, userID string, fields profiles.Fields) Result {
	if err := requireID("id", userID); err != nil {
		return validationFailure(reconciliation.OpSelfUpdate, err)
	}
	if len(fields) == 0 {
		return validationFailure(reconciliation.OpSelfUpdate, NewValidationError("body", nil, "no fields to update"))
	}
	if extra := fields.Without(profiles.FieldName); len(extra) > 0 {
		return validationFailure(reconciliation.OpSelfUpdate,
			NewValidationError(firstKey(extra), nil, "only name can be changed here; email, username and role need an administrator"))
	}

	return c.updateProfile(ctx, reconciliation.OpSelfUpdate, userID, fields)
}

// SetAvatar records or clears the stored profile picture path
func (c *Coordinator) SetAvatar(ctx context.Context, userID string, path string) Result {
	if err := requireID("id", userID); err != nil {
		return validationFailure(reconciliation.OpSelfUpdate, err)
	}

	fields := profiles.Fields{profiles.FieldAvatarPath: nil}
	if path != "" {
		fields[profiles.FieldAvatarPath] = path
	}
	return c.updateProfile(ctx, reconciliation.OpSelfUpdate, userID, fields)
}

func (c *Coordinator) updateProfile(ctx context.Context, kind reconciliation.OperationType, userID string, fields profiles.Fields) Result {
	var user *profiles.User
	res := c.execute(ctx, operation{
		kind:   kind,
		userID: userID,
		steps: []step{{
			name:  "profile update",
			store: reconciliation.StoreProfile,
			run: func(ctx context.Context, _ int) outcome.Outcome {
				updated, err := c.profiles.Update(ctx, userID, fields)
				if err != nil {
					return profileOutcome("update", err)
				}
				user = updated
				return outcome.Committed()
			},
		}},
	})
	res.User = user
	return res
}

// SelfDelete retires the caller's credentials, then their profile row
func (c *Coordinator) SelfDelete(ctx context.Context, bearer, userID string) Result {
	if err := requireBearer(bearer); err != nil {
		return validationFailure(reconciliation.OpSelfDelete, err)
	}
	if err := requireID("id", userID); err != nil {
		return validationFailure(reconciliation.OpSelfDelete, err)
	}

	return c.execute(ctx, operation{
		kind:   reconciliation.OpSelfDelete,
		userID: userID,
		steps: []step{
			{
				name:  "credential delete",
				store: reconciliation.StoreCredential,
				run: func(ctx context.Context, _ int) outcome.Outcome {
					return c.credentials.DeleteCredential(ctx, bearer, userID)
				},
			},
			c.profileDeleteStep(userID),
		},
		leftBehind:     "credentials deleted but profile still present, cleanup pending",
		cleanupPending: true,
	})
}

// AdminUpdate changes another user's profile, then mirrors email/username
// changes into the credential store.
func (c *Coordinator) AdminUpdate(ctx context.Context, bearer, userID string, fields profiles.Fields) Result {
	if err := requireBearer(bearer); err != nil {
		return validationFailure(reconciliation.OpAdminUpdate, err)
	}
	if err := requireID("id", userID); err != nil {
		return validationFailure(reconciliation.OpAdminUpdate, err)
	}
	if len(fields) == 0 {
		return validationFailure(reconciliation.OpAdminUpdate, NewValidationError("body", nil, "no fields to update"))
	}
	if key, cleared := fields.ClearedCredentialField(); cleared {
		return validationFailure(reconciliation.OpAdminUpdate,
			NewValidationError(key, fields[key], fmt.Sprintf("%s cannot be cleared because the credential store keeps it", key)))
	}

	var user *profiles.User
	steps := []step{{
		name:  "profile update",
		store: reconciliation.StoreProfile,
		run: func(ctx context.Context, _ int) outcome.Outcome {
			updated, err := c.profiles.Update(ctx, userID, fields)
			if err != nil {
				return profileOutcome("update", err)
			}
			user = updated
			return outcome.Committed()
		},
	}}

	email, username := fields.CredentialChanges()
	update := credentials.CredentialUpdate{Email: email, Username: username}
	if !update.IsEmpty() {
		steps = append(steps, step{
			name:  "credential update",
			store: reconciliation.StoreCredential,
			run: func(ctx context.Context, _ int) outcome.Outcome {
				return c.credentials.AdminUpdateCredential(ctx, bearer, userID, update)
			},
		})
	}

	res := c.execute(ctx, operation{
		kind:       reconciliation.OpAdminUpdate,
		userID:     userID,
		steps:      steps,
		leftBehind: "profile already updated but credential store still holds the previous email/username",
	})
	res.User = user
	return res
}

// AdminDelete retires another user's credentials, then their profile row
func (c *Coordinator) AdminDelete(ctx context.Context, bearer, userID string) Result {
	if err := requireBearer(bearer); err != nil {
		return validationFailure(reconciliation.OpAdminDelete, err)
	}
	if err := requireID("id", userID); err != nil {
		return validationFailure(reconciliation.OpAdminDelete, err)
	}

	return c.execute(ctx, operation{
		kind:   reconciliation.OpAdminDelete,
		userID: userID,
		steps: []step{
			{
				name:  "admin credential delete",
				store: reconciliation.StoreCredential,
				run: func(ctx context.Context, _ int) outcome.Outcome {
					return c.credentials.AdminDeleteCredential(ctx, bearer, userID)
				},
			},
			c.profileDeleteStep(userID),
		},
		leftBehind:     "credentials deleted but profile still present, cleanup pending",
		cleanupPending: true,
	})
}

// GetUser reads one profile
func (c *Coordinator) GetUser(ctx context.Context, userID string) (*profiles.User, error) {
	if err := requireID("id", userID); err != nil {
		return nil, err
	}
	return c.profiles.GetByID(ctx, userID)
}

// ListUsers pages through profiles, newest first
func (c *Coordinator) ListUsers(ctx context.Context, opts profiles.ListOptions) ([]*profiles.User, error) {
	return c.profiles.List(ctx, opts)
}

func (c *Coordinator) profileDeleteStep(userID string) step {
	return step{
		name:  "profile delete",
		store: reconciliation.StoreProfile,
		run: func(ctx context.Context, _ int) outcome.Outcome {
			return profileOutcome("delete", c.profiles.Delete(ctx, userID))
		},
	}
}

// profileOutcome classifies a profile store error. Sentinels are semantic
// rejections; anything else is treated as the store being unavailable.
func profileOutcome(op string, err error) outcome.Outcome {
	switch {
	case err == nil:
		return outcome.Committed()
	case errors.Is(err, profiles.ErrNotFound):
		return outcome.Rejected(outcome.CodeNotFound, err.Error(), 0)
	case errors.Is(err, profiles.ErrConflict):
		return outcome.Rejected(outcome.CodeConflict, err.Error(), 0)
	case errors.Is(err, profiles.ErrSensitiveField), errors.Is(err, profiles.ErrInvalid):
		return outcome.Rejected(outcome.CodeInvalid, err.Error(), 0)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return outcome.Unavailable(NewStorageTimeoutError(op, usersResource, err))
	default:
		return outcome.Unavailable(NewStorageQueryError(op, usersResource, err))
	}
}

func requireBearer(bearer string) *ValidationError {
	if strings.TrimSpace(bearer) == "" {
		return NewValidationError("authorization", nil, "bearer credential is required")
	}
	return nil
}

func requireID(field, id string) *ValidationError {
	if strings.TrimSpace(id) == "" {
		return NewValidationError(field, id, "user id is required")
	}
	return nil
}

// validationFailure fails an operation before any step runs
func validationFailure(kind reconciliation.OperationType, err *ValidationError) Result {
	code := outcome.CodeInvalid
	if err.Field == "authorization" {
		code = outcome.CodeUnauthorized
	}
	return Result{
		Status:    StatusFailure,
		Operation: kind,
		Reason:    err.Message,
		Code:      code,
		Detail:    err.Error(),
	}
}

func sameEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func firstKey(f profiles.Fields) string {
	first := ""
	for k := range f {
		if first == "" || k < first {
			first = k
		}
	}
	return first
}
