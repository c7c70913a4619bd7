package orchestrator

import (
	"context"

	"github.com/sposaceee/user-microservice/internal/credentials"
	"github.com/sposaceee/user-microservice/internal/outcome"
	"github.com/sposaceee/user-microservice/internal/profiles"
	"github.com/sposaceee/user-microservice/internal/reconciliation"
)

// CredentialClient is the part of the authentication service the coordinator writes to
type CredentialClient interface {
	DeleteCredential(ctx context.Context, bearer, userID string) outcome.Outcome
	AdminUpdateCredential(ctx context.Context, bearer, userID string, update credentials.CredentialUpdate) outcome.Outcome
	AdminDeleteCredential(ctx context.Context, bearer, userID string) outcome.Outcome
}

// Status is the terminal state of a coordinated operation
type Status string

const (
	StatusSuccess        Status = "success"
	StatusFailure        Status = "failure"
	StatusPartialFailure Status = "partial_failure"
)

// Result is what every coordinated operation returns.
//
// Failure means the stores still agree. PartialFailure means an earlier step
// committed and a later one did not; an InconsistencyRecord was emitted for it.
type Result struct {
	Status    Status                       `json:"status"`
	Operation reconciliation.OperationType `json:"operation"`

	Reason       string       `json:"reason,omitempty"`
	Code         outcome.Code `json:"code,omitempty"`
	RemoteStatus int          `json:"-"`
	Retryable    bool         `json:"retryable"`

	CommittedStore reconciliation.StoreName `json:"committed_store,omitempty"`
	FailedStore    reconciliation.StoreName `json:"failed_store,omitempty"`
	Detail         string                   `json:"detail,omitempty"`
	CleanupPending bool                     `json:"cleanup_pending,omitempty"`
	RecordID       string                   `json:"record_id,omitempty"`

	// Attempts counts every store call the operation made, retries included
	Attempts int `json:"attempts"`

	User *profiles.User `json:"user,omitempty"`
}

func (r *Result) IsSuccess() bool        { return r.Status == StatusSuccess }
func (r *Result) IsFailure() bool        { return r.Status == StatusFailure }
func (r *Result) IsPartialFailure() bool { return r.Status == StatusPartialFailure }

// state tracks how far an operation got
type state int

const (
	statePending state = iota
	stateStep1Done
	stateStep2Done
	stateFailed
	statePartiallyFailed
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateStep1Done:
		return "step1_done"
	case stateStep2Done:
		return "step2_done"
	case stateFailed:
		return "failed"
	case statePartiallyFailed:
		return "partially_failed"
	default:
		return "unknown"
	}
}

// step is one store-scoped write. run receives the attempt number, starting at 1.
type step struct {
	name  string
	store reconciliation.StoreName
	run   func(ctx context.Context, attempt int) outcome.Outcome
}

// operation is an explicit, ordered list of steps
type operation struct {
	kind   reconciliation.OperationType
	userID string
	steps  []step

	// leftBehind describes the state a later-step failure leaves in the stores
	leftBehind     string
	cleanupPending bool
}
