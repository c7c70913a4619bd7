package reconciliation

import "github.com/sposaceee/user-microservice/internal/outcome"

// Action is what the coordinator does with a step outcome
type Action int

const (
	// ActionCommit moves on to the next step
	ActionCommit Action = iota
	// ActionRetry runs the same step again after backoff
	ActionRetry
	// ActionSurface fails the operation; no earlier step committed so the stores agree
	ActionSurface
	// ActionRecord fails the operation and writes an InconsistencyRecord
	ActionRecord
)

func (a Action) String() string {
	switch a {
	case ActionCommit:
		return "commit"
	case ActionRetry:
		return "retry"
	case ActionSurface:
		return "surface"
	case ActionRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Decider maps a step outcome onto an Action
type Decider interface {
	Decide(step int, out outcome.Outcome, attempt, maxAttempts int) Action
}

// Policy maps a step outcome onto an Action.
type Policy struct{}

// Decide is called after every attempt. step is zero-based; attempt counts from 1.
// Only unavailability is retried, and only while attempts remain.
func (Policy) Decide(step int, out outcome.Outcome, attempt, maxAttempts int) Action {
	if out.IsCommitted() {
		return ActionCommit
	}
	if out.Retryable() && attempt < maxAttempts {
		return ActionRetry
	}
	if step == 0 {
		return ActionSurface
	}
	return ActionRecord
}
