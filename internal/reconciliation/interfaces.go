package reconciliation

import (
	"context"
	"errors"

	"github.com/sposaceee/user-microservice/internal/outcome"
)

// ErrRecordNotFound is returned when resolving an unknown record
var ErrRecordNotFound = errors.New("inconsistency record not found")

// Recorder is the durable sink for inconsistency records
type Recorder interface {
	// Record persists one record. A nil error means the record is durable.
	Record(ctx context.Context, record *InconsistencyRecord) error
}

// Store is a Recorder that can also be queried and resolved
type Store interface {
	Recorder

	// ListOpen returns unresolved records, oldest first
	ListOpen(ctx context.Context, limit int) ([]*InconsistencyRecord, error)

	// Resolve marks a record as reconciled
	Resolve(ctx context.Context, id string) error
}

// Replayer re-runs the missing step of a record. Only a Committed outcome
// lets the sweep resolve the record.
type Replayer interface {
	Replay(ctx context.Context, record *InconsistencyRecord) outcome.Outcome
}
