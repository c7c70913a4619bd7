package reconciliation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// StoreName identifies one of the two stores an identity lives in
type StoreName string

const (
	StoreCredential StoreName = "credential"
	StoreProfile    StoreName = "profile"
)

// OperationType names a coordinated identity operation
type OperationType string

const (
	OpCreateUser  OperationType = "create_user"
	OpSelfUpdate  OperationType = "self_update"
	OpSelfDelete  OperationType = "self_delete"
	OpAdminUpdate OperationType = "admin_update"
	OpAdminDelete OperationType = "admin_delete"
)

// InconsistencyRecord is written whenever a later step fails after an earlier
// step already committed. It stays open until a replay resolves it.
type InconsistencyRecord struct {
	bun.BaseModel `bun:"table:identity_inconsistencies,alias:ii"`

	ID             string        `bun:"id,pk,type:uuid" json:"id"`
	OperationType  OperationType `bun:"operation_type,notnull" json:"operation_type"`
	UserID         string        `bun:"user_id,notnull" json:"user_id"`
	CommittedStore StoreName     `bun:"committed_store,notnull" json:"committed_store"`
	FailedStore    StoreName     `bun:"failed_store,notnull" json:"failed_store"`
	FailureDetail  string        `bun:"failure_detail,notnull" json:"failure_detail"`
	Timestamp      time.Time     `bun:"timestamp,notnull,default:current_timestamp" json:"timestamp"`
	ResolvedAt     *time.Time    `bun:"resolved_at,nullzero" json:"resolved_at,omitempty"`
}

// NewRecord builds an open record stamped with a fresh id and the current time
func NewRecord(op OperationType, userID string, committed, failed StoreName, detail string) *InconsistencyRecord {
	return &InconsistencyRecord{
		ID:             uuid.New().String(),
		OperationType:  op,
		UserID:         userID,
		CommittedStore: committed,
		FailedStore:    failed,
		FailureDetail:  detail,
		Timestamp:      time.Now().UTC(),
	}
}

// IsOpen reports whether the record still awaits reconciliation
func (r *InconsistencyRecord) IsOpen() bool {
	return r.ResolvedAt == nil
}

// Validate checks the record carries everything a sweep needs
func (r *InconsistencyRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if r.OperationType == "" {
		return fmt.Errorf("operation_type is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.CommittedStore == "" || r.FailedStore == "" {
		return fmt.Errorf("committed_store and failed_store are required")
	}
	if r.CommittedStore == r.FailedStore {
		return fmt.Errorf("committed_store and failed_store must differ")
	}
	return nil
}
