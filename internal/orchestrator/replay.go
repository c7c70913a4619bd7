package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sposaceee/user-microservice/internal/outcome"
	"github.com/sposaceee/user-microservice/internal/reconciliation"
)

// Replay re-runs the step an InconsistencyRecord says is missing. Only
// profile-side deletes can be replayed here; credential writes need the
// original caller's bearer, which is never stored.
func (c *Coordinator) Replay(ctx context.Context, record *reconciliation.InconsistencyRecord) outcome.Outcome {
	if record == nil {
		return outcome.Rejected(outcome.CodeInvalid, "record is required", 0)
	}

	switch {
	case record.FailedStore == reconciliation.StoreProfile &&
		(record.OperationType == reconciliation.OpSelfDelete || record.OperationType == reconciliation.OpAdminDelete):
		out, attempts, _ := c.runStep(ctx, 1, c.profileDeleteStep(record.UserID))
		c.logger.Info("Replayed profile delete",
			zap.String("record_id", record.ID),
			zap.String("user_id", record.UserID),
			zap.Int("attempts", attempts),
			zap.String("outcome", out.Detail()))
		return out

	default:
		return outcome.Rejected(outcome.CodeRejected,
			fmt.Sprintf("cannot replay %s step of %s without caller credentials", record.FailedStore, record.OperationType), 0)
	}
}
