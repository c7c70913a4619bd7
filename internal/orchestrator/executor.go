package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sposaceee/user-microservice/internal/outcome"
	"github.com/sposaceee/user-microservice/internal/reconciliation"
)

// execute runs the steps strictly in order and stops at the first step that
// does not commit.
//
// Caller cancellation is honoured only before the first call goes out. A
// remote call may commit even when its reply never arrives, so once the
// operation has started every step runs on a detached context bounded by its
// own OperationTimeout, retries and backoff included.
func (c *Coordinator) execute(ctx context.Context, op operation) Result {
	res := Result{Operation: op.kind}
	st := statePending

	if len(op.steps) > 0 {
		if err := ctx.Err(); err != nil {
			first := op.steps[0]
			return failureResult(res, first.store, outcome.Unavailable(fmt.Errorf("%s not attempted: %w", first.name, err)))
		}
	}

	detached := context.WithoutCancel(ctx)
	for i, s := range op.steps {
		stepCtx, cancel := context.WithTimeout(detached, c.cfg.OperationTimeout)
		out, attempts, action := c.runStep(stepCtx, i, s)
		cancel()
		res.Attempts += attempts

		switch action {
		case reconciliation.ActionCommit:
			st = committedState(i)
			c.logger.Debug("Step committed",
				zap.String("operation", string(op.kind)),
				zap.String("user_id", op.userID),
				zap.String("step", s.name),
				zap.String("state", st.String()),
				zap.Int("attempts", attempts))
			continue

		case reconciliation.ActionSurface:
			st = stateFailed
			c.logger.Info("Operation failed before any store changed",
				zap.String("operation", string(op.kind)),
				zap.String("user_id", op.userID),
				zap.String("step", s.name),
				zap.String("state", st.String()),
				zap.String("outcome", out.Detail()))
			return failureResult(res, s.store, out)

		case reconciliation.ActionRecord:
			return c.partialFailure(ctx, res, op, i, out)

		default:
			c.logger.Error("Unexpected policy action",
				zap.String("operation", string(op.kind)),
				zap.String("user_id", op.userID),
				zap.String("step", s.name),
				zap.Stringer("action", action))
			out = outcome.Unavailable(fmt.Errorf("unexpected action %s after step %s", action, s.name))
			if i == 0 {
				return failureResult(res, s.store, out)
			}
			return c.partialFailure(ctx, res, op, i, out)
		}
	}

	res.Status = StatusSuccess
	return res
}

// partialFailure closes an operation whose step at index failed after the
// previous step committed. It always emits exactly one record.
func (c *Coordinator) partialFailure(ctx context.Context, res Result, op operation, index int, out outcome.Outcome) Result {
	failed := op.steps[index]
	committed := op.steps[index-1].store
	res = partialResult(res, op, committed, failed.store, out)
	record := reconciliation.NewRecord(op.kind, op.userID, committed, failed.store, res.Detail)
	res.RecordID = record.ID
	c.record(ctx, record)
	c.logger.Warn("Operation partially failed",
		zap.String("operation", string(op.kind)),
		zap.String("user_id", op.userID),
		zap.String("step", failed.name),
		zap.String("state", statePartiallyFailed.String()),
		zap.String("record_id", record.ID))
	return res
}

// runStep calls one step until the policy stops retrying it. It returns the
// final outcome, the number of calls made and the policy's verdict.
func (c *Coordinator) runStep(ctx context.Context, index int, s step) (outcome.Outcome, int, reconciliation.Action) {
	maxAttempts := c.cfg.Retry.MaxAttempts
	calls := 0

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			out := outcome.Unavailable(fmt.Errorf("%s not attempted: %w", s.name, err))
			return out, calls, c.policy.Decide(index, out, maxAttempts, maxAttempts)
		}

		out := s.run(ctx, attempt)
		calls++

		action := c.policy.Decide(index, out, attempt, maxAttempts)
		if action != reconciliation.ActionRetry {
			return out, calls, action
		}

		delay := c.cfg.Retry.Backoff(attempt)
		c.logger.Info("Retrying unavailable step",
			zap.String("step", s.name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.String("outcome", out.Detail()))

		if err := c.sleep(ctx, delay); err != nil {
			out = outcome.Unavailable(fmt.Errorf("%s gave up during backoff: %w", s.name, err))
			return out, calls, c.policy.Decide(index, out, maxAttempts, maxAttempts)
		}
	}
}

// record hands the inconsistency to the sink. The write is detached from the
// caller; if the sink fails the full record goes to the error log instead.
func (c *Coordinator) record(ctx context.Context, record *reconciliation.InconsistencyRecord) {
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.OperationTimeout)
	defer cancel()

	if err := c.recorder.Record(recCtx, record); err != nil {
		fields := append(reconciliation.RecordFields(record), zap.Error(err))
		c.logger.Error("Failed to persist inconsistency record", fields...)
	}
}

func committedState(index int) state {
	if index == 0 {
		return stateStep1Done
	}
	return stateStep2Done
}

func failureResult(res Result, failed reconciliation.StoreName, out outcome.Outcome) Result {
	res.Status = StatusFailure
	res.FailedStore = failed
	res.Code = out.Code
	res.RemoteStatus = out.Status
	res.Retryable = out.Retryable()
	res.Detail = out.Detail()
	res.Reason = out.Reason
	if res.Reason == "" {
		res.Reason = fmt.Sprintf("%s store unavailable", failed)
	}
	return res
}

func partialResult(res Result, op operation, committed, failed reconciliation.StoreName, out outcome.Outcome) Result {
	res.Status = StatusPartialFailure
	res.CommittedStore = committed
	res.FailedStore = failed
	res.Code = out.Code
	res.RemoteStatus = out.Status
	res.Retryable = false
	res.CleanupPending = op.cleanupPending
	res.Reason = op.leftBehind
	res.Detail = fmt.Sprintf("%s; %s step failed: %s", op.leftBehind, failed, out.Detail())
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
