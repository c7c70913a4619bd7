package reconciliation

import (
	"context"

	"go.uber.org/zap"
)

// LogRecorder writes records to the structured log. It suits deployments
// where log shipping is the durable sink.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a recorder backed by the given logger
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.Named("inconsistency")}
}

func (r *LogRecorder) Record(ctx context.Context, record *InconsistencyRecord) error {
	r.logger.Error("Identity inconsistency recorded", RecordFields(record)...)
	return nil
}

// RecordFields renders a record as zap fields
func RecordFields(record *InconsistencyRecord) []zap.Field {
	return []zap.Field{
		zap.String("record_id", record.ID),
		zap.String("operation_type", string(record.OperationType)),
		zap.String("user_id", record.UserID),
		zap.String("committed_store", string(record.CommittedStore)),
		zap.String("failed_store", string(record.FailedStore)),
		zap.String("failure_detail", record.FailureDetail),
		zap.Time("timestamp", record.Timestamp),
	}
}
