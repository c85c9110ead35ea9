package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/alert"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// LogSink writes every alert to the audit log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{logger: log.Named("audit")}
}

// Name implements alert.Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements alert.Sink.
func (s *LogSink) Deliver(_ context.Context, e alert.Event) error {
	s.logger.Warn("crisis alert",
		zap.String("alert_id", e.ID),
		logger.UserID(e.Profile.UserID.String()),
		logger.InstitutionID(e.InstitutionID.String()),
		zap.String("from_stage", e.From.String()),
		logger.Stage(e.To.String()),
		logger.RiskLevel(string(e.Profile.Level)),
		zap.Int("crisis_count", e.Profile.CrisisCount),
		zap.Time("emitted_at", e.EmittedAt),
		zap.String("origin", e.Origin),
	)
	return nil
}
