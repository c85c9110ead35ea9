// Package eventhandler contains the reactions to domain events.
package eventhandler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/application/command"
	"github.com/alem-hub/care-hub/internal/domain/alert"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON RISK ADVANCED HANDLER
// Runs after a flagged signal is committed:
//   - publishes an alert when the new stage is in the critical band
//   - opens or upgrades an assignment when the level reaches the threshold
// Both are side effects of a committed write and never undo it.
// ═══════════════════════════════════════════════════════════════════════════

// Escalator opens or upgrades an assignment for a student.
type Escalator interface {
	Handle(ctx context.Context, cmd command.EscalateCommand) (*command.EscalateResult, error)
}

// RiskAdvancedConfig configures OnRiskAdvancedHandler.
type RiskAdvancedConfig struct {
	// EscalationLevel is the lowest level that triggers escalation.
	EscalationLevel risk.Level
}

// DefaultRiskAdvancedConfig returns the default configuration.
func DefaultRiskAdvancedConfig() RiskAdvancedConfig {
	return RiskAdvancedConfig{EscalationLevel: risk.LevelCritical}
}

// OnRiskAdvancedHandler reacts to shared.EventRiskAdvanced.
type OnRiskAdvancedHandler struct {
	alerts    alert.Publisher
	escalator Escalator
	config    RiskAdvancedConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewOnRiskAdvancedHandler creates the handler. Either collaborator may be
// nil to disable that reaction.
func NewOnRiskAdvancedHandler(alerts alert.Publisher, escalator Escalator, config RiskAdvancedConfig, log *zap.Logger) *OnRiskAdvancedHandler {
	if !config.EscalationLevel.IsValid() {
		config.EscalationLevel = risk.LevelCritical
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OnRiskAdvancedHandler{
		alerts:    alerts,
		escalator: escalator,
		config:    config,
		logger:    log.Named("on_risk_advanced"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements shared.EventHandler.
func (h *OnRiskAdvancedHandler) Handle(ctx context.Context, event shared.Event) error {
	e, ok := event.(shared.RiskAdvancedEvent)
	if !ok {
		return fmt.Errorf("on_risk_advanced: unexpected event %T", event)
	}

	profile, from, err := snapshot(e)
	if err != nil {
		return fmt.Errorf("on_risk_advanced: %w", err)
	}
	log := h.logger.With(
		logger.UserID(e.UserID),
		logger.InstitutionID(e.InstitutionID),
		logger.Stage(e.ToStage),
		logger.RiskLevel(e.ToLevel),
	)

	var firstErr error
	if h.alerts != nil {
		a := alert.NewEvent(uuid.NewString(), profile, from, h.now())
		if a.Alertable() {
			published, err := h.alerts.Publish(ctx, a)
			switch {
			case err != nil:
				log.Error("alert publish failed", zap.Error(err))
				firstErr = err
			case published:
				log.Info("crisis alert published", zap.String("alert_id", a.ID))
			default:
				log.Debug("crisis alert suppressed by cooldown")
			}
		}
	}

	if h.escalator != nil && profile.Level.Rank() >= h.config.EscalationLevel.Rank() {
		res, err := h.escalator.Handle(ctx, command.EscalateCommand{
			StudentUserID: e.UserID,
			InstitutionID: e.InstitutionID,
			RiskLevel:     profile.Level,
			Reason:        fmt.Sprintf("%s signal moved stage to %s", e.Category, e.ToStage),
		})
		if err != nil {
			log.Error("escalation failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			log.Debug("escalation applied",
				logger.AssignmentID(res.Assignment.ID),
				zap.Bool("created", res.Created),
				zap.Bool("upgraded", res.Upgraded),
			)
		}
	}
	return firstErr
}

// snapshot rebuilds the committed profile from the event.
func snapshot(e shared.RiskAdvancedEvent) (risk.Profile, risk.Stage, error) {
	to, err := risk.ParseStage(e.ToStage)
	if err != nil {
		return risk.Profile{}, 0, err
	}
	from, err := risk.ParseStage(e.FromStage)
	if err != nil {
		return risk.Profile{}, 0, err
	}

	return risk.Profile{
		UserID:        shared.UserID(e.UserID),
		InstitutionID: shared.InstitutionID(e.InstitutionID),
		Level:         risk.LevelForStage(to),
		Stage:         to,
		CrisisCount:   e.CrisisCount,
		LastCrisisAt:  e.LastCrisisAt,
		UpdatedAt:     e.OccurredAt(),
		Version:       e.ProfileVer,
	}, from, nil
}
