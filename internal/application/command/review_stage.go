package command

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/pkg/logger"
	"github.com/alem-hub/care-hub/pkg/retry"
)

// ReviewStageCommand sets a user's stage by staff decision.
type ReviewStageCommand struct {
	UserID     string `json:"-" validate:"required"`
	Stage      string `json:"stage" validate:"required,stage"`
	ReviewerID string `json:"-" validate:"required,max=128"`
	Reason     string `json:"reason" validate:"required,notblank,max=2000"`
}

// ReviewStageHandler handles ReviewStageCommand. It is the only writer
// that can lower a stage.
type ReviewStageHandler struct {
	profiles  risk.Repository
	publisher shared.EventPublisher
	retrier   *retry.Retrier
	logger    *zap.Logger
	now       func() time.Time
}

// NewReviewStageHandler creates a ReviewStageHandler.
func NewReviewStageHandler(profiles risk.Repository, publisher shared.EventPublisher, log *zap.Logger) *ReviewStageHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReviewStageHandler{
		profiles:  profiles,
		publisher: publisher,
		retrier:   retry.ProfileWriteRetrier(isCASConflict),
		logger:    log.Named("review_stage"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle applies the review and stores it with the profile in one write.
func (h *ReviewStageHandler) Handle(ctx context.Context, cmd ReviewStageCommand) (*risk.Profile, error) {
	if err := validateStruct("review_stage", cmd); err != nil {
		return nil, err
	}
	stage, err := risk.ParseStage(cmd.Stage)
	if err != nil {
		return nil, risk.ErrInvalidStage
	}

	var (
		saved  risk.Profile
		review risk.StageReview
	)
	err = h.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		current, err := h.profiles.Get(ctx, shared.UserID(cmd.UserID))
		if err != nil {
			return err
		}

		next, r, err := risk.Review(current, stage, shared.UserID(cmd.ReviewerID), cmd.Reason, h.now())
		if err != nil {
			return err
		}
		stored, err := h.profiles.SaveReview(ctx, next, current.Version, r)
		if err != nil {
			return err
		}
		saved, review = stored, r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("review_stage: %w", err)
	}

	if h.publisher != nil {
		_ = h.publisher.Publish(ctx, shared.StageReviewedEvent{
			BaseEvent:  shared.NewBaseEvent(shared.EventStageReviewed, cmd.UserID),
			UserID:     cmd.UserID,
			FromStage:  review.FromStage.String(),
			ToStage:    review.ToStage.String(),
			ReviewerID: cmd.ReviewerID,
			Reason:     review.Reason,
		})
	}

	h.logger.Info("stage reviewed",
		logger.UserID(cmd.UserID),
		logger.StaffID(cmd.ReviewerID),
		zap.String("from_stage", review.FromStage.String()),
		logger.Stage(review.ToStage.String()),
		logger.RiskLevel(string(saved.Level)),
	)
	return &saved, nil
}
