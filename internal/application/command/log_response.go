package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// StaffPager pages on-call staff and waits for the outcome. It returns
// the channel a delivery succeeded on.
type StaffPager interface {
	Page(ctx context.Context, subject, body string) (escalation.Channel, error)
}

// LogResponseCommand records what a responder did.
type LogResponseCommand struct {
	AssignmentID     *string    `json:"assignment_id" validate:"omitempty,max=64"`
	StudentUserID    string     `json:"student_user_id" validate:"required,max=128"`
	ResponderUserID  string     `json:"-" validate:"required,max=128"`
	ActionType       string     `json:"action_type" validate:"required,action_type"`
	Outcome          *string    `json:"outcome" validate:"omitempty,max=4000"`
	FollowUpRequired bool       `json:"follow_up_required"`
	FollowUpAt       *time.Time `json:"follow_up_at"`
}

// LogResponseHandler handles LogResponseCommand.
type LogResponseHandler struct {
	responses   escalation.ResponseLog
	assignments escalation.Repository
	pager       StaffPager
	publisher   shared.EventPublisher
	logger      *zap.Logger
	now         func() time.Time
}

// NewLogResponseHandler creates a LogResponseHandler. assignments and
// pager may be nil.
func NewLogResponseHandler(
	responses escalation.ResponseLog,
	assignments escalation.Repository,
	pager StaffPager,
	publisher shared.EventPublisher,
	log *zap.Logger,
) *LogResponseHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogResponseHandler{
		responses:   responses,
		assignments: assignments,
		pager:       pager,
		publisher:   publisher,
		logger:      log.Named("log_response"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle appends the entry. Actions that page staff are delivered first;
// whether a delivery succeeded is recorded on the entry and never fails
// the call.
func (h *LogResponseHandler) Handle(ctx context.Context, cmd LogResponseCommand) (*escalation.ResponseLogEntry, error) {
	if err := validateStruct("log_response", cmd); err != nil {
		return nil, err
	}

	entry := &escalation.ResponseLogEntry{
		ID:               uuid.NewString(),
		AssignmentID:     cmd.AssignmentID,
		StudentUserID:    shared.UserID(cmd.StudentUserID),
		ResponderUserID:  shared.UserID(cmd.ResponderUserID),
		ActionType:       escalation.ActionType(cmd.ActionType),
		Outcome:          cmd.Outcome,
		FollowUpRequired: cmd.FollowUpRequired,
		FollowUpAt:       cmd.FollowUpAt,
		CreatedAt:        h.now(),
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	if entry.AssignmentID != nil && h.assignments != nil {
		a, err := h.assignments.Get(ctx, *entry.AssignmentID)
		if err != nil {
			return nil, err
		}
		if a.StudentUserID != entry.StudentUserID {
			return nil, shared.NewDomainError("escalation", "LogResponse", shared.ErrInvalidInput,
				"assignment belongs to another student")
		}
	}

	if entry.ActionType.NotifiesStaff() && h.pager != nil {
		subject := fmt.Sprintf("[care-hub] %s for student %s", entry.ActionType, entry.StudentUserID)
		body := fmt.Sprintf("%s recorded %s for student %s at %s.",
			entry.ResponderUserID, entry.ActionType, entry.StudentUserID,
			entry.CreatedAt.Format("2006-01-02 15:04 MST"))

		ch, err := h.pager.Page(ctx, subject, body)
		if err != nil {
			h.logger.Warn("staff notification failed",
				logger.UserID(entry.StudentUserID.String()),
				zap.String("action_type", string(entry.ActionType)),
				zap.Error(err),
			)
		} else {
			entry.NotificationSent = true
			entry.NotificationChannel = &ch
		}
	}

	if err := h.responses.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("log_response: %w", err)
	}

	if h.publisher != nil {
		_ = h.publisher.Publish(ctx, shared.ResponseLoggedEvent{
			BaseEvent:        shared.NewBaseEvent(shared.EventResponseLogged, entry.ID),
			StudentUserID:    entry.StudentUserID.String(),
			ResponderUserID:  entry.ResponderUserID.String(),
			ActionType:       string(entry.ActionType),
			FollowUpRequired: entry.FollowUpRequired,
		})
	}

	h.logger.Info("response logged",
		logger.UserID(entry.StudentUserID.String()),
		logger.StaffID(entry.ResponderUserID.String()),
		zap.String("action_type", string(entry.ActionType)),
		zap.Bool("notification_sent", entry.NotificationSent),
	)
	return entry, nil
}
