package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// ActionType is what a responder did.
type ActionType string

const (
	ActionContactedStudent   ActionType = "contacted-student"
	ActionContactedGuardian  ActionType = "contacted-guardian"
	ActionAssignedCounsellor ActionType = "assigned-counsellor"
	ActionEmergencyServices  ActionType = "emergency-services"
	ActionFollowUp           ActionType = "follow-up"
	ActionResolved           ActionType = "resolved"
	ActionEscalated          ActionType = "escalated"
)

// AllActionTypes lists every action type.
func AllActionTypes() []ActionType {
	return []ActionType{
		ActionContactedStudent, ActionContactedGuardian, ActionAssignedCounsellor,
		ActionEmergencyServices, ActionFollowUp, ActionResolved, ActionEscalated,
	}
}

// IsValid reports whether t is a known action type.
func (t ActionType) IsValid() bool {
	for _, v := range AllActionTypes() {
		if v == t {
			return true
		}
	}
	return false
}

// ParseActionType converts a string into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return t, nil
}

// NotifiesStaff reports whether logging this action should page on-call staff.
func (t ActionType) NotifiesStaff() bool {
	return t == ActionEmergencyServices || t == ActionEscalated
}

// Channel is an outbound notification channel.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelLog   Channel = "log"
)

// ResponseLogEntry is an immutable record of a staff action.
type ResponseLogEntry struct {
	ID                  string        `json:"id"`
	AssignmentID        *string       `json:"assignment_id,omitempty"`
	StudentUserID       shared.UserID `json:"student_user_id"`
	ResponderUserID     shared.UserID `json:"responder_user_id"`
	ActionType          ActionType    `json:"action_type"`
	Outcome             *string       `json:"outcome,omitempty"`
	FollowUpRequired    bool          `json:"follow_up_required"`
	FollowUpAt          *time.Time    `json:"follow_up_at,omitempty"`
	NotificationSent    bool          `json:"notification_sent"`
	NotificationChannel *Channel      `json:"notification_channel,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Validate checks the invariants of a log entry that do not depend on
// request shape.
func (e *ResponseLogEntry) Validate() error {
	if e.StudentUserID.IsEmpty() || e.ResponderUserID.IsEmpty() {
		return shared.NewDomainError("escalation", "LogResponse", shared.ErrEmptyValue, "student and responder are required")
	}
	if !e.ActionType.IsValid() {
		return shared.NewDomainError("escalation", "LogResponse", shared.ErrInvalidInput, "invalid action type")
	}
	if e.FollowUpAt != nil && !e.FollowUpRequired {
		return shared.NewDomainError("escalation", "LogResponse", shared.ErrInvalidInput, "follow-up time set without follow-up required")
	}
	if e.FollowUpAt != nil && e.FollowUpAt.Before(e.CreatedAt) {
		return shared.NewDomainError("escalation", "LogResponse", shared.ErrInvalidInput, "follow-up time is in the past")
	}
	return nil
}
