package shared

import (
	"context"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each event represents something significant that
// happened in the pipeline and may be consumed by handlers out of band.
const (
	// Risk events
	EventRiskAdvanced   EventType = "risk.advanced"
	EventStageReviewed  EventType = "risk.stage_reviewed"
	EventSignalDeferred EventType = "risk.signal_deferred"

	// Escalation events
	EventAssignmentCreated   EventType = "escalation.assignment_created"
	EventAssignmentAccepted  EventType = "escalation.assignment_accepted"
	EventAssignmentCompleted EventType = "escalation.assignment_completed"
	EventPriorityRaised      EventType = "escalation.priority_raised"
	EventResponseLogged      EventType = "escalation.response_logged"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// EventHandler reacts to a published event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher publishes domain events. Publishing does not wait for
// handlers to finish.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Risk Events
// ═══════════════════════════════════════════════════════════════════════════

// RiskAdvancedEvent is emitted after a flagged signal has been committed to
// a risk profile. It carries a full snapshot of the profile after the write.
type RiskAdvancedEvent struct {
	BaseEvent
	UserID        string     `json:"user_id"`
	InstitutionID string     `json:"institution_id"`
	FromStage     string     `json:"from_stage"`
	ToStage       string     `json:"to_stage"`
	FromLevel     string     `json:"from_level"`
	ToLevel       string     `json:"to_level"`
	Category      string     `json:"category"`
	Severity      string     `json:"severity"`
	MatchedTerms  []string   `json:"matched_terms"`
	CrisisCount   int        `json:"crisis_count"`
	LastCrisisAt  *time.Time `json:"last_crisis_at,omitempty"`
	ProfileVer    int64      `json:"profile_version"`
}

// Payload implements Event interface.
func (e RiskAdvancedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":         e.UserID,
		"institution_id":  e.InstitutionID,
		"from_stage":      e.FromStage,
		"to_stage":        e.ToStage,
		"from_level":      e.FromLevel,
		"to_level":        e.ToLevel,
		"category":        e.Category,
		"severity":        e.Severity,
		"matched_terms":   e.MatchedTerms,
		"crisis_count":    e.CrisisCount,
		"profile_version": e.ProfileVer,
	}
}

// StageChanged reports whether the write moved the profile to a new stage.
func (e RiskAdvancedEvent) StageChanged() bool {
	return e.FromStage != e.ToStage
}

// StageReviewedEvent is emitted when staff manually set a profile's stage.
type StageReviewedEvent struct {
	BaseEvent
	UserID     string `json:"user_id"`
	FromStage  string `json:"from_stage"`
	ToStage    string `json:"to_stage"`
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason"`
}

// Payload implements Event interface.
func (e StageReviewedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":     e.UserID,
		"from_stage":  e.FromStage,
		"to_stage":    e.ToStage,
		"reviewer_id": e.ReviewerID,
		"reason":      e.Reason,
	}
}

// SignalDeferredEvent is emitted when a flagged signal could not be written
// after exhausting its retries and was parked for a later sweep.
type SignalDeferredEvent struct {
	BaseEvent
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Severity string `json:"severity"`
}

// Payload implements Event interface.
func (e SignalDeferredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  e.UserID,
		"category": e.Category,
		"severity": e.Severity,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Escalation Events
// ═══════════════════════════════════════════════════════════════════════════

// AssignmentEvent is emitted on every assignment lifecycle change.
type AssignmentEvent struct {
	BaseEvent
	AssignmentID  string `json:"assignment_id"`
	StudentUserID string `json:"student_user_id"`
	InstitutionID string `json:"institution_id"`
	ActorID       string `json:"actor_id,omitempty"`
	Status        string `json:"status"`
	Priority      string `json:"priority"`
}

// Payload implements Event interface.
func (e AssignmentEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"assignment_id":   e.AssignmentID,
		"student_user_id": e.StudentUserID,
		"institution_id":  e.InstitutionID,
		"actor_id":        e.ActorID,
		"status":          e.Status,
		"priority":        e.Priority,
	}
}

// NewAssignmentEvent creates an assignment lifecycle event.
func NewAssignmentEvent(eventType EventType, assignmentID, studentID, institutionID, actorID, status, priority string) AssignmentEvent {
	return AssignmentEvent{
		BaseEvent:     NewBaseEvent(eventType, assignmentID),
		AssignmentID:  assignmentID,
		StudentUserID: studentID,
		InstitutionID: institutionID,
		ActorID:       actorID,
		Status:        status,
		Priority:      priority,
	}
}

// ResponseLoggedEvent is emitted when a response log entry is appended.
type ResponseLoggedEvent struct {
	BaseEvent
	StudentUserID    string `json:"student_user_id"`
	ResponderUserID  string `json:"responder_user_id"`
	ActionType       string `json:"action_type"`
	FollowUpRequired bool   `json:"follow_up_required"`
}

// Payload implements Event interface.
func (e ResponseLoggedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"student_user_id":    e.StudentUserID,
		"responder_user_id":  e.ResponderUserID,
		"action_type":        e.ActionType,
		"follow_up_required": e.FollowUpRequired,
	}
}
