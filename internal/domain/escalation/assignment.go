// Package escalation models the staff workflow that follows a flagged
// student: assignments with a strict pending -> active -> completed
// lifecycle, an append-only response log and the priority rules.
package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PRIORITY
// ══════════════════════════════════════════════════════════════════════════════

// Priority orders assignments in the staff queue.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityNormal: 0,
	PriorityHigh:   1,
	PriorityUrgent: 2,
}

// Rank returns the ordinal of the priority.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	_, ok := priorityRank[p]
	return ok
}

// ParsePriority converts a string into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// PriorityForLevel maps a risk level to the advisory priority.
func PriorityForLevel(l risk.Level) Priority {
	switch l {
	case risk.LevelCritical:
		return PriorityUrgent
	case risk.LevelHigh:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status is the lifecycle state of an assignment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// IsOpen reports whether the assignment still blocks a new one for the
// same student.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusActive
}

// CanTransitionTo checks the lifecycle table.
func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusActive
	case StatusActive:
		return to == StatusCompleted
	default:
		return false
	}
}

// Source records who opened an assignment.
type Source string

const (
	SourceSystem Source = "system"
	SourceStaff  Source = "staff"
)

// ══════════════════════════════════════════════════════════════════════════════
// ASSIGNMENT
// ══════════════════════════════════════════════════════════════════════════════

// Assignment links a flagged student to a responding staff member.
type Assignment struct {
	ID                  string               `json:"id"`
	StudentUserID       shared.UserID        `json:"student_user_id"`
	InstitutionID       shared.InstitutionID `json:"institution_id"`
	AssigneeUserID      shared.UserID        `json:"assignee_user_id,omitempty"`
	Priority            Priority             `json:"priority"`
	Status              Status               `json:"status"`
	Reason              string               `json:"reason"`
	RiskLevelAtCreation risk.Level           `json:"risk_level_at_creation"`
	Source              Source               `json:"source"`
	CreatedBy           shared.UserID        `json:"created_by,omitempty"`
	AssignedAt          time.Time            `json:"assigned_at"`
	AcceptedAt          *time.Time           `json:"accepted_at,omitempty"`
	CompletedAt         *time.Time           `json:"completed_at,omitempty"`
	Notes               *string              `json:"notes,omitempty"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// NewAssignmentParams holds the inputs of a new pending assignment.
type NewAssignmentParams struct {
	ID            string
	StudentUserID shared.UserID
	InstitutionID shared.InstitutionID
	AssigneeID    shared.UserID
	Priority      Priority
	Reason        string
	RiskLevel     risk.Level
	Source        Source
	CreatedBy     shared.UserID
	Now           time.Time
}

// NewAssignment validates params and returns a pending assignment.
func NewAssignment(p NewAssignmentParams) (*Assignment, error) {
	if p.ID == "" {
		return nil, shared.NewDomainError("escalation", "Create", shared.ErrInvalidID, "assignment id is required")
	}
	if p.StudentUserID.IsEmpty() {
		return nil, shared.NewDomainError("escalation", "Create", shared.ErrEmptyValue, "student is required")
	}
	if !p.Priority.IsValid() {
		return nil, shared.NewDomainError("escalation", "Create", shared.ErrInvalidInput, "invalid priority")
	}
	if !p.RiskLevel.IsValid() {
		return nil, shared.NewDomainError("escalation", "Create", shared.ErrInvalidInput, "invalid risk level")
	}
	if strings.TrimSpace(p.Reason) == "" {
		return nil, shared.NewDomainError("escalation", "Create", shared.ErrEmptyValue, "reason is required")
	}
	if p.Source == "" {
		p.Source = SourceStaff
	}

	return &Assignment{
		ID:                  p.ID,
		StudentUserID:       p.StudentUserID,
		InstitutionID:       p.InstitutionID,
		AssigneeUserID:      p.AssigneeID,
		Priority:            p.Priority,
		Status:              StatusPending,
		Reason:              strings.TrimSpace(p.Reason),
		RiskLevelAtCreation: p.RiskLevel,
		Source:              p.Source,
		CreatedBy:           p.CreatedBy,
		AssignedAt:          p.Now,
		UpdatedAt:           p.Now,
	}, nil
}

// Accept moves a pending assignment to active. An assignment with no
// assignee is open to any staff member, who becomes its assignee.
func (a *Assignment) Accept(assignee shared.UserID, now time.Time) error {
	if assignee.IsEmpty() {
		return ErrAssigneeRequired
	}
	switch a.Status {
	case StatusPending:
	case StatusActive:
		return ErrAlreadyAccepted
	default:
		return ErrInvalidTransition
	}
	if !a.AssigneeUserID.IsEmpty() && a.AssigneeUserID != assignee {
		return ErrNotAssignee
	}

	a.AssigneeUserID = assignee
	a.Status = StatusActive
	a.AcceptedAt = &now
	a.UpdatedAt = now
	return nil
}

// Complete moves an active assignment to completed.
func (a *Assignment) Complete(notes *string, now time.Time) error {
	if !a.Status.CanTransitionTo(StatusCompleted) {
		return ErrInvalidTransition
	}
	if notes != nil {
		n := strings.TrimSpace(*notes)
		if n == "" {
			notes = nil
		} else {
			notes = &n
		}
	}

	a.Status = StatusCompleted
	a.CompletedAt = &now
	a.Notes = notes
	a.UpdatedAt = now
	return nil
}

// RaisePriority sets a higher priority. Lowering is rejected; setting the
// same priority is a no-op that reports false.
func (a *Assignment) RaisePriority(p Priority, now time.Time) (bool, error) {
	if !p.IsValid() {
		return false, shared.NewDomainError("escalation", "RaisePriority", shared.ErrInvalidInput, "invalid priority")
	}
	if !a.Status.IsOpen() {
		return false, ErrInvalidTransition
	}
	if p.Rank() < a.Priority.Rank() {
		return false, ErrPriorityDowngrade
	}
	if p == a.Priority {
		return false, nil
	}
	a.Priority = p
	a.UpdatedAt = now
	return true, nil
}

// HistoryEntry is one row of the assignment audit trail.
type HistoryEntry struct {
	AssignmentID string        `json:"assignment_id"`
	FromStatus   Status        `json:"from_status,omitempty"`
	ToStatus     Status        `json:"to_status"`
	Priority     Priority      `json:"priority"`
	ActorID      shared.UserID `json:"actor_id,omitempty"`
	Note         string        `json:"note,omitempty"`
	At           time.Time     `json:"at"`
}

// NewHistoryEntry snapshots a after a change made by actor.
func NewHistoryEntry(a *Assignment, from Status, actor shared.UserID, note string) HistoryEntry {
	return HistoryEntry{
		AssignmentID: a.ID,
		FromStatus:   from,
		ToStatus:     a.Status,
		Priority:     a.Priority,
		ActorID:      actor,
		Note:         note,
		At:           a.UpdatedAt,
	}
}
