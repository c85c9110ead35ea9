package escalation

import (
	"context"
	"time"

	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// Workflow errors. They are user-correctable and never retried.
var (
	ErrAssignmentNotFound        = shared.NewDomainError("escalation", "Get", shared.ErrNotFound, "assignment not found")
	ErrDuplicateActiveAssignment = shared.NewDomainError("escalation", "Create", shared.ErrAlreadyExists, "student already has a pending or active assignment")
	ErrInvalidTransition         = shared.NewDomainError("escalation", "Transition", shared.ErrStateTransition, "invalid assignment status transition")
	ErrAlreadyAccepted           = shared.NewDomainError("escalation", "Accept", shared.ErrAlreadyProcessed, "assignment was already accepted")
	ErrNotAssignee               = shared.NewDomainError("escalation", "Accept", shared.ErrForbidden, "assignment is assigned to another staff member")
	ErrAssigneeRequired          = shared.NewDomainError("escalation", "Accept", shared.ErrEmptyValue, "assignee is required")
	ErrPriorityDowngrade         = shared.NewDomainError("escalation", "RaisePriority", shared.ErrForbidden, "priority cannot be lowered")

	// ErrStaleAssignment is returned by the store when a guarded update
	// finds the row changed. Commands re-read and re-apply on it.
	ErrStaleAssignment = shared.NewDomainError("escalation", "Save", shared.ErrConcurrentModification, "assignment changed since it was read")
)

// Guard is the state an update expects to find in the store.
type Guard struct {
	Status   Status
	Priority Priority
}

// GuardOf captures the guard for a freshly read assignment.
func GuardOf(a *Assignment) Guard {
	return Guard{Status: a.Status, Priority: a.Priority}
}

// Repository stores assignments and their history.
type Repository interface {
	// Create inserts a pending assignment and its first history row.
	// Returns ErrDuplicateActiveAssignment if the student already has an
	// open assignment.
	Create(ctx context.Context, a *Assignment, h HistoryEntry) error

	// Get returns an assignment by id.
	// Returns ErrAssignmentNotFound.
	Get(ctx context.Context, id string) (*Assignment, error)

	// FindOpenByStudent returns the pending or active assignment of a student.
	// Returns ErrAssignmentNotFound if there is none.
	FindOpenByStudent(ctx context.Context, studentID shared.UserID) (*Assignment, error)

	// Save persists a changed assignment only if the stored row still
	// matches guard, and appends h in the same transaction.
	// Returns ErrStaleAssignment otherwise.
	Save(ctx context.Context, a *Assignment, guard Guard, h HistoryEntry) error

	// ListPendingBefore returns pending assignments created before cutoff,
	// oldest first.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Assignment, error)

	// ListByInstitution returns assignments of an institution filtered by
	// status (empty status means all), newest first.
	ListByInstitution(ctx context.Context, institutionID shared.InstitutionID, status Status, limit int) ([]*Assignment, error)

	// History returns the audit trail of an assignment, oldest first.
	History(ctx context.Context, id string) ([]HistoryEntry, error)
}

// ResponseLog is the append-only store of response log entries.
type ResponseLog interface {
	// Append inserts an entry. Entries are never updated.
	Append(ctx context.Context, e *ResponseLogEntry) error

	// ListByStudent returns a student's entries, newest first.
	ListByStudent(ctx context.Context, studentID shared.UserID, limit int) ([]ResponseLogEntry, error)
}
