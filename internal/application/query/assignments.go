package query

import (
	"context"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// AssignmentDTO is an assignment with its audit trail.
type AssignmentDTO struct {
	*escalation.Assignment
	History []escalation.HistoryEntry `json:"history"`
}

// AssignmentQueries reads assignments and response logs.
type AssignmentQueries struct {
	assignments escalation.Repository
	responses   escalation.ResponseLog
}

// NewAssignmentQueries creates AssignmentQueries.
func NewAssignmentQueries(assignments escalation.Repository, responses escalation.ResponseLog) *AssignmentQueries {
	return &AssignmentQueries{assignments: assignments, responses: responses}
}

// Get returns an assignment with its history.
func (q *AssignmentQueries) Get(ctx context.Context, id string) (*AssignmentDTO, error) {
	a, err := q.assignments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := q.assignments.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AssignmentDTO{Assignment: a, History: history}, nil
}

// ListByInstitution returns an institution's assignments, newest first.
// An empty status lists every status.
func (q *AssignmentQueries) ListByInstitution(ctx context.Context, institutionID shared.InstitutionID, status escalation.Status, limit int) ([]*escalation.Assignment, error) {
	list, err := q.assignments.ListByInstitution(ctx, institutionID, status, limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*escalation.Assignment{}
	}
	return list, nil
}

// ResponsesForStudent returns the response log of a student, newest first.
func (q *AssignmentQueries) ResponsesForStudent(ctx context.Context, studentID shared.UserID, limit int) ([]escalation.ResponseLogEntry, error) {
	entries, err := q.responses.ListByStudent(ctx, studentID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []escalation.ResponseLogEntry{}
	}
	return entries, nil
}
