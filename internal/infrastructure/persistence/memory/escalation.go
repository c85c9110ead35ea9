package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// AssignmentStore is an in-memory escalation.Repository.
type AssignmentStore struct {
	mu          sync.RWMutex
	assignments map[string]*escalation.Assignment
	open        map[shared.UserID]string
	history     map[string][]escalation.HistoryEntry
}

// NewAssignmentStore creates an empty store.
func NewAssignmentStore() *AssignmentStore {
	return &AssignmentStore{
		assignments: make(map[string]*escalation.Assignment),
		open:        make(map[shared.UserID]string),
		history:     make(map[string][]escalation.HistoryEntry),
	}
}

var _ escalation.Repository = (*AssignmentStore)(nil)

// Create implements escalation.Repository.
func (s *AssignmentStore) Create(_ context.Context, a *escalation.Assignment, h escalation.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[a.StudentUserID]; ok && a.Status.IsOpen() {
		return escalation.ErrDuplicateActiveAssignment
	}
	if _, ok := s.assignments[a.ID]; ok {
		return shared.NewDomainError("escalation", "Create", shared.ErrAlreadyExists, "assignment id already used")
	}

	s.assignments[a.ID] = cloneAssignment(a)
	if a.Status.IsOpen() {
		s.open[a.StudentUserID] = a.ID
	}
	s.history[a.ID] = append(s.history[a.ID], h)
	return nil
}

// Get implements escalation.Repository.
func (s *AssignmentStore) Get(_ context.Context, id string) (*escalation.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[id]
	if !ok {
		return nil, escalation.ErrAssignmentNotFound
	}
	return cloneAssignment(a), nil
}

// FindOpenByStudent implements escalation.Repository.
func (s *AssignmentStore) FindOpenByStudent(_ context.Context, studentID shared.UserID) (*escalation.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.open[studentID]
	if !ok {
		return nil, escalation.ErrAssignmentNotFound
	}
	return cloneAssignment(s.assignments[id]), nil
}

// Save implements escalation.Repository.
func (s *AssignmentStore) Save(_ context.Context, a *escalation.Assignment, guard escalation.Guard, h escalation.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.assignments[a.ID]
	if !ok {
		return escalation.ErrAssignmentNotFound
	}
	if stored.Status != guard.Status || stored.Priority != guard.Priority {
		return escalation.ErrStaleAssignment
	}

	s.assignments[a.ID] = cloneAssignment(a)
	if !a.Status.IsOpen() && s.open[a.StudentUserID] == a.ID {
		delete(s.open, a.StudentUserID)
	}
	s.history[a.ID] = append(s.history[a.ID], h)
	return nil
}

// ListPendingBefore implements escalation.Repository.
func (s *AssignmentStore) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]*escalation.Assignment, error) {
	return s.list(func(a *escalation.Assignment) bool {
		return a.Status == escalation.StatusPending && a.AssignedAt.Before(cutoff)
	}, true, limit), nil
}

// ListByInstitution implements escalation.Repository.
func (s *AssignmentStore) ListByInstitution(_ context.Context, institutionID shared.InstitutionID, status escalation.Status, limit int) ([]*escalation.Assignment, error) {
	return s.list(func(a *escalation.Assignment) bool {
		return institutionID.Matches(a.InstitutionID) && (status == "" || a.Status == status)
	}, false, limit), nil
}

func (s *AssignmentStore) list(keep func(*escalation.Assignment) bool, oldestFirst bool, limit int) []*escalation.Assignment {
	s.mu.RLock()
	out := make([]*escalation.Assignment, 0)
	for _, a := range s.assignments {
		if keep(a) {
			out = append(out, cloneAssignment(a))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			if oldestFirst {
				return out[i].AssignedAt.Before(out[j].AssignedAt)
			}
			return out[i].AssignedAt.After(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// History implements escalation.Repository.
func (s *AssignmentStore) History(_ context.Context, id string) ([]escalation.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.assignments[id]; !ok {
		return nil, escalation.ErrAssignmentNotFound
	}
	return append([]escalation.HistoryEntry(nil), s.history[id]...), nil
}

func cloneAssignment(a *escalation.Assignment) *escalation.Assignment {
	out := *a
	if a.AcceptedAt != nil {
		t := *a.AcceptedAt
		out.AcceptedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		out.CompletedAt = &t
	}
	if a.Notes != nil {
		n := *a.Notes
		out.Notes = &n
	}
	return &out
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE LOG
// ══════════════════════════════════════════════════════════════════════════════

// ResponseLog is an in-memory escalation.ResponseLog.
type ResponseLog struct {
	mu      sync.RWMutex
	entries []escalation.ResponseLogEntry
}

// NewResponseLog creates an empty log.
func NewResponseLog() *ResponseLog {
	return &ResponseLog{}
}

var _ escalation.ResponseLog = (*ResponseLog)(nil)

// Append implements escalation.ResponseLog.
func (l *ResponseLog) Append(_ context.Context, e *escalation.ResponseLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.entries {
		if existing.ID == e.ID {
			return shared.NewDomainError("escalation", "LogResponse", shared.ErrAlreadyExists, "response log entry already exists")
		}
	}
	l.entries = append(l.entries, *e)
	return nil
}

// ListByStudent implements escalation.ResponseLog.
func (l *ResponseLog) ListByStudent(_ context.Context, studentID shared.UserID, limit int) ([]escalation.ResponseLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]escalation.ResponseLogEntry, 0)
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].StudentUserID != studentID {
			continue
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
