// Package memory provides in-process implementations of the pipeline
// repositories. They back single-instance deployments and tests, and give
// the same concurrency guarantees as the Postgres stores: version checked
// profile writes and guarded assignment updates.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// RiskStore is an in-memory risk.Repository.
type RiskStore struct {
	mu       sync.RWMutex
	profiles map[shared.UserID]risk.Profile
	reviews  map[shared.UserID][]risk.StageReview
}

// NewRiskStore creates an empty store.
func NewRiskStore() *RiskStore {
	return &RiskStore{
		profiles: make(map[shared.UserID]risk.Profile),
		reviews:  make(map[shared.UserID][]risk.StageReview),
	}
}

var _ risk.Repository = (*RiskStore)(nil)

// Get implements risk.Repository.
func (s *RiskStore) Get(_ context.Context, userID shared.UserID) (risk.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return risk.Profile{}, risk.ErrProfileNotFound
	}
	return cloneProfile(p), nil
}

// CompareAndSwap implements risk.Repository.
func (s *RiskStore) CompareAndSwap(_ context.Context, next risk.Profile, expectedVersion int64) (risk.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.swapLocked(next, expectedVersion)
}

// SaveReview implements risk.Repository.
func (s *RiskStore) SaveReview(_ context.Context, next risk.Profile, expectedVersion int64, review risk.StageReview) (risk.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.swapLocked(next, expectedVersion)
	if err != nil {
		return risk.Profile{}, err
	}
	s.reviews[next.UserID] = append(s.reviews[next.UserID], review)
	return stored, nil
}

func (s *RiskStore) swapLocked(next risk.Profile, expectedVersion int64) (risk.Profile, error) {
	var current int64
	if cur, ok := s.profiles[next.UserID]; ok {
		current = cur.Version
		if next.CreatedAt.IsZero() {
			next.CreatedAt = cur.CreatedAt
		}
	}
	if current != expectedVersion {
		return risk.Profile{}, risk.ErrConcurrentUpdate
	}

	next.Version = expectedVersion + 1
	s.profiles[next.UserID] = cloneProfile(next)
	return cloneProfile(next), nil
}

// ListReviews implements risk.Repository.
func (s *RiskStore) ListReviews(_ context.Context, userID shared.UserID) ([]risk.StageReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.reviews[userID]
	out := make([]risk.StageReview, len(src))
	for i, r := range src {
		out[len(src)-1-i] = r
	}
	return out, nil
}

// CountByStageAndLevel implements risk.Repository.
func (s *RiskStore) CountByStageAndLevel(_ context.Context, institutionID shared.InstitutionID) (map[risk.StageLevel]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[risk.StageLevel]int)
	for _, p := range s.profiles {
		if !institutionID.Matches(p.InstitutionID) {
			continue
		}
		counts[risk.StageLevel{Stage: p.Stage, Level: p.Level}]++
	}
	return counts, nil
}

// Users returns every stored user id in lexical order.
func (s *RiskStore) Users() []shared.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]shared.UserID, 0, len(s.profiles))
	for id := range s.profiles {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cloneProfile(p risk.Profile) risk.Profile {
	out := p
	if p.LastCrisisAt != nil {
		t := *p.LastCrisisAt
		out.LastCrisisAt = &t
	}
	if p.AssignedCounsellorID != nil {
		id := *p.AssignedCounsellorID
		out.AssignedCounsellorID = &id
	}
	if p.AssignedListenerID != nil {
		id := *p.AssignedListenerID
		out.AssignedListenerID = &id
	}
	return out
}
