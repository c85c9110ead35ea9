// Package risk owns the per-user crisis state machine: the ordered stage
// scale, the stage to level table and the pure transition functions that
// apply classified signals and human stage reviews to a Profile.
package risk

import (
	"strings"
	"time"

	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/domain/signal"
)

// Profile is the durable risk state of one user.
type Profile struct {
	UserID               shared.UserID        `json:"user_id"`
	InstitutionID        shared.InstitutionID `json:"institution_id"`
	Level                Level                `json:"risk_level"`
	Stage                Stage                `json:"stage"`
	CrisisCount          int                  `json:"crisis_count"`
	LastCrisisAt         *time.Time           `json:"last_crisis_at,omitempty"`
	AssignedCounsellorID *shared.UserID       `json:"assigned_counsellor_id,omitempty"`
	AssignedListenerID   *shared.UserID       `json:"assigned_listener_id,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`

	// Version is bumped by the store on every successful write and is the
	// compare-and-swap token for optimistic concurrency.
	Version int64 `json:"version"`
}

// NewProfile returns the initial profile for a user who has never been flagged.
func NewProfile(userID shared.UserID, institutionID shared.InstitutionID, now time.Time) Profile {
	return Profile{
		UserID:        userID,
		InstitutionID: institutionID,
		Level:         LevelForStage(StageNone),
		Stage:         StageNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NeedsCounselling is derived from the stage and never stored by callers.
func (p Profile) NeedsCounselling() bool {
	return p.Stage >= StageIdeation
}

// IsConsistent reports whether the level matches the stage table.
func (p Profile) IsConsistent() bool {
	return p.Stage.IsValid() && p.Level == LevelForStage(p.Stage)
}

// IsNew reports whether the profile has never been written.
func (p Profile) IsNew() bool {
	return p.Version == 0
}

// Advance applies a classified signal observed at now. Unflagged signals
// return p unchanged. Flagged signals bump the crisis counter and move the
// stage to the later of the current stage and the stage the signal implies;
// the stage never goes down here.
func Advance(p Profile, s signal.Signal, now time.Time) Profile {
	return AdvanceAt(p, s, now, now)
}

// AdvanceAt is Advance for a signal received at at and applied at now, as
// when a deferred signal is replayed. LastCrisisAt only moves forward, so a
// late replay never hides a more recent crisis.
func AdvanceAt(p Profile, s signal.Signal, at, now time.Time) Profile {
	if !s.IsFlagged() {
		return p
	}

	next := p
	next.CrisisCount++
	if p.LastCrisisAt == nil || at.After(*p.LastCrisisAt) {
		last := at
		next.LastCrisisAt = &last
	}
	next.Stage = p.Stage.Max(ImpliedStage(s.Category, s.Severity))
	next.Level = LevelForStage(next.Stage)
	if now.After(p.UpdatedAt) {
		next.UpdatedAt = now
	}
	return next
}

// StageReview is the audit record of a manual stage change.
type StageReview struct {
	UserID     shared.UserID `json:"user_id"`
	FromStage  Stage         `json:"from_stage"`
	ToStage    Stage         `json:"to_stage"`
	ReviewerID shared.UserID `json:"reviewer_id"`
	Reason     string        `json:"reason"`
	ReviewedAt time.Time     `json:"reviewed_at"`
}

// Review sets the stage by human decision. It is the only transition that
// may lower a stage. The level is recomputed from the new stage.
func Review(p Profile, to Stage, reviewer shared.UserID, reason string, now time.Time) (Profile, StageReview, error) {
	if !to.IsValid() {
		return p, StageReview{}, ErrInvalidStage
	}
	if reviewer.IsEmpty() {
		return p, StageReview{}, ErrReviewerRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return p, StageReview{}, ErrReviewReasonRequired
	}

	next := p
	next.Stage = to
	next.Level = LevelForStage(to)
	next.UpdatedAt = now

	return next, StageReview{
		UserID:     p.UserID,
		FromStage:  p.Stage,
		ToStage:    to,
		ReviewerID: reviewer,
		Reason:     reason,
		ReviewedAt: now,
	}, nil
}

// ResponderRole selects which profile reference an accepting staff member fills.
type ResponderRole string

const (
	RoleCounsellor ResponderRole = "counsellor"
	RoleListener   ResponderRole = "listener"
)

// LinkResponder records who is looking after the user. Stage and level are
// untouched.
func LinkResponder(p Profile, role ResponderRole, staff shared.UserID, now time.Time) Profile {
	next := p
	id := staff
	switch role {
	case RoleListener:
		next.AssignedListenerID = &id
	default:
		next.AssignedCounsellorID = &id
	}
	next.UpdatedAt = now
	return next
}
