package risk

import (
	"context"
	"time"

	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/domain/signal"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrProfileNotFound      = shared.NewDomainError("risk", "Get", shared.ErrNotFound, "risk profile not found")
	ErrConcurrentUpdate     = shared.NewDomainError("risk", "CompareAndSwap", shared.ErrConcurrentModification, "risk profile changed since it was read")
	ErrInvalidStage         = shared.NewDomainError("risk", "Review", shared.ErrInvalidInput, "invalid stage")
	ErrReviewerRequired     = shared.NewDomainError("risk", "Review", shared.ErrEmptyValue, "reviewer is required")
	ErrReviewReasonRequired = shared.NewDomainError("risk", "Review", shared.ErrEmptyValue, "review reason is required")
	ErrDeferredNotFound     = shared.NewDomainError("risk", "Deferred", shared.ErrNotFound, "deferred signal not found")
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Implementations live in infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// StageLevel is a grouping key for aggregate counts.
type StageLevel struct {
	Stage Stage
	Level Level
}

// Repository stores risk profiles with optimistic concurrency.
type Repository interface {
	// Get returns the profile for a user.
	// Returns ErrProfileNotFound if the user has never been written.
	Get(ctx context.Context, userID shared.UserID) (Profile, error)

	// CompareAndSwap writes next if the stored version still equals
	// expectedVersion (0 means "no row yet"). It returns the stored profile
	// with its new version, or ErrConcurrentUpdate.
	CompareAndSwap(ctx context.Context, next Profile, expectedVersion int64) (Profile, error)

	// SaveReview is CompareAndSwap plus an appended StageReview, atomically.
	SaveReview(ctx context.Context, next Profile, expectedVersion int64, review StageReview) (Profile, error)

	// ListReviews returns the stage reviews of a user, newest first.
	ListReviews(ctx context.Context, userID shared.UserID) ([]StageReview, error)

	// CountByStageAndLevel returns profile counts for one institution from
	// a single consistent snapshot.
	CountByStageAndLevel(ctx context.Context, institutionID shared.InstitutionID) (map[StageLevel]int, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEFERRED SIGNALS
// ══════════════════════════════════════════════════════════════════════════════

// DeferredSignal is a flagged signal whose profile write could not be
// committed within the retry budget. The background sweep re-applies it.
type DeferredSignal struct {
	ID            string               `json:"id"`
	UserID        shared.UserID        `json:"user_id"`
	InstitutionID shared.InstitutionID `json:"institution_id"`
	Category      signal.Category      `json:"category"`
	Severity      signal.Severity      `json:"severity"`
	MatchedTerms  []string             `json:"matched_terms"`
	ReceivedAt    time.Time            `json:"received_at"`
	Attempts      int                  `json:"attempts"`
	LastError     string               `json:"last_error,omitempty"`
}

// Signal rebuilds the classified signal. The message text is not kept.
func (d DeferredSignal) Signal() signal.Signal {
	terms := append([]string(nil), d.MatchedTerms...)
	return signal.Signal{
		Category:      d.Category,
		Severity:      d.Severity,
		MatchedTerms:  terms,
		ShowResources: signal.ShouldShowResources(d.Category, d.Severity),
	}
}

// DeferredQueue holds deferred signals until the sweep succeeds.
type DeferredQueue interface {
	// Defer stores a signal for later processing.
	Defer(ctx context.Context, d DeferredSignal) error

	// Pending returns up to limit deferred signals, oldest first.
	Pending(ctx context.Context, limit int) ([]DeferredSignal, error)

	// Resolve removes a signal that has been applied.
	// Returns ErrDeferredNotFound if it is already gone.
	Resolve(ctx context.Context, id string) error

	// RecordAttempt bumps the attempt counter after a failed re-apply.
	RecordAttempt(ctx context.Context, id string, cause string) error
}
