package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/domain/signal"
)

// ══════════════════════════════════════════════════════════════════════════════
// RISK PROFILE REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// RiskRepository implements risk.Repository for PostgreSQL.
type RiskRepository struct {
	db DB
}

// NewRiskRepository creates a new RiskRepository.
func NewRiskRepository(db DB) *RiskRepository {
	return &RiskRepository{db: db}
}

var _ risk.Repository = (*RiskRepository)(nil)

const profileColumns = `
	user_id, institution_id, stage, risk_level, crisis_count, last_crisis_at,
	assigned_counsellor_id, assigned_listener_id, version, created_at, updated_at`

// Get implements risk.Repository.
func (r *RiskRepository) Get(ctx context.Context, userID shared.UserID) (risk.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM risk_profiles WHERE user_id = $1`

	p, err := scanProfile(r.db.QueryRow(ctx, query, userID.String()))
	if err != nil {
		if IsNoRows(err) {
			return risk.Profile{}, risk.ErrProfileNotFound
		}
		return risk.Profile{}, fmt.Errorf("failed to get risk profile: %w", err)
	}
	return p, nil
}

// CompareAndSwap implements risk.Repository.
func (r *RiskRepository) CompareAndSwap(ctx context.Context, next risk.Profile, expectedVersion int64) (risk.Profile, error) {
	return swapProfile(ctx, r.db, next, expectedVersion)
}

// SaveReview implements risk.Repository.
func (r *RiskRepository) SaveReview(ctx context.Context, next risk.Profile, expectedVersion int64, review risk.StageReview) (risk.Profile, error) {
	var stored risk.Profile
	err := r.db.WithTx(ctx, func(tx Querier) error {
		var err error
		stored, err = swapProfile(ctx, tx, next, expectedVersion)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO stage_reviews (user_id, from_stage, to_stage, reviewer_id, reason, reviewed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`,
			review.UserID.String(),
			review.FromStage.String(),
			review.ToStage.String(),
			review.ReviewerID.String(),
			review.Reason,
			review.ReviewedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert stage review: %w", err)
		}
		return nil
	})
	if err != nil {
		return risk.Profile{}, err
	}
	return stored, nil
}

// swapProfile inserts (expectedVersion 0) or updates a profile only if the
// stored version matches.
func swapProfile(ctx context.Context, q Querier, next risk.Profile, expectedVersion int64) (risk.Profile, error) {
	var (
		row pgx.Row
		now = next.UpdatedAt
	)
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if expectedVersion == 0 {
		created := next.CreatedAt
		if created.IsZero() {
			created = now
		}
		row = q.QueryRow(ctx, `
			INSERT INTO risk_profiles (
				user_id, institution_id, stage, risk_level, crisis_count, last_crisis_at,
				assigned_counsellor_id, assigned_listener_id, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)
			ON CONFLICT (user_id) DO NOTHING
			RETURNING `+profileColumns,
			next.UserID.String(),
			next.InstitutionID.String(),
			next.Stage.String(),
			string(next.Level),
			next.CrisisCount,
			next.LastCrisisAt,
			userIDPtr(next.AssignedCounsellorID),
			userIDPtr(next.AssignedListenerID),
			created,
			now,
		)
	} else {
		row = q.QueryRow(ctx, `
			UPDATE risk_profiles SET
				institution_id = $2,
				stage = $3,
				risk_level = $4,
				crisis_count = $5,
				last_crisis_at = $6,
				assigned_counsellor_id = $7,
				assigned_listener_id = $8,
				updated_at = $9,
				version = version + 1
			WHERE user_id = $1 AND version = $10
			RETURNING `+profileColumns,
			next.UserID.String(),
			next.InstitutionID.String(),
			next.Stage.String(),
			string(next.Level),
			next.CrisisCount,
			next.LastCrisisAt,
			userIDPtr(next.AssignedCounsellorID),
			userIDPtr(next.AssignedListenerID),
			now,
			expectedVersion,
		)
	}

	stored, err := scanProfile(row)
	if err != nil {
		if IsNoRows(err) || IsSerializationFailure(err) {
			return risk.Profile{}, risk.ErrConcurrentUpdate
		}
		return risk.Profile{}, fmt.Errorf("failed to write risk profile: %w", err)
	}
	return stored, nil
}

// ListReviews implements risk.Repository.
func (r *RiskRepository) ListReviews(ctx context.Context, userID shared.UserID) ([]risk.StageReview, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id, from_stage, to_stage, reviewer_id, reason, reviewed_at
		FROM stage_reviews
		WHERE user_id = $1
		ORDER BY reviewed_at DESC, id DESC
	`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list stage reviews: %w", err)
	}
	defer rows.Close()

	var reviews []risk.StageReview
	for rows.Next() {
		var (
			rv             risk.StageReview
			user, reviewer string
			from, to       string
		)
		if err := rows.Scan(&user, &from, &to, &reviewer, &rv.Reason, &rv.ReviewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage review: %w", err)
		}
		rv.UserID = shared.UserID(user)
		rv.ReviewerID = shared.UserID(reviewer)
		if rv.FromStage, err = risk.ParseStage(from); err != nil {
			return nil, err
		}
		if rv.ToStage, err = risk.ParseStage(to); err != nil {
			return nil, err
		}
		reviews = append(reviews, rv)
	}
	return reviews, rows.Err()
}

// CountByStageAndLevel implements risk.Repository. The single grouped
// statement reads one snapshot.
func (r *RiskRepository) CountByStageAndLevel(ctx context.Context, institutionID shared.InstitutionID) (map[risk.StageLevel]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT stage, risk_level, COUNT(*)
		FROM risk_profiles
		WHERE $1 OR institution_id = $2
		GROUP BY stage, risk_level
	`, institutionID.IsWildcard(), institutionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to count risk profiles: %w", err)
	}
	defer rows.Close()

	counts := make(map[risk.StageLevel]int)
	for rows.Next() {
		var (
			stageName, level string
			n                int
		)
		if err := rows.Scan(&stageName, &level, &n); err != nil {
			return nil, fmt.Errorf("failed to scan risk count: %w", err)
		}
		stage, err := risk.ParseStage(stageName)
		if err != nil {
			return nil, err
		}
		counts[risk.StageLevel{Stage: stage, Level: risk.Level(level)}] = n
	}
	return counts, rows.Err()
}

func scanProfile(row pgx.Row) (risk.Profile, error) {
	var (
		p                     risk.Profile
		userID, institutionID string
		stageName, level      string
		counsellor, listener  *string
	)
	err := row.Scan(
		&userID,
		&institutionID,
		&stageName,
		&level,
		&p.CrisisCount,
		&p.LastCrisisAt,
		&counsellor,
		&listener,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return risk.Profile{}, err
	}

	stage, err := risk.ParseStage(stageName)
	if err != nil {
		return risk.Profile{}, fmt.Errorf("stored profile %s: %w", userID, err)
	}
	p.UserID = shared.UserID(userID)
	p.InstitutionID = shared.InstitutionID(institutionID)
	p.Stage = stage
	p.Level = risk.Level(level)
	p.AssignedCounsellorID = userIDFromPtr(counsellor)
	p.AssignedListenerID = userIDFromPtr(listener)
	return p, nil
}

func userIDPtr(id *shared.UserID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func userIDFromPtr(s *string) *shared.UserID {
	if s == nil || *s == "" {
		return nil
	}
	id := shared.UserID(*s)
	return &id
}

// ══════════════════════════════════════════════════════════════════════════════
// DEFERRED SIGNAL QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeferredQueue implements risk.DeferredQueue for PostgreSQL.
type DeferredQueue struct {
	db DB
}

// NewDeferredQueue creates a new DeferredQueue.
func NewDeferredQueue(db DB) *DeferredQueue {
	return &DeferredQueue{db: db}
}

var _ risk.DeferredQueue = (*DeferredQueue)(nil)

// Defer implements risk.DeferredQueue.
func (q *DeferredQueue) Defer(ctx context.Context, d risk.DeferredSignal) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	terms := d.MatchedTerms
	if terms == nil {
		terms = []string{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO deferred_signals (id, user_id, institution_id, category, severity, matched_terms, received_at, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		d.ID,
		d.UserID.String(),
		d.InstitutionID.String(),
		string(d.Category),
		string(d.Severity),
		terms,
		d.ReceivedAt,
		d.Attempts,
		d.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to defer signal: %w", err)
	}
	return nil
}

// Pending implements risk.DeferredQueue.
func (q *DeferredQueue) Pending(ctx context.Context, limit int) ([]risk.DeferredSignal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, user_id, institution_id, category, severity, matched_terms, received_at, attempts, last_error
		FROM deferred_signals
		ORDER BY received_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred signals: %w", err)
	}
	defer rows.Close()

	var out []risk.DeferredSignal
	for rows.Next() {
		var (
			d                         risk.DeferredSignal
			user, inst, cat, severity string
		)
		if err := rows.Scan(&d.ID, &user, &inst, &cat, &severity, &d.MatchedTerms, &d.ReceivedAt, &d.Attempts, &d.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan deferred signal: %w", err)
		}
		d.UserID = shared.UserID(user)
		d.InstitutionID = shared.InstitutionID(inst)
		d.Category = signal.Category(cat)
		d.Severity = signal.Severity(severity)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Resolve implements risk.DeferredQueue.
func (q *DeferredQueue) Resolve(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM deferred_signals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve deferred signal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return risk.ErrDeferredNotFound
	}
	return nil
}

// RecordAttempt implements risk.DeferredQueue.
func (q *DeferredQueue) RecordAttempt(ctx context.Context, id string, cause string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE deferred_signals SET attempts = attempts + 1, last_error = $2 WHERE id = $1
	`, id, cause)
	if err != nil {
		return fmt.Errorf("failed to record deferred attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return risk.ErrDeferredNotFound
	}
	return nil
}
