package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ASSIGNMENT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// AssignmentRepository implements escalation.Repository for PostgreSQL.
// The one-open-assignment rule is enforced by a partial unique index, and
// every update is guarded by the status and priority it was read with.
type AssignmentRepository struct {
	db DB
}

// NewAssignmentRepository creates a new AssignmentRepository.
func NewAssignmentRepository(db DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

var _ escalation.Repository = (*AssignmentRepository)(nil)

const assignmentColumns = `
	id, student_user_id, institution_id, assignee_user_id, priority, status, reason,
	risk_level_at_creation, source, created_by, assigned_at, accepted_at, completed_at,
	notes, updated_at`

// Create implements escalation.Repository.
func (r *AssignmentRepository) Create(ctx context.Context, a *escalation.Assignment, h escalation.HistoryEntry) error {
	return r.db.WithTx(ctx, func(tx Querier) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO assignments (`+assignmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`,
			a.ID,
			a.StudentUserID.String(),
			a.InstitutionID.String(),
			a.AssigneeUserID.String(),
			string(a.Priority),
			string(a.Status),
			a.Reason,
			string(a.RiskLevelAtCreation),
			string(a.Source),
			a.CreatedBy.String(),
			a.AssignedAt,
			a.AcceptedAt,
			a.CompletedAt,
			a.Notes,
			a.UpdatedAt,
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return escalation.ErrDuplicateActiveAssignment
			}
			return fmt.Errorf("failed to create assignment: %w", err)
		}
		return insertHistory(ctx, tx, h)
	})
}

// Get implements escalation.Repository.
func (r *AssignmentRepository) Get(ctx context.Context, id string) (*escalation.Assignment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id)
	return r.scanOne(row)
}

// FindOpenByStudent implements escalation.Repository.
func (r *AssignmentRepository) FindOpenByStudent(ctx context.Context, studentID shared.UserID) (*escalation.Assignment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments
		WHERE student_user_id = $1 AND status IN ('pending', 'active')
	`, studentID.String())
	return r.scanOne(row)
}

func (r *AssignmentRepository) scanOne(row pgx.Row) (*escalation.Assignment, error) {
	a, err := scanAssignment(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, escalation.ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

// Save implements escalation.Repository.
func (r *AssignmentRepository) Save(ctx context.Context, a *escalation.Assignment, guard escalation.Guard, h escalation.HistoryEntry) error {
	return r.db.WithTx(ctx, func(tx Querier) error {
		tag, err := tx.Exec(ctx, `
			UPDATE assignments SET
				assignee_user_id = $2,
				priority = $3,
				status = $4,
				accepted_at = $5,
				completed_at = $6,
				notes = $7,
				updated_at = $8
			WHERE id = $1 AND status = $9 AND priority = $10
		`,
			a.ID,
			a.AssigneeUserID.String(),
			string(a.Priority),
			string(a.Status),
			a.AcceptedAt,
			a.CompletedAt,
			a.Notes,
			a.UpdatedAt,
			string(guard.Status),
			string(guard.Priority),
		)
		if err != nil {
			return fmt.Errorf("failed to save assignment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM assignments WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check assignment: %w", err)
			}
			if !exists {
				return escalation.ErrAssignmentNotFound
			}
			return escalation.ErrStaleAssignment
		}
		return insertHistory(ctx, tx, h)
	})
}

// ListPendingBefore implements escalation.Repository.
func (r *AssignmentRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*escalation.Assignment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments
		WHERE status = 'pending' AND assigned_at < $1
		ORDER BY assigned_at, id
		LIMIT $2
	`, cutoff, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending assignments: %w", err)
	}
	return collectAssignments(rows)
}

// ListByInstitution implements escalation.Repository.
func (r *AssignmentRepository) ListByInstitution(ctx context.Context, institutionID shared.InstitutionID, status escalation.Status, limit int) ([]*escalation.Assignment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM assignments
		WHERE ($1 OR institution_id = $2) AND ($3 = '' OR status = $3)
		ORDER BY assigned_at DESC, id
		LIMIT $4
	`, institutionID.IsWildcard(), institutionID.String(), string(status), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return collectAssignments(rows)
}

// History implements escalation.Repository.
func (r *AssignmentRepository) History(ctx context.Context, id string) ([]escalation.HistoryEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT assignment_id, from_status, to_status, priority, actor_id, note, at
		FROM assignment_history
		WHERE assignment_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignment history: %w", err)
	}
	defer rows.Close()

	var out []escalation.HistoryEntry
	for rows.Next() {
		var (
			h                  escalation.HistoryEntry
			from, to, priority string
			actor              string
		)
		if err := rows.Scan(&h.AssignmentID, &from, &to, &priority, &actor, &h.Note, &h.At); err != nil {
			return nil, fmt.Errorf("failed to scan assignment history: %w", err)
		}
		h.FromStatus = escalation.Status(from)
		h.ToStatus = escalation.Status(to)
		h.Priority = escalation.Priority(priority)
		h.ActorID = shared.UserID(actor)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func insertHistory(ctx context.Context, q Querier, h escalation.HistoryEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO assignment_history (assignment_id, from_status, to_status, priority, actor_id, note, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		h.AssignmentID,
		string(h.FromStatus),
		string(h.ToStatus),
		string(h.Priority),
		h.ActorID.String(),
		h.Note,
		h.At,
	)
	if err != nil {
		return fmt.Errorf("failed to insert assignment history: %w", err)
	}
	return nil
}

func collectAssignments(rows pgx.Rows) ([]*escalation.Assignment, error) {
	defer rows.Close()

	var out []*escalation.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAssignment(row pgx.Row) (*escalation.Assignment, error) {
	var (
		a                       escalation.Assignment
		student, inst, assignee string
		priority, status, level string
		source, createdBy       string
	)
	err := row.Scan(
		&a.ID,
		&student,
		&inst,
		&assignee,
		&priority,
		&status,
		&a.Reason,
		&level,
		&source,
		&createdBy,
		&a.AssignedAt,
		&a.AcceptedAt,
		&a.CompletedAt,
		&a.Notes,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.StudentUserID = shared.UserID(student)
	a.InstitutionID = shared.InstitutionID(inst)
	a.AssigneeUserID = shared.UserID(assignee)
	a.Priority = escalation.Priority(priority)
	a.Status = escalation.Status(status)
	a.RiskLevelAtCreation = risk.Level(level)
	a.Source = escalation.Source(source)
	a.CreatedBy = shared.UserID(createdBy)
	return &a, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 500
	}
	return limit
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE LOG
// ══════════════════════════════════════════════════════════════════════════════

// ResponseLogRepository implements escalation.ResponseLog for PostgreSQL.
// The table rejects updates and deletes with a trigger.
type ResponseLogRepository struct {
	db DB
}

// NewResponseLogRepository creates a new ResponseLogRepository.
func NewResponseLogRepository(db DB) *ResponseLogRepository {
	return &ResponseLogRepository{db: db}
}

var _ escalation.ResponseLog = (*ResponseLogRepository)(nil)

// Append implements escalation.ResponseLog.
func (r *ResponseLogRepository) Append(ctx context.Context, e *escalation.ResponseLogEntry) error {
	var channel *string
	if e.NotificationChannel != nil {
		c := string(*e.NotificationChannel)
		channel = &c
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO response_log (
			id, assignment_id, student_user_id, responder_user_id, action_type, outcome,
			follow_up_required, follow_up_at, notification_sent, notification_channel, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		e.ID,
		e.AssignmentID,
		e.StudentUserID.String(),
		e.ResponderUserID.String(),
		string(e.ActionType),
		e.Outcome,
		e.FollowUpRequired,
		e.FollowUpAt,
		e.NotificationSent,
		channel,
		e.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.WrapError("escalation", "LogResponse", shared.ErrAlreadyExists, "response log entry already exists", err)
		}
		return fmt.Errorf("failed to append response log: %w", err)
	}
	return nil
}

// ListByStudent implements escalation.ResponseLog.
func (r *ResponseLogRepository) ListByStudent(ctx context.Context, studentID shared.UserID, limit int) ([]escalation.ResponseLogEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, assignment_id, student_user_id, responder_user_id, action_type, outcome,
		       follow_up_required, follow_up_at, notification_sent, notification_channel, created_at
		FROM response_log
		WHERE student_user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, studentID.String(), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list response log: %w", err)
	}
	defer rows.Close()

	var out []escalation.ResponseLogEntry
	for rows.Next() {
		var (
			e                  escalation.ResponseLogEntry
			student, responder string
			action             string
			channel            *string
		)
		err := rows.Scan(
			&e.ID,
			&e.AssignmentID,
			&student,
			&responder,
			&action,
			&e.Outcome,
			&e.FollowUpRequired,
			&e.FollowUpAt,
			&e.NotificationSent,
			&channel,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan response log: %w", err)
		}
		e.StudentUserID = shared.UserID(student)
		e.ResponderUserID = shared.UserID(responder)
		e.ActionType = escalation.ActionType(action)
		if channel != nil {
			c := escalation.Channel(*channel)
			e.NotificationChannel = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
