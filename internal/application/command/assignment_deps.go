package command

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/infrastructure/metrics"
	"github.com/alem-hub/care-hub/pkg/logger"
	"github.com/alem-hub/care-hub/pkg/retry"
)

// errUnchanged lets a change function skip the save when it has nothing
// to write.
var errUnchanged = errors.New("assignment unchanged")

// AssignmentDeps are the collaborators shared by the escalation commands.
type AssignmentDeps struct {
	Assignments escalation.Repository
	Publisher   shared.EventPublisher
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time

	// Retrier re-runs read-modify-write cycles that lost a guarded save.
	Retrier *retry.Retrier
}

func (d AssignmentDeps) withDefaults() AssignmentDeps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Retrier == nil {
		d.Retrier = retry.New(
			retry.WithMaxAttempts(5),
			retry.WithBackoff(5*time.Millisecond, 50*time.Millisecond),
			retry.WithJitter(0.3),
			retry.WithRetryIf(isStale),
		)
	}
	return d
}

// mutate loads an assignment, applies change and saves it guarded by the
// state it was read in. A stale save re-reads and re-applies, so change
// always judges the latest committed state.
func (d AssignmentDeps) mutate(
	ctx context.Context,
	id string,
	actor shared.UserID,
	note string,
	change func(a *escalation.Assignment) error,
) (*escalation.Assignment, escalation.Status, error) {
	var (
		saved *escalation.Assignment
		from  escalation.Status
	)

	err := d.Retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		a, err := d.Assignments.Get(ctx, id)
		if err != nil {
			return err
		}
		guard := escalation.GuardOf(a)
		if err := change(a); err != nil {
			if errors.Is(err, errUnchanged) {
				saved, from = a, guard.Status
				return nil
			}
			return err
		}

		h := escalation.NewHistoryEntry(a, guard.Status, actor, note)
		if err := d.Assignments.Save(ctx, a, guard, h); err != nil {
			if errors.Is(err, escalation.ErrStaleAssignment) {
				d.Logger.Debug("assignment changed concurrently, re-reading",
					logger.AssignmentID(id), logger.Attempt(attempt))
			}
			return err
		}
		saved, from = a, guard.Status
		return nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, "", escalation.ErrStaleAssignment
	}
	return saved, from, err
}

func (d AssignmentDeps) publish(ctx context.Context, eventType shared.EventType, a *escalation.Assignment, actor shared.UserID) {
	if d.Publisher == nil {
		return
	}
	event := shared.NewAssignmentEvent(eventType, a.ID, a.StudentUserID.String(), a.InstitutionID.String(),
		actor.String(), string(a.Status), string(a.Priority))
	if err := d.Publisher.Publish(ctx, event); err != nil {
		d.Logger.Error("failed to publish assignment event", logger.AssignmentID(a.ID), zap.Error(err))
	}
}

func isStale(err error) bool {
	return errors.Is(err, escalation.ErrStaleAssignment)
}
