package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REMIND STALE ASSIGNMENTS JOB
// ══════════════════════════════════════════════════════════════════════════════

// Notifier pages on-call staff on the first configured channel.
type Notifier interface {
	Notify(subject, body string) (escalation.Channel, bool)
}

// RemindStaleConfig configures RemindStaleJob.
type RemindStaleConfig struct {
	// StaleAfter is how long an assignment may stay pending.
	StaleAfter time.Duration

	// RepeatAfter is the gap between reminders for the same assignment.
	RepeatAfter time.Duration

	// BatchSize caps the assignments examined per run.
	BatchSize int
}

// DefaultRemindStaleConfig returns the default configuration.
func DefaultRemindStaleConfig() RemindStaleConfig {
	return RemindStaleConfig{
		StaleAfter:  10 * time.Minute,
		RepeatAfter: 30 * time.Minute,
		BatchSize:   50,
	}
}

// RemindStaleJob pages on-call staff about assignments nobody accepted.
type RemindStaleJob struct {
	assignments escalation.Repository
	notifier    Notifier
	logger      *zap.Logger
	config      RemindStaleConfig
	now         func() time.Time

	mu       sync.Mutex
	reminded map[string]time.Time
}

// NewRemindStaleJob creates the job. A nil notifier only logs.
func NewRemindStaleJob(assignments escalation.Repository, notifier Notifier, config RemindStaleConfig, log *zap.Logger) *RemindStaleJob {
	def := DefaultRemindStaleConfig()
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.RepeatAfter <= 0 {
		config.RepeatAfter = def.RepeatAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RemindStaleJob{
		assignments: assignments,
		notifier:    notifier,
		logger:      log.With(logger.Component("remind_stale")),
		config:      config,
		now:         time.Now,
		reminded:    make(map[string]time.Time),
	}
}

// Name implements scheduler.Job.
func (j *RemindStaleJob) Name() string { return "remind_stale_assignments" }

// Description implements scheduler.Job.
func (j *RemindStaleJob) Description() string {
	return "Reminds on-call staff of crisis assignments still pending"
}

// Run implements scheduler.Job.
func (j *RemindStaleJob) Run(ctx context.Context) error {
	now := j.now()
	stale, err := j.assignments.ListPendingBefore(ctx, now.Add(-j.config.StaleAfter), j.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale assignments: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	due := make([]*escalation.Assignment, 0, len(stale))
	seen := make(map[string]struct{}, len(stale))
	for _, a := range stale {
		seen[a.ID] = struct{}{}
		if last, ok := j.reminded[a.ID]; ok && now.Sub(last) < j.config.RepeatAfter {
			continue
		}
		due = append(due, a)
	}
	// Accepted or completed assignments fall out of the list.
	for id := range j.reminded {
		if _, ok := seen[id]; !ok {
			delete(j.reminded, id)
		}
	}
	if len(due) == 0 {
		return nil
	}

	for _, a := range due {
		j.logger.Warn("assignment still pending",
			logger.AssignmentID(a.ID),
			logger.UserID(a.StudentUserID.String()),
			logger.InstitutionID(a.InstitutionID.String()),
			zap.String("priority", string(a.Priority)),
			zap.Duration("waiting", now.Sub(a.AssignedAt)),
		)
		j.reminded[a.ID] = now
	}

	if j.notifier != nil {
		subject, body := reminderMessage(due, now)
		if ch, ok := j.notifier.Notify(subject, body); ok {
			j.logger.Info("stale assignment reminder sent", logger.Channel(string(ch)), zap.Int("count", len(due)))
		} else {
			j.logger.Error("stale assignment reminder not accepted", zap.Int("count", len(due)))
		}
	}
	return nil
}

func reminderMessage(due []*escalation.Assignment, now time.Time) (string, string) {
	subject := fmt.Sprintf("%d crisis assignment(s) waiting for a responder", len(due))

	var b strings.Builder
	for _, a := range due {
		fmt.Fprintf(&b, "%s [%s] student %s waiting %s: %s\n",
			a.ID, a.Priority, a.StudentUserID, now.Sub(a.AssignedAt).Truncate(time.Minute), a.Reason)
	}
	return subject, b.String()
}
