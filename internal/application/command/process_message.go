// Package command contains the write operations of the crisis pipeline.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/domain/signal"
	"github.com/alem-hub/care-hub/internal/infrastructure/metrics"
	"github.com/alem-hub/care-hub/pkg/logger"
	"github.com/alem-hub/care-hub/pkg/retry"
)

// ErrSignalDeferred is returned when a flagged signal could not be written
// within the retry budget and was parked for the background sweep. The
// signal is not lost and must not be resubmitted.
var ErrSignalDeferred = shared.NewDomainError("risk", "Advance", shared.ErrConcurrentModification, "risk profile is busy, signal deferred")

// parkTimeout bounds the deferred-queue write, which runs even when the
// request context is already done.
const parkTimeout = 5 * time.Second

// ══════════════════════════════════════════════════════════════════════════════
// PROCESS MESSAGE COMMAND
// Classifies one user message and, when flagged, advances the user's risk
// profile with an optimistic compare-and-swap.
// ══════════════════════════════════════════════════════════════════════════════

// ProcessMessageCommand carries one user message.
type ProcessMessageCommand struct {
	UserID        string `json:"user_id" validate:"required,max=128"`
	InstitutionID string `json:"institution_id" validate:"max=128"`
	Text          string `json:"text" validate:"required"`
	CorrelationID string `json:"-"`
}

// ProcessMessageResult is what the ingestion caller learns.
type ProcessMessageResult struct {
	Signal       signal.Signal
	Flagged      bool
	Profile      *risk.Profile
	StageChanged bool
}

// ProcessMessageHandler handles ProcessMessageCommand.
type ProcessMessageHandler struct {
	classifier *signal.Classifier
	profiles   risk.Repository
	deferred   risk.DeferredQueue
	publisher  shared.EventPublisher
	retrier    *retry.Retrier
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// ProcessMessageOptions holds the optional collaborators of the handler.
type ProcessMessageOptions struct {
	Retrier *retry.Retrier
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewProcessMessageHandler creates a ProcessMessageHandler.
func NewProcessMessageHandler(
	classifier *signal.Classifier,
	profiles risk.Repository,
	deferred risk.DeferredQueue,
	publisher shared.EventPublisher,
	opts ProcessMessageOptions,
) *ProcessMessageHandler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Retrier == nil {
		opts.Retrier = retry.ProfileWriteRetrier(isCASConflict)
	}
	return &ProcessMessageHandler{
		classifier: classifier,
		profiles:   profiles,
		deferred:   deferred,
		publisher:  publisher,
		retrier:    opts.Retrier,
		logger:     opts.Logger.Named("process_message"),
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// Handle classifies the message and commits flagged signals. Alerting and
// escalation happen asynchronously in event handlers and can never fail
// this call.
func (h *ProcessMessageHandler) Handle(ctx context.Context, cmd ProcessMessageCommand) (*ProcessMessageResult, error) {
	if err := validateStruct("process_message", cmd); err != nil {
		return nil, err
	}

	sig := h.classifier.Classify(cmd.Text)
	h.metrics.SignalClassified(string(sig.Category), string(sig.Severity))

	result := &ProcessMessageResult{Signal: sig, Flagged: sig.IsFlagged()}
	if !result.Flagged {
		return result, nil
	}

	userID := shared.UserID(cmd.UserID)
	institutionID := shared.InstitutionID(cmd.InstitutionID)
	log := h.logger.With(
		logger.UserID(cmd.UserID),
		logger.Category(string(sig.Category)),
		logger.Severity(string(sig.Severity)),
		logger.MatchedTerms(sig.MatchedTerms),
	)

	now := h.now()
	before, after, err := h.apply(ctx, userID, institutionID, sig, now, now)
	if err != nil {
		if !shouldDefer(err) {
			return nil, fmt.Errorf("process_message: %w", err)
		}
		log.Error("risk profile write did not land, deferring signal", zap.Error(err))
		if derr := h.park(ctx, userID, institutionID, sig, err); derr != nil {
			log.Error("failed to defer signal", zap.Error(derr))
			return nil, fmt.Errorf("process_message: %w", err)
		}
		return result, ErrSignalDeferred
	}

	result.Profile = &after
	result.StageChanged = before.Stage != after.Stage
	h.metrics.RiskAdvanced(result.StageChanged)
	h.publishAdvanced(ctx, before, after, sig, cmd.CorrelationID)

	log.Info("risk profile advanced",
		logger.Stage(after.Stage.String()),
		logger.RiskLevel(string(after.Level)),
		zap.Int("crisis_count", after.CrisisCount),
	)
	return result, nil
}

// Replay re-applies a deferred signal through the same compare-and-swap
// path. The signal keeps its receive time as crisis time while the write
// itself is stamped now. It does not defer again; the caller decides what a
// failure means.
func (h *ProcessMessageHandler) Replay(ctx context.Context, d risk.DeferredSignal) error {
	sig := d.Signal()
	before, after, err := h.apply(ctx, d.UserID, d.InstitutionID, sig, d.ReceivedAt, h.now())
	if err != nil {
		return err
	}
	h.metrics.RiskAdvanced(before.Stage != after.Stage)
	h.publishAdvanced(ctx, before, after, sig, d.ID)
	return nil
}

// apply runs read, advance and compare-and-swap until the write lands or
// the retrier gives up.
func (h *ProcessMessageHandler) apply(
	ctx context.Context,
	userID shared.UserID,
	institutionID shared.InstitutionID,
	sig signal.Signal,
	at, now time.Time,
) (risk.Profile, risk.Profile, error) {
	var before, after risk.Profile

	err := h.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		current, err := h.load(ctx, userID, institutionID, now)
		if err != nil {
			return err
		}

		next := risk.AdvanceAt(current, sig, at, now)
		stored, err := h.profiles.CompareAndSwap(ctx, next, current.Version)
		if err != nil {
			if errors.Is(err, risk.ErrConcurrentUpdate) {
				h.metrics.CASConflict()
				h.logger.Debug("risk profile conflict", logger.UserID(userID.String()), logger.Attempt(attempt))
			}
			return err
		}

		before, after = current, stored
		return nil
	})
	return before, after, err
}

func (h *ProcessMessageHandler) load(ctx context.Context, userID shared.UserID, institutionID shared.InstitutionID, now time.Time) (risk.Profile, error) {
	p, err := h.profiles.Get(ctx, userID)
	if errors.Is(err, risk.ErrProfileNotFound) {
		return risk.NewProfile(userID, institutionID, now), nil
	}
	if err != nil {
		return risk.Profile{}, err
	}
	if p.InstitutionID == "" && institutionID != "" {
		p.InstitutionID = institutionID
	}
	return p, nil
}

func (h *ProcessMessageHandler) park(ctx context.Context, userID shared.UserID, institutionID shared.InstitutionID, sig signal.Signal, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), parkTimeout)
	defer cancel()

	d := risk.DeferredSignal{
		ID:            uuid.NewString(),
		UserID:        userID,
		InstitutionID: institutionID,
		Category:      sig.Category,
		Severity:      sig.Severity,
		MatchedTerms:  sig.MatchedTerms,
		ReceivedAt:    h.now(),
		LastError:     cause.Error(),
	}
	if err := h.deferred.Defer(ctx, d); err != nil {
		return err
	}
	h.metrics.SignalDeferred()

	if h.publisher != nil {
		_ = h.publisher.Publish(ctx, shared.SignalDeferredEvent{
			BaseEvent: shared.NewBaseEvent(shared.EventSignalDeferred, userID.String()),
			UserID:    userID.String(),
			Category:  string(sig.Category),
			Severity:  string(sig.Severity),
		})
	}
	return nil
}

func (h *ProcessMessageHandler) publishAdvanced(ctx context.Context, before, after risk.Profile, sig signal.Signal, correlationID string) {
	if h.publisher == nil {
		return
	}

	event := shared.RiskAdvancedEvent{
		BaseEvent:     shared.NewBaseEvent(shared.EventRiskAdvanced, after.UserID.String()).WithCorrelationID(correlationID),
		UserID:        after.UserID.String(),
		InstitutionID: after.InstitutionID.String(),
		FromStage:     before.Stage.String(),
		ToStage:       after.Stage.String(),
		FromLevel:     string(before.Level),
		ToLevel:       string(after.Level),
		Category:      string(sig.Category),
		Severity:      string(sig.Severity),
		MatchedTerms:  sig.MatchedTerms,
		CrisisCount:   after.CrisisCount,
		LastCrisisAt:  after.LastCrisisAt,
		ProfileVer:    after.Version,
	}
	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Error("failed to publish risk event", logger.UserID(after.UserID.String()), zap.Error(err))
	}
}

func isCASConflict(err error) bool {
	return errors.Is(err, risk.ErrConcurrentUpdate)
}

// shouldDefer reports a write that did not land for reasons the sweep can
// fix later: the retries ran out, or the caller went away mid-write.
func shouldDefer(err error) bool {
	return errors.Is(err, retry.ErrExhausted) ||
		isCASConflict(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
