package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/domain/signal"
	"github.com/alem-hub/care-hub/internal/infrastructure/notify"
	"github.com/alem-hub/care-hub/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/care-hub/pkg/retry"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

// conflictingStore rejects every write as a concurrent update.
type conflictingStore struct {
	*memory.RiskStore
}

func (conflictingStore) CompareAndSwap(context.Context, risk.Profile, int64) (risk.Profile, error) {
	return risk.Profile{}, risk.ErrConcurrentUpdate
}

// cancellingStore cancels the request mid-write and reports a conflict,
// as a client that hangs up while the profile is contended.
type cancellingStore struct {
	*memory.RiskStore
	cancel context.CancelFunc
}

func (s cancellingStore) CompareAndSwap(context.Context, risk.Profile, int64) (risk.Profile, error) {
	s.cancel()
	return risk.Profile{}, risk.ErrConcurrentUpdate
}

func fastRetrier() *retry.Retrier {
	return retry.ProfileWriteRetrier(isCASConflict, retry.WithBackoff(time.Millisecond, time.Millisecond))
}

func newProcessHandler(store risk.Repository, deferred risk.DeferredQueue, pub shared.EventPublisher) *ProcessMessageHandler {
	return NewProcessMessageHandler(signal.MustDefault(), store, deferred, pub, ProcessMessageOptions{Retrier: fastRetrier()})
}

func TestProcessMessage_CriticalSelfHarm(t *testing.T) {
	store := memory.NewRiskStore()
	pub := &recordingPublisher{}
	h := newProcessHandler(store, memory.NewDeferredQueue(), pub)

	res, err := h.Handle(context.Background(), ProcessMessageCommand{
		UserID: "u1", InstitutionID: "uni-1", Text: "I want to end my life tonight",
	})
	require.NoError(t, err)

	assert.Equal(t, signal.CategorySelfHarm, res.Signal.Category)
	assert.Equal(t, signal.SeverityCritical, res.Signal.Severity)
	assert.True(t, res.Signal.ShowResources)
	require.NotNil(t, res.Profile)
	assert.Equal(t, risk.StageAction, res.Profile.Stage)
	assert.Equal(t, risk.LevelCritical, res.Profile.Level)
	assert.True(t, res.Profile.NeedsCounselling())
	assert.True(t, res.StageChanged)

	events := pub.ofType(shared.EventRiskAdvanced)
	require.Len(t, events, 1)
	ev := events[0].(shared.RiskAdvancedEvent)
	assert.Equal(t, "none", ev.FromStage)
	assert.Equal(t, "action", ev.ToStage)
}

func TestProcessMessage_ExamStressDoesNotNeedCounselling(t *testing.T) {
	store := memory.NewRiskStore()
	h := newProcessHandler(store, memory.NewDeferredQueue(), nil)

	res, err := h.Handle(context.Background(), ProcessMessageCommand{UserID: "u2", Text: "ugh I failed my exam"})
	require.NoError(t, err)

	if res.Profile != nil {
		assert.LessOrEqual(t, res.Profile.Stage, risk.StageTrigger)
		assert.False(t, res.Profile.NeedsCounselling())
	}
}

func TestProcessMessage_UnflaggedLeavesProfileAlone(t *testing.T) {
	store := memory.NewRiskStore()
	h := newProcessHandler(store, memory.NewDeferredQueue(), nil)

	res, err := h.Handle(context.Background(), ProcessMessageCommand{UserID: "u3", Text: "see you at lunch"})
	require.NoError(t, err)
	assert.False(t, res.Flagged)
	assert.Nil(t, res.Profile)

	_, err = store.Get(context.Background(), "u3")
	assert.ErrorIs(t, err, risk.ErrProfileNotFound)
}

func TestProcessMessage_RepeatedCriticalCountsTwice(t *testing.T) {
	store := memory.NewRiskStore()
	h := newProcessHandler(store, memory.NewDeferredQueue(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.Handle(ctx, ProcessMessageCommand{UserID: "u1", Text: "I want to kill myself"})
		require.NoError(t, err)
	}

	p, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.CrisisCount)
	assert.Equal(t, risk.StageAction, p.Stage)
}

func TestProcessMessage_ConcurrentWritersAllLand(t *testing.T) {
	store := memory.NewRiskStore()
	h := NewProcessMessageHandler(signal.MustDefault(), store, memory.NewDeferredQueue(), nil, ProcessMessageOptions{
		Retrier: retry.ProfileWriteRetrier(isCASConflict,
			retry.WithMaxAttempts(50), retry.WithBackoff(time.Millisecond, 5*time.Millisecond)),
	})

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Handle(context.Background(), ProcessMessageCommand{UserID: "u1", Text: "I feel so hopeless"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	p, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, n, p.CrisisCount)
}

func TestProcessMessage_DefersAfterExhaustedRetries(t *testing.T) {
	deferred := memory.NewDeferredQueue()
	pub := &recordingPublisher{}
	h := newProcessHandler(conflictingStore{memory.NewRiskStore()}, deferred, pub)

	res, err := h.Handle(context.Background(), ProcessMessageCommand{UserID: "u1", Text: "I want to die"})
	require.ErrorIs(t, err, ErrSignalDeferred)
	assert.True(t, shared.IsRetryable(err))
	require.NotNil(t, res)
	assert.True(t, res.Flagged)

	assert.Equal(t, 1, deferred.Len())
	assert.Len(t, pub.ofType(shared.EventSignalDeferred), 1)
	assert.Empty(t, pub.ofType(shared.EventRiskAdvanced))
}

func TestProcessMessage_DefersWhenCallerGoesAway(t *testing.T) {
	t.Run("cancelled between conflicting attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		deferred := memory.NewDeferredQueue()
		pub := &recordingPublisher{}
		h := newProcessHandler(cancellingStore{RiskStore: memory.NewRiskStore(), cancel: cancel}, deferred, pub)

		res, err := h.Handle(ctx, ProcessMessageCommand{UserID: "u1", Text: "I want to end my life"})
		require.ErrorIs(t, err, ErrSignalDeferred)
		require.NotNil(t, res)
		assert.Equal(t, 1, deferred.Len())
		assert.Len(t, pub.ofType(shared.EventSignalDeferred), 1)
	})

	t.Run("cancelled before the first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		store := memory.NewRiskStore()
		deferred := memory.NewDeferredQueue()
		h := newProcessHandler(store, deferred, nil)

		_, err := h.Handle(ctx, ProcessMessageCommand{UserID: "u1", Text: "I want to end my life"})
		require.ErrorIs(t, err, ErrSignalDeferred)
		assert.Equal(t, 1, deferred.Len())

		_, err = store.Get(context.Background(), "u1")
		assert.ErrorIs(t, err, risk.ErrProfileNotFound)
	})
}

func TestProcessMessage_ReplayNeverMovesTimestampsBack(t *testing.T) {
	store := memory.NewRiskStore()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewProcessMessageHandler(signal.MustDefault(), store, memory.NewDeferredQueue(), nil, ProcessMessageOptions{
		Retrier: fastRetrier(),
		Now:     func() time.Time { return clock },
	})
	ctx := context.Background()

	_, err := h.Handle(ctx, ProcessMessageCommand{UserID: "u1", Text: "he hits me every night"})
	require.NoError(t, err)
	live, err := store.Get(ctx, "u1")
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	require.NoError(t, h.Replay(ctx, risk.DeferredSignal{
		ID:           "d1",
		UserID:       "u1",
		Category:     signal.CategorySelfHarm,
		Severity:     signal.SeverityHigh,
		MatchedTerms: []string{"suicide"},
		ReceivedAt:   live.LastCrisisAt.Add(-time.Hour),
	}))

	p, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.CrisisCount)
	require.NotNil(t, p.LastCrisisAt)
	assert.True(t, p.LastCrisisAt.Equal(*live.LastCrisisAt), "last crisis %s, want %s", p.LastCrisisAt, live.LastCrisisAt)
	assert.True(t, p.UpdatedAt.Equal(clock))
	assert.False(t, p.UpdatedAt.Before(live.UpdatedAt))
}

func TestProcessMessage_ReplayAppliesDeferredSignal(t *testing.T) {
	store := memory.NewRiskStore()
	deferred := memory.NewDeferredQueue()
	h := newProcessHandler(store, deferred, nil)
	ctx := context.Background()

	d := risk.DeferredSignal{
		ID:           "d1",
		UserID:       "u1",
		Category:     signal.CategoryAbuse,
		Severity:     signal.SeverityHigh,
		MatchedTerms: []string{"hits me"},
		ReceivedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, h.Replay(ctx, d))

	p, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, risk.StageIsolation, p.Stage)
	assert.Equal(t, risk.LevelHigh, p.Level)
	require.NotNil(t, p.LastCrisisAt)
	assert.True(t, p.LastCrisisAt.Equal(d.ReceivedAt))
}

func TestProcessMessage_Validation(t *testing.T) {
	h := newProcessHandler(memory.NewRiskStore(), memory.NewDeferredQueue(), nil)

	_, err := h.Handle(context.Background(), ProcessMessageCommand{Text: "hello"})
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "user_id")
}

// ══════════════════════════════════════════════════════════════════════════════
// ESCALATION
// ══════════════════════════════════════════════════════════════════════════════

type escalationFixture struct {
	assignments *memory.AssignmentStore
	profiles    *memory.RiskStore
	pub         *recordingPublisher
	deps        AssignmentDeps
}

func newEscalationFixture() *escalationFixture {
	f := &escalationFixture{
		assignments: memory.NewAssignmentStore(),
		profiles:    memory.NewRiskStore(),
		pub:         &recordingPublisher{},
	}
	f.deps = AssignmentDeps{Assignments: f.assignments, Publisher: f.pub}
	return f
}

func (f *escalationFixture) create(t *testing.T, student string) *escalation.Assignment {
	t.Helper()
	a, err := NewCreateAssignmentHandler(f.deps).Handle(context.Background(), CreateAssignmentCommand{
		StudentUserID: student,
		InstitutionID: "uni-1",
		Reason:        "flagged in chat",
		RiskLevel:     "high",
		CreatedBy:     "staff-0",
	})
	require.NoError(t, err)
	return a
}

func TestCreateAssignment(t *testing.T) {
	f := newEscalationFixture()
	a := f.create(t, "s1")

	assert.Equal(t, escalation.StatusPending, a.Status)
	assert.Equal(t, escalation.PriorityHigh, a.Priority)
	assert.Equal(t, escalation.SourceStaff, a.Source)

	_, err := NewCreateAssignmentHandler(f.deps).Handle(context.Background(), CreateAssignmentCommand{
		StudentUserID: "s1", Reason: "again", RiskLevel: "critical",
	})
	assert.ErrorIs(t, err, escalation.ErrDuplicateActiveAssignment)

	_, err = NewCreateAssignmentHandler(f.deps).Handle(context.Background(), CreateAssignmentCommand{
		StudentUserID: "s2", Reason: "  ", RiskLevel: "severe",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "reason")
	assert.Contains(t, verr.Fields, "risk_level")
}

func TestAccept_ExactlyOneWinner(t *testing.T) {
	f := newEscalationFixture()
	a := f.create(t, "s1")
	h := NewAcceptAssignmentHandler(f.deps, f.profiles)

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.Handle(context.Background(), AcceptAssignmentCommand{
				AssignmentID: a.ID,
				StaffID:      "staff-" + string(rune('a'+i)),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, escalation.ErrAlreadyAccepted):
				accepted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, accepted)

	stored, err := f.assignments.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, escalation.StatusActive, stored.Status)
	require.NotNil(t, stored.AcceptedAt)

	p, err := f.profiles.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, p.AssignedCounsellorID)
	assert.Equal(t, stored.AssigneeUserID, *p.AssignedCounsellorID)
	assert.Equal(t, risk.StageNone, p.Stage)
}

func TestAccept_LinksListenerWithoutTouchingStage(t *testing.T) {
	f := newEscalationFixture()
	ctx := context.Background()

	start := risk.NewProfile("s1", "uni-1", time.Now())
	start.Stage, start.Level = risk.StagePlanning, risk.LevelCritical
	_, err := f.profiles.CompareAndSwap(ctx, start, 0)
	require.NoError(t, err)

	a := f.create(t, "s1")
	_, err = NewAcceptAssignmentHandler(f.deps, f.profiles).Handle(ctx, AcceptAssignmentCommand{
		AssignmentID: a.ID, StaffID: "listener-1", Role: "listener",
	})
	require.NoError(t, err)

	p, err := f.profiles.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, p.AssignedListenerID)
	assert.Equal(t, shared.UserID("listener-1"), *p.AssignedListenerID)
	assert.Nil(t, p.AssignedCounsellorID)
	assert.Equal(t, risk.StagePlanning, p.Stage)
	assert.Equal(t, risk.LevelCritical, p.Level)
}

func TestAccept_NamedAssignee(t *testing.T) {
	f := newEscalationFixture()
	a, err := NewCreateAssignmentHandler(f.deps).Handle(context.Background(), CreateAssignmentCommand{
		StudentUserID: "s1", AssigneeUserID: "staff-1", Reason: "r", RiskLevel: "medium",
	})
	require.NoError(t, err)

	h := NewAcceptAssignmentHandler(f.deps, nil)
	_, err = h.Handle(context.Background(), AcceptAssignmentCommand{AssignmentID: a.ID, StaffID: "staff-2"})
	assert.ErrorIs(t, err, escalation.ErrNotAssignee)

	got, err := h.Handle(context.Background(), AcceptAssignmentCommand{AssignmentID: a.ID, StaffID: "staff-1"})
	require.NoError(t, err)
	assert.Equal(t, escalation.StatusActive, got.Status)
}

func TestComplete_PendingIsInvalid(t *testing.T) {
	f := newEscalationFixture()
	a := f.create(t, "s1")
	h := NewCompleteAssignmentHandler(f.deps)

	_, err := h.Handle(context.Background(), CompleteAssignmentCommand{AssignmentID: a.ID})
	assert.ErrorIs(t, err, escalation.ErrInvalidTransition)

	stored, err := f.assignments.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, escalation.StatusPending, stored.Status)
}

func TestComplete_AfterAccept(t *testing.T) {
	f := newEscalationFixture()
	a := f.create(t, "s1")
	ctx := context.Background()

	_, err := NewAcceptAssignmentHandler(f.deps, nil).Handle(ctx, AcceptAssignmentCommand{AssignmentID: a.ID, StaffID: "staff-1"})
	require.NoError(t, err)

	notes := "  spoke with student, safety plan in place  "
	done, err := NewCompleteAssignmentHandler(f.deps).Handle(ctx, CompleteAssignmentCommand{
		AssignmentID: a.ID, ActorID: "staff-1", Notes: &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, escalation.StatusCompleted, done.Status)
	require.NotNil(t, done.Notes)
	assert.Equal(t, "spoke with student, safety plan in place", *done.Notes)

	history, err := f.assignments.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, escalation.StatusActive, history[2].FromStatus)
	assert.Equal(t, escalation.StatusCompleted, history[2].ToStatus)

	// A completed assignment frees the student for a new one.
	f.create(t, "s1")
}

func TestEscalate_CreatesThenUpgrades(t *testing.T) {
	f := newEscalationFixture()
	h := NewEscalateHandler(f.deps)
	ctx := context.Background()

	res, err := h.Handle(ctx, EscalateCommand{StudentUserID: "s1", InstitutionID: "uni-1", RiskLevel: risk.LevelHigh})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, escalation.PriorityHigh, res.Assignment.Priority)
	assert.Equal(t, escalation.SourceSystem, res.Assignment.Source)

	res, err = h.Handle(ctx, EscalateCommand{StudentUserID: "s1", RiskLevel: risk.LevelHigh})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Upgraded)

	res, err = h.Handle(ctx, EscalateCommand{StudentUserID: "s1", RiskLevel: risk.LevelCritical})
	require.NoError(t, err)
	assert.True(t, res.Upgraded)
	assert.Equal(t, escalation.PriorityUrgent, res.Assignment.Priority)

	res, err = h.Handle(ctx, EscalateCommand{StudentUserID: "s1", RiskLevel: risk.LevelMedium})
	require.NoError(t, err)
	assert.False(t, res.Upgraded)
	assert.Equal(t, escalation.PriorityUrgent, res.Assignment.Priority, "system never lowers priority")
}

func TestEscalate_ConcurrentCallsShareOneAssignment(t *testing.T) {
	f := newEscalationFixture()
	h := NewEscalateHandler(f.deps)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Handle(context.Background(), EscalateCommand{StudentUserID: "s1", RiskLevel: risk.LevelCritical})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := f.assignments.ListByInstitution(context.Background(), "", "", 100)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE LOG & STAGE REVIEW
// ══════════════════════════════════════════════════════════════════════════════

type fakePager struct {
	err   error
	calls int
}

func (p *fakePager) Page(context.Context, string, string) (escalation.Channel, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return escalation.ChannelSMS, nil
}

type failingSender struct {
	mu    sync.Mutex
	calls int
}

func (f *failingSender) Channel() escalation.Channel { return escalation.ChannelLog }

func (f *failingSender) Send(context.Context, notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("log sink unavailable")
}

func TestLogResponse(t *testing.T) {
	ctx := context.Background()

	t.Run("plain action does not notify", func(t *testing.T) {
		n := &fakePager{}
		h := NewLogResponseHandler(memory.NewResponseLog(), nil, n, nil, nil)

		e, err := h.Handle(ctx, LogResponseCommand{StudentUserID: "s1", ResponderUserID: "staff-1", ActionType: "contacted-student"})
		require.NoError(t, err)
		assert.False(t, e.NotificationSent)
		assert.Zero(t, n.calls)
	})

	t.Run("escalated action records channel", func(t *testing.T) {
		n := &fakePager{}
		h := NewLogResponseHandler(memory.NewResponseLog(), nil, n, nil, nil)

		e, err := h.Handle(ctx, LogResponseCommand{StudentUserID: "s1", ResponderUserID: "staff-1", ActionType: "escalated"})
		require.NoError(t, err)
		assert.True(t, e.NotificationSent)
		require.NotNil(t, e.NotificationChannel)
		assert.Equal(t, escalation.ChannelSMS, *e.NotificationChannel)
	})

	t.Run("failed notification still logs", func(t *testing.T) {
		log := memory.NewResponseLog()
		h := NewLogResponseHandler(log, nil, &fakePager{err: errors.New("no channel")}, nil, nil)

		e, err := h.Handle(ctx, LogResponseCommand{StudentUserID: "s1", ResponderUserID: "staff-1", ActionType: "emergency-services"})
		require.NoError(t, err)
		assert.False(t, e.NotificationSent)
		assert.Nil(t, e.NotificationChannel)

		entries, err := log.ListByStudent(ctx, "s1", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("delivery failure after acceptance is recorded", func(t *testing.T) {
		sender := &failingSender{}
		d := notify.NewDispatcher(notify.DispatcherConfig{
			BreakerFailures: 5,
			Retrier:         retry.New(retry.WithMaxAttempts(1)),
		}, sender)
		d.Start(ctx)
		defer d.Stop()

		log := memory.NewResponseLog()
		h := NewLogResponseHandler(log, nil, d, nil, nil)

		e, err := h.Handle(ctx, LogResponseCommand{StudentUserID: "s1", ResponderUserID: "staff-1", ActionType: "emergency-services"})
		require.NoError(t, err)
		assert.False(t, e.NotificationSent)
		assert.Nil(t, e.NotificationChannel)

		sender.mu.Lock()
		assert.Equal(t, 1, sender.calls)
		sender.mu.Unlock()

		entries, err := log.ListByStudent(ctx, "s1", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.False(t, entries[0].NotificationSent)
	})

	t.Run("validation", func(t *testing.T) {
		h := NewLogResponseHandler(memory.NewResponseLog(), nil, nil, nil, nil)

		_, err := h.Handle(ctx, LogResponseCommand{StudentUserID: "s1", ResponderUserID: "staff-1", ActionType: "waved"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "unknown action type", verr.Fields["action_type"])

		past := time.Now().Add(-time.Hour)
		_, err = h.Handle(ctx, LogResponseCommand{
			StudentUserID: "s1", ResponderUserID: "staff-1", ActionType: "follow-up",
			FollowUpRequired: true, FollowUpAt: &past,
		})
		assert.True(t, shared.IsValidation(err))
	})

	t.Run("assignment must belong to student", func(t *testing.T) {
		f := newEscalationFixture()
		a := f.create(t, "s1")
		h := NewLogResponseHandler(memory.NewResponseLog(), f.assignments, nil, nil, nil)

		_, err := h.Handle(ctx, LogResponseCommand{AssignmentID: &a.ID, StudentUserID: "s2", ResponderUserID: "staff-1", ActionType: "follow-up"})
		assert.True(t, shared.IsValidation(err))

		missing := "nope"
		_, err = h.Handle(ctx, LogResponseCommand{AssignmentID: &missing, StudentUserID: "s1", ResponderUserID: "staff-1", ActionType: "follow-up"})
		assert.ErrorIs(t, err, escalation.ErrAssignmentNotFound)

		_, err = h.Handle(ctx, LogResponseCommand{AssignmentID: &a.ID, StudentUserID: "s1", ResponderUserID: "staff-1", ActionType: "follow-up"})
		assert.NoError(t, err)
	})
}

func TestReviewStage_LowersStage(t *testing.T) {
	store := memory.NewRiskStore()
	ctx := context.Background()
	pub := &recordingPublisher{}

	p := risk.NewProfile("u1", "uni-1", time.Now())
	p.Stage, p.Level = risk.StageAction, risk.LevelCritical
	_, err := store.CompareAndSwap(ctx, p, 0)
	require.NoError(t, err)

	h := NewReviewStageHandler(store, pub, nil)
	got, err := h.Handle(ctx, ReviewStageCommand{UserID: "u1", Stage: "trigger", ReviewerID: "counsellor-1", Reason: "safety plan agreed"})
	require.NoError(t, err)
	assert.Equal(t, risk.StageTrigger, got.Stage)
	assert.Equal(t, risk.LevelMedium, got.Level)

	reviews, err := store.ListReviews(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, risk.StageAction, reviews[0].FromStage)
	assert.Len(t, pub.ofType(shared.EventStageReviewed), 1)

	_, err = h.Handle(ctx, ReviewStageCommand{UserID: "u1", Stage: "trigger", ReviewerID: "counsellor-1"})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, ReviewStageCommand{UserID: "nobody", Stage: "none", ReviewerID: "c", Reason: "r"})
	assert.ErrorIs(t, err, risk.ErrProfileNotFound)
}
