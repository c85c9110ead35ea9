package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

var now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func pending(t *testing.T, assignee string) *Assignment {
	t.Helper()
	a, err := NewAssignment(NewAssignmentParams{
		ID:            "a-1",
		StudentUserID: "student-1",
		InstitutionID: "inst-1",
		AssigneeID:    shared.UserID(assignee),
		Priority:      PriorityUrgent,
		Reason:        "self-harm signal",
		RiskLevel:     risk.LevelCritical,
		Source:        SourceSystem,
		Now:           now,
	})
	require.NoError(t, err)
	return a
}

func TestPriorityForLevel(t *testing.T) {
	assert.Equal(t, PriorityUrgent, PriorityForLevel(risk.LevelCritical))
	assert.Equal(t, PriorityHigh, PriorityForLevel(risk.LevelHigh))
	assert.Equal(t, PriorityNormal, PriorityForLevel(risk.LevelMedium))
	assert.Equal(t, PriorityNormal, PriorityForLevel(risk.LevelLow))
}

func TestNewAssignment_Validation(t *testing.T) {
	_, err := NewAssignment(NewAssignmentParams{ID: "x", StudentUserID: "s", Priority: "meh", RiskLevel: risk.LevelLow, Reason: "r"})
	assert.Error(t, err)

	_, err = NewAssignment(NewAssignmentParams{ID: "x", StudentUserID: "s", Priority: PriorityNormal, RiskLevel: risk.LevelLow, Reason: " "})
	assert.Error(t, err)

	a, err := NewAssignment(NewAssignmentParams{ID: "x", StudentUserID: "s", Priority: PriorityNormal, RiskLevel: risk.LevelLow, Reason: "walk-in", Now: now})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, SourceStaff, a.Source)
}

func TestAccept_OpenPool(t *testing.T) {
	a := pending(t, "")

	require.NoError(t, a.Accept("staff-b", now.Add(time.Minute)))

	assert.Equal(t, StatusActive, a.Status)
	assert.Equal(t, "staff-b", a.AssigneeUserID.String())
	require.NotNil(t, a.AcceptedAt)
}

func TestAccept_NamedAssignee(t *testing.T) {
	a := pending(t, "staff-a")

	assert.ErrorIs(t, a.Accept("staff-b", now), ErrNotAssignee)
	assert.Equal(t, StatusPending, a.Status)
	assert.NoError(t, a.Accept("staff-a", now))
}

func TestAccept_Twice(t *testing.T) {
	a := pending(t, "")
	require.NoError(t, a.Accept("staff-a", now))

	assert.ErrorIs(t, a.Accept("staff-b", now), ErrAlreadyAccepted)
}

func TestAccept_Completed(t *testing.T) {
	a := pending(t, "")
	require.NoError(t, a.Accept("staff-a", now))
	require.NoError(t, a.Complete(nil, now))

	assert.ErrorIs(t, a.Accept("staff-a", now), ErrInvalidTransition)
}

func TestComplete_FromPendingFails(t *testing.T) {
	a := pending(t, "")

	err := a.Complete(nil, now)

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPending, a.Status)
	assert.Nil(t, a.CompletedAt)
}

func TestComplete_TrimsNotes(t *testing.T) {
	a := pending(t, "")
	require.NoError(t, a.Accept("staff-a", now))

	notes := "  talked for an hour, safety plan agreed  "
	require.NoError(t, a.Complete(&notes, now.Add(time.Hour)))

	require.NotNil(t, a.Notes)
	assert.Equal(t, "talked for an hour, safety plan agreed", *a.Notes)
	assert.ErrorIs(t, a.Complete(nil, now), ErrInvalidTransition)
}

func TestRaisePriority(t *testing.T) {
	a := pending(t, "")
	a.Priority = PriorityHigh

	changed, err := a.RaisePriority(PriorityUrgent, now)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = a.RaisePriority(PriorityUrgent, now)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = a.RaisePriority(PriorityNormal, now)
	assert.ErrorIs(t, err, ErrPriorityDowngrade)
}

func TestStatus_TransitionTable(t *testing.T) {
	all := []Status{StatusPending, StatusActive, StatusCompleted}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusActive}:   true,
		{StatusActive, StatusCompleted}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestResponseLogEntry_Validate(t *testing.T) {
	later := now.Add(24 * time.Hour)
	e := &ResponseLogEntry{
		StudentUserID:    "s",
		ResponderUserID:  "r",
		ActionType:       ActionFollowUp,
		FollowUpRequired: true,
		FollowUpAt:       &later,
		CreatedAt:        now,
	}
	assert.NoError(t, e.Validate())

	e.FollowUpRequired = false
	assert.Error(t, e.Validate())

	e.FollowUpRequired = true
	e.ActionType = "hugged"
	assert.Error(t, e.Validate())
}
