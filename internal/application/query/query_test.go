package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/infrastructure/persistence/memory"
)

func seed(t *testing.T, store *memory.RiskStore, user, institution string, stage risk.Stage) {
	t.Helper()
	p := risk.NewProfile(shared.UserID(user), shared.InstitutionID(institution), time.Now())
	p.Stage = stage
	p.Level = risk.LevelForStage(stage)
	_, err := store.CompareAndSwap(context.Background(), p, 0)
	require.NoError(t, err)
}

func TestRiskCounts(t *testing.T) {
	store := memory.NewRiskStore()
	seed(t, store, "a", "uni-1", risk.StageIdeation)
	seed(t, store, "b", "uni-1", risk.StageIdeation)
	seed(t, store, "c", "uni-1", risk.StageTrigger)
	seed(t, store, "d", "uni-2", risk.StageAction)

	h := NewRiskCountsHandler(store)
	ctx := context.Background()

	byStage, err := h.CountsByStage(ctx, "uni-1")
	require.NoError(t, err)
	assert.Len(t, byStage, len(risk.AllStages()), "every stage is present")
	assert.Equal(t, 2, byStage[risk.StageIdeation])
	assert.Equal(t, 1, byStage[risk.StageTrigger])
	assert.Equal(t, 0, byStage[risk.StageAction])

	byLevel, err := h.CountsByRiskLevel(ctx, "uni-1")
	require.NoError(t, err)
	assert.Len(t, byLevel, len(risk.AllLevels()))
	assert.Equal(t, 2, byLevel[risk.LevelCritical])
	assert.Equal(t, 1, byLevel[risk.LevelMedium])
	assert.Equal(t, 0, byLevel[risk.LevelHigh])

	all, err := h.Counts(ctx, shared.AllInstitutions)
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, 3, all.ByLevel[risk.LevelCritical])

	data, err := json.Marshal(all)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ideation":2`)
}

func TestRiskCounts_EmptyInstitution(t *testing.T) {
	c, err := NewRiskCountsHandler(memory.NewRiskStore()).Counts(context.Background(), "uni-9")
	require.NoError(t, err)
	assert.Zero(t, c.Total)
	for _, s := range risk.AllStages() {
		v, ok := c.ByStage[s]
		assert.True(t, ok)
		assert.Zero(t, v)
	}
}

func TestGetRiskProfile(t *testing.T) {
	store := memory.NewRiskStore()
	seed(t, store, "a", "uni-1", risk.StagePlanning)
	h := NewGetRiskProfileHandler(store)

	dto, err := h.Handle(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, dto.NeedsCounselling)
	assert.NotNil(t, dto.Reviews)

	_, err = h.Handle(context.Background(), "missing")
	assert.ErrorIs(t, err, risk.ErrProfileNotFound)
}

func TestAssignmentQueries(t *testing.T) {
	assignments := memory.NewAssignmentStore()
	responses := memory.NewResponseLog()
	ctx := context.Background()

	a, err := escalation.NewAssignment(escalation.NewAssignmentParams{
		ID: "a1", StudentUserID: "s1", InstitutionID: "uni-1", Priority: escalation.PriorityUrgent,
		Reason: "flagged", RiskLevel: risk.LevelCritical, Now: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, assignments.Create(ctx, a, escalation.NewHistoryEntry(a, "", "", "created")))

	q := NewAssignmentQueries(assignments, responses)

	dto, err := q.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", dto.ID)
	assert.Len(t, dto.History, 1)

	list, err := q.ListByInstitution(ctx, "uni-1", escalation.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = q.ListByInstitution(ctx, "uni-1", escalation.StatusCompleted, 10)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	entries, err := q.ResponsesForStudent(ctx, "s1", 10)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}
