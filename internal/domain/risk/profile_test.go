package risk

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/care-hub/internal/domain/signal"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func flagged(c signal.Category, s signal.Severity) signal.Signal {
	return signal.Signal{Category: c, Severity: s, MatchedTerms: []string{"x"}}
}

func TestAdvance_CriticalSelfHarmFromNone(t *testing.T) {
	p := NewProfile("u1", "inst", t0)

	next := Advance(p, flagged(signal.CategorySelfHarm, signal.SeverityCritical), t0.Add(time.Minute))

	assert.Equal(t, StageAction, next.Stage)
	assert.Equal(t, LevelCritical, next.Level)
	assert.True(t, next.NeedsCounselling())
	assert.Equal(t, 1, next.CrisisCount)
	require.NotNil(t, next.LastCrisisAt)
	assert.Equal(t, t0.Add(time.Minute), *next.LastCrisisAt)
}

func TestAdvance_UnflaggedIsNoop(t *testing.T) {
	p := NewProfile("u1", "inst", t0)
	p.Stage = StageOverload
	p.Level = LevelHigh

	next := Advance(p, signal.None("hello"), t0.Add(time.Hour))

	assert.Equal(t, p, next)
}

func TestAdvance_NeverLowersStage(t *testing.T) {
	p := NewProfile("u1", "inst", t0)
	p = Advance(p, flagged(signal.CategorySelfHarm, signal.SeverityHigh), t0)
	require.Equal(t, StagePlanning, p.Stage)

	p = Advance(p, flagged(signal.CategoryGenericDistress, signal.SeverityLow), t0)

	assert.Equal(t, StagePlanning, p.Stage)
	assert.Equal(t, LevelCritical, p.Level)
	assert.Equal(t, 2, p.CrisisCount)
}

func TestAdvanceAt_LateSignalKeepsNewerCrisisTime(t *testing.T) {
	p := Advance(NewProfile("u1", "inst", t0), flagged(signal.CategoryAbuse, signal.SeverityLow), t0)

	later := t0.Add(time.Hour)
	next := AdvanceAt(p, flagged(signal.CategorySelfHarm, signal.SeverityHigh), t0.Add(-time.Hour), later)

	assert.Equal(t, 2, next.CrisisCount)
	assert.Equal(t, StagePlanning, next.Stage)
	require.NotNil(t, next.LastCrisisAt)
	assert.Equal(t, t0, *next.LastCrisisAt)
	assert.Equal(t, later, next.UpdatedAt)
	assert.Equal(t, t0, *p.LastCrisisAt, "input profile is not mutated")
}

func TestAdvance_LowDistressGoesToTrigger(t *testing.T) {
	p := Advance(NewProfile("u1", "inst", t0), flagged(signal.CategoryGenericDistress, signal.SeverityLow), t0)

	assert.Equal(t, StageTrigger, p.Stage)
	assert.Equal(t, LevelMedium, p.Level)
	assert.False(t, p.NeedsCounselling())
}

func TestImpliedStage_Table(t *testing.T) {
	cases := []struct {
		c    signal.Category
		s    signal.Severity
		want Stage
	}{
		{signal.CategorySelfHarm, signal.SeverityLow, StageTrigger},
		{signal.CategorySelfHarm, signal.SeverityMedium, StageIdeation},
		{signal.CategorySelfHarm, signal.SeverityHigh, StagePlanning},
		{signal.CategorySelfHarm, signal.SeverityCritical, StageAction},
		{signal.CategoryAbuse, signal.SeverityLow, StageTrigger},
		{signal.CategoryAbuse, signal.SeverityMedium, StageIsolation},
		{signal.CategoryAbuse, signal.SeverityCritical, StageIdeation},
		{signal.CategoryGenericDistress, signal.SeverityMedium, StageSpiral},
		{signal.CategoryGenericDistress, signal.SeverityHigh, StageOverload},
		{signal.CategoryNone, signal.SeverityCritical, StageNone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ImpliedStage(tc.c, tc.s), "%s/%s", tc.c, tc.s)
	}
}

func TestLevelForStage_NeverBelowMediumWhenFlagged(t *testing.T) {
	for _, s := range AllStages() {
		if s == StageNone {
			assert.Equal(t, LevelLow, LevelForStage(s))
			continue
		}
		assert.GreaterOrEqual(t, LevelForStage(s).Rank(), LevelMedium.Rank(), s.String())
	}
}

func TestReview_CanLowerStage(t *testing.T) {
	p := Advance(NewProfile("u1", "inst", t0), flagged(signal.CategorySelfHarm, signal.SeverityCritical), t0)

	next, rec, err := Review(p, StageSpiral, "staff-1", "spoke with student, safety plan in place", t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, StageSpiral, next.Stage)
	assert.Equal(t, LevelMedium, next.Level)
	assert.Equal(t, StageAction, rec.FromStage)
	assert.Equal(t, StageSpiral, rec.ToStage)
	assert.Equal(t, p.CrisisCount, next.CrisisCount)
}

func TestReview_Validation(t *testing.T) {
	p := NewProfile("u1", "inst", t0)

	_, _, err := Review(p, Stage(42), "staff", "why", t0)
	assert.ErrorIs(t, err, ErrInvalidStage)

	_, _, err = Review(p, StageNone, "", "why", t0)
	assert.ErrorIs(t, err, ErrReviewerRequired)

	_, _, err = Review(p, StageNone, "staff", "   ", t0)
	assert.ErrorIs(t, err, ErrReviewReasonRequired)
}

func TestLinkResponder_KeepsStage(t *testing.T) {
	p := Advance(NewProfile("u1", "inst", t0), flagged(signal.CategoryAbuse, signal.SeverityHigh), t0)

	next := LinkResponder(p, RoleListener, "listener-7", t0)

	require.NotNil(t, next.AssignedListenerID)
	assert.Equal(t, "listener-7", next.AssignedListenerID.String())
	assert.Nil(t, next.AssignedCounsellorID)
	assert.Equal(t, p.Stage, next.Stage)
	assert.Equal(t, p.Level, next.Level)
}

func TestStage_TextRoundTrip(t *testing.T) {
	for _, s := range AllStages() {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got Stage
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	_, err := ParseStage("doom")
	assert.Error(t, err)
}

var (
	genCategory = gen.OneConstOf(
		signal.CategoryNone, signal.CategorySelfHarm, signal.CategoryAbuse, signal.CategoryGenericDistress,
	)
	genSeverity = gen.OneConstOf(
		signal.SeverityLow, signal.SeverityMedium, signal.SeverityHigh, signal.SeverityCritical,
	)
	genSignal = gopter.CombineGens(genCategory, genSeverity).Map(func(v []interface{}) signal.Signal {
		return signal.Signal{Category: v[0].(signal.Category), Severity: v[1].(signal.Severity)}
	})
)

func TestAdvance_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("stage never decreases", prop.ForAll(
		func(signals []signal.Signal) bool {
			p := NewProfile("u", "i", t0)
			for _, s := range signals {
				next := Advance(p, s, t0)
				if next.Stage < p.Stage {
					return false
				}
				p = next
			}
			return true
		},
		gen.SliceOf(genSignal),
	))

	properties.Property("level always follows stage", prop.ForAll(
		func(signals []signal.Signal) bool {
			p := NewProfile("u", "i", t0)
			for _, s := range signals {
				p = Advance(p, s, t0)
				if !p.IsConsistent() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genSignal),
	))

	properties.Property("crisis count equals number of flagged signals", prop.ForAll(
		func(signals []signal.Signal) bool {
			p := NewProfile("u", "i", t0)
			want := 0
			for _, s := range signals {
				if s.IsFlagged() {
					want++
				}
				p = Advance(p, s, t0)
			}
			return p.CrisisCount == want
		},
		gen.SliceOf(genSignal),
	))

	properties.TestingRun(t)
}
