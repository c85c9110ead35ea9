package risk

import (
	"fmt"
	"strings"

	"github.com/alem-hub/care-hub/internal/domain/signal"
)

// ══════════════════════════════════════════════════════════════════════════════
// STAGE
// Ordered crisis progression. The zero value is StageNone.
// ══════════════════════════════════════════════════════════════════════════════

// Stage is a position on the crisis-progression scale.
type Stage int

const (
	StageNone Stage = iota
	StageTrigger
	StageSpiral
	StageDistortions
	StageOverload
	StageIsolation
	StageIdeation
	StagePlanning
	StageAction
)

var stageNames = [...]string{
	StageNone:        "none",
	StageTrigger:     "trigger",
	StageSpiral:      "spiral",
	StageDistortions: "distortions",
	StageOverload:    "overload",
	StageIsolation:   "isolation",
	StageIdeation:    "ideation",
	StagePlanning:    "planning",
	StageAction:      "action",
}

// AllStages lists every stage in ascending order.
func AllStages() []Stage {
	out := make([]Stage, 0, len(stageNames))
	for s := StageNone; s <= StageAction; s++ {
		out = append(out, s)
	}
	return out
}

// String returns the stage name.
func (s Stage) String() string {
	if !s.IsValid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	return s >= StageNone && s <= StageAction
}

// Index returns the ordinal of the stage (none=0 .. action=8).
func (s Stage) Index() int {
	return int(s)
}

// IsCritical reports whether s is in the critical band that triggers alerts.
func (s Stage) IsCritical() bool {
	return s >= StageIdeation
}

// Max returns the later of s and other.
func (s Stage) Max(other Stage) Stage {
	if other > s {
		return other
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStage converts a stage name into a Stage.
func ParseStage(name string) (Stage, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return StageNone, fmt.Errorf("unknown stage %q", name)
}

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL
// ══════════════════════════════════════════════════════════════════════════════

// Level is the coarse risk classification derived from a stage.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// AllLevels lists every level in ascending order.
func AllLevels() []Level {
	return []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}
}

// Rank returns the ordinal of the level.
func (l Level) Rank() int {
	return levelRank[l]
}

// IsValid reports whether l is a known level.
func (l Level) IsValid() bool {
	_, ok := levelRank[l]
	return ok
}

// String returns the string representation.
func (l Level) String() string {
	return string(l)
}

// ParseLevel converts a string into a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !l.IsValid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return l, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MAPPING TABLES
// These two tables are the only place where stage, level, category and
// severity are related to each other.
// ══════════════════════════════════════════════════════════════════════════════

var stageLevels = [...]Level{
	StageNone:        LevelLow,
	StageTrigger:     LevelMedium,
	StageSpiral:      LevelMedium,
	StageDistortions: LevelMedium,
	StageOverload:    LevelHigh,
	StageIsolation:   LevelHigh,
	StageIdeation:    LevelCritical,
	StagePlanning:    LevelCritical,
	StageAction:      LevelCritical,
}

// LevelForStage returns the risk level a stage implies.
func LevelForStage(s Stage) Level {
	if !s.IsValid() {
		return LevelLow
	}
	return stageLevels[s]
}

var impliedStages = map[signal.Category]map[signal.Severity]Stage{
	signal.CategorySelfHarm: {
		signal.SeverityLow:      StageTrigger,
		signal.SeverityMedium:   StageIdeation,
		signal.SeverityHigh:     StagePlanning,
		signal.SeverityCritical: StageAction,
	},
	signal.CategoryAbuse: {
		signal.SeverityLow:      StageTrigger,
		signal.SeverityMedium:   StageIsolation,
		signal.SeverityHigh:     StageIsolation,
		signal.SeverityCritical: StageIdeation,
	},
	signal.CategoryGenericDistress: {
		signal.SeverityLow:      StageTrigger,
		signal.SeverityMedium:   StageSpiral,
		signal.SeverityHigh:     StageOverload,
		signal.SeverityCritical: StageOverload,
	},
}

// ImpliedStage returns the stage a signal of the given category and
// severity points to. Unflagged signals imply StageNone.
func ImpliedStage(c signal.Category, sev signal.Severity) Stage {
	bySeverity, ok := impliedStages[c]
	if !ok {
		return StageNone
	}
	return bySeverity[sev]
}
