// Package query contains the read operations of the crisis pipeline.
package query

import (
	"context"
	"fmt"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RISK COUNTS QUERY
// Institution dashboards: how many students sit in each stage and level.
// Computed on read from one snapshot, never cached.
// ══════════════════════════════════════════════════════════════════════════════

// RiskCounts holds both groupings from the same snapshot.
type RiskCounts struct {
	InstitutionID shared.InstitutionID `json:"institution_id"`
	ByStage       map[risk.Stage]int   `json:"by_stage"`
	ByLevel       map[risk.Level]int   `json:"by_risk_level"`
	Total         int                  `json:"total"`
}

// RiskCountsHandler answers aggregate risk queries.
type RiskCountsHandler struct {
	profiles risk.Repository
}

// NewRiskCountsHandler creates a RiskCountsHandler.
func NewRiskCountsHandler(profiles risk.Repository) *RiskCountsHandler {
	return &RiskCountsHandler{profiles: profiles}
}

// Counts returns stage and level counts for an institution. Every stage
// and every level is present, zero when empty. The wildcard institution
// counts everyone.
func (h *RiskCountsHandler) Counts(ctx context.Context, institutionID shared.InstitutionID) (*RiskCounts, error) {
	grouped, err := h.profiles.CountByStageAndLevel(ctx, institutionID)
	if err != nil {
		return nil, fmt.Errorf("risk_counts: %w", err)
	}

	out := &RiskCounts{
		InstitutionID: institutionID,
		ByStage:       make(map[risk.Stage]int, len(risk.AllStages())),
		ByLevel:       make(map[risk.Level]int, len(risk.AllLevels())),
	}
	for _, s := range risk.AllStages() {
		out.ByStage[s] = 0
	}
	for _, l := range risk.AllLevels() {
		out.ByLevel[l] = 0
	}
	for k, n := range grouped {
		out.ByStage[k.Stage] += n
		out.ByLevel[k.Level] += n
		out.Total += n
	}
	return out, nil
}

// CountsByStage returns the per-stage counts.
func (h *RiskCountsHandler) CountsByStage(ctx context.Context, institutionID shared.InstitutionID) (map[risk.Stage]int, error) {
	c, err := h.Counts(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	return c.ByStage, nil
}

// CountsByRiskLevel returns the per-level counts.
func (h *RiskCountsHandler) CountsByRiskLevel(ctx context.Context, institutionID shared.InstitutionID) (map[risk.Level]int, error) {
	c, err := h.Counts(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	return c.ByLevel, nil
}
