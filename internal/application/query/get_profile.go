package query

import (
	"context"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

// RiskProfileDTO is a profile with its review trail.
type RiskProfileDTO struct {
	risk.Profile
	NeedsCounselling bool               `json:"needs_counselling"`
	Reviews          []risk.StageReview `json:"reviews"`
}

// GetRiskProfileHandler reads one user's risk state.
type GetRiskProfileHandler struct {
	profiles risk.Repository
}

// NewGetRiskProfileHandler creates a GetRiskProfileHandler.
func NewGetRiskProfileHandler(profiles risk.Repository) *GetRiskProfileHandler {
	return &GetRiskProfileHandler{profiles: profiles}
}

// Handle returns the profile or risk.ErrProfileNotFound.
func (h *GetRiskProfileHandler) Handle(ctx context.Context, userID shared.UserID) (*RiskProfileDTO, error) {
	p, err := h.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	reviews, err := h.profiles.ListReviews(ctx, userID)
	if err != nil {
		return nil, err
	}
	if reviews == nil {
		reviews = []risk.StageReview{}
	}
	return &RiskProfileDTO{
		Profile:          p,
		NeedsCounselling: p.NeedsCounselling(),
		Reviews:          reviews,
	}, nil
}
