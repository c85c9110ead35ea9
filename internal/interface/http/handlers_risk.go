package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/alem-hub/care-hub/internal/application/command"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/internal/domain/signal"
)

// maxClassifyText bounds the classify endpoint body text. The classifier
// truncates long input itself; this only rejects abuse.
const maxClassifyText = 32 << 10

// ClassifyRequest is the body of POST /api/v1/classify.
type ClassifyRequest struct {
	Text string `json:"text"`
}

// ClassifyResponse is the classification of one message.
type ClassifyResponse struct {
	Category      signal.Category `json:"category"`
	Severity      signal.Severity `json:"severity"`
	MatchedTerms  []string        `json:"matched_terms"`
	ShowResources bool            `json:"show_resources"`
	Flagged       bool            `json:"flagged"`
	Truncated     bool            `json:"truncated,omitempty"`
}

func newClassifyResponse(sig signal.Signal) ClassifyResponse {
	terms := sig.MatchedTerms
	if terms == nil {
		terms = []string{}
	}
	return ClassifyResponse{
		Category:      sig.Category,
		Severity:      sig.Severity,
		MatchedTerms:  terms,
		ShowResources: sig.ShowResources,
		Flagged:       sig.IsFlagged(),
		Truncated:     sig.Truncated,
	}
}

// handleClassify handles POST /api/v1/classify. It never touches state.
func (s *Server) handleClassify(c echo.Context) error {
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if len(req.Text) > maxClassifyText {
		return badRequest("text is too long")
	}
	return writeJSON(c, http.StatusOK, newClassifyResponse(s.deps.Classifier.Classify(req.Text)))
}

// MessageResponse is returned by the ingestion endpoint.
type MessageResponse struct {
	ClassifyResponse
	Stage        risk.Stage `json:"stage,omitempty"`
	RiskLevel    risk.Level `json:"risk_level,omitempty"`
	StageChanged bool       `json:"stage_changed"`

	// Deferred is set when the profile write was parked; the background
	// sweep applies it.
	Deferred bool `json:"deferred,omitempty"`
}

// handleMessage handles POST /api/v1/messages. The message is accepted
// once classified; risk and alerting follow from it.
func (s *Server) handleMessage(c echo.Context) error {
	var cmd command.ProcessMessageCommand
	if err := c.Bind(&cmd); err != nil {
		return badRequest("invalid request body")
	}
	cmd.CorrelationID = requestID(c)

	result, err := s.deps.ProcessMessage.Handle(c.Request().Context(), cmd)
	deferred := errors.Is(err, command.ErrSignalDeferred)
	if err != nil && !deferred {
		return err
	}

	resp := MessageResponse{
		ClassifyResponse: newClassifyResponse(result.Signal),
		StageChanged:     result.StageChanged,
		Deferred:         deferred,
	}
	if result.Profile != nil {
		resp.Stage = result.Profile.Stage
		resp.RiskLevel = result.Profile.Level
	}
	return writeJSON(c, http.StatusAccepted, resp)
}

// handleRiskCounts handles GET /api/v1/institutions/:id/risk.
func (s *Server) handleRiskCounts(c echo.Context) error {
	counts, err := s.deps.RiskCounts.Counts(c.Request().Context(), shared.InstitutionID(c.Param("id")))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, counts)
}

// handleCountsByStage handles GET /api/v1/institutions/:id/risk/stages.
func (s *Server) handleCountsByStage(c echo.Context) error {
	counts, err := s.deps.RiskCounts.CountsByStage(c.Request().Context(), shared.InstitutionID(c.Param("id")))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, counts)
}

// handleCountsByLevel handles GET /api/v1/institutions/:id/risk/levels.
func (s *Server) handleCountsByLevel(c echo.Context) error {
	counts, err := s.deps.RiskCounts.CountsByRiskLevel(c.Request().Context(), shared.InstitutionID(c.Param("id")))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, counts)
}

// handleGetRiskProfile handles GET /api/v1/students/:id/risk.
func (s *Server) handleGetRiskProfile(c echo.Context) error {
	student, err := shared.NewUserID(c.Param("id"))
	if err != nil {
		return err
	}
	dto, err := s.deps.RiskProfile.Handle(c.Request().Context(), student)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, dto)
}

// handleStageReview handles POST /api/v1/students/:id/stage-review.
func (s *Server) handleStageReview(c echo.Context) error {
	var cmd command.ReviewStageCommand
	if err := c.Bind(&cmd); err != nil {
		return badRequest("invalid request body")
	}
	cmd.UserID = c.Param("id")
	cmd.ReviewerID = staffID(c)

	profile, err := s.deps.ReviewStage.Handle(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, profile)
}

func staffID(c echo.Context) string {
	return c.Request().Header.Get(HeaderStaffID)
}
