package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/alem-hub/care-hub/internal/application/command"
	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleCreateAssignment handles POST /api/v1/assignments.
func (s *Server) handleCreateAssignment(c echo.Context) error {
	var cmd command.CreateAssignmentCommand
	if err := c.Bind(&cmd); err != nil {
		return badRequest("invalid request body")
	}
	cmd.CreatedBy = staffID(c)

	a, err := s.deps.CreateAssignment.Handle(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, a)
}

// handleGetAssignment handles GET /api/v1/assignments/:id.
func (s *Server) handleGetAssignment(c echo.Context) error {
	dto, err := s.deps.Assignments.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, dto)
}

// handleListAssignments handles GET /api/v1/institutions/:id/assignments?status=.
func (s *Server) handleListAssignments(c echo.Context) error {
	status := escalation.Status(c.QueryParam("status"))
	switch status {
	case "", escalation.StatusPending, escalation.StatusActive, escalation.StatusCompleted:
	default:
		return badRequest("status must be pending, active or completed")
	}
	limit, err := listLimit(c)
	if err != nil {
		return err
	}

	list, err := s.deps.Assignments.ListByInstitution(c.Request().Context(), shared.InstitutionID(c.Param("id")), status, limit)
	if err != nil {
		return err
	}
	return writeList(c, list, len(list))
}

// handleAcceptAssignment handles POST /api/v1/assignments/:id/accept.
// The staff member comes from X-Staff-ID unless the body names one.
func (s *Server) handleAcceptAssignment(c echo.Context) error {
	var cmd command.AcceptAssignmentCommand
	if err := c.Bind(&cmd); err != nil {
		return badRequest("invalid request body")
	}
	cmd.AssignmentID = c.Param("id")
	if cmd.StaffID == "" {
		cmd.StaffID = staffID(c)
	}

	a, err := s.deps.AcceptAssignment.Handle(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, a)
}

// handleCompleteAssignment handles POST /api/v1/assignments/:id/complete.
func (s *Server) handleCompleteAssignment(c echo.Context) error {
	var cmd command.CompleteAssignmentCommand
	if err := c.Bind(&cmd); err != nil {
		return badRequest("invalid request body")
	}
	cmd.AssignmentID = c.Param("id")
	cmd.ActorID = staffID(c)

	a, err := s.deps.CompleteAssign.Handle(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusOK, a)
}

// handleLogResponse handles POST /api/v1/responses.
func (s *Server) handleLogResponse(c echo.Context) error {
	var cmd command.LogResponseCommand
	if err := c.Bind(&cmd); err != nil {
		return badRequest("invalid request body")
	}
	cmd.ResponderUserID = staffID(c)

	entry, err := s.deps.LogResponse.Handle(c.Request().Context(), cmd)
	if err != nil {
		return err
	}
	return writeJSON(c, http.StatusCreated, entry)
}

// handleListResponses handles GET /api/v1/students/:id/responses.
func (s *Server) handleListResponses(c echo.Context) error {
	limit, err := listLimit(c)
	if err != nil {
		return err
	}
	student, err := shared.NewUserID(c.Param("id"))
	if err != nil {
		return err
	}
	entries, err := s.deps.Assignments.ResponsesForStudent(c.Request().Context(), student, limit)
	if err != nil {
		return err
	}
	return writeList(c, entries, len(entries))
}

func listLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, badRequest("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
