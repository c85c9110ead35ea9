package command

import (
	"context"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// CompleteAssignmentCommand closes an active assignment.
type CompleteAssignmentCommand struct {
	AssignmentID string  `json:"-" validate:"required"`
	ActorID      string  `json:"-"`
	Notes        *string `json:"notes" validate:"omitempty,max=4000"`
}

// CompleteAssignmentHandler handles CompleteAssignmentCommand.
type CompleteAssignmentHandler struct {
	deps AssignmentDeps
}

// NewCompleteAssignmentHandler creates a CompleteAssignmentHandler.
func NewCompleteAssignmentHandler(deps AssignmentDeps) *CompleteAssignmentHandler {
	return &CompleteAssignmentHandler{deps: deps.withDefaults()}
}

// Handle completes the assignment. Only active assignments can be
// completed; anything else is escalation.ErrInvalidTransition and leaves
// the assignment untouched.
func (h *CompleteAssignmentHandler) Handle(ctx context.Context, cmd CompleteAssignmentCommand) (*escalation.Assignment, error) {
	if err := validateStruct("complete_assignment", cmd); err != nil {
		return nil, err
	}
	actor := shared.UserID(cmd.ActorID)

	a, _, err := h.deps.mutate(ctx, cmd.AssignmentID, actor, "completed", func(a *escalation.Assignment) error {
		return a.Complete(cmd.Notes, h.deps.Now())
	})
	if err != nil {
		return nil, err
	}

	h.deps.Metrics.AssignmentTransition(string(escalation.StatusCompleted))
	h.deps.publish(ctx, shared.EventAssignmentCompleted, a, actor)
	h.deps.Logger.Info("assignment completed",
		logger.AssignmentID(a.ID),
		logger.StaffID(actor.String()),
	)
	return a, nil
}
