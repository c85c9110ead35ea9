package command

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/pkg/logger"
	"github.com/alem-hub/care-hub/pkg/retry"
)

// AcceptAssignmentCommand makes a staff member the active responder.
type AcceptAssignmentCommand struct {
	AssignmentID string `json:"-" validate:"required"`
	StaffID      string `json:"staff_id" validate:"required,max=128"`
	Role         string `json:"role" validate:"omitempty,responder_role"`
}

// AcceptAssignmentHandler handles AcceptAssignmentCommand.
type AcceptAssignmentHandler struct {
	deps     AssignmentDeps
	profiles risk.Repository
	linker   *retry.Retrier
}

// NewAcceptAssignmentHandler creates an AcceptAssignmentHandler. profiles
// may be nil, in which case the responder is not linked to the risk
// profile.
func NewAcceptAssignmentHandler(deps AssignmentDeps, profiles risk.Repository) *AcceptAssignmentHandler {
	return &AcceptAssignmentHandler{
		deps:     deps.withDefaults(),
		profiles: profiles,
		linker:   retry.ProfileWriteRetrier(isCASConflict),
	}
}

// Handle accepts a pending assignment. Of several concurrent callers
// exactly one wins; the others get escalation.ErrAlreadyAccepted.
func (h *AcceptAssignmentHandler) Handle(ctx context.Context, cmd AcceptAssignmentCommand) (*escalation.Assignment, error) {
	if err := validateStruct("accept_assignment", cmd); err != nil {
		return nil, err
	}
	staff := shared.UserID(cmd.StaffID)

	a, _, err := h.deps.mutate(ctx, cmd.AssignmentID, staff, "accepted", func(a *escalation.Assignment) error {
		return a.Accept(staff, h.deps.Now())
	})
	if err != nil {
		return nil, err
	}

	h.deps.Metrics.AssignmentTransition(string(escalation.StatusActive))
	h.deps.publish(ctx, shared.EventAssignmentAccepted, a, staff)
	h.deps.Logger.Info("assignment accepted",
		logger.AssignmentID(a.ID),
		logger.StaffID(staff.String()),
		logger.UserID(a.StudentUserID.String()),
	)

	role := risk.ResponderRole(cmd.Role)
	if role == "" {
		role = risk.RoleCounsellor
	}
	if err := h.linkResponder(ctx, a, role, staff); err != nil {
		// The assignment is the record of responsibility; the profile link
		// is a convenience and may lag.
		h.deps.Logger.Error("failed to link responder to risk profile",
			logger.AssignmentID(a.ID),
			logger.UserID(a.StudentUserID.String()),
			zap.Error(err),
		)
	}
	return a, nil
}

// linkResponder records the acceptor on the student's risk profile with a
// compare-and-swap that leaves stage and level alone.
func (h *AcceptAssignmentHandler) linkResponder(ctx context.Context, a *escalation.Assignment, role risk.ResponderRole, staff shared.UserID) error {
	if h.profiles == nil {
		return nil
	}

	return h.linker.Do(ctx, func(ctx context.Context, attempt int) error {
		now := h.deps.Now()
		current, err := h.profiles.Get(ctx, a.StudentUserID)
		if errors.Is(err, risk.ErrProfileNotFound) {
			current = risk.NewProfile(a.StudentUserID, a.InstitutionID, now)
		} else if err != nil {
			return err
		}

		next := risk.LinkResponder(current, role, staff, now)
		_, err = h.profiles.CompareAndSwap(ctx, next, current.Version)
		return err
	})
}
