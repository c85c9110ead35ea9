package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CREATE ASSIGNMENT COMMAND
// Staff open an assignment by hand. A student with an open assignment
// cannot get a second one.
// ══════════════════════════════════════════════════════════════════════════════

// CreateAssignmentCommand opens a pending assignment.
type CreateAssignmentCommand struct {
	StudentUserID  string `json:"student_user_id" validate:"required,max=128"`
	InstitutionID  string `json:"institution_id" validate:"max=128"`
	AssigneeUserID string `json:"assignee_user_id" validate:"max=128"`
	Priority       string `json:"priority" validate:"omitempty,priority"`
	Reason         string `json:"reason" validate:"required,notblank,max=2000"`
	RiskLevel      string `json:"risk_level" validate:"required,risk_level"`
	CreatedBy      string `json:"-"`
}

// CreateAssignmentHandler handles CreateAssignmentCommand.
type CreateAssignmentHandler struct {
	deps AssignmentDeps
}

// NewCreateAssignmentHandler creates a CreateAssignmentHandler.
func NewCreateAssignmentHandler(deps AssignmentDeps) *CreateAssignmentHandler {
	return &CreateAssignmentHandler{deps: deps.withDefaults()}
}

// Handle creates the assignment. The priority defaults to the one the risk
// level implies. Returns escalation.ErrDuplicateActiveAssignment when the
// student already has a pending or active assignment.
func (h *CreateAssignmentHandler) Handle(ctx context.Context, cmd CreateAssignmentCommand) (*escalation.Assignment, error) {
	if err := validateStruct("create_assignment", cmd); err != nil {
		return nil, err
	}

	level := risk.Level(cmd.RiskLevel)
	priority := escalation.Priority(cmd.Priority)
	if priority == "" {
		priority = escalation.PriorityForLevel(level)
	}

	a, err := escalation.NewAssignment(escalation.NewAssignmentParams{
		ID:            uuid.NewString(),
		StudentUserID: shared.UserID(cmd.StudentUserID),
		InstitutionID: shared.InstitutionID(cmd.InstitutionID),
		AssigneeID:    shared.UserID(cmd.AssigneeUserID),
		Priority:      priority,
		Reason:        cmd.Reason,
		RiskLevel:     level,
		Source:        escalation.SourceStaff,
		CreatedBy:     shared.UserID(cmd.CreatedBy),
		Now:           h.deps.Now(),
	})
	if err != nil {
		return nil, err
	}

	if err := create(ctx, h.deps, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ESCALATE COMMAND
// The system reacts to a risky profile. An existing open assignment has
// its priority raised instead of failing as a duplicate.
// ══════════════════════════════════════════════════════════════════════════════

// maxEscalateRounds bounds the create/upgrade race loop.
const maxEscalateRounds = 3

// EscalateCommand asks for a student to be covered by an assignment at
// the priority the risk level implies.
type EscalateCommand struct {
	StudentUserID string
	InstitutionID string
	RiskLevel     risk.Level
	Reason        string
}

// EscalateResult reports what escalation did.
type EscalateResult struct {
	Assignment *escalation.Assignment
	Created    bool
	Upgraded   bool
}

// EscalateHandler handles EscalateCommand.
type EscalateHandler struct {
	deps AssignmentDeps
}

// NewEscalateHandler creates an EscalateHandler.
func NewEscalateHandler(deps AssignmentDeps) *EscalateHandler {
	return &EscalateHandler{deps: deps.withDefaults()}
}

// Handle creates a pending assignment or upgrades the open one.
func (h *EscalateHandler) Handle(ctx context.Context, cmd EscalateCommand) (*EscalateResult, error) {
	student := shared.UserID(cmd.StudentUserID)
	if student.IsEmpty() {
		return nil, shared.NewDomainError("escalation", "Escalate", shared.ErrEmptyValue, "student is required")
	}
	if !cmd.RiskLevel.IsValid() {
		return nil, shared.NewDomainError("escalation", "Escalate", shared.ErrInvalidInput, "invalid risk level")
	}
	priority := escalation.PriorityForLevel(cmd.RiskLevel)

	for round := 0; round < maxEscalateRounds; round++ {
		open, err := h.deps.Assignments.FindOpenByStudent(ctx, student)
		switch {
		case errors.Is(err, escalation.ErrAssignmentNotFound):
			res, err := h.createNew(ctx, cmd, priority)
			if errors.Is(err, escalation.ErrDuplicateActiveAssignment) {
				continue
			}
			return res, err

		case err != nil:
			return nil, fmt.Errorf("escalate: find open assignment: %w", err)
		}

		res, err := h.upgrade(ctx, open, priority)
		if errors.Is(err, escalation.ErrInvalidTransition) {
			// Completed between the lookup and the save.
			continue
		}
		return res, err
	}
	return nil, escalation.ErrStaleAssignment
}

func (h *EscalateHandler) createNew(ctx context.Context, cmd EscalateCommand, priority escalation.Priority) (*EscalateResult, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = fmt.Sprintf("risk level reached %s", cmd.RiskLevel)
	}

	a, err := escalation.NewAssignment(escalation.NewAssignmentParams{
		ID:            uuid.NewString(),
		StudentUserID: shared.UserID(cmd.StudentUserID),
		InstitutionID: shared.InstitutionID(cmd.InstitutionID),
		Priority:      priority,
		Reason:        reason,
		RiskLevel:     cmd.RiskLevel,
		Source:        escalation.SourceSystem,
		Now:           h.deps.Now(),
	})
	if err != nil {
		return nil, err
	}
	if err := create(ctx, h.deps, a); err != nil {
		return nil, err
	}
	return &EscalateResult{Assignment: a, Created: true}, nil
}

func (h *EscalateHandler) upgrade(ctx context.Context, open *escalation.Assignment, priority escalation.Priority) (*EscalateResult, error) {
	if priority.Rank() <= open.Priority.Rank() {
		return &EscalateResult{Assignment: open}, nil
	}

	var raised bool
	a, _, err := h.deps.mutate(ctx, open.ID, "", "priority raised by system", func(a *escalation.Assignment) error {
		if !a.Status.IsOpen() {
			return escalation.ErrInvalidTransition
		}
		if priority.Rank() <= a.Priority.Rank() {
			raised = false
			return errUnchanged
		}
		var err error
		raised, err = a.RaisePriority(priority, h.deps.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	if raised {
		h.deps.publish(ctx, shared.EventPriorityRaised, a, "")
		h.deps.Logger.Info("assignment priority raised",
			logger.AssignmentID(a.ID),
			logger.UserID(a.StudentUserID.String()),
			zap.String("priority", string(a.Priority)),
		)
	}
	return &EscalateResult{Assignment: a, Upgraded: raised}, nil
}

func create(ctx context.Context, deps AssignmentDeps, a *escalation.Assignment) error {
	h := escalation.NewHistoryEntry(a, "", a.CreatedBy, a.Reason)
	if err := deps.Assignments.Create(ctx, a, h); err != nil {
		return err
	}

	deps.Metrics.AssignmentTransition(string(escalation.StatusPending))
	deps.publish(ctx, shared.EventAssignmentCreated, a, a.CreatedBy)
	deps.Logger.Info("assignment created",
		logger.AssignmentID(a.ID),
		logger.UserID(a.StudentUserID.String()),
		logger.InstitutionID(a.InstitutionID.String()),
		zap.String("priority", string(a.Priority)),
		zap.String("source", string(a.Source)),
	)
	return nil
}
