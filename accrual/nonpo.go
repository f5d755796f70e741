package accrual

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// NON-PO FORMS
// =============================================================================
//
// Ad-hoc accruals without a purchase order. Finance creates a form and
// assigns it; the assignee fills in an amount (Responded), then submits it
// for approval (Submitted) or returns it with a comment (Returned).

// NewNonPoForm is the input to CreateNonPoForm.
type NewNonPoForm struct {
	Title           string
	Vendor          string
	Description     string
	EstimatedAmount decimal.Decimal
	ProcessingMonth string
	CreatedBy       string
}

func (e *Engine) CreateNonPoForm(ctx context.Context, in NewNonPoForm) (NonPoForm, error) {
	if strings.TrimSpace(in.Title) == "" {
		return NonPoForm{}, newValidation(CodeMissingTitle, "title", "title is required")
	}
	if in.EstimatedAmount.IsNegative() {
		return NonPoForm{}, newValidation(CodeInvalidAmount, "estimatedAmount", "amount must not be negative")
	}
	month, err := parseMonthStrict(in.ProcessingMonth)
	if err != nil {
		return NonPoForm{}, err
	}
	form := NonPoForm{
		ID:              e.newID(),
		Title:           strings.TrimSpace(in.Title),
		Vendor:          in.Vendor,
		Description:     in.Description,
		EstimatedAmount: in.EstimatedAmount,
		ProcessingMonth: month.Label(),
		CreatedBy:       in.CreatedBy,
		CreatedAt:       e.now().UTC(),
	}
	if err := e.store.CreateForm(ctx, form); err != nil {
		return NonPoForm{}, fmt.Errorf("create form: %w", err)
	}
	return form, nil
}

func (e *Engine) ListNonPoForms(ctx context.Context) ([]NonPoForm, error) {
	return e.store.ListForms(ctx)
}

func (e *Engine) ListNonPoAssignments(ctx context.Context, formID string) ([]NonPoAssignment, error) {
	if _, err := e.store.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	return e.store.ListFormAssignments(ctx, formID)
}

// AssignNonPoForm assigns a form to users. Users with an open assignment on
// the form are skipped.
func (e *Engine) AssignNonPoForm(ctx context.Context, formID string, assigneeIDs []string, by string) ([]NonPoAssignment, error) {
	assignees := dedupe(assigneeIDs)
	if len(assignees) == 0 {
		return nil, newValidation(CodeMissingApprovers, "assigneeIds", "select at least one assignee")
	}

	var created []NonPoAssignment
	err := e.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetForm(ctx, formID); err != nil {
			return err
		}
		existing, err := s.ListFormAssignments(ctx, formID)
		if err != nil {
			return fmt.Errorf("list form assignments: %w", err)
		}
		open := make(map[string]bool)
		for _, a := range existing {
			if a.Status != FormReturned {
				open[a.AssigneeID] = true
			}
		}
		now := e.now().UTC()
		for _, user := range assignees {
			if open[user] {
				continue
			}
			a := NonPoAssignment{
				ID: e.newID(), FormID: formID, AssigneeID: user, AssignedBy: by,
				Status: FormAssigned, CreatedAt: now, UpdatedAt: now,
			}
			if err := s.CreateFormAssignment(ctx, a); err != nil {
				return fmt.Errorf("create form assignment: %w", err)
			}
			created = append(created, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, a := range created {
		e.audit(ctx, AuditEntry{
			ActorID: by, Action: AuditAssigned, EntityType: "nonpo_assignment", EntityID: a.ID,
			Payload: map[string]any{"form_id": formID, "assignee_id": a.AssigneeID},
		})
	}
	return created, nil
}

// SaveNonPoSubmission records the assignee's figure and marks the
// assignment Responded. Saving again replaces the figure.
func (e *Engine) SaveNonPoSubmission(ctx context.Context, assignmentID string, amount decimal.Decimal, comment, by string) (NonPoAssignment, error) {
	if amount.IsNegative() {
		return NonPoAssignment{}, newValidation(CodeInvalidAmount, "provisionAmount", "amount must not be negative")
	}
	var updated NonPoAssignment
	err := e.store.WithTx(ctx, func(s Store) error {
		a, err := s.GetFormAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.Status != FormAssigned && a.Status != FormResponded {
			return &TransitionError{Entity: "nonpo_assignment", ID: a.ID, From: string(a.Status), Action: "respond to"}
		}
		now := e.now().UTC()
		if err := s.UpsertFormSubmission(ctx, NonPoSubmission{
			AssignmentID: a.ID, ProvisionAmount: amount, Comment: comment, SubmittedBy: by, SubmittedAt: now,
		}); err != nil {
			return fmt.Errorf("upsert form submission: %w", err)
		}
		a.Status = FormResponded
		a.UpdatedAt = now
		updated = a
		return s.UpdateFormAssignment(ctx, a)
	})
	if err != nil {
		return NonPoAssignment{}, err
	}
	e.audit(ctx, AuditEntry{
		ActorID: by, Action: AuditFormSubmitted, EntityType: "nonpo_assignment", EntityID: assignmentID,
		Payload: map[string]any{"amount": amount.String()},
	})
	return updated, nil
}

// SubmitNonPoForApproval requires a saved submission on the assignment.
func (e *Engine) SubmitNonPoForApproval(ctx context.Context, assignmentID, by string) (NonPoAssignment, error) {
	var updated NonPoAssignment
	err := e.store.WithTx(ctx, func(s Store) error {
		a, err := s.GetFormAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		sub, err := s.GetFormSubmission(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("get form submission: %w", err)
		}
		if sub == nil {
			return newValidation(CodeMissingSubmission, "assignmentId", "assignment %s has no submission yet", a.ID)
		}
		if a.Status != FormResponded {
			return &TransitionError{Entity: "nonpo_assignment", ID: a.ID, From: string(a.Status), Action: "submit"}
		}
		a.Status = FormSubmitted
		a.UpdatedAt = e.now().UTC()
		updated = a
		return s.UpdateFormAssignment(ctx, a)
	})
	if err != nil {
		return NonPoAssignment{}, err
	}
	e.audit(ctx, AuditEntry{ActorID: by, Action: AuditSubmitted, EntityType: "nonpo_assignment", EntityID: assignmentID})
	return updated, nil
}

// ReturnNonPoAssignment sends a form assignment back. A comment is required.
func (e *Engine) ReturnNonPoAssignment(ctx context.Context, assignmentID, comment, by string) (NonPoAssignment, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return NonPoAssignment{}, newValidation(CodeMissingComment, "comment", "a comment is required to return a form")
	}
	var updated NonPoAssignment
	err := e.store.WithTx(ctx, func(s Store) error {
		a, err := s.GetFormAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.Status != FormAssigned && a.Status != FormResponded {
			return &TransitionError{Entity: "nonpo_assignment", ID: a.ID, From: string(a.Status), Action: "return"}
		}
		a.Status = FormReturned
		a.ReturnComment = comment
		a.UpdatedAt = e.now().UTC()
		updated = a
		return s.UpdateFormAssignment(ctx, a)
	})
	if err != nil {
		return NonPoAssignment{}, err
	}
	e.audit(ctx, AuditEntry{
		ActorID: by, Action: AuditReturned, EntityType: "nonpo_assignment", EntityID: assignmentID,
		Payload: map[string]any{"comment": comment},
	})
	return updated, nil
}
