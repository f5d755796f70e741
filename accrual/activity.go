/*
activity.go - Activity-line assignments

PURPOSE:
  Activity lines are provisioned from a completion percentage supplied by
  business users. Finance assigns one or more users to a line; the first
  active assignment is primary and the line's status mirrors it.

STATE MACHINE (assignment):
  Assigned -> Responded -> Submitted -> Approved
  Assigned/Responded -> Returned   (assignee sends it back, comment required)
  Assigned/Responded/Submitted -> Recalled   (finance pulls it back)

RECALL:
  Recalling the only active assignment deletes it (and its response), marks
  the line Recalled and recalls any Pending submission for it. Recalling one
  of several only touches that assignment; siblings are never deleted. The
  line becomes Recalled only when no assignment in
  {Assigned, Responded, Submitted, Approved} survives.
*/
package accrual

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssignRequest assigns users to an Activity line.
type AssignRequest struct {
	PoLineID    string
	AssigneeIDs []string
	AssignedBy  string
}

// AssignActivity creates one assignment per new assignee. Assignees who
// already hold an active assignment on the line are skipped.
func (e *Engine) AssignActivity(ctx context.Context, req AssignRequest) ([]ActivityAssignment, error) {
	assignees := dedupe(req.AssigneeIDs)
	if len(assignees) == 0 {
		return nil, newValidation(CodeMissingApprovers, "assigneeIds", "select at least one assignee")
	}

	var created []ActivityAssignment
	err := e.store.WithTx(ctx, func(s Store) error {
		line, err := s.GetLine(ctx, req.PoLineID)
		if err != nil {
			return err
		}
		if line.Category != CategoryActivity {
			return newValidation(CodeInvalidCategory, "poLineId", "line %s is not an Activity line", line.ID)
		}
		if line.Status == LineApproved {
			return &TransitionError{Entity: "po_line", ID: line.ID, From: string(line.Status), Action: "assign"}
		}

		existing, err := s.ListAssignments(ctx, line.ID)
		if err != nil {
			return fmt.Errorf("list assignments: %w", err)
		}
		holders := make(map[string]bool)
		hasPrimary := false
		for _, a := range existing {
			if a.Status.Active() {
				holders[a.AssigneeID] = true
				hasPrimary = hasPrimary || a.IsPrimary
			}
		}

		now := e.now().UTC()
		for _, user := range assignees {
			if holders[user] {
				continue
			}
			a := ActivityAssignment{
				ID:         e.newID(),
				PoLineID:   line.ID,
				AssigneeID: user,
				AssignedBy: req.AssignedBy,
				Status:     AssignmentAssigned,
				IsPrimary:  !hasPrimary,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := s.CreateAssignment(ctx, a); err != nil {
				if errors.Is(err, ErrDuplicateAssignment) {
					continue
				}
				return fmt.Errorf("create assignment: %w", err)
			}
			hasPrimary = true
			created = append(created, a)
		}

		if len(created) > 0 && (line.Status == LineRecalled || line.Status == LineReturned || line.Status == LineRejected) {
			line.Status = LineDraft
			line.UpdatedAt = now
			if err := s.UpdateLine(ctx, line); err != nil {
				return fmt.Errorf("update line status: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range created {
		e.audit(ctx, AuditEntry{
			ActorID: req.AssignedBy, Action: AuditAssigned, EntityType: "assignment", EntityID: a.ID,
			Payload: map[string]any{"po_line_id": a.PoLineID, "assignee_id": a.AssigneeID, "primary": a.IsPrimary},
		})
	}
	return created, nil
}

// RespondRequest is a business user's answer on an assignment.
type RespondRequest struct {
	AssignmentID     string
	CompletionStatus string
	ProvisionPercent *decimal.Decimal
	ProvisionAmount  *decimal.Decimal
	Comment          string
	RespondedBy      string
}

// RespondActivity stores (or replaces) the response and marks the assignment
// Responded.
func (e *Engine) RespondActivity(ctx context.Context, req RespondRequest) (ActivityAssignment, error) {
	if p := req.ProvisionPercent; p != nil && (p.IsNegative() || p.GreaterThan(hundred)) {
		return ActivityAssignment{}, newValidation(CodeInvalidPercent, "provisionPercent",
			"percent must be between 0 and 100, got %s", p.String())
	}
	if a := req.ProvisionAmount; a != nil && a.IsNegative() {
		return ActivityAssignment{}, newValidation(CodeInvalidAmount, "provisionAmount", "amount must not be negative")
	}

	var updated ActivityAssignment
	err := e.store.WithTx(ctx, func(s Store) error {
		a, err := s.GetAssignment(ctx, req.AssignmentID)
		if err != nil {
			return err
		}
		if a.Status != AssignmentAssigned && a.Status != AssignmentResponded {
			return &TransitionError{Entity: "assignment", ID: a.ID, From: string(a.Status), Action: "respond to"}
		}
		now := e.now().UTC()
		if err := s.UpsertResponse(ctx, BusinessResponse{
			AssignmentID:     a.ID,
			CompletionStatus: req.CompletionStatus,
			ProvisionPercent: req.ProvisionPercent,
			ProvisionAmount:  req.ProvisionAmount,
			Comment:          req.Comment,
			RespondedBy:      req.RespondedBy,
			RespondedAt:      now,
		}); err != nil {
			return fmt.Errorf("upsert response: %w", err)
		}
		a.Status = AssignmentResponded
		a.UpdatedAt = now
		if err := s.UpdateAssignment(ctx, a); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		updated = a
		return e.mirrorPrimary(ctx, s, a.PoLineID)
	})
	if err != nil {
		return ActivityAssignment{}, err
	}

	e.audit(ctx, AuditEntry{
		ActorID: req.RespondedBy, Action: AuditResponded, EntityType: "assignment", EntityID: updated.ID,
		Payload: map[string]any{"po_line_id": updated.PoLineID, "completion_status": req.CompletionStatus},
	})
	return updated, nil
}

// ActivitySubmitRequest hands responded assignments over for approval.
type ActivitySubmitRequest struct {
	AssignmentIDs   []string
	ApproverIDs     []string
	SubmittedBy     string
	ProcessingMonth string
}

// SubmitActivityForApproval moves each assignment to Submitted and ensures a
// Pending submission exists for its line. Assignments need a response first.
func (e *Engine) SubmitActivityForApproval(ctx context.Context, req ActivitySubmitRequest) (SubmitResult, error) {
	approvers := dedupe(req.ApproverIDs)
	if len(approvers) == 0 {
		return SubmitResult{}, newValidation(CodeMissingApprovers, "approverIds", "select at least one approver")
	}
	ids := dedupe(req.AssignmentIDs)
	if len(ids) == 0 {
		return SubmitResult{}, newValidation(CodeMissingLines, "assignmentIds", "select at least one assignment")
	}
	month, err := parseMonthStrict(req.ProcessingMonth)
	if err != nil {
		return SubmitResult{}, err
	}

	var result SubmitResult
	err = e.store.WithTx(ctx, func(s Store) error {
		submitted := make(map[string]bool)
		for _, id := range ids {
			a, err := s.GetAssignment(ctx, id)
			if err != nil {
				return err
			}
			if a.Status == AssignmentAssigned {
				return newValidation(CodeMissingResponse, "assignmentIds", "assignment %s has no response", a.ID)
			}
			if a.Status != AssignmentResponded {
				return &TransitionError{Entity: "assignment", ID: a.ID, From: string(a.Status), Action: "submit"}
			}
			resp, err := s.GetResponse(ctx, a.ID)
			if err != nil {
				return fmt.Errorf("get response: %w", err)
			}
			if resp == nil {
				return newValidation(CodeMissingResponse, "assignmentIds", "assignment %s has no response", a.ID)
			}
			a.Status = AssignmentSubmitted
			a.UpdatedAt = e.now().UTC()
			if err := s.UpdateAssignment(ctx, a); err != nil {
				return fmt.Errorf("update assignment: %w", err)
			}

			if submitted[a.PoLineID] {
				continue
			}
			submitted[a.PoLineID] = true
			line, err := s.GetLine(ctx, a.PoLineID)
			if err != nil {
				return err
			}
			sub, created, err := e.submitLine(ctx, s, line, approvers, req.SubmittedBy, month.Label())
			if err != nil {
				return err
			}
			if created {
				result.Created = append(result.Created, sub)
			} else {
				result.Skipped = append(result.Skipped, line.ID)
			}
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	for _, sub := range result.Created {
		e.audit(ctx, AuditEntry{
			ActorID: req.SubmittedBy, Action: AuditSubmitted, EntityType: "submission", EntityID: sub.ID,
			Payload: map[string]any{"po_line_id": sub.PoLineID, "category": string(CategoryActivity)},
		})
	}
	return result, nil
}

// ReturnAssignment sends an assignment back to finance. A comment is required.
// Returning the primary while siblings are active hands the primary flag to
// the earliest survivor.
func (e *Engine) ReturnAssignment(ctx context.Context, assignmentID, comment, actor string) (ActivityAssignment, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return ActivityAssignment{}, newValidation(CodeMissingComment, "comment", "a comment is required to return an assignment")
	}

	var updated ActivityAssignment
	err := e.store.WithTx(ctx, func(s Store) error {
		a, err := s.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.Status != AssignmentAssigned && a.Status != AssignmentResponded {
			return &TransitionError{Entity: "assignment", ID: a.ID, From: string(a.Status), Action: "return"}
		}
		siblings, err := s.ListAssignments(ctx, a.PoLineID)
		if err != nil {
			return fmt.Errorf("list assignments: %w", err)
		}
		var survivors []ActivityAssignment
		for _, sib := range siblings {
			if sib.ID != a.ID && sib.Status.Active() {
				survivors = append(survivors, sib)
			}
		}

		now := e.now().UTC()
		// A lone primary keeps the flag so the line mirrors Returned.
		promote := a.IsPrimary && len(survivors) > 0
		a.Status = AssignmentReturned
		a.ReturnComment = comment
		a.ReturnedAt = &now
		a.UpdatedAt = now
		if promote {
			a.IsPrimary = false
		}
		if err := s.UpdateAssignment(ctx, a); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		if promote {
			if err := promotePrimary(ctx, s, survivors, now); err != nil {
				return err
			}
		}
		updated = a
		return e.mirrorPrimary(ctx, s, a.PoLineID)
	})
	if err != nil {
		return ActivityAssignment{}, err
	}

	e.audit(ctx, AuditEntry{
		ActorID: actor, Action: AuditReturned, EntityType: "assignment", EntityID: assignmentID,
		Payload: map[string]any{"po_line_id": updated.PoLineID, "comment": comment},
	})
	return updated, nil
}

// RecallResult describes what a recall changed.
type RecallResult struct {
	AssignmentID    string
	PoLineID        string
	FullyRecalled   bool
	Deleted         bool
	RemainingActive int
	LineStatus      LineStatus
}

func (e *Engine) RecallAssignment(ctx context.Context, assignmentID, actor string) (RecallResult, error) {
	result := RecallResult{AssignmentID: assignmentID}
	err := e.store.WithTx(ctx, func(s Store) error {
		a, err := s.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if !a.Status.Active() || a.Status == AssignmentApproved {
			return &TransitionError{Entity: "assignment", ID: a.ID, From: string(a.Status), Action: "recall"}
		}
		line, err := s.GetLine(ctx, a.PoLineID)
		if err != nil {
			return err
		}
		siblings, err := s.ListAssignments(ctx, line.ID)
		if err != nil {
			return fmt.Errorf("list assignments: %w", err)
		}

		var survivors []ActivityAssignment
		for _, sib := range siblings {
			if sib.ID != a.ID && sib.Status.Active() {
				survivors = append(survivors, sib)
			}
		}
		result.PoLineID = line.ID
		result.RemainingActive = len(survivors)
		now := e.now().UTC()

		if len(survivors) == 0 {
			if err := s.DeleteAssignment(ctx, a.ID); err != nil {
				return fmt.Errorf("delete assignment: %w", err)
			}
			if err := e.recallPendingSubmissions(ctx, s, line.ID, actor); err != nil {
				return err
			}
			line.Status = LineRecalled
			line.UpdatedAt = now
			if err := s.UpdateLine(ctx, line); err != nil {
				return fmt.Errorf("update line status: %w", err)
			}
			result.Deleted = true
			result.FullyRecalled = true
			result.LineStatus = line.Status
			return nil
		}

		wasPrimary := a.IsPrimary
		a.Status = AssignmentRecalled
		a.IsPrimary = false
		a.UpdatedAt = now
		if err := s.UpdateAssignment(ctx, a); err != nil {
			return fmt.Errorf("update assignment: %w", err)
		}
		if wasPrimary {
			if err := promotePrimary(ctx, s, survivors, now); err != nil {
				return err
			}
		}
		result.LineStatus = line.Status
		return nil
	})
	if err != nil {
		return RecallResult{}, err
	}

	e.audit(ctx, AuditEntry{
		ActorID: actor, Action: AuditRecalled, EntityType: "assignment", EntityID: assignmentID,
		Payload: map[string]any{"po_line_id": result.PoLineID, "fully_recalled": result.FullyRecalled},
	})
	return result, nil
}

func (e *Engine) recallPendingSubmissions(ctx context.Context, s Store, lineID, actor string) error {
	pending, err := s.ListSubmissions(ctx, SubmissionFilter{PoLineID: lineID, Status: SubmissionPending})
	if err != nil {
		return fmt.Errorf("list pending submissions: %w", err)
	}
	now := e.now().UTC()
	for _, sub := range pending {
		sub.Status = SubmissionRecalled
		sub.DecidedBy = actor
		sub.DecidedAt = &now
		if err := s.UpdateSubmission(ctx, sub); err != nil {
			return fmt.Errorf("recall submission %s: %w", sub.ID, err)
		}
	}
	return nil
}

// promotePrimary makes the earliest surviving assignment primary.
func promotePrimary(ctx context.Context, s Store, survivors []ActivityAssignment, now time.Time) error {
	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].CreatedAt.Before(survivors[j].CreatedAt)
	})
	next := survivors[0]
	next.IsPrimary = true
	next.UpdatedAt = now
	if err := s.UpdateAssignment(ctx, next); err != nil {
		return fmt.Errorf("promote primary assignment: %w", err)
	}
	return nil
}

// mirrorPrimary sets the line status from its primary active assignment.
func (e *Engine) mirrorPrimary(ctx context.Context, s Store, lineID string) error {
	assignments, err := s.ListAssignments(ctx, lineID)
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}
	// An active primary wins over one that was returned earlier.
	var primary *ActivityAssignment
	for i := range assignments {
		if !assignments[i].IsPrimary {
			continue
		}
		if primary == nil || (assignments[i].Status.Active() && !primary.Status.Active()) {
			primary = &assignments[i]
		}
	}
	if primary == nil {
		return nil
	}
	line, err := s.GetLine(ctx, lineID)
	if err != nil {
		return err
	}
	status := lineStatusFor(primary.Status)
	if status == line.Status {
		return nil
	}
	line.Status = status
	line.UpdatedAt = e.now().UTC()
	if err := s.UpdateLine(ctx, line); err != nil {
		return fmt.Errorf("update line status: %w", err)
	}
	return nil
}

func lineStatusFor(s AssignmentStatus) LineStatus {
	switch s {
	case AssignmentSubmitted:
		return LineSubmitted
	case AssignmentApproved:
		return LineApproved
	case AssignmentReturned:
		return LineReturned
	case AssignmentRecalled:
		return LineRecalled
	default:
		return LineDraft
	}
}

// NudgeAssignment reminds the assignee of an open assignment.
func (e *Engine) NudgeAssignment(ctx context.Context, assignmentID, actor string) (ActivityAssignment, error) {
	var a ActivityAssignment
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		a, err = s.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.Status != AssignmentAssigned && a.Status != AssignmentResponded {
			return &TransitionError{Entity: "assignment", ID: a.ID, From: string(a.Status), Action: "nudge"}
		}
		now := e.now().UTC()
		a.NudgeCount++
		a.LastNudgedAt = &now
		a.UpdatedAt = now
		return s.UpdateAssignment(ctx, a)
	})
	if err != nil {
		return ActivityAssignment{}, err
	}
	e.audit(ctx, AuditEntry{
		ActorID: actor, Action: AuditNudged, EntityType: "assignment", EntityID: assignmentID,
		Payload: map[string]any{"nudge_count": a.NudgeCount},
	})
	return a, nil
}

func (e *Engine) ListAssignments(ctx context.Context, poLineID string) ([]ActivityAssignment, error) {
	if _, err := e.store.GetLine(ctx, poLineID); err != nil {
		return nil, err
	}
	return e.store.ListAssignments(ctx, poLineID)
}
