/*
workflow.go - Approval submissions

PURPOSE:
  A submission asks a set of approvers to sign off one line for one
  processing month. Period lines are submitted directly by finance; Activity
  lines reach this file through SubmitActivityForApproval in activity.go.

STATE MACHINE:
  Submission:  (none) -> Pending -> Approved | Rejected | Recalled
  PoLine:      Draft/Rejected/Recalled/Returned -> Submitted -> Approved | Rejected | Recalled
               Recalled -> Draft on edit (engine.go)

EXCLUSIVITY:
  At most one Pending submission exists per (line, month). Submitting again
  while one is pending is a no-op reported in SubmitResult.Skipped. The store
  enforces this too, so concurrent submits cannot create a duplicate.

ATOMICITY:
  Each operation runs in one Store.WithTx. A failure on any line of a batch
  rolls back every line in the batch.
*/
package accrual

import (
	"context"
	"fmt"
	"strings"
)

// SubmitRequest submits Period lines for approval.
type SubmitRequest struct {
	PoLineIDs       []string
	ApproverIDs     []string
	SubmittedBy     string
	ProcessingMonth string
}

type SubmitResult struct {
	Created []ApprovalSubmission
	Skipped []string // line ids that already had a Pending submission
}

// Affected is the number of submissions actually created.
func (r SubmitResult) Affected() int { return len(r.Created) }

// SubmitForApproval sends Period lines to the approvers. Activity lines go
// through SubmitActivityForApproval.
func (e *Engine) SubmitForApproval(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	approvers := dedupe(req.ApproverIDs)
	if len(approvers) == 0 {
		return SubmitResult{}, newValidation(CodeMissingApprovers, "approverIds", "select at least one approver")
	}
	lineIDs := dedupe(req.PoLineIDs)
	if len(lineIDs) == 0 {
		return SubmitResult{}, newValidation(CodeMissingLines, "poLineIds", "select at least one line")
	}
	month, err := parseMonthStrict(req.ProcessingMonth)
	if err != nil {
		return SubmitResult{}, err
	}

	var result SubmitResult
	err = e.store.WithTx(ctx, func(s Store) error {
		for _, id := range lineIDs {
			line, err := s.GetLine(ctx, id)
			if err != nil {
				return err
			}
			if line.Category != CategoryPeriod {
				return newValidation(CodeInvalidCategory, "poLineIds",
					"line %s is an %s line; submit it through its assignments", line.ID, line.Category)
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
			Payload: map[string]any{"po_line_id": sub.PoLineID, "approver_ids": sub.ApproverIDs, "processing_month": sub.ProcessingMonth},
		})
	}
	e.log.Info().Int("created", len(result.Created)).Int("skipped", len(result.Skipped)).
		Str("month", month.Label()).Msg("lines submitted for approval")
	return result, nil
}

// submitLine creates a Pending submission and flips the line to Submitted.
// Returns created=false when a Pending submission already exists.
func (e *Engine) submitLine(ctx context.Context, s Store, line PoLine, approvers []string, by, month string) (ApprovalSubmission, bool, error) {
	if line.Status == LineApproved {
		return ApprovalSubmission{}, false, &TransitionError{Entity: "po_line", ID: line.ID, From: string(line.Status), Action: "submit"}
	}
	existing, err := s.FindPendingSubmission(ctx, line.ID, month)
	if err != nil {
		return ApprovalSubmission{}, false, fmt.Errorf("find pending submission: %w", err)
	}
	if existing != nil {
		return *existing, false, nil
	}

	now := e.now().UTC()
	sub := ApprovalSubmission{
		ID:              e.newID(),
		PoLineID:        line.ID,
		Category:        line.Category,
		SubmittedBy:     by,
		ApproverIDs:     approvers,
		Status:          SubmissionPending,
		ProcessingMonth: month,
		SubmittedAt:     now,
	}
	created, err := s.CreateSubmission(ctx, sub)
	if err != nil {
		return ApprovalSubmission{}, false, fmt.Errorf("create submission: %w", err)
	}
	if !created {
		return sub, false, nil
	}
	line.Status = LineSubmitted
	line.UpdatedAt = now
	if err := s.UpdateLine(ctx, line); err != nil {
		return ApprovalSubmission{}, false, fmt.Errorf("update line status: %w", err)
	}
	return sub, true, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

// DecisionResult is returned by approve, reject and recall.
type DecisionResult struct {
	SubmissionID  string
	PoLineID      string
	Status        SubmissionStatus
	LineStatus    LineStatus
	FullyRecalled bool
}

func (e *Engine) ApproveSubmission(ctx context.Context, id, decidedBy string) (DecisionResult, error) {
	return e.decide(ctx, id, decidedBy, "approve", SubmissionApproved, "")
}

// RejectSubmission rejects a Pending submission. For Activity lines the
// submitted assignments go back to their owners as Returned.
func (e *Engine) RejectSubmission(ctx context.Context, id, decidedBy, reason string) (DecisionResult, error) {
	return e.decide(ctx, id, decidedBy, "reject", SubmissionRejected, strings.TrimSpace(reason))
}

// RecallSubmission pulls a Pending submission back before a decision.
func (e *Engine) RecallSubmission(ctx context.Context, id, recalledBy string) (DecisionResult, error) {
	return e.decide(ctx, id, recalledBy, "recall", SubmissionRecalled, "")
}

func (e *Engine) decide(ctx context.Context, id, actor, action string, to SubmissionStatus, reason string) (DecisionResult, error) {
	var result DecisionResult
	err := e.store.WithTx(ctx, func(s Store) error {
		sub, err := s.GetSubmission(ctx, id)
		if err != nil {
			return err
		}
		if sub.Status != SubmissionPending {
			return &TransitionError{Entity: "submission", ID: sub.ID, From: string(sub.Status), Action: action}
		}
		line, err := s.GetLine(ctx, sub.PoLineID)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		sub.Status = to
		sub.DecidedBy = actor
		sub.DecidedAt = &now
		sub.RejectionReason = reason
		if err := s.UpdateSubmission(ctx, sub); err != nil {
			return fmt.Errorf("update submission: %w", err)
		}

		lineStatus, assignmentStatus := decisionTargets(line.Category, to)
		if line.Category == CategoryActivity {
			if err := e.settleSubmittedAssignments(ctx, s, line.ID, assignmentStatus, reason); err != nil {
				return err
			}
		}
		line.Status = lineStatus
		line.UpdatedAt = now
		if err := s.UpdateLine(ctx, line); err != nil {
			return fmt.Errorf("update line status: %w", err)
		}

		result = DecisionResult{
			SubmissionID:  sub.ID,
			PoLineID:      line.ID,
			Status:        sub.Status,
			LineStatus:    line.Status,
			FullyRecalled: to == SubmissionRecalled,
		}
		return nil
	})
	if err != nil {
		return DecisionResult{}, err
	}

	auditAction := map[SubmissionStatus]AuditAction{
		SubmissionApproved: AuditApproved,
		SubmissionRejected: AuditRejected,
		SubmissionRecalled: AuditRecalled,
	}[to]
	e.audit(ctx, AuditEntry{
		ActorID: actor, Action: auditAction, EntityType: "submission", EntityID: id,
		Payload: map[string]any{"po_line_id": result.PoLineID, "reason": reason},
	})
	return result, nil
}

// decisionTargets maps a submission outcome to the line status and the status
// submitted Activity assignments move to.
func decisionTargets(category Category, to SubmissionStatus) (LineStatus, AssignmentStatus) {
	switch to {
	case SubmissionApproved:
		return LineApproved, AssignmentApproved
	case SubmissionRejected:
		if category == CategoryActivity {
			return LineReturned, AssignmentReturned
		}
		return LineRejected, AssignmentReturned
	default:
		return LineRecalled, AssignmentRecalled
	}
}

func (e *Engine) settleSubmittedAssignments(ctx context.Context, s Store, lineID string, to AssignmentStatus, comment string) error {
	assignments, err := s.ListAssignments(ctx, lineID)
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}
	now := e.now().UTC()
	for _, a := range assignments {
		if a.Status != AssignmentSubmitted {
			continue
		}
		a.Status = to
		a.UpdatedAt = now
		if to == AssignmentReturned {
			a.ReturnComment = comment
			a.ReturnedAt = &now
		}
		if err := s.UpdateAssignment(ctx, a); err != nil {
			return fmt.Errorf("update assignment %s: %w", a.ID, err)
		}
	}
	return nil
}

// NudgeSubmission bumps the reminder counter on a Pending submission.
func (e *Engine) NudgeSubmission(ctx context.Context, id, actor string) (ApprovalSubmission, error) {
	var sub ApprovalSubmission
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		sub, err = s.GetSubmission(ctx, id)
		if err != nil {
			return err
		}
		if sub.Status != SubmissionPending {
			return &TransitionError{Entity: "submission", ID: sub.ID, From: string(sub.Status), Action: "nudge"}
		}
		now := e.now().UTC()
		sub.NudgeCount++
		sub.LastNudgedAt = &now
		return s.UpdateSubmission(ctx, sub)
	})
	if err != nil {
		return ApprovalSubmission{}, err
	}
	e.audit(ctx, AuditEntry{
		ActorID: actor, Action: AuditNudged, EntityType: "submission", EntityID: id,
		Payload: map[string]any{"nudge_count": sub.NudgeCount},
	})
	return sub, nil
}

func (e *Engine) GetSubmission(ctx context.Context, id string) (ApprovalSubmission, error) {
	return e.store.GetSubmission(ctx, id)
}

func (e *Engine) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]ApprovalSubmission, error) {
	return e.store.ListSubmissions(ctx, filter)
}

// dedupe trims, drops empties and keeps first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
