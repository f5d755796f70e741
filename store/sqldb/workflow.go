package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/accrual-engine/accrual"
)

// =============================================================================
// ACTIVITY ASSIGNMENTS
// =============================================================================

const assignmentColumns = `id, po_line_id, assignee_id, assigned_by, status, is_primary, nudge_count,
	last_nudged_at, return_comment, returned_at, created_at, updated_at`

// CreateAssignment relies on idx_assignments_active to reject a second
// active assignment for the same assignee.
func (s *Store) CreateAssignment(ctx context.Context, a accrual.ActivityAssignment) error {
	created, err := s.insertIgnore(ctx, `
		INSERT INTO activity_assignments (`+assignmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		a.ID, a.PoLineID, a.AssigneeID, a.AssignedBy, string(a.Status), boolInt(a.IsPrimary), a.NudgeCount,
		nullTime(a.LastNudgedAt), a.ReturnComment, nullTime(a.ReturnedAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	if !created {
		return accrual.ErrDuplicateAssignment
	}
	return nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (accrual.ActivityAssignment, error) {
	row := s.queryRow(ctx, "SELECT "+assignmentColumns+" FROM activity_assignments WHERE id = ?", id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.ActivityAssignment{}, &accrual.NotFoundError{Kind: "assignment", ID: id}
	}
	return a, err
}

func (s *Store) ListAssignments(ctx context.Context, poLineID string) ([]accrual.ActivityAssignment, error) {
	rows, err := s.query(ctx, "SELECT "+assignmentColumns+
		" FROM activity_assignments WHERE po_line_id = ? ORDER BY created_at, id", poLineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []accrual.ActivityAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAssignment(ctx context.Context, a accrual.ActivityAssignment) error {
	return s.execOne(ctx, "assignment", a.ID, `
		UPDATE activity_assignments SET status = ?, is_primary = ?, nudge_count = ?, last_nudged_at = ?,
			return_comment = ?, returned_at = ?, updated_at = ?
		WHERE id = ?`,
		string(a.Status), boolInt(a.IsPrimary), a.NudgeCount, nullTime(a.LastNudgedAt),
		a.ReturnComment, nullTime(a.ReturnedAt), formatTime(a.UpdatedAt), a.ID,
	)
}

func (s *Store) DeleteAssignment(ctx context.Context, id string) error {
	return s.atomically(ctx, func(ts *Store) error {
		if _, err := ts.exec(ctx, "DELETE FROM business_responses WHERE assignment_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete response: %w", err)
		}
		return ts.execOne(ctx, "assignment", id, "DELETE FROM activity_assignments WHERE id = ?", id)
	})
}

func scanAssignment(row scanner) (accrual.ActivityAssignment, error) {
	var (
		a                      accrual.ActivityAssignment
		status                 string
		isPrimary              int
		lastNudged, returnedAt sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&a.ID, &a.PoLineID, &a.AssigneeID, &a.AssignedBy, &status, &isPrimary, &a.NudgeCount,
		&lastNudged, &a.ReturnComment, &returnedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan assignment: %w", err)
	}
	var d decoder
	a.Status = accrual.AssignmentStatus(status)
	a.IsPrimary = isPrimary != 0
	a.LastNudgedAt = d.timePtr(lastNudged)
	a.ReturnedAt = d.timePtr(returnedAt)
	a.CreatedAt = d.time(createdAt)
	a.UpdatedAt = d.time(updatedAt)
	return a, d.err
}

// =============================================================================
// BUSINESS RESPONSES
// =============================================================================

func (s *Store) UpsertResponse(ctx context.Context, r accrual.BusinessResponse) error {
	_, err := s.exec(ctx, `
		INSERT INTO business_responses
			(assignment_id, completion_status, provision_amount, provision_percent, comment, responded_by, responded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (assignment_id) DO UPDATE SET
			completion_status = excluded.completion_status,
			provision_amount = excluded.provision_amount,
			provision_percent = excluded.provision_percent,
			comment = excluded.comment,
			responded_by = excluded.responded_by,
			responded_at = excluded.responded_at`,
		r.AssignmentID, r.CompletionStatus, nullDecimal(r.ProvisionAmount), nullDecimal(r.ProvisionPercent),
		r.Comment, r.RespondedBy, formatTime(r.RespondedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert response: %w", err)
	}
	return nil
}

func (s *Store) GetResponse(ctx context.Context, assignmentID string) (*accrual.BusinessResponse, error) {
	var (
		r               accrual.BusinessResponse
		amount, percent sql.NullString
		respondedAt     string
	)
	err := s.queryRow(ctx, `
		SELECT assignment_id, completion_status, provision_amount, provision_percent, comment, responded_by, responded_at
		FROM business_responses WHERE assignment_id = ?`, assignmentID,
	).Scan(&r.AssignmentID, &r.CompletionStatus, &amount, &percent, &r.Comment, &r.RespondedBy, &respondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	var d decoder
	r.ProvisionAmount = d.decimalPtr(amount)
	r.ProvisionPercent = d.decimalPtr(percent)
	r.RespondedAt = d.time(respondedAt)
	if d.err != nil {
		return nil, d.err
	}
	return &r, nil
}

// =============================================================================
// APPROVAL SUBMISSIONS
// =============================================================================

const submissionColumns = `id, po_line_id, category, submitted_by, approver_ids_json, status, processing_month,
	nudge_count, last_nudged_at, decided_by, decided_at, rejection_reason, submitted_at`

// CreateSubmission relies on idx_submissions_pending: a second Pending row
// for the same line and month is silently not inserted.
func (s *Store) CreateSubmission(ctx context.Context, sub accrual.ApprovalSubmission) (bool, error) {
	approvers, err := json.Marshal(nonNil(sub.ApproverIDs))
	if err != nil {
		return false, fmt.Errorf("failed to encode approvers: %w", err)
	}
	created, err := s.insertIgnore(ctx, `
		INSERT INTO approval_submissions (`+submissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		sub.ID, sub.PoLineID, string(sub.Category), sub.SubmittedBy, string(approvers), string(sub.Status),
		sub.ProcessingMonth, sub.NudgeCount, nullTime(sub.LastNudgedAt), sub.DecidedBy, nullTime(sub.DecidedAt),
		sub.RejectionReason, formatTime(sub.SubmittedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert submission: %w", err)
	}
	return created, nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (accrual.ApprovalSubmission, error) {
	row := s.queryRow(ctx, "SELECT "+submissionColumns+" FROM approval_submissions WHERE id = ?", id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.ApprovalSubmission{}, &accrual.NotFoundError{Kind: "submission", ID: id}
	}
	return sub, err
}

func (s *Store) FindPendingSubmission(ctx context.Context, poLineID, month string) (*accrual.ApprovalSubmission, error) {
	row := s.queryRow(ctx, "SELECT "+submissionColumns+
		" FROM approval_submissions WHERE po_line_id = ? AND processing_month = ? AND status = ?",
		poLineID, month, string(accrual.SubmissionPending))
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) ListSubmissions(ctx context.Context, filter accrual.SubmissionFilter) ([]accrual.ApprovalSubmission, error) {
	var (
		where []string
		args  []any
	)
	if filter.PoLineID != "" {
		where = append(where, "po_line_id = ?")
		args = append(args, filter.PoLineID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ProcessingMonth != "" {
		where = append(where, "processing_month = ?")
		args = append(args, filter.ProcessingMonth)
	}
	query := "SELECT " + submissionColumns + " FROM approval_submissions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY submitted_at, id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var out []accrual.ApprovalSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSubmission(ctx context.Context, sub accrual.ApprovalSubmission) error {
	approvers, err := json.Marshal(nonNil(sub.ApproverIDs))
	if err != nil {
		return fmt.Errorf("failed to encode approvers: %w", err)
	}
	return s.execOne(ctx, "submission", sub.ID, `
		UPDATE approval_submissions SET approver_ids_json = ?, status = ?, nudge_count = ?, last_nudged_at = ?,
			decided_by = ?, decided_at = ?, rejection_reason = ?
		WHERE id = ?`,
		string(approvers), string(sub.Status), sub.NudgeCount, nullTime(sub.LastNudgedAt),
		sub.DecidedBy, nullTime(sub.DecidedAt), sub.RejectionReason, sub.ID,
	)
}

func scanSubmission(row scanner) (accrual.ApprovalSubmission, error) {
	var (
		sub                   accrual.ApprovalSubmission
		category, status      string
		approvers             string
		lastNudged, decidedAt sql.NullString
		submittedAt           string
	)
	err := row.Scan(&sub.ID, &sub.PoLineID, &category, &sub.SubmittedBy, &approvers, &status,
		&sub.ProcessingMonth, &sub.NudgeCount, &lastNudged, &sub.DecidedBy, &decidedAt,
		&sub.RejectionReason, &submittedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sub, err
		}
		return sub, fmt.Errorf("failed to scan submission: %w", err)
	}
	if err := json.Unmarshal([]byte(approvers), &sub.ApproverIDs); err != nil {
		return sub, fmt.Errorf("bad stored approvers for submission %s: %w", sub.ID, err)
	}
	var d decoder
	sub.Category = accrual.Category(category)
	sub.Status = accrual.SubmissionStatus(status)
	sub.LastNudgedAt = d.timePtr(lastNudged)
	sub.DecidedAt = d.timePtr(decidedAt)
	sub.SubmittedAt = d.time(submittedAt)
	return sub, d.err
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// =============================================================================
// RULES AND APPROVERS
// =============================================================================

const ruleColumns = `id, name, priority, conditions_json, actions_json, applies_to, is_active, created_at, updated_at`

func (s *Store) SaveRule(ctx context.Context, rule accrual.ApprovalRule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode rule conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode rule actions: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO approval_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			priority = excluded.priority,
			conditions_json = excluded.conditions_json,
			actions_json = excluded.actions_json,
			applies_to = excluded.applies_to,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		rule.ID, rule.Name, rule.Priority, string(conditions), string(actions), rule.AppliesTo,
		boolInt(rule.IsActive), formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, id string) (accrual.ApprovalRule, error) {
	row := s.queryRow(ctx, "SELECT "+ruleColumns+" FROM approval_rules WHERE id = ?", id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.ApprovalRule{}, &accrual.NotFoundError{Kind: "rule", ID: id}
	}
	return rule, err
}

func (s *Store) ListRules(ctx context.Context) ([]accrual.ApprovalRule, error) {
	rows, err := s.query(ctx, "SELECT "+ruleColumns+" FROM approval_rules ORDER BY priority, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []accrual.ApprovalRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return s.execOne(ctx, "rule", id, "DELETE FROM approval_rules WHERE id = ?", id)
}

func scanRule(row scanner) (accrual.ApprovalRule, error) {
	var (
		rule                 accrual.ApprovalRule
		conditions, actions  string
		isActive             int
		createdAt, updatedAt string
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.Priority, &conditions, &actions, &rule.AppliesTo,
		&isActive, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rule, err
		}
		return rule, fmt.Errorf("failed to scan rule: %w", err)
	}
	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return rule, fmt.Errorf("bad stored conditions for rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
		return rule, fmt.Errorf("bad stored actions for rule %s: %w", rule.ID, err)
	}
	var d decoder
	rule.IsActive = isActive != 0
	rule.CreatedAt = d.time(createdAt)
	rule.UpdatedAt = d.time(updatedAt)
	return rule, d.err
}

func (s *Store) SaveApprover(ctx context.Context, a accrual.Approver) error {
	_, err := s.exec(ctx, `
		INSERT INTO approvers (id, name, email, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			active = excluded.active`,
		a.ID, a.Name, a.Email, boolInt(a.Active),
	)
	if err != nil {
		return fmt.Errorf("failed to save approver: %w", err)
	}
	return nil
}

func (s *Store) ListApprovers(ctx context.Context) ([]accrual.Approver, error) {
	rows, err := s.query(ctx,
		"SELECT id, name, email, active FROM approvers WHERE active = 1 ORDER BY LOWER(name), id")
	if err != nil {
		return nil, fmt.Errorf("failed to query approvers: %w", err)
	}
	defer rows.Close()

	var out []accrual.Approver
	for rows.Next() {
		var (
			a      accrual.Approver
			active int
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &active); err != nil {
			return nil, fmt.Errorf("failed to scan approver: %w", err)
		}
		a.Active = active != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// NON-PO FORMS
// =============================================================================

const formColumns = `id, title, vendor, description, estimated_amount, processing_month, created_by, created_at`

func (s *Store) CreateForm(ctx context.Context, f accrual.NonPoForm) error {
	_, err := s.exec(ctx, "INSERT INTO nonpo_forms ("+formColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		f.ID, f.Title, f.Vendor, f.Description, f.EstimatedAmount.String(), f.ProcessingMonth,
		f.CreatedBy, formatTime(f.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("form %s: %w", f.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert form: %w", err)
	}
	return nil
}

func (s *Store) GetForm(ctx context.Context, id string) (accrual.NonPoForm, error) {
	row := s.queryRow(ctx, "SELECT "+formColumns+" FROM nonpo_forms WHERE id = ?", id)
	f, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.NonPoForm{}, &accrual.NotFoundError{Kind: "nonpo_form", ID: id}
	}
	return f, err
}

func (s *Store) ListForms(ctx context.Context) ([]accrual.NonPoForm, error) {
	rows, err := s.query(ctx, "SELECT "+formColumns+" FROM nonpo_forms ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query forms: %w", err)
	}
	defer rows.Close()

	var out []accrual.NonPoForm
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanForm(row scanner) (accrual.NonPoForm, error) {
	var (
		f                 accrual.NonPoForm
		amount, createdAt string
	)
	err := row.Scan(&f.ID, &f.Title, &f.Vendor, &f.Description, &amount, &f.ProcessingMonth,
		&f.CreatedBy, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, err
		}
		return f, fmt.Errorf("failed to scan form: %w", err)
	}
	var d decoder
	f.EstimatedAmount = d.decimal(amount)
	f.CreatedAt = d.time(createdAt)
	return f, d.err
}

const formAssignmentColumns = `id, form_id, assignee_id, assigned_by, status, return_comment, created_at, updated_at`

func (s *Store) CreateFormAssignment(ctx context.Context, a accrual.NonPoAssignment) error {
	_, err := s.exec(ctx, "INSERT INTO nonpo_assignments ("+formAssignmentColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID, a.FormID, a.AssigneeID, a.AssignedBy, string(a.Status), a.ReturnComment,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("form assignment %s: %w", a.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert form assignment: %w", err)
	}
	return nil
}

func (s *Store) GetFormAssignment(ctx context.Context, id string) (accrual.NonPoAssignment, error) {
	row := s.queryRow(ctx, "SELECT "+formAssignmentColumns+" FROM nonpo_assignments WHERE id = ?", id)
	a, err := scanFormAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.NonPoAssignment{}, &accrual.NotFoundError{Kind: "nonpo_assignment", ID: id}
	}
	return a, err
}

func (s *Store) ListFormAssignments(ctx context.Context, formID string) ([]accrual.NonPoAssignment, error) {
	rows, err := s.query(ctx, "SELECT "+formAssignmentColumns+
		" FROM nonpo_assignments WHERE form_id = ? ORDER BY created_at, id", formID)
	if err != nil {
		return nil, fmt.Errorf("failed to query form assignments: %w", err)
	}
	defer rows.Close()

	var out []accrual.NonPoAssignment
	for rows.Next() {
		a, err := scanFormAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateFormAssignment(ctx context.Context, a accrual.NonPoAssignment) error {
	return s.execOne(ctx, "nonpo_assignment", a.ID,
		"UPDATE nonpo_assignments SET status = ?, return_comment = ?, updated_at = ? WHERE id = ?",
		string(a.Status), a.ReturnComment, formatTime(a.UpdatedAt), a.ID,
	)
}

func scanFormAssignment(row scanner) (accrual.NonPoAssignment, error) {
	var (
		a                            accrual.NonPoAssignment
		status, createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.FormID, &a.AssigneeID, &a.AssignedBy, &status, &a.ReturnComment,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan form assignment: %w", err)
	}
	var d decoder
	a.Status = accrual.FormAssignmentStatus(status)
	a.CreatedAt = d.time(createdAt)
	a.UpdatedAt = d.time(updatedAt)
	return a, d.err
}

func (s *Store) UpsertFormSubmission(ctx context.Context, sub accrual.NonPoSubmission) error {
	_, err := s.exec(ctx, `
		INSERT INTO nonpo_submissions (assignment_id, provision_amount, comment, submitted_by, submitted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (assignment_id) DO UPDATE SET
			provision_amount = excluded.provision_amount,
			comment = excluded.comment,
			submitted_by = excluded.submitted_by,
			submitted_at = excluded.submitted_at`,
		sub.AssignmentID, sub.ProvisionAmount.String(), sub.Comment, sub.SubmittedBy, formatTime(sub.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert form submission: %w", err)
	}
	return nil
}

func (s *Store) GetFormSubmission(ctx context.Context, assignmentID string) (*accrual.NonPoSubmission, error) {
	var (
		sub                 accrual.NonPoSubmission
		amount, submittedAt string
	)
	err := s.queryRow(ctx, `
		SELECT assignment_id, provision_amount, comment, submitted_by, submitted_at
		FROM nonpo_submissions WHERE assignment_id = ?`, assignmentID,
	).Scan(&sub.AssignmentID, &amount, &sub.Comment, &sub.SubmittedBy, &submittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get form submission: %w", err)
	}
	var d decoder
	sub.ProvisionAmount = d.decimal(amount)
	sub.SubmittedAt = d.time(submittedAt)
	if d.err != nil {
		return nil, d.err
	}
	return &sub, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e accrual.AuditEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.exec(ctx, `
		INSERT INTO audit_log (id, seq, ts, actor_id, action, entity_type, entity_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, s.seq.Add(1), formatTime(e.Timestamp), e.ActorID, string(e.Action), e.EntityType, e.EntityID, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, filter accrual.AuditFilter) ([]accrual.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	query := "SELECT id, ts, actor_id, action, entity_type, entity_id, payload_json FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []accrual.AuditEntry
	for rows.Next() {
		var (
			e       accrual.AuditEntry
			ts, act string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &act, &e.EntityType, &e.EntityID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		var d decoder
		e.Timestamp = d.time(ts)
		if d.err != nil {
			return nil, d.err
		}
		e.Action = accrual.AuditAction(act)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("bad stored audit payload %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
