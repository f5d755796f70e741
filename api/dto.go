/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the accrual domain model from the external API contract.

NAMING CONVENTION:
  - *DTO:     response types returned to clients
  - *Request: request body types from clients

FORMATS:
  Amounts are decimal strings ("5500.25"). Dates are YYYY-MM-DD and
  timestamps RFC3339. Optional values are omitted when unknown.

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  decodeAndValidate before touching the engine. Business rules (negative
  true-ups, status transitions) stay in the engine.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: RuleJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/accrual-engine/accrual"
	"github.com/warp/accrual-engine/factory"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// AdjustmentRequest edits the true-up and/or remarks of one line.
type AdjustmentRequest struct {
	ProcessingMonth    string           `json:"processing_month" validate:"required"`
	CurrentMonthTrueUp *decimal.Decimal `json:"current_month_true_up,omitempty"`
	Remarks            *string          `json:"remarks,omitempty" validate:"omitempty,max=2000"`
}

type CategoryRequest struct {
	Category string `json:"category" validate:"required,oneof=Period Activity period activity"`
}

type LineIDsRequest struct {
	PoLineIDs []string `json:"po_line_ids" validate:"required,min=1,dive,required"`
}

// SubmitRequest submits Period lines for approval.
type SubmitRequest struct {
	PoLineIDs       []string `json:"po_line_ids" validate:"required,min=1,dive,required"`
	ApproverIDs     []string `json:"approver_ids" validate:"required,min=1,dive,required"`
	ProcessingMonth string   `json:"processing_month" validate:"required"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type AssignRequest struct {
	PoLineID    string   `json:"po_line_id" validate:"required"`
	AssigneeIDs []string `json:"assignee_ids" validate:"required,min=1,dive,required"`
}

// RespondRequest is the assignee's answer for an Activity line.
type RespondRequest struct {
	CompletionStatus string           `json:"completion_status" validate:"max=200"`
	ProvisionPercent *decimal.Decimal `json:"provision_percent,omitempty"`
	ProvisionAmount  *decimal.Decimal `json:"provision_amount,omitempty"`
	Comment          string           `json:"comment" validate:"max=2000"`
}

type ActivitySubmitRequest struct {
	AssignmentIDs   []string `json:"assignment_ids" validate:"required,min=1,dive,required"`
	ApproverIDs     []string `json:"approver_ids" validate:"required,min=1,dive,required"`
	ProcessingMonth string   `json:"processing_month" validate:"required"`
}

// CommentRequest carries the mandatory comment for returns.
type CommentRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

type CreateFormRequest struct {
	Title           string          `json:"title" validate:"required,max=200"`
	Vendor          string          `json:"vendor" validate:"max=200"`
	Description     string          `json:"description" validate:"max=2000"`
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
	ProcessingMonth string          `json:"processing_month" validate:"required"`
}

type AssignFormRequest struct {
	AssigneeIDs []string `json:"assignee_ids" validate:"required,min=1,dive,required"`
}

type FormSubmissionRequest struct {
	ProvisionAmount decimal.Decimal `json:"provision_amount"`
	Comment         string          `json:"comment" validate:"max=2000"`
}

type MatchRequest struct {
	PoLineIDs       []string `json:"po_line_ids" validate:"required,min=1,dive,required"`
	ProcessingMonth string   `json:"processing_month"`
}

type InterpretRequest struct {
	Text   string   `json:"text" validate:"required,max=4000"`
	Fields []string `json:"fields,omitempty"`
}

type ApproverRequest struct {
	ID     string `json:"id" validate:"required"`
	Name   string `json:"name" validate:"required"`
	Email  string `json:"email" validate:"omitempty,email"`
	Active *bool  `json:"active,omitempty"`
}

type MaterializeRequest struct {
	ProcessingMonth string `json:"processing_month" validate:"required"`
}

// LineRecordDTO is one parsed upload row. Fields stay raw strings; the
// ingestor reports rows it cannot use.
type LineRecordDTO struct {
	PONumber    string `json:"po_number"`
	LineNumber  string `json:"line_number"`
	Vendor      string `json:"vendor"`
	Description string `json:"description"`
	NetAmount   string `json:"net_amount"`
	GLAccount   string `json:"gl_account"`
	CostCenter  string `json:"cost_center"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Category    string `json:"category"`
}

type GrnRecordDTO struct {
	PONumber       string `json:"po_number"`
	LineNumber     string `json:"line_number"`
	GrnDate        string `json:"grn_date"`
	DocumentNumber string `json:"document_number"`
	Value          string `json:"value"`
}

type ImportLinesRequest struct {
	Records []LineRecordDTO `json:"records" validate:"required,min=1"`
}

type ImportGrnsRequest struct {
	Records []GrnRecordDTO `json:"records" validate:"required,min=1"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorDTO is the body of every non-2xx response.
type ErrorDTO struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

type LineDTO struct {
	ID          string          `json:"id"`
	PONumber    string          `json:"po_number"`
	LineNumber  string          `json:"line_number"`
	Vendor      string          `json:"vendor"`
	Description string          `json:"description"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	GLAccount   string          `json:"gl_account"`
	CostCenter  string          `json:"cost_center"`
	StartDate   string          `json:"start_date,omitempty"`
	EndDate     string          `json:"end_date,omitempty"`
	Category    string          `json:"category"`
	Status      string          `json:"status"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

type GrnPickDTO struct {
	Value          decimal.Decimal `json:"value"`
	Date           string          `json:"date,omitempty"`
	DocumentNumber string          `json:"document_number,omitempty"`
	Month          string          `json:"month,omitempty"`
	AmbiguousTie   bool            `json:"ambiguous_tie,omitempty"`
}

type PeriodLineDTO struct {
	LineDTO
	DatesMissing       bool            `json:"dates_missing,omitempty"`
	TotalDays          int             `json:"total_days"`
	CurrentDays        int             `json:"current_days"`
	PrevDays           int             `json:"prev_days"`
	PrevProvision      decimal.Decimal `json:"prev_provision"`
	SuggestedProvision decimal.Decimal `json:"suggested_provision"`
	CurrentMonthGrn    *GrnPickDTO     `json:"current_month_grn,omitempty"`
	LatestGrn          *GrnPickDTO     `json:"latest_grn,omitempty"`
	PrevMonthTrueUp    decimal.Decimal `json:"prev_month_true_up"`
	CurrentMonthTrueUp decimal.Decimal `json:"current_month_true_up"`
	FinalProvision     decimal.Decimal `json:"final_provision"`
	Remarks            string          `json:"remarks,omitempty"`
}

type ActivityLineDTO struct {
	LineDTO
	PrimaryAssigneeID  string           `json:"primary_assignee_id,omitempty"`
	Assignments        []AssignmentDTO  `json:"assignments"`
	ProvisionPercent   *decimal.Decimal `json:"provision_percent,omitempty"`
	LatestGrn          *GrnPickDTO      `json:"latest_grn,omitempty"`
	PrevMonthTrueUp    decimal.Decimal  `json:"prev_month_true_up"`
	CurrentMonthTrueUp decimal.Decimal  `json:"current_month_true_up"`
	PrevMonthFinal     *decimal.Decimal `json:"prev_month_final,omitempty"`
	FinalProvision     *decimal.Decimal `json:"final_provision,omitempty"`
	Pending            bool             `json:"pending"`
	Remarks            string           `json:"remarks,omitempty"`
}

// ReportDTO wraps a month table. FellBack is set when the requested month
// could not be parsed and the configured fallback month was used.
type ReportDTO[T any] struct {
	ProcessingMonth string `json:"processing_month"`
	PrevMonth       string `json:"prev_month"`
	FellBack        bool   `json:"fell_back,omitempty"`
	Lines           []T    `json:"lines"`
}

type AdjustmentDTO struct {
	PoLineID           string           `json:"po_line_id"`
	ProcessingMonth    string           `json:"processing_month"`
	PrevMonthTrueUp    decimal.Decimal  `json:"prev_month_true_up"`
	CurrentMonthTrueUp decimal.Decimal  `json:"current_month_true_up"`
	Remarks            string           `json:"remarks,omitempty"`
	FinalProvision     *decimal.Decimal `json:"final_provision,omitempty"`
	LineStatus         string           `json:"line_status"`
	Reopened           bool             `json:"reopened,omitempty"`
}

type SubmissionDTO struct {
	ID              string   `json:"id"`
	PoLineID        string   `json:"po_line_id"`
	Category        string   `json:"category"`
	SubmittedBy     string   `json:"submitted_by"`
	ApproverIDs     []string `json:"approver_ids"`
	Status          string   `json:"status"`
	ProcessingMonth string   `json:"processing_month"`
	NudgeCount      int      `json:"nudge_count"`
	LastNudgedAt    string   `json:"last_nudged_at,omitempty"`
	DecidedBy       string   `json:"decided_by,omitempty"`
	DecidedAt       string   `json:"decided_at,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	SubmittedAt     string   `json:"submitted_at"`
}

type SubmitResultDTO struct {
	Affected int             `json:"affected"`
	Created  []SubmissionDTO `json:"created"`
	Skipped  []string        `json:"skipped,omitempty"`
}

type DecisionDTO struct {
	SubmissionID  string `json:"submission_id"`
	PoLineID      string `json:"po_line_id"`
	Status        string `json:"status"`
	LineStatus    string `json:"line_status"`
	FullyRecalled bool   `json:"fully_recalled,omitempty"`
}

type AssignmentDTO struct {
	ID            string `json:"id"`
	PoLineID      string `json:"po_line_id"`
	AssigneeID    string `json:"assignee_id"`
	AssignedBy    string `json:"assigned_by"`
	Status        string `json:"status"`
	IsPrimary     bool   `json:"is_primary"`
	NudgeCount    int    `json:"nudge_count"`
	LastNudgedAt  string `json:"last_nudged_at,omitempty"`
	ReturnComment string `json:"return_comment,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type RecallDTO struct {
	AssignmentID    string `json:"assignment_id"`
	PoLineID        string `json:"po_line_id"`
	FullyRecalled   bool   `json:"fully_recalled"`
	Deleted         bool   `json:"deleted"`
	RemainingActive int    `json:"remaining_active"`
	LineStatus      string `json:"line_status"`
}

type FormDTO struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Vendor          string          `json:"vendor,omitempty"`
	Description     string          `json:"description,omitempty"`
	EstimatedAmount decimal.Decimal `json:"estimated_amount"`
	ProcessingMonth string          `json:"processing_month"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       string          `json:"created_at"`
}

type FormAssignmentDTO struct {
	ID            string `json:"id"`
	FormID        string `json:"form_id"`
	AssigneeID    string `json:"assignee_id"`
	AssignedBy    string `json:"assigned_by"`
	Status        string `json:"status"`
	ReturnComment string `json:"return_comment,omitempty"`
}

type ApproverDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Active bool   `json:"active"`
}

type RuleDTO struct {
	factory.RuleJSON
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type AmbiguousDTO struct {
	Reference    string   `json:"reference"`
	ChosenID     string   `json:"chosen_id,omitempty"`
	CandidateIDs []string `json:"candidate_ids"`
}

type RuleMatchDTO struct {
	RuleID               string         `json:"rule_id"`
	RuleName             string         `json:"rule_name"`
	Priority             int            `json:"priority"`
	MatchingLineCount    int            `json:"matching_line_count"`
	MatchingLineIDs      []string       `json:"matching_line_ids"`
	SuggestedApproverIDs []string       `json:"suggested_approver_ids,omitempty"`
	FlagForReview        bool           `json:"flag_for_review,omitempty"`
	SuggestedStatus      string         `json:"suggested_status,omitempty"`
	Unresolved           []string       `json:"unresolved,omitempty"`
	Ambiguous            []AmbiguousDTO `json:"ambiguous,omitempty"`
}

type MatchResultDTO struct {
	Matches              []RuleMatchDTO `json:"matches"`
	SuggestedApproverIDs []string       `json:"suggested_approver_ids"`
	FlaggedLineIDs       []string       `json:"flagged_line_ids,omitempty"`
}

type InterpretDTO struct {
	Rule        RuleDTO `json:"rule"`
	Explanation string  `json:"explanation,omitempty"`
	Confidence  float64 `json:"confidence"`
}

type AuditDTO struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type RowErrorDTO struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type IngestReportDTO struct {
	Inserted     int           `json:"inserted"`
	Updated      int           `json:"updated"`
	DatesMissing int           `json:"dates_missing"`
	Failed       []RowErrorDTO `json:"failed"`
}

type MaterializeDTO struct {
	ProcessingMonth string `json:"processing_month"`
	Updated         int    `json:"updated"`
	Pending         int    `json:"pending"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toLineDTO(l accrual.PoLine) LineDTO {
	return LineDTO{
		ID:          l.ID,
		PONumber:    l.PONumber,
		LineNumber:  l.LineNumber,
		Vendor:      l.Vendor,
		Description: l.Description,
		NetAmount:   l.NetAmount,
		GLAccount:   l.GLAccount,
		CostCenter:  l.CostCenter,
		StartDate:   formatDate(l.StartDate),
		EndDate:     formatDate(l.EndDate),
		Category:    string(l.Category),
		Status:      string(l.Status),
		UpdatedAt:   formatTime(l.UpdatedAt),
	}
}

func toGrnPickDTO(p accrual.GrnPick) *GrnPickDTO {
	if !p.Found {
		return nil
	}
	return &GrnPickDTO{
		Value:          p.Value,
		Date:           formatDate(&p.Date),
		DocumentNumber: p.DocumentNumber,
		Month:          p.MonthLabel,
		AmbiguousTie:   p.AmbiguousTie,
	}
}

func toPeriodLineDTO(v accrual.PeriodView) PeriodLineDTO {
	return PeriodLineDTO{
		LineDTO:            toLineDTO(v.Line),
		DatesMissing:       v.DatesMissing,
		TotalDays:          v.TotalDays,
		CurrentDays:        v.CurrentDays,
		PrevDays:           v.PrevDays,
		PrevProvision:      v.PrevProvision,
		SuggestedProvision: v.SuggestedProvision,
		CurrentMonthGrn:    toGrnPickDTO(v.CurrentMonthGrn),
		LatestGrn:          toGrnPickDTO(v.LatestGrn),
		PrevMonthTrueUp:    v.PrevMonthTrueUp,
		CurrentMonthTrueUp: v.CurrentMonthTrueUp,
		FinalProvision:     v.FinalProvision,
		Remarks:            v.Remarks,
	}
}

func toActivityLineDTO(v accrual.ActivityView) ActivityLineDTO {
	dto := ActivityLineDTO{
		LineDTO:            toLineDTO(v.Line),
		PrimaryAssigneeID:  v.PrimaryAssigneeID,
		Assignments:        make([]AssignmentDTO, len(v.Assignments)),
		ProvisionPercent:   v.ProvisionPercent,
		LatestGrn:          toGrnPickDTO(v.LatestGrn),
		PrevMonthTrueUp:    v.PrevMonthTrueUp,
		CurrentMonthTrueUp: v.CurrentMonthTrueUp,
		PrevMonthFinal:     v.PrevMonthFinal,
		FinalProvision:     v.FinalProvision,
		Pending:            v.Pending(),
		Remarks:            v.Remarks,
	}
	for i, a := range v.Assignments {
		dto.Assignments[i] = toAssignmentDTO(a)
	}
	return dto
}

func toSubmissionDTO(s accrual.ApprovalSubmission) SubmissionDTO {
	return SubmissionDTO{
		ID:              s.ID,
		PoLineID:        s.PoLineID,
		Category:        string(s.Category),
		SubmittedBy:     s.SubmittedBy,
		ApproverIDs:     s.ApproverIDs,
		Status:          string(s.Status),
		ProcessingMonth: s.ProcessingMonth,
		NudgeCount:      s.NudgeCount,
		LastNudgedAt:    formatTimePtr(s.LastNudgedAt),
		DecidedBy:       s.DecidedBy,
		DecidedAt:       formatTimePtr(s.DecidedAt),
		RejectionReason: s.RejectionReason,
		SubmittedAt:     formatTime(s.SubmittedAt),
	}
}

func toSubmitResultDTO(r accrual.SubmitResult) SubmitResultDTO {
	dto := SubmitResultDTO{
		Affected: r.Affected(),
		Created:  make([]SubmissionDTO, len(r.Created)),
		Skipped:  r.Skipped,
	}
	for i, s := range r.Created {
		dto.Created[i] = toSubmissionDTO(s)
	}
	return dto
}

func toDecisionDTO(d accrual.DecisionResult) DecisionDTO {
	return DecisionDTO{
		SubmissionID:  d.SubmissionID,
		PoLineID:      d.PoLineID,
		Status:        string(d.Status),
		LineStatus:    string(d.LineStatus),
		FullyRecalled: d.FullyRecalled,
	}
}

func toAssignmentDTO(a accrual.ActivityAssignment) AssignmentDTO {
	return AssignmentDTO{
		ID:            a.ID,
		PoLineID:      a.PoLineID,
		AssigneeID:    a.AssigneeID,
		AssignedBy:    a.AssignedBy,
		Status:        string(a.Status),
		IsPrimary:     a.IsPrimary,
		NudgeCount:    a.NudgeCount,
		LastNudgedAt:  formatTimePtr(a.LastNudgedAt),
		ReturnComment: a.ReturnComment,
		CreatedAt:     formatTime(a.CreatedAt),
	}
}

func toAssignmentDTOs(as []accrual.ActivityAssignment) []AssignmentDTO {
	dtos := make([]AssignmentDTO, len(as))
	for i, a := range as {
		dtos[i] = toAssignmentDTO(a)
	}
	return dtos
}

func toFormDTO(f accrual.NonPoForm) FormDTO {
	return FormDTO{
		ID:              f.ID,
		Title:           f.Title,
		Vendor:          f.Vendor,
		Description:     f.Description,
		EstimatedAmount: f.EstimatedAmount,
		ProcessingMonth: f.ProcessingMonth,
		CreatedBy:       f.CreatedBy,
		CreatedAt:       formatTime(f.CreatedAt),
	}
}

func toFormAssignmentDTO(a accrual.NonPoAssignment) FormAssignmentDTO {
	return FormAssignmentDTO{
		ID:            a.ID,
		FormID:        a.FormID,
		AssigneeID:    a.AssigneeID,
		AssignedBy:    a.AssignedBy,
		Status:        string(a.Status),
		ReturnComment: a.ReturnComment,
	}
}

func toFormAssignmentDTOs(as []accrual.NonPoAssignment) []FormAssignmentDTO {
	dtos := make([]FormAssignmentDTO, len(as))
	for i, a := range as {
		dtos[i] = toFormAssignmentDTO(a)
	}
	return dtos
}

func toApproverDTO(a accrual.Approver) ApproverDTO {
	return ApproverDTO{ID: a.ID, Name: a.Name, Email: a.Email, Active: a.Active}
}

func toRuleDTO(f *factory.RuleFactory, r accrual.ApprovalRule) RuleDTO {
	return RuleDTO{
		RuleJSON:  f.ToJSON(r),
		CreatedAt: formatTime(r.CreatedAt),
		UpdatedAt: formatTime(r.UpdatedAt),
	}
}

func toMatchResultDTO(m accrual.MatchResult) MatchResultDTO {
	dto := MatchResultDTO{
		Matches:              make([]RuleMatchDTO, len(m.Matches)),
		SuggestedApproverIDs: m.SuggestedApproverIDs,
		FlaggedLineIDs:       m.FlaggedLineIDs,
	}
	if dto.SuggestedApproverIDs == nil {
		dto.SuggestedApproverIDs = []string{}
	}
	for i, rm := range m.Matches {
		d := RuleMatchDTO{
			RuleID:               rm.RuleID,
			RuleName:             rm.RuleName,
			Priority:             rm.Priority,
			MatchingLineCount:    rm.MatchingLineCount,
			MatchingLineIDs:      rm.MatchingLineIDs,
			SuggestedApproverIDs: rm.SuggestedApproverIDs,
			FlagForReview:        rm.FlagForReview,
			SuggestedStatus:      rm.SuggestedStatus,
			Unresolved:           rm.Unresolved,
		}
		for _, a := range rm.Ambiguous {
			d.Ambiguous = append(d.Ambiguous, AmbiguousDTO{Reference: a.Reference, ChosenID: a.ChosenID, CandidateIDs: a.CandidateIDs})
		}
		dto.Matches[i] = d
	}
	return dto
}

func toAuditDTO(e accrual.AuditEntry) AuditDTO {
	return AuditDTO{
		ID:         e.ID,
		Timestamp:  formatTime(e.Timestamp),
		ActorID:    e.ActorID,
		Action:     string(e.Action),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Payload:    e.Payload,
	}
}

func toIngestReportDTO(r accrual.IngestReport) IngestReportDTO {
	dto := IngestReportDTO{
		Inserted:     r.Inserted,
		Updated:      r.Updated,
		DatesMissing: r.DatesMissing,
		Failed:       make([]RowErrorDTO, len(r.Failed)),
	}
	for i, f := range r.Failed {
		dto.Failed[i] = RowErrorDTO{Row: f.Row, Message: f.Message}
	}
	return dto
}
