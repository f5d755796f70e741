package accrual

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PO LINES
// =============================================================================

// Category selects which provision formula applies to a line.
type Category string

const (
	CategoryPeriod   Category = "Period"
	CategoryActivity Category = "Activity"
)

// ParseCategory accepts any casing of a known category.
func ParseCategory(s string) (Category, bool) {
	switch normalizeKey(s) {
	case "period":
		return CategoryPeriod, true
	case "activity":
		return CategoryActivity, true
	}
	return "", false
}

type LineStatus string

const (
	LineDraft     LineStatus = "Draft"
	LineSubmitted LineStatus = "Submitted"
	LineApproved  LineStatus = "Approved"
	LineRejected  LineStatus = "Rejected"
	LineRecalled  LineStatus = "Recalled"
	LineReturned  LineStatus = "Returned"
)

// PoLine is one purchase-order line item. StartDate/EndDate are nil when the
// source data carried no parseable date.
type PoLine struct {
	ID          string
	PONumber    string
	LineNumber  string
	Vendor      string
	Description string
	NetAmount   decimal.Decimal
	GLAccount   string
	CostCenter  string
	StartDate   *time.Time
	EndDate     *time.Time
	Category    Category
	Status      LineStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasContractDates reports whether both contract dates are known and ordered.
func (l PoLine) HasContractDates() bool {
	return l.StartDate != nil && l.EndDate != nil && !l.EndDate.Before(*l.StartDate)
}

// =============================================================================
// GRN
// =============================================================================

// GrnTransaction is one delivery snapshot. Value is cumulative to Date.
// Seq is assigned by the store on insert and only orders same-date ties.
type GrnTransaction struct {
	ID             string
	PoLineID       string
	Date           time.Time
	DocumentNumber string
	Value          decimal.Decimal
	Seq            int64
	CreatedAt      time.Time
}

// =============================================================================
// PERIOD CALCULATIONS
// =============================================================================

// PeriodCalculation holds the user-entered adjustments for one line in one
// processing month. ProcessingMonth is the canonical label ("Feb 2026").
type PeriodCalculation struct {
	PoLineID               string
	ProcessingMonth        string
	PrevMonthTrueUp        decimal.Decimal
	CurrentMonthTrueUp     decimal.Decimal
	Remarks                string
	ActivityFinalProvision *decimal.Decimal
	UpdatedAt              time.Time
}

// =============================================================================
// ACTIVITY ASSIGNMENTS
// =============================================================================

type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "Assigned"
	AssignmentResponded AssignmentStatus = "Responded"
	AssignmentSubmitted AssignmentStatus = "Submitted"
	AssignmentApproved  AssignmentStatus = "Approved"
	AssignmentReturned  AssignmentStatus = "Returned"
	AssignmentRecalled  AssignmentStatus = "Recalled"
)

// Active reports whether the assignment still counts toward the line's
// ownership. A line with no active assignments is fully recalled.
func (s AssignmentStatus) Active() bool {
	switch s {
	case AssignmentAssigned, AssignmentResponded, AssignmentSubmitted, AssignmentApproved:
		return true
	}
	return false
}

type ActivityAssignment struct {
	ID            string
	PoLineID      string
	AssigneeID    string
	AssignedBy    string
	Status        AssignmentStatus
	IsPrimary     bool
	NudgeCount    int
	LastNudgedAt  *time.Time
	ReturnComment string
	ReturnedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BusinessResponse is the assignee's answer. At most one per assignment.
type BusinessResponse struct {
	AssignmentID     string
	CompletionStatus string
	ProvisionAmount  *decimal.Decimal
	ProvisionPercent *decimal.Decimal
	Comment          string
	RespondedBy      string
	RespondedAt      time.Time
}

// =============================================================================
// APPROVAL SUBMISSIONS
// =============================================================================

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "Pending"
	SubmissionApproved SubmissionStatus = "Approved"
	SubmissionRejected SubmissionStatus = "Rejected"
	SubmissionRecalled SubmissionStatus = "Recalled"
)

type ApprovalSubmission struct {
	ID              string
	PoLineID        string
	Category        Category
	SubmittedBy     string
	ApproverIDs     []string
	Status          SubmissionStatus
	ProcessingMonth string
	NudgeCount      int
	LastNudgedAt    *time.Time
	DecidedBy       string
	DecidedAt       *time.Time
	RejectionReason string
	SubmittedAt     time.Time
}

// =============================================================================
// APPROVERS AND RULES
// =============================================================================

// Approver is one entry in the approver directory.
type Approver struct {
	ID     string
	Name   string
	Email  string
	Active bool
}

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "startsWith"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpBetween     Operator = "between"
)

// KnownOperator reports whether op is one the engine can evaluate.
func KnownOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpStartsWith, OpGreaterThan, OpLessThan, OpBetween:
		return true
	}
	return false
}

// Condition compares one line field. Value is a string, a number, or a
// two-element list (between).
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

type ActionType string

const (
	ActionAutoAssign      ActionType = "autoAssign"
	ActionAssignTo        ActionType = "assignTo"
	ActionRequireApproval ActionType = "requireApproval"
	ActionFlagForReview   ActionType = "flagForReview"
	ActionSetStatus       ActionType = "setStatus"
)

// KnownAction reports whether t is one the engine can apply.
func KnownAction(t ActionType) bool {
	switch t {
	case ActionAutoAssign, ActionAssignTo, ActionRequireApproval, ActionFlagForReview, ActionSetStatus:
		return true
	}
	return false
}

type Action struct {
	Type  ActionType `json:"type"`
	Value string     `json:"value,omitempty"`
}

// ApprovalRule is matched at submission time to pre-select approvers.
// Lower Priority values are evaluated first.
type ApprovalRule struct {
	ID         string
	Name       string
	Priority   int
	Conditions []Condition
	Actions    []Action
	AppliesTo  string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// NON-PO FORMS
// =============================================================================

// NonPoForm is an ad-hoc accrual request with no purchase order behind it.
type NonPoForm struct {
	ID              string
	Title           string
	Vendor          string
	Description     string
	EstimatedAmount decimal.Decimal
	ProcessingMonth string
	CreatedBy       string
	CreatedAt       time.Time
}

type FormAssignmentStatus string

const (
	FormAssigned  FormAssignmentStatus = "Assigned"
	FormResponded FormAssignmentStatus = "Responded"
	FormSubmitted FormAssignmentStatus = "Submitted"
	FormReturned  FormAssignmentStatus = "Returned"
)

type NonPoAssignment struct {
	ID            string
	FormID        string
	AssigneeID    string
	AssignedBy    string
	Status        FormAssignmentStatus
	ReturnComment string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NonPoSubmission is the assignee's filled-in figure for a form.
type NonPoSubmission struct {
	AssignmentID    string
	ProvisionAmount decimal.Decimal
	Comment         string
	SubmittedBy     string
	SubmittedAt     time.Time
}
