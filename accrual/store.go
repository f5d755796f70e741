/*
store.go - Persistence interfaces for the accrual engine

PURPOSE:
  Defines the boundary between engine logic and the database. Each entity is
  its own keyed table; uniqueness lives in the store, not in locks:

    po_lines              unique (po_number, line_number)
    period_calculations   unique (po_line_id, processing_month)
    approval_submissions  at most one Pending per (po_line_id, processing_month)
    activity_assignments  at most one active per (po_line_id, assignee_id)
    grn_transactions      unique (po_line_id, document_number)

TRANSACTIONS:
  WithTx runs fn against a Store bound to one transaction. Returning an error
  rolls everything back, so a status change on a line and the matching
  submission/assignment change are applied together or not at all.

IMPLEMENTATIONS:
  - accrual/store/memory.go: in-memory, snapshot rollback
  - store/sqldb/sqldb.go:    SQLite and PostgreSQL via database/sql

SEE ALSO:
  - engine.go: the only caller that opens transactions
*/
package accrual

import (
	"context"
	"time"
)

// =============================================================================
// ENTITY STORES
// =============================================================================

// LineFilter narrows ListLines. Zero value lists everything.
type LineFilter struct {
	Category Category
	IDs      []string
}

type LineStore interface {
	// UpsertLine inserts or updates by (PONumber, LineNumber). Status and ID of
	// an existing row are preserved. An empty Category keeps the stored one and
	// inserts as Period. Returns the stored row and whether it was newly created.
	UpsertLine(ctx context.Context, line PoLine) (PoLine, bool, error)

	GetLine(ctx context.Context, id string) (PoLine, error)
	GetLineByKey(ctx context.Context, poNumber, lineNumber string) (PoLine, error)
	ListLines(ctx context.Context, filter LineFilter) ([]PoLine, error)

	// UpdateLine overwrites mutable fields (category, dates, status).
	UpdateLine(ctx context.Context, line PoLine) error

	// DeleteLines removes lines and every dependent row. Empty ids means all.
	DeleteLines(ctx context.Context, ids []string) (int, error)
}

type GrnStore interface {
	// ReplaceGrn deletes any row with the same (PoLineID, DocumentNumber) and
	// inserts tx with a fresh sequence number.
	ReplaceGrn(ctx context.Context, tx GrnTransaction) (GrnTransaction, error)
	ListGrns(ctx context.Context, poLineID string) ([]GrnTransaction, error)
}

type CalculationStore interface {
	// GetCalculation returns nil, nil when no row exists.
	GetCalculation(ctx context.Context, poLineID, month string) (*PeriodCalculation, error)
	UpsertCalculation(ctx context.Context, calc PeriodCalculation) error
	ListCalculations(ctx context.Context, month string) ([]PeriodCalculation, error)
}

type AssignmentStore interface {
	// CreateAssignment returns ErrDuplicateAssignment when the assignee already
	// holds an active assignment on the line.
	CreateAssignment(ctx context.Context, a ActivityAssignment) error
	GetAssignment(ctx context.Context, id string) (ActivityAssignment, error)
	ListAssignments(ctx context.Context, poLineID string) ([]ActivityAssignment, error)
	UpdateAssignment(ctx context.Context, a ActivityAssignment) error

	// DeleteAssignment removes the assignment and its response.
	DeleteAssignment(ctx context.Context, id string) error

	UpsertResponse(ctx context.Context, r BusinessResponse) error
	// GetResponse returns nil, nil when the assignment has no response.
	GetResponse(ctx context.Context, assignmentID string) (*BusinessResponse, error)
}

// SubmissionFilter narrows ListSubmissions. Empty fields do not filter.
type SubmissionFilter struct {
	PoLineID        string
	Status          SubmissionStatus
	ProcessingMonth string
}

type SubmissionStore interface {
	// CreateSubmission inserts s unless a Pending submission already exists
	// for the same line and month, in which case it returns false, nil.
	CreateSubmission(ctx context.Context, s ApprovalSubmission) (bool, error)
	GetSubmission(ctx context.Context, id string) (ApprovalSubmission, error)
	// FindPendingSubmission returns nil, nil when none is pending.
	FindPendingSubmission(ctx context.Context, poLineID, month string) (*ApprovalSubmission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]ApprovalSubmission, error)
	UpdateSubmission(ctx context.Context, s ApprovalSubmission) error
}

type RuleStore interface {
	SaveRule(ctx context.Context, rule ApprovalRule) error
	GetRule(ctx context.Context, id string) (ApprovalRule, error)
	// ListRules returns rules ordered by priority, then id.
	ListRules(ctx context.Context) ([]ApprovalRule, error)
	DeleteRule(ctx context.Context, id string) error
}

// ApproverDirectory is the approver list the rule engine resolves against.
type ApproverDirectory interface {
	SaveApprover(ctx context.Context, a Approver) error
	// ListApprovers returns active approvers ordered by name, then id.
	ListApprovers(ctx context.Context) ([]Approver, error)
}

type FormStore interface {
	CreateForm(ctx context.Context, f NonPoForm) error
	GetForm(ctx context.Context, id string) (NonPoForm, error)
	ListForms(ctx context.Context) ([]NonPoForm, error)

	CreateFormAssignment(ctx context.Context, a NonPoAssignment) error
	GetFormAssignment(ctx context.Context, id string) (NonPoAssignment, error)
	ListFormAssignments(ctx context.Context, formID string) ([]NonPoAssignment, error)
	UpdateFormAssignment(ctx context.Context, a NonPoAssignment) error

	UpsertFormSubmission(ctx context.Context, s NonPoSubmission) error
	// GetFormSubmission returns nil, nil when nothing was submitted.
	GetFormSubmission(ctx context.Context, assignmentID string) (*NonPoSubmission, error)
}

// =============================================================================
// AUDIT LOG - who did what when, separate from entity state
// =============================================================================

type AuditAction string

const (
	AuditSubmitted       AuditAction = "submitted"
	AuditApproved        AuditAction = "approved"
	AuditRejected        AuditAction = "rejected"
	AuditRecalled        AuditAction = "recalled"
	AuditReturned        AuditAction = "returned"
	AuditNudged          AuditAction = "nudged"
	AuditAssigned        AuditAction = "assigned"
	AuditResponded       AuditAction = "responded"
	AuditAdjusted        AuditAction = "adjusted"
	AuditCategoryChanged AuditAction = "category_changed"
	AuditBulkCleared     AuditAction = "bulk_cleared"
	AuditRuleChanged     AuditAction = "rule_changed"
	AuditFormSubmitted   AuditAction = "form_submitted"
)

type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	ActorID    string
	Action     AuditAction
	EntityType string
	EntityID   string
	Payload    map[string]any
}

type AuditFilter struct {
	EntityID string
	ActorID  string
	Limit    int
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	// ListAudit returns newest first.
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// STORE
// =============================================================================

// Store is the full persistence surface the engine needs.
type Store interface {
	LineStore
	GrnStore
	CalculationStore
	AssignmentStore
	SubmissionStore
	RuleStore
	ApproverDirectory
	FormStore
	AuditLog

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
