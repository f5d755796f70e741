/*
handlers.go - HTTP API handlers for the accrual engine

PURPOSE:
  Exposes the accrual engine via REST API. Handles HTTP request/response,
  JSON serialization and request validation, and delegates to the engine.

ENDPOINTS:
  Lines:
    GET    /api/lines                      List lines (?category=)
    GET    /api/lines/period               Period table (?month=Feb 2026)
    GET    /api/lines/activity             Activity table (?month=), schedules materialization
    GET    /api/lines/{id}                 One line
    PUT    /api/lines/{id}/adjustment      Save true-up / remarks
    PUT    /api/lines/{id}/category        Move between Period and Activity
    GET    /api/lines/{id}/assignments     Activity assignments of a line
    POST   /api/lines/bulk-clear           Delete lines and their data

  Submissions (Period lines; Activity submissions are listed here too):
    GET    /api/submissions                List (?po_line_id=&status=&month=)
    POST   /api/submissions                Submit lines for approval
    GET    /api/submissions/{id}
    POST   /api/submissions/{id}/approve | reject | recall | nudge

  Assignments (Activity lines):
    POST   /api/assignments                Assign users to a line
    POST   /api/assignments/submit         Submit responded assignments
    POST   /api/assignments/{id}/respond | return | recall | nudge

  Non-PO forms:
    GET    /api/nonpo/forms, POST /api/nonpo/forms
    GET    /api/nonpo/forms/{id}/assignments, POST /api/nonpo/forms/{id}/assign
    PUT    /api/nonpo/assignments/{id}/submission
    POST   /api/nonpo/assignments/{id}/submit | return

  Rules and approvers:
    GET/POST /api/rules, GET/PUT/DELETE /api/rules/{id}
    POST   /api/rules/match                Approver suggestions for lines
    POST   /api/rules/interpret            Draft a rule from plain text
    GET/POST /api/approvers

  Admin:
    POST   /api/admin/materialize          Cache Activity finals (?async=true)
    POST   /api/admin/import/lines         Ingest parsed PO line records
    POST   /api/admin/import/grns          Ingest parsed GRN records
    GET    /api/audit                      Audit trail (?entity_id=&actor_id=&limit=)

ACTOR:
  Authentication happens upstream. Mutating endpoints read the acting
  user's id from the X-User-ID header and reject requests without it.

ERROR HANDLING:
  Errors are returned as JSON (ErrorDTO) with appropriate HTTP status:
  - 400: Validation errors, malformed input
  - 404: Resource not found
  - 409: Invalid status transition, duplicate assignment
  - 502: Rule interpreter failure
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"

	"github.com/warp/accrual-engine/accrual"
	"github.com/warp/accrual-engine/factory"
	"github.com/warp/accrual-engine/interpret"
)

// ActorHeader carries the id of the user performing a write.
const ActorHeader = "X-User-ID"

// CodeInvalidRequest is used for request bodies that fail tag validation.
const CodeInvalidRequest = "invalid_request"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine       *accrual.Engine
	Materializer *accrual.Materializer
	Ingestor     *accrual.Ingestor
	Rules        *factory.RuleFactory

	// Interpreter is optional; /api/rules/interpret answers 503 without it.
	Interpreter interpret.RuleInterpreter

	validate *validator.Validate
}

// NewHandler creates a handler. A nil materializer or ingestor is built from
// the engine with defaults.
func NewHandler(engine *accrual.Engine, materializer *accrual.Materializer, ingestor *accrual.Ingestor, interpreter interpret.RuleInterpreter) *Handler {
	if materializer == nil {
		materializer = accrual.NewMaterializer(engine)
	}
	if ingestor == nil {
		ingestor = accrual.NewIngestor(engine, 0)
	}
	return &Handler{
		Engine:       engine,
		Materializer: materializer,
		Ingestor:     ingestor,
		Rules:        factory.NewRuleFactory(),
		Interpreter:  interpreter,
		validate:     newValidator(),
	}
}

// newValidator reports field names as they appear in JSON.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// LINE HANDLERS
// =============================================================================

// ListLines returns stored lines, optionally filtered by category.
func (h *Handler) ListLines(w http.ResponseWriter, r *http.Request) {
	var filter accrual.LineFilter
	if raw := r.URL.Query().Get("category"); raw != "" {
		cat, ok := accrual.ParseCategory(raw)
		if !ok {
			h.fail(w, r, &accrual.ValidationError{Code: accrual.CodeInvalidCategory, Field: "category", Message: fmt.Sprintf("unknown category %q", raw)})
			return
		}
		filter.Category = cat
	}
	lines, err := h.Engine.ListLines(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]LineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = toLineDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetLine(w http.ResponseWriter, r *http.Request) {
	line, err := h.Engine.GetLine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(line))
}

// PeriodLines returns the computed Period table for ?month=.
func (h *Handler) PeriodLines(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.PeriodLines(r.Context(), r.URL.Query().Get("month"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dto := ReportDTO[PeriodLineDTO]{
		ProcessingMonth: report.Window.MonthLabel,
		PrevMonth:       report.Window.PrevMonthLabel,
		FellBack:        report.FellBack,
		Lines:           make([]PeriodLineDTO, len(report.Lines)),
	}
	for i, v := range report.Lines {
		dto.Lines[i] = toPeriodLineDTO(v)
	}
	writeJSON(w, http.StatusOK, dto)
}

// ActivityLines returns the computed Activity table for ?month= and
// schedules caching of this month's finals in the background.
func (h *Handler) ActivityLines(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.ActivityLines(r.Context(), r.URL.Query().Get("month"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Materializer.Trigger(report.Window.MonthLabel)

	dto := ReportDTO[ActivityLineDTO]{
		ProcessingMonth: report.Window.MonthLabel,
		PrevMonth:       report.Window.PrevMonthLabel,
		FellBack:        report.FellBack,
		Lines:           make([]ActivityLineDTO, len(report.Lines)),
	}
	for i, v := range report.Lines {
		dto.Lines[i] = toActivityLineDTO(v)
	}
	writeJSON(w, http.StatusOK, dto)
}

// SaveAdjustment stores a true-up/remarks edit for one line and month.
func (h *Handler) SaveAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.SaveAdjustment(r.Context(), accrual.AdjustmentEdit{
		PoLineID:           chi.URLParam(r, "id"),
		ProcessingMonth:    req.ProcessingMonth,
		CurrentMonthTrueUp: req.CurrentMonthTrueUp,
		Remarks:            req.Remarks,
		Actor:              actor,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustmentDTO{
		PoLineID:           res.Calculation.PoLineID,
		ProcessingMonth:    res.Calculation.ProcessingMonth,
		PrevMonthTrueUp:    res.Calculation.PrevMonthTrueUp,
		CurrentMonthTrueUp: res.Calculation.CurrentMonthTrueUp,
		Remarks:            res.Calculation.Remarks,
		FinalProvision:     res.FinalProvision,
		LineStatus:         string(res.LineStatus),
		Reopened:           res.Reopened,
	})
}

func (h *Handler) ChangeCategory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CategoryRequest
	if !h.decode(w, r, &req) {
		return
	}
	cat, _ := accrual.ParseCategory(req.Category)

	line, err := h.Engine.ChangeCategory(r.Context(), chi.URLParam(r, "id"), cat, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(line))
}

// BulkClear deletes the given lines with everything hanging off them.
func (h *Handler) BulkClear(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req LineIDsRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.Engine.BulkClear(r.Context(), req.PoLineIDs, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *Handler) LineAssignments(w http.ResponseWriter, r *http.Request) {
	as, err := h.Engine.ListAssignments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTOs(as))
}

// =============================================================================
// SUBMISSION HANDLERS
// =============================================================================

// SubmitForApproval creates one Pending submission per line. Lines that
// already have one for the month are reported as skipped.
func (h *Handler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.SubmitForApproval(r.Context(), accrual.SubmitRequest{
		PoLineIDs:       req.PoLineIDs,
		ApproverIDs:     req.ApproverIDs,
		SubmittedBy:     actor,
		ProcessingMonth: req.ProcessingMonth,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Affected() == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, toSubmitResultDTO(res))
}

func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := accrual.SubmissionFilter{
		PoLineID:        q.Get("po_line_id"),
		Status:          accrual.SubmissionStatus(q.Get("status")),
		ProcessingMonth: q.Get("month"),
	}
	if filter.ProcessingMonth != "" {
		m, err := accrual.ParseProcessingMonth(filter.ProcessingMonth)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.ProcessingMonth = m.Label()
	}
	subs, err := h.Engine.ListSubmissions(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]SubmissionDTO, len(subs))
	for i, s := range subs {
		dtos[i] = toSubmissionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionDTO(s))
}

func (h *Handler) ApproveSubmission(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.ApproveSubmission(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(res))
}

func (h *Handler) RejectSubmission(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req RejectRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	res, err := h.Engine.RejectSubmission(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(res))
}

func (h *Handler) RecallSubmission(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.RecallSubmission(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(res))
}

func (h *Handler) NudgeSubmission(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	s, err := h.Engine.NudgeSubmission(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmissionDTO(s))
}

// =============================================================================
// ASSIGNMENT HANDLERS
// =============================================================================

func (h *Handler) AssignActivity(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req AssignRequest
	if !h.decode(w, r, &req) {
		return
	}
	as, err := h.Engine.AssignActivity(r.Context(), accrual.AssignRequest{
		PoLineID:    req.PoLineID,
		AssigneeIDs: req.AssigneeIDs,
		AssignedBy:  actor,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentDTOs(as))
}

func (h *Handler) RespondActivity(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req RespondRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Engine.RespondActivity(r.Context(), accrual.RespondRequest{
		AssignmentID:     chi.URLParam(r, "id"),
		CompletionStatus: req.CompletionStatus,
		ProvisionPercent: req.ProvisionPercent,
		ProvisionAmount:  req.ProvisionAmount,
		Comment:          req.Comment,
		RespondedBy:      actor,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(a))
}

func (h *Handler) SubmitActivity(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req ActivitySubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.SubmitActivityForApproval(r.Context(), accrual.ActivitySubmitRequest{
		AssignmentIDs:   req.AssignmentIDs,
		ApproverIDs:     req.ApproverIDs,
		SubmittedBy:     actor,
		ProcessingMonth: req.ProcessingMonth,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmitResultDTO(res))
}

func (h *Handler) ReturnAssignment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CommentRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	a, err := h.Engine.ReturnAssignment(r.Context(), chi.URLParam(r, "id"), req.Comment, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(a))
}

func (h *Handler) RecallAssignment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.RecallAssignment(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RecallDTO{
		AssignmentID:    res.AssignmentID,
		PoLineID:        res.PoLineID,
		FullyRecalled:   res.FullyRecalled,
		Deleted:         res.Deleted,
		RemainingActive: res.RemainingActive,
		LineStatus:      string(res.LineStatus),
	})
}

func (h *Handler) NudgeAssignment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	a, err := h.Engine.NudgeAssignment(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentDTO(a))
}

// =============================================================================
// NON-PO FORM HANDLERS
// =============================================================================

func (h *Handler) ListForms(w http.ResponseWriter, r *http.Request) {
	forms, err := h.Engine.ListNonPoForms(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]FormDTO, len(forms))
	for i, f := range forms {
		dtos[i] = toFormDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateForm(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CreateFormRequest
	if !h.decode(w, r, &req) {
		return
	}
	form, err := h.Engine.CreateNonPoForm(r.Context(), accrual.NewNonPoForm{
		Title:           req.Title,
		Vendor:          req.Vendor,
		Description:     req.Description,
		EstimatedAmount: req.EstimatedAmount,
		ProcessingMonth: req.ProcessingMonth,
		CreatedBy:       actor,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFormDTO(form))
}

func (h *Handler) FormAssignments(w http.ResponseWriter, r *http.Request) {
	as, err := h.Engine.ListNonPoAssignments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFormAssignmentDTOs(as))
}

func (h *Handler) AssignForm(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req AssignFormRequest
	if !h.decode(w, r, &req) {
		return
	}
	as, err := h.Engine.AssignNonPoForm(r.Context(), chi.URLParam(r, "id"), req.AssigneeIDs, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFormAssignmentDTOs(as))
}

// SaveFormSubmission stores the assignee's figure without submitting it.
func (h *Handler) SaveFormSubmission(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req FormSubmissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Engine.SaveNonPoSubmission(r.Context(), chi.URLParam(r, "id"), req.ProvisionAmount, req.Comment, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFormAssignmentDTO(a))
}

func (h *Handler) SubmitForm(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	a, err := h.Engine.SubmitNonPoForApproval(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFormAssignmentDTO(a))
}

func (h *Handler) ReturnForm(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req CommentRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	a, err := h.Engine.ReturnNonPoAssignment(r.Context(), chi.URLParam(r, "id"), req.Comment, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFormAssignmentDTO(a))
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Engine.ListRules(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = toRuleDTO(h.Rules, rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Engine.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(h.Rules, rule))
}

// CreateRule parses a rule from JSON and stores it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	h.saveRule(w, r, "")
}

// UpdateRule replaces an existing rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Engine.GetRule(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.saveRule(w, r, id)
}

func (h *Handler) saveRule(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var rj factory.RuleJSON
	if !h.decode(w, r, &rj) {
		return
	}
	if id != "" {
		rj.ID = id
	}
	rule, err := h.Rules.FromJSON(rj)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := h.Engine.SaveRule(r.Context(), rule, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if id == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, toRuleDTO(h.Rules, saved))
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.Engine.DeleteRule(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MatchRules suggests approvers for a batch of lines.
func (h *Handler) MatchRules(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.MatchRules(r.Context(), accrual.MatchRequest{
		PoLineIDs:       req.PoLineIDs,
		ProcessingMonth: req.ProcessingMonth,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMatchResultDTO(res))
}

// InterpretRule drafts a rule from plain text. Nothing is stored.
func (h *Handler) InterpretRule(w http.ResponseWriter, r *http.Request) {
	if h.Interpreter == nil {
		writeError(w, http.StatusServiceUnavailable, "Rule interpreter is not configured", nil)
		return
	}
	var req InterpretRequest
	if !h.decode(w, r, &req) {
		return
	}
	approvers, err := h.Engine.ListApprovers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.Interpreter.Interpret(r.Context(), interpret.Request{
		Text:      req.Text,
		Fields:    req.Fields,
		Approvers: approvers,
	})
	switch {
	case err == nil:
	case errors.Is(err, interpret.ErrEmptyText), accrual.IsClientError(err):
		h.fail(w, r, err)
		return
	default:
		hlog.FromRequest(r).Warn().Err(err).Msg("rule interpretation failed")
		writeError(w, http.StatusBadGateway, "Rule interpretation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, InterpretDTO{
		Rule:        toRuleDTO(h.Rules, out.Rule),
		Explanation: out.Draft.Explanation,
		Confidence:  out.Draft.Confidence,
	})
}

func (h *Handler) ListApprovers(w http.ResponseWriter, r *http.Request) {
	approvers, err := h.Engine.ListApprovers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]ApproverDTO, len(approvers))
	for i, a := range approvers {
		dtos[i] = toApproverDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveApprover(w http.ResponseWriter, r *http.Request) {
	var req ApproverRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	a, err := h.Engine.SaveApprover(r.Context(), accrual.Approver{
		ID:     req.ID,
		Name:   req.Name,
		Email:  req.Email,
		Active: active,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApproverDTO(a))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Materialize caches this month's Activity finals. With ?async=true the job
// is queued and 202 is returned at once.
func (h *Handler) Materialize(w http.ResponseWriter, r *http.Request) {
	var req MaterializeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.Materializer.Trigger(req.ProcessingMonth)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	res, err := h.Materializer.Materialize(r.Context(), req.ProcessingMonth)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MaterializeDTO{ProcessingMonth: res.Month, Updated: res.Updated, Pending: res.Pending})
}

func (h *Handler) ImportLines(w http.ResponseWriter, r *http.Request) {
	var req ImportLinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	records := make([]accrual.PoLineRecord, len(req.Records))
	for i, rec := range req.Records {
		records[i] = accrual.PoLineRecord(rec)
	}
	rep, err := h.Ingestor.IngestLines(r.Context(), records)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int("inserted", rep.Inserted).Int("updated", rep.Updated).
		Int("failed", len(rep.Failed)).Msg("lines imported")
	writeJSON(w, http.StatusOK, toIngestReportDTO(rep))
}

func (h *Handler) ImportGrns(w http.ResponseWriter, r *http.Request) {
	var req ImportGrnsRequest
	if !h.decode(w, r, &req) {
		return
	}
	records := make([]accrual.GrnRecord, len(req.Records))
	for i, rec := range req.Records {
		records[i] = accrual.GrnRecord(rec)
	}
	rep, err := h.Ingestor.IngestGrns(r.Context(), records)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int("inserted", rep.Inserted).Int("failed", len(rep.Failed)).Msg("grns imported")
	writeJSON(w, http.StatusOK, toIngestReportDTO(rep))
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := accrual.AuditFilter{EntityID: q.Get("entity_id"), ActorID: q.Get("actor_id"), Limit: 100}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		filter.Limit = n
	}
	entries, err := h.Engine.ListAudit(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AuditDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(ActorHeader))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: ActorHeader + " header is required", Code: "missing_actor"})
		return "", false
	}
	return id, true
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Request body is required", nil)
		} else {
			writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		}
		return false
	}
	return h.check(w, r, dst)
}

// decodeOptional is decode for endpoints whose body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return h.check(w, r, dst)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request, dst any) bool {
	if reflect.Indirect(reflect.ValueOf(dst)).Kind() != reflect.Struct {
		return true
	}
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		h.fail(w, r, &accrual.ValidationError{
			Code:    CodeInvalidRequest,
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed %q validation", fe.Tag()),
		})
		return false
	}
	h.fail(w, r, err)
	return false
}

// fail maps engine errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *accrual.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorDTO{Error: ve.Message, Code: ve.Code, Field: ve.Field})
	case accrual.IsClientError(err), errors.Is(err, interpret.ErrEmptyText):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case accrual.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case accrual.IsConflict(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	default:
		hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := ErrorDTO{Error: message}
	if err != nil {
		body.Details = err.Error()
	}
	writeJSON(w, status, body)
}
