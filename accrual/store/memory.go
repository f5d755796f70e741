// Package store provides an in-memory accrual.Store.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/accrual-engine/accrual"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps behind one mutex. WithTx holds the mutex
// for the whole callback and restores a snapshot if the callback fails.
type Memory struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
}

type calcKey struct {
	lineID string
	month  string
}

type state struct {
	lines           map[string]accrual.PoLine
	lineKeys        map[string]string // business key -> id
	grns            map[string][]accrual.GrnTransaction
	calcs           map[calcKey]accrual.PeriodCalculation
	assignments     map[string]accrual.ActivityAssignment
	responses       map[string]accrual.BusinessResponse
	submissions     map[string]accrual.ApprovalSubmission
	rules           map[string]accrual.ApprovalRule
	approvers       map[string]accrual.Approver
	forms           map[string]accrual.NonPoForm
	formAssignments map[string]accrual.NonPoAssignment
	formSubmissions map[string]accrual.NonPoSubmission
	audit           []accrual.AuditEntry
	seq             int64
}

func newState() *state {
	return &state{
		lines:           map[string]accrual.PoLine{},
		lineKeys:        map[string]string{},
		grns:            map[string][]accrual.GrnTransaction{},
		calcs:           map[calcKey]accrual.PeriodCalculation{},
		assignments:     map[string]accrual.ActivityAssignment{},
		responses:       map[string]accrual.BusinessResponse{},
		submissions:     map[string]accrual.ApprovalSubmission{},
		rules:           map[string]accrual.ApprovalRule{},
		approvers:       map[string]accrual.Approver{},
		forms:           map[string]accrual.NonPoForm{},
		formAssignments: map[string]accrual.NonPoAssignment{},
		formSubmissions: map[string]accrual.NonPoSubmission{},
	}
}

// clone copies every table. Stored values are replaced, never mutated in
// place, so copying the values is enough.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.lines {
		c.lines[k] = v
	}
	for k, v := range s.lineKeys {
		c.lineKeys[k] = v
	}
	for k, v := range s.grns {
		c.grns[k] = append([]accrual.GrnTransaction(nil), v...)
	}
	for k, v := range s.calcs {
		c.calcs[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.responses {
		c.responses[k] = v
	}
	for k, v := range s.submissions {
		c.submissions[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	for k, v := range s.approvers {
		c.approvers[k] = v
	}
	for k, v := range s.forms {
		c.forms[k] = v
	}
	for k, v := range s.formAssignments {
		c.formAssignments[k] = v
	}
	for k, v := range s.formSubmissions {
		c.formSubmissions[k] = v
	}
	c.audit = append([]accrual.AuditEntry(nil), s.audit...)
	c.seq = s.seq
	return c
}

func NewMemory() *Memory {
	return &Memory{mu: &sync.Mutex{}, st: newState()}
}

var _ accrual.Store = (*Memory)(nil)

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithTx runs fn with exclusive access. On error the state is rolled back.
func (m *Memory) WithTx(_ context.Context, fn func(accrual.Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	view := &Memory{mu: m.mu, st: m.st, inTx: true}
	if err := fn(view); err != nil {
		*m.st = *snapshot
		return err
	}
	return nil
}

func businessKey(po, line string) string {
	return po + "\x00" + line
}

// =============================================================================
// LINES
// =============================================================================

func (m *Memory) UpsertLine(_ context.Context, line accrual.PoLine) (accrual.PoLine, bool, error) {
	defer m.lock()()

	key := businessKey(line.PONumber, line.LineNumber)
	if id, ok := m.st.lineKeys[key]; ok {
		existing := m.st.lines[id]
		line.ID = existing.ID
		line.Status = existing.Status
		line.CreatedAt = existing.CreatedAt
		if line.Category == "" {
			line.Category = existing.Category
		}
		m.st.lines[id] = line
		return line, false, nil
	}
	if line.Category == "" {
		line.Category = accrual.CategoryPeriod
	}
	m.st.lines[line.ID] = line
	m.st.lineKeys[key] = line.ID
	return line, true, nil
}

func (m *Memory) GetLine(_ context.Context, id string) (accrual.PoLine, error) {
	defer m.lock()()
	line, ok := m.st.lines[id]
	if !ok {
		return accrual.PoLine{}, &accrual.NotFoundError{Kind: "po_line", ID: id}
	}
	return line, nil
}

func (m *Memory) GetLineByKey(_ context.Context, poNumber, lineNumber string) (accrual.PoLine, error) {
	defer m.lock()()
	id, ok := m.st.lineKeys[businessKey(poNumber, lineNumber)]
	if !ok {
		return accrual.PoLine{}, &accrual.NotFoundError{Kind: "po_line", ID: poNumber + "/" + lineNumber}
	}
	return m.st.lines[id], nil
}

func (m *Memory) ListLines(_ context.Context, filter accrual.LineFilter) ([]accrual.PoLine, error) {
	defer m.lock()()
	var ids map[string]bool
	if len(filter.IDs) > 0 {
		ids = make(map[string]bool, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = true
		}
	}
	var out []accrual.PoLine
	for _, l := range m.st.lines {
		if filter.Category != "" && l.Category != filter.Category {
			continue
		}
		if ids != nil && !ids[l.ID] {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PONumber != out[j].PONumber {
			return out[i].PONumber < out[j].PONumber
		}
		return out[i].LineNumber < out[j].LineNumber
	})
	return out, nil
}

func (m *Memory) UpdateLine(_ context.Context, line accrual.PoLine) error {
	defer m.lock()()
	if _, ok := m.st.lines[line.ID]; !ok {
		return &accrual.NotFoundError{Kind: "po_line", ID: line.ID}
	}
	m.st.lines[line.ID] = line
	return nil
}

func (m *Memory) DeleteLines(_ context.Context, ids []string) (int, error) {
	defer m.lock()()
	targets := ids
	if len(targets) == 0 {
		for id := range m.st.lines {
			targets = append(targets, id)
		}
	}
	n := 0
	for _, id := range targets {
		line, ok := m.st.lines[id]
		if !ok {
			continue
		}
		n++
		delete(m.st.lines, id)
		delete(m.st.lineKeys, businessKey(line.PONumber, line.LineNumber))
		delete(m.st.grns, id)
		for k := range m.st.calcs {
			if k.lineID == id {
				delete(m.st.calcs, k)
			}
		}
		for aid, a := range m.st.assignments {
			if a.PoLineID == id {
				delete(m.st.assignments, aid)
				delete(m.st.responses, aid)
			}
		}
		for sid, s := range m.st.submissions {
			if s.PoLineID == id {
				delete(m.st.submissions, sid)
			}
		}
	}
	return n, nil
}

// =============================================================================
// GRN
// =============================================================================

func (m *Memory) ReplaceGrn(_ context.Context, tx accrual.GrnTransaction) (accrual.GrnTransaction, error) {
	defer m.lock()()
	kept := m.st.grns[tx.PoLineID][:0:0]
	for _, g := range m.st.grns[tx.PoLineID] {
		if g.DocumentNumber != tx.DocumentNumber {
			kept = append(kept, g)
		}
	}
	m.st.seq++
	tx.Seq = m.st.seq
	m.st.grns[tx.PoLineID] = append(kept, tx)
	return tx, nil
}

func (m *Memory) ListGrns(_ context.Context, poLineID string) ([]accrual.GrnTransaction, error) {
	defer m.lock()()
	out := append([]accrual.GrnTransaction(nil), m.st.grns[poLineID]...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// =============================================================================
// CALCULATIONS
// =============================================================================

func (m *Memory) GetCalculation(_ context.Context, poLineID, month string) (*accrual.PeriodCalculation, error) {
	defer m.lock()()
	c, ok := m.st.calcs[calcKey{poLineID, month}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) UpsertCalculation(_ context.Context, calc accrual.PeriodCalculation) error {
	defer m.lock()()
	m.st.calcs[calcKey{calc.PoLineID, calc.ProcessingMonth}] = calc
	return nil
}

func (m *Memory) ListCalculations(_ context.Context, month string) ([]accrual.PeriodCalculation, error) {
	defer m.lock()()
	var out []accrual.PeriodCalculation
	for k, c := range m.st.calcs {
		if k.month == month {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoLineID < out[j].PoLineID })
	return out, nil
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

func (m *Memory) CreateAssignment(_ context.Context, a accrual.ActivityAssignment) error {
	defer m.lock()()
	if a.Status.Active() {
		for _, existing := range m.st.assignments {
			if existing.PoLineID == a.PoLineID && existing.AssigneeID == a.AssigneeID && existing.Status.Active() {
				return accrual.ErrDuplicateAssignment
			}
		}
	}
	m.st.assignments[a.ID] = a
	return nil
}

func (m *Memory) GetAssignment(_ context.Context, id string) (accrual.ActivityAssignment, error) {
	defer m.lock()()
	a, ok := m.st.assignments[id]
	if !ok {
		return accrual.ActivityAssignment{}, &accrual.NotFoundError{Kind: "assignment", ID: id}
	}
	return a, nil
}

func (m *Memory) ListAssignments(_ context.Context, poLineID string) ([]accrual.ActivityAssignment, error) {
	defer m.lock()()
	var out []accrual.ActivityAssignment
	for _, a := range m.st.assignments {
		if a.PoLineID == poLineID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateAssignment(_ context.Context, a accrual.ActivityAssignment) error {
	defer m.lock()()
	if _, ok := m.st.assignments[a.ID]; !ok {
		return &accrual.NotFoundError{Kind: "assignment", ID: a.ID}
	}
	m.st.assignments[a.ID] = a
	return nil
}

func (m *Memory) DeleteAssignment(_ context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.st.assignments[id]; !ok {
		return &accrual.NotFoundError{Kind: "assignment", ID: id}
	}
	delete(m.st.assignments, id)
	delete(m.st.responses, id)
	return nil
}

func (m *Memory) UpsertResponse(_ context.Context, r accrual.BusinessResponse) error {
	defer m.lock()()
	m.st.responses[r.AssignmentID] = r
	return nil
}

func (m *Memory) GetResponse(_ context.Context, assignmentID string) (*accrual.BusinessResponse, error) {
	defer m.lock()()
	r, ok := m.st.responses[assignmentID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// =============================================================================
// SUBMISSIONS
// =============================================================================

func copySubmission(s accrual.ApprovalSubmission) accrual.ApprovalSubmission {
	s.ApproverIDs = append([]string(nil), s.ApproverIDs...)
	return s
}

func (m *Memory) CreateSubmission(_ context.Context, s accrual.ApprovalSubmission) (bool, error) {
	defer m.lock()()
	if s.Status == accrual.SubmissionPending {
		for _, existing := range m.st.submissions {
			if existing.PoLineID == s.PoLineID && existing.ProcessingMonth == s.ProcessingMonth &&
				existing.Status == accrual.SubmissionPending {
				return false, nil
			}
		}
	}
	m.st.submissions[s.ID] = copySubmission(s)
	return true, nil
}

func (m *Memory) GetSubmission(_ context.Context, id string) (accrual.ApprovalSubmission, error) {
	defer m.lock()()
	s, ok := m.st.submissions[id]
	if !ok {
		return accrual.ApprovalSubmission{}, &accrual.NotFoundError{Kind: "submission", ID: id}
	}
	return copySubmission(s), nil
}

func (m *Memory) FindPendingSubmission(_ context.Context, poLineID, month string) (*accrual.ApprovalSubmission, error) {
	defer m.lock()()
	for _, s := range m.st.submissions {
		if s.PoLineID == poLineID && s.ProcessingMonth == month && s.Status == accrual.SubmissionPending {
			c := copySubmission(s)
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListSubmissions(_ context.Context, filter accrual.SubmissionFilter) ([]accrual.ApprovalSubmission, error) {
	defer m.lock()()
	var out []accrual.ApprovalSubmission
	for _, s := range m.st.submissions {
		if filter.PoLineID != "" && s.PoLineID != filter.PoLineID {
			continue
		}
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.ProcessingMonth != "" && s.ProcessingMonth != filter.ProcessingMonth {
			continue
		}
		out = append(out, copySubmission(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateSubmission(_ context.Context, s accrual.ApprovalSubmission) error {
	defer m.lock()()
	if _, ok := m.st.submissions[s.ID]; !ok {
		return &accrual.NotFoundError{Kind: "submission", ID: s.ID}
	}
	m.st.submissions[s.ID] = copySubmission(s)
	return nil
}

// =============================================================================
// RULES AND APPROVERS
// =============================================================================

func (m *Memory) SaveRule(_ context.Context, rule accrual.ApprovalRule) error {
	defer m.lock()()
	rule.Conditions = append([]accrual.Condition(nil), rule.Conditions...)
	rule.Actions = append([]accrual.Action(nil), rule.Actions...)
	m.st.rules[rule.ID] = rule
	return nil
}

func (m *Memory) GetRule(_ context.Context, id string) (accrual.ApprovalRule, error) {
	defer m.lock()()
	r, ok := m.st.rules[id]
	if !ok {
		return accrual.ApprovalRule{}, &accrual.NotFoundError{Kind: "rule", ID: id}
	}
	return r, nil
}

func (m *Memory) ListRules(_ context.Context) ([]accrual.ApprovalRule, error) {
	defer m.lock()()
	out := make([]accrual.ApprovalRule, 0, len(m.st.rules))
	for _, r := range m.st.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) DeleteRule(_ context.Context, id string) error {
	defer m.lock()()
	if _, ok := m.st.rules[id]; !ok {
		return &accrual.NotFoundError{Kind: "rule", ID: id}
	}
	delete(m.st.rules, id)
	return nil
}

func (m *Memory) SaveApprover(_ context.Context, a accrual.Approver) error {
	defer m.lock()()
	m.st.approvers[a.ID] = a
	return nil
}

func (m *Memory) ListApprovers(_ context.Context) ([]accrual.Approver, error) {
	defer m.lock()()
	var out []accrual.Approver
	for _, a := range m.st.approvers {
		if a.Active {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// NON-PO FORMS
// =============================================================================

func (m *Memory) CreateForm(_ context.Context, f accrual.NonPoForm) error {
	defer m.lock()()
	m.st.forms[f.ID] = f
	return nil
}

func (m *Memory) GetForm(_ context.Context, id string) (accrual.NonPoForm, error) {
	defer m.lock()()
	f, ok := m.st.forms[id]
	if !ok {
		return accrual.NonPoForm{}, &accrual.NotFoundError{Kind: "nonpo_form", ID: id}
	}
	return f, nil
}

func (m *Memory) ListForms(_ context.Context) ([]accrual.NonPoForm, error) {
	defer m.lock()()
	out := make([]accrual.NonPoForm, 0, len(m.st.forms))
	for _, f := range m.st.forms {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateFormAssignment(_ context.Context, a accrual.NonPoAssignment) error {
	defer m.lock()()
	m.st.formAssignments[a.ID] = a
	return nil
}

func (m *Memory) GetFormAssignment(_ context.Context, id string) (accrual.NonPoAssignment, error) {
	defer m.lock()()
	a, ok := m.st.formAssignments[id]
	if !ok {
		return accrual.NonPoAssignment{}, &accrual.NotFoundError{Kind: "nonpo_assignment", ID: id}
	}
	return a, nil
}

func (m *Memory) ListFormAssignments(_ context.Context, formID string) ([]accrual.NonPoAssignment, error) {
	defer m.lock()()
	var out []accrual.NonPoAssignment
	for _, a := range m.st.formAssignments {
		if a.FormID == formID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateFormAssignment(_ context.Context, a accrual.NonPoAssignment) error {
	defer m.lock()()
	if _, ok := m.st.formAssignments[a.ID]; !ok {
		return &accrual.NotFoundError{Kind: "nonpo_assignment", ID: a.ID}
	}
	m.st.formAssignments[a.ID] = a
	return nil
}

func (m *Memory) UpsertFormSubmission(_ context.Context, s accrual.NonPoSubmission) error {
	defer m.lock()()
	m.st.formSubmissions[s.AssignmentID] = s
	return nil
}

func (m *Memory) GetFormSubmission(_ context.Context, assignmentID string) (*accrual.NonPoSubmission, error) {
	defer m.lock()()
	s, ok := m.st.formSubmissions[assignmentID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, entry accrual.AuditEntry) error {
	defer m.lock()()
	m.st.audit = append(m.st.audit, entry)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, filter accrual.AuditFilter) ([]accrual.AuditEntry, error) {
	defer m.lock()()
	var out []accrual.AuditEntry
	for i := len(m.st.audit) - 1; i >= 0; i-- {
		e := m.st.audit[i]
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
