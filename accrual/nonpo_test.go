package accrual_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accrual-engine/accrual"
)

func newForm(t *testing.T, f *fixture) accrual.NonPoForm {
	t.Helper()
	form, err := f.engine.CreateNonPoForm(f.ctx, accrual.NewNonPoForm{
		Title: " Legal retainer ", Vendor: "Law & Co", EstimatedAmount: d("1200"),
		ProcessingMonth: "feb 2026", CreatedBy: "fin-1",
	})
	require.NoError(t, err)
	return form
}

func TestCreateNonPoForm(t *testing.T) {
	f := newFixture(t)
	form := newForm(t, f)
	assert.Equal(t, "Legal retainer", form.Title)
	assert.Equal(t, "Feb 2026", form.ProcessingMonth)

	_, err := f.engine.CreateNonPoForm(f.ctx, accrual.NewNonPoForm{ProcessingMonth: "Feb 2026"})
	requireCode(t, err, accrual.CodeMissingTitle)

	_, err = f.engine.CreateNonPoForm(f.ctx, accrual.NewNonPoForm{Title: "x", EstimatedAmount: d("-5"), ProcessingMonth: "Feb 2026"})
	requireCode(t, err, accrual.CodeInvalidAmount)

	_, err = f.engine.CreateNonPoForm(f.ctx, accrual.NewNonPoForm{Title: "x", ProcessingMonth: "soon"})
	requireCode(t, err, accrual.CodeInvalidMonth)

	forms, err := f.engine.ListNonPoForms(f.ctx)
	require.NoError(t, err)
	assert.Len(t, forms, 1)
}

func TestNonPoForm_Lifecycle(t *testing.T) {
	// GIVEN: a form assigned to one user
	// WHEN: the user saves a figure and submits it
	// THEN: the assignment moves Assigned -> Responded -> Submitted
	f := newFixture(t)
	form := newForm(t, f)

	created, err := f.engine.AssignNonPoForm(f.ctx, form.ID, []string{"u1", "u1"}, "fin-1")
	require.NoError(t, err)
	require.Len(t, created, 1)
	a := created[0]
	assert.Equal(t, accrual.FormAssigned, a.Status)

	_, err = f.engine.SubmitNonPoForApproval(f.ctx, a.ID, "u1")
	requireCode(t, err, accrual.CodeMissingSubmission)

	got, err := f.engine.SaveNonPoSubmission(f.ctx, a.ID, d("950"), "invoice pending", "u1")
	require.NoError(t, err)
	assert.Equal(t, accrual.FormResponded, got.Status)

	got, err = f.engine.SaveNonPoSubmission(f.ctx, a.ID, d("1000"), "revised", "u1")
	require.NoError(t, err)
	sub, err := f.store.GetFormSubmission(f.ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.True(t, sub.ProvisionAmount.Equal(d("1000")))

	got, err = f.engine.SubmitNonPoForApproval(f.ctx, a.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, accrual.FormSubmitted, got.Status)

	_, err = f.engine.SaveNonPoSubmission(f.ctx, a.ID, d("1"), "", "u1")
	assert.True(t, accrual.IsConflict(err))
}

func TestNonPoForm_ReturnAndReassign(t *testing.T) {
	f := newFixture(t)
	form := newForm(t, f)
	created, err := f.engine.AssignNonPoForm(f.ctx, form.ID, []string{"u1"}, "fin-1")
	require.NoError(t, err)

	_, err = f.engine.ReturnNonPoAssignment(f.ctx, created[0].ID, "", "u1")
	requireCode(t, err, accrual.CodeMissingComment)

	got, err := f.engine.ReturnNonPoAssignment(f.ctx, created[0].ID, "wrong team", "u1")
	require.NoError(t, err)
	assert.Equal(t, accrual.FormReturned, got.Status)
	assert.Equal(t, "wrong team", got.ReturnComment)

	// The returned assignee can be assigned again.
	again, err := f.engine.AssignNonPoForm(f.ctx, form.ID, []string{"u1", "u2"}, "fin-1")
	require.NoError(t, err)
	assert.Len(t, again, 2)

	list, err := f.engine.ListNonPoAssignments(f.ctx, form.ID)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = f.engine.ListNonPoAssignments(f.ctx, "missing")
	assert.True(t, accrual.IsNotFound(err))
}

func TestAssignNonPoForm_Validation(t *testing.T) {
	f := newFixture(t)
	form := newForm(t, f)

	_, err := f.engine.AssignNonPoForm(f.ctx, form.ID, nil, "fin-1")
	requireCode(t, err, accrual.CodeMissingApprovers)

	_, err = f.engine.AssignNonPoForm(f.ctx, "missing", []string{"u1"}, "fin-1")
	assert.True(t, accrual.IsNotFound(err))
}
