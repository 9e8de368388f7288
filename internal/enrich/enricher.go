// Package enrich joins raw workflow tasks with draft metadata for display.
package enrich

import (
	"plan-coordinator/internal/modal"
)

// Task joins task with its process variables and the draft they point to.
// vars and draft may be nil; missing fields fall back to defaults so a single
// bad join never breaks a listing.
func Task(task modal.Task, vars modal.Variables, draft *modal.Draft) modal.EnrichedTask {
	et := modal.EnrichedTask{Task: task}

	if vars == nil && draft == nil {
		et.Partial = true
		return et
	}

	et.DraftID = vars.String(modal.VarDraftID)
	et.PlanName = vars.String(modal.VarPlanName)
	et.SubmittedBy = vars.String(modal.VarSubmittedBy)
	et.SubmittedAt = vars.Time(modal.VarSubmittedAt)

	if draft == nil {
		et.Partial = true
		return et
	}
	if et.DraftID == "" {
		et.DraftID = draft.ID
	}
	if name := draft.PlanData.Name(); name != "" {
		et.PlanName = name
	}
	if et.SubmittedBy == "" {
		et.SubmittedBy = draft.UpdatedBy
	}
	if et.SubmittedAt.IsZero() {
		et.SubmittedAt = draft.UpdatedAt
	}
	et.DraftStatus = string(draft.Status)
	return et
}
