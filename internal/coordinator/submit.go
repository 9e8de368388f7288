package coordinator

import (
	"context"
	"errors"

	"plan-coordinator/internal/conflict"
	"plan-coordinator/internal/modal"
)

// submission describes how a draft enters an approval. Zero fields keep the
// draft's own values.
type submission struct {
	userID      string
	planData    modal.Document
	baseVersion string
	autoMerged  bool
}

func submittable(s modal.DraftStatus) bool {
	return s == modal.DraftStatusDraft || s == modal.DraftStatusRejected
}

// SubmitForApproval starts an approval for a draft. planData, when non-nil,
// replaces the draft's document for this submission. Nothing is written when
// the draft is already submitted or its resource moved on.
func (c *Coordinator) SubmitForApproval(ctx context.Context, draftID, userID string, planData modal.Document) (*SubmitResult, error) {
	const op = "submit"
	if draftID == "" {
		return nil, invalid(op, "draftId is required")
	}
	if userID == "" {
		return nil, invalid(op, "userId is required")
	}

	d, err := c.getDraft(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	if !submittable(d.Status) {
		return &SubmitResult{Status: OutcomeAlreadySubmitted, DraftID: d.ID, ProcessInstanceID: d.SubmissionID}, nil
	}

	data := d.PlanData
	if planData != nil {
		data = planData
	}
	if d.Linked() {
		report, _, err := c.checkLinked(ctx, d.ResourceID, d.BaseVersion, data)
		if err != nil {
			return nil, upstream(op, err)
		}
		if report.HasConflict {
			c.logger.Info("submission blocked by version conflict",
				"draftId", d.ID, "draftVersion", report.DraftVersion, "currentVersion", report.CurrentVersion,
				"conflictType", report.ConflictType)
			return &SubmitResult{Status: OutcomeVersionConflict, DraftID: d.ID, Conflict: &report}, nil
		}
	}

	return c.start(ctx, op, d, submission{userID: userID, planData: planData})
}

// start creates the process instance and then marks the draft submitted,
// conditional on the status it was read with. When the draft moved on in the
// meantime the new instance is terminated.
func (c *Coordinator) start(ctx context.Context, op string, d *modal.Draft, s submission) (*SubmitResult, error) {
	data := d.PlanData
	if s.planData != nil {
		data = s.planData
	}
	base := d.BaseVersion
	if s.baseVersion != "" {
		base = s.baseVersion
	}

	resourceVar := modal.NullValue()
	if d.Linked() {
		resourceVar = modal.StringValue(d.ResourceID)
	}
	vars := modal.Variables{
		modal.VarDraftID:     modal.StringValue(d.ID),
		modal.VarDraftSource: modal.StringValue(DraftSource),
		modal.VarBaseVersion: modal.StringValue(base),
		modal.VarResourceID:  resourceVar,
		modal.VarSubmittedBy: modal.StringValue(s.userID),
		modal.VarPlanName:    modal.StringValue(data.Name()),
		modal.VarSubmittedAt: modal.DateValue(c.now()),
	}
	if s.autoMerged {
		vars[modal.VarAutoMerged] = modal.BoolValue(true)
	}

	pi, err := c.engine.StartProcess(ctx, c.processKey, vars)
	if err != nil {
		return nil, upstream(op, err)
	}

	meta := map[string]any{
		MetaSubmittedAt:        c.timestamp(),
		MetaAutoMerged:         nil,
		MetaConflict:           nil,
		MetaConflictDetectedAt: nil,
		MetaApprovalOutcome:    nil,
		MetaDecidedBy:          nil,
		MetaDecidedAt:          nil,
		MetaComments:           nil,
		MetaPublishError:       nil,
	}
	if s.autoMerged {
		meta[MetaAutoMerged] = true
	}
	if d.SubmissionID != "" {
		meta[MetaPreviousSubmissionID] = d.SubmissionID
	}
	patch := modal.DraftPatch{
		Status:             modal.Ptr(modal.DraftStatusSubmitted),
		SubmissionID:       modal.Ptr(pi.ID),
		PlanData:           s.planData,
		UpdatedBy:          s.userID,
		SubmissionMetadata: meta,
		ExpectedStatus:     []modal.DraftStatus{d.Status},
	}
	if s.baseVersion != "" {
		patch.BaseVersion = modal.Ptr(s.baseVersion)
	}

	if err := c.drafts.Update(ctx, d.ID, patch); err != nil {
		c.discard(ctx, pi.ID, err)
		if errors.Is(err, modal.ErrStatusConflict) {
			c.logger.Info("concurrent submission lost", "draftId", d.ID, "processInstanceId", pi.ID)
			return &SubmitResult{Status: OutcomeAlreadySubmitted, DraftID: d.ID}, nil
		}
		return nil, upstream(op, err)
	}

	c.logger.Info("draft submitted for approval",
		"draftId", d.ID, "processInstanceId", pi.ID, "userId", s.userID, "autoMerged", s.autoMerged)
	return &SubmitResult{
		Status:            OutcomePendingApproval,
		DraftID:           d.ID,
		ProcessInstanceID: pi.ID,
		AutoMerged:        s.autoMerged,
	}, nil
}

func (c *Coordinator) discard(ctx context.Context, processID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := c.engine.TerminateProcess(ctx, processID, "draft update failed: "+cause.Error()); err != nil {
		c.logger.Error("failed to terminate orphaned process instance",
			"processInstanceId", processID, "cause", cause, "error", err)
	}
}

// CheckConflict compares a draft with the current version of the resource it
// edits. Unlinked drafts never conflict.
func (c *Coordinator) CheckConflict(ctx context.Context, draftID string) (*conflict.Report, error) {
	const op = "check conflict"
	if draftID == "" {
		return nil, invalid(op, "draftId is required")
	}
	d, err := c.getDraft(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	if !d.Linked() {
		return &conflict.Report{ConflictType: conflict.TypeNone, DraftVersion: d.BaseVersion}, nil
	}
	report, _, err := c.checkLinked(ctx, d.ResourceID, d.BaseVersion, d.PlanData)
	if err != nil {
		return nil, upstream(op, err)
	}
	return &report, nil
}

// Resubmit submits a draft again, merging it onto the current resource when
// the concurrent edits do not overlap. A draft that is already under approval
// keeps its process instance; only its base version moves forward.
func (c *Coordinator) Resubmit(ctx context.Context, draftID, userID string) (*SubmitResult, error) {
	const op = "resubmit"
	if draftID == "" {
		return nil, invalid(op, "draftId is required")
	}
	if userID == "" {
		return nil, invalid(op, "userId is required")
	}

	d, err := c.getDraft(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	already := &SubmitResult{Status: OutcomeAlreadySubmitted, DraftID: d.ID, ProcessInstanceID: d.SubmissionID}
	if d.Status == modal.DraftStatusApproved {
		return already, nil
	}

	if !d.Linked() {
		if d.Status == modal.DraftStatusSubmitted {
			return already, nil
		}
		return c.start(ctx, op, d, submission{userID: userID})
	}

	report, current, err := c.checkLinked(ctx, d.ResourceID, d.BaseVersion, d.PlanData)
	if err != nil {
		return nil, upstream(op, err)
	}
	if !report.HasConflict {
		if d.Status == modal.DraftStatusSubmitted {
			return already, nil
		}
		return c.start(ctx, op, d, submission{userID: userID})
	}
	if !report.Mergeable {
		return &SubmitResult{Status: OutcomeVersionConflict, DraftID: d.ID, ProcessInstanceID: d.SubmissionID, Conflict: &report}, nil
	}

	merged := conflict.AutoMerge(d.PlanData, current.Data, report.DraftChanges)
	c.logger.Info("auto-merging draft onto current resource",
		"draftId", d.ID, "resourceId", d.ResourceID, "from", d.BaseVersion, "to", current.Version)
	if d.Status == modal.DraftStatusSubmitted {
		return c.mergeInPlace(ctx, op, d, merged, current.Version, userID)
	}
	return c.start(ctx, op, d, submission{
		userID:      userID,
		planData:    merged,
		baseVersion: current.Version,
		autoMerged:  true,
	})
}

// mergeInPlace rebases a submitted draft on the current resource. The draft
// holds the base version the approval check uses, so it is written first and
// the process variables follow.
func (c *Coordinator) mergeInPlace(ctx context.Context, op string, d *modal.Draft, merged modal.Document, version, userID string) (*SubmitResult, error) {
	err := c.drafts.Update(ctx, d.ID, modal.DraftPatch{
		PlanData:    merged,
		BaseVersion: modal.Ptr(version),
		UpdatedBy:   userID,
		SubmissionMetadata: map[string]any{
			MetaAutoMerged:         true,
			MetaConflict:           nil,
			MetaConflictDetectedAt: nil,
		},
		ExpectedStatus: []modal.DraftStatus{modal.DraftStatusSubmitted},
	})
	if err != nil {
		return nil, upstream(op, err)
	}

	err = c.engine.SetInstanceVariables(ctx, d.SubmissionID, modal.Variables{
		modal.VarBaseVersion: modal.StringValue(version),
		modal.VarPlanName:    modal.StringValue(merged.Name()),
		modal.VarAutoMerged:  modal.BoolValue(true),
	})
	if err != nil {
		return nil, upstream(op, err)
	}
	return &SubmitResult{
		Status:            OutcomePendingApproval,
		DraftID:           d.ID,
		ProcessInstanceID: d.SubmissionID,
		AutoMerged:        true,
	}, nil
}
