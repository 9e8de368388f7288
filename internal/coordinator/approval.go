package coordinator

import (
	"context"
	"errors"
	"fmt"

	"plan-coordinator/internal/conflict"
	"plan-coordinator/internal/engine"
	"plan-coordinator/internal/modal"
)

// CompleteApprovalTask records a decision on a task. An approval is checked
// against the current resource version first; on conflict the task stays
// pending and the draft is annotated. When the decision ends the process an
// approval publishes the draft and a rejection closes it.
func (c *Coordinator) CompleteApprovalTask(ctx context.Context, dec modal.TaskDecision) (*ApprovalResult, error) {
	const op = "complete task"
	if dec.TaskID == "" {
		return nil, invalid(op, "taskId is required")
	}
	if dec.UserID == "" {
		return nil, invalid(op, "userId is required")
	}

	vars, err := c.engine.GetTaskVariables(ctx, dec.TaskID)
	if err != nil {
		return nil, upstream(op, err)
	}
	draftID := vars.String(modal.VarDraftID)
	if draftID == "" {
		return nil, &Error{Kind: KindInternal, Op: op, Err: fmt.Errorf("task %s carries no draftId", dec.TaskID)}
	}
	d, err := c.getDraft(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	pid, err := engine.ProcessOfTask(dec.TaskID)
	if err != nil {
		return nil, upstream(op, err)
	}
	if pid != d.SubmissionID {
		c.logger.Warn("task does not belong to the draft's current submission",
			"taskId", dec.TaskID, "draftId", d.ID, "processInstanceId", pid, "submissionId", d.SubmissionID)
		return nil, invalid(op, "task %s is not part of the current submission of draft %s", dec.TaskID, d.ID)
	}
	if d.Status != modal.DraftStatusSubmitted {
		return nil, invalid(op, "draft %s is %s, not submitted", d.ID, d.Status)
	}
	if d.Linked() && d.ResourceID != vars.String(modal.VarResourceID) {
		c.logger.Warn("draft resource differs from process variable",
			"draftId", d.ID, "draftResource", d.ResourceID, "processResource", vars.String(modal.VarResourceID))
	}

	res := &ApprovalResult{TaskID: dec.TaskID, DraftID: d.ID, ProcessInstanceID: d.SubmissionID}

	if dec.Approved && d.Linked() {
		report, _, err := c.checkLinked(ctx, d.ResourceID, d.BaseVersion, d.PlanData)
		if err != nil {
			return nil, upstream(op, err)
		}
		if report.HasConflict {
			return c.conflictOnApproval(ctx, op, d, report, res)
		}
	}

	decision := modal.Variables{
		modal.VarApproved:    modal.BoolValue(dec.Approved),
		modal.VarComments:    modal.StringValue(dec.Comments),
		modal.VarCompletedBy: modal.StringValue(dec.UserID),
	}
	if err := c.engine.CompleteTask(ctx, dec.TaskID, decision); err != nil {
		return nil, upstream(op, err)
	}

	active, err := c.instanceActive(ctx, d.SubmissionID)
	if err != nil {
		return nil, upstream(op, err)
	}
	c.logger.Info("approval task completed",
		"taskId", dec.TaskID, "draftId", d.ID, "approved", dec.Approved, "userId", dec.UserID, "processEnded", !active)

	if !dec.Approved {
		res.Status = OutcomeRejected
		if active {
			return res, nil
		}
		err := c.drafts.Update(ctx, d.ID, modal.DraftPatch{
			Status:             modal.Ptr(modal.DraftStatusRejected),
			UpdatedBy:          dec.UserID,
			SubmissionMetadata: c.decisionMeta(modal.OutcomeRejected, dec),
			ExpectedStatus:     []modal.DraftStatus{modal.DraftStatusSubmitted},
		})
		if err != nil {
			return nil, upstream(op, err)
		}
		return res, nil
	}

	if active {
		res.Status = OutcomeApprovedPendingNext
		return res, nil
	}

	// The decision is final in the engine from here on. Record it on the draft
	// before publishing so a failed publish can be retried from the draft alone.
	if err := c.annotate(ctx, d.ID, c.decisionMeta(modal.OutcomeApproved, dec)); err != nil {
		return nil, upstream(op, err)
	}
	return c.publish(ctx, d, dec.UserID, res)
}

func (c *Coordinator) decisionMeta(outcome string, dec modal.TaskDecision) map[string]any {
	return map[string]any{
		MetaApprovalOutcome: outcome,
		MetaDecidedBy:       dec.UserID,
		MetaDecidedAt:       c.timestamp(),
		MetaComments:        dec.Comments,
	}
}

func (c *Coordinator) annotate(ctx context.Context, draftID string, meta map[string]any) error {
	return c.drafts.Update(ctx, draftID, modal.DraftPatch{
		SubmissionMetadata: meta,
		ExpectedStatus:     []modal.DraftStatus{modal.DraftStatusSubmitted},
	})
}

func conflictMeta(r conflict.Report) map[string]any {
	return map[string]any{
		"conflictType":   string(r.ConflictType),
		"draftVersion":   r.DraftVersion,
		"currentVersion": r.CurrentVersion,
		"mergeable":      r.Mergeable,
		"fields":         conflict.ConflictingFields(r.DraftChanges, r.ExternalChanges),
	}
}

func (c *Coordinator) conflictOnApproval(ctx context.Context, op string, d *modal.Draft, report conflict.Report, res *ApprovalResult) (*ApprovalResult, error) {
	c.logger.Warn("approval blocked by version conflict",
		"draftId", d.ID, "draftVersion", report.DraftVersion, "currentVersion", report.CurrentVersion,
		"conflictType", report.ConflictType, "mergeable", report.Mergeable)
	err := c.annotate(ctx, d.ID, map[string]any{
		MetaConflict:           conflictMeta(report),
		MetaConflictDetectedAt: c.timestamp(),
	})
	if err != nil {
		return nil, upstream(op, err)
	}
	res.Status = OutcomeVersionConflict
	res.Conflict = &report
	return res, nil
}

// publish writes the draft to the resource repository and marks it approved.
// Creates are keyed by draft and submission, and an update that already
// landed is recognised by the resource's source submission, so publish can be
// retried safely.
func (c *Coordinator) publish(ctx context.Context, d *modal.Draft, userID string, res *ApprovalResult) (*ApprovalResult, error) {
	const op = "publish"
	w := modal.ResourceWrite{
		Data:               d.PlanData,
		SourceDraftID:      d.ID,
		SourceSubmissionID: d.SubmissionID,
	}

	var (
		r   *modal.Resource
		err error
	)
	if d.Linked() {
		r, err = c.publishUpdate(ctx, d, w)
	} else {
		w.IdempotencyKey = d.ID + ":" + d.SubmissionID
		r, err = c.resources.Create(ctx, w)
	}

	if errors.Is(err, modal.ErrVersionConflict) || (d.Linked() && errors.Is(err, modal.ErrNotFound)) {
		report, _, cerr := c.checkLinked(ctx, d.ResourceID, d.BaseVersion, d.PlanData)
		if cerr != nil {
			return nil, upstream(op, cerr)
		}
		if !report.HasConflict {
			// The resource changed between the write and the check.
			report = conflict.Report{HasConflict: true, ConflictType: conflict.TypeVersionMismatch, DraftVersion: d.BaseVersion}
		}
		if aerr := c.annotate(ctx, d.ID, map[string]any{MetaPublishError: err.Error()}); aerr != nil {
			c.logger.Error("failed to record publish error", "draftId", d.ID, "error", aerr)
		}
		return c.conflictOnApproval(ctx, op, d, report, res)
	}
	if err != nil {
		c.logger.Error("publish failed after approval", "draftId", d.ID, "processInstanceId", d.SubmissionID, "error", err)
		if aerr := c.annotate(ctx, d.ID, map[string]any{MetaPublishError: err.Error()}); aerr != nil {
			c.logger.Error("failed to record publish error", "draftId", d.ID, "error", aerr)
		}
		return nil, upstream(op, err)
	}

	err = c.drafts.Update(ctx, d.ID, modal.DraftPatch{
		Status:      modal.Ptr(modal.DraftStatusApproved),
		ResourceID:  modal.Ptr(r.ID),
		BaseVersion: modal.Ptr(r.Version),
		UpdatedBy:   userID,
		SubmissionMetadata: map[string]any{
			MetaPublishedVersion: r.Version,
			MetaPublishedAt:      c.timestamp(),
			MetaPublishError:     nil,
			MetaConflict:         nil,
		},
		ExpectedStatus: []modal.DraftStatus{modal.DraftStatusSubmitted},
	})
	if errors.Is(err, modal.ErrStatusConflict) {
		cur, gerr := c.drafts.Get(ctx, d.ID)
		if gerr == nil && cur.Status == modal.DraftStatusApproved && cur.ResourceID == r.ID {
			err = nil
		}
	}
	if err != nil {
		c.logger.Error("resource published but draft not updated",
			"draftId", d.ID, "resourceId", r.ID, "version", r.Version, "error", err)
		return nil, upstream(op, err)
	}

	c.logger.Info("plan published", "draftId", d.ID, "resourceId", r.ID, "version", r.Version)
	res.Status = OutcomeApprovedAndPublished
	res.ResourceID = r.ID
	res.Version = r.Version
	return res, nil
}

func (c *Coordinator) publishUpdate(ctx context.Context, d *modal.Draft, w modal.ResourceWrite) (*modal.Resource, error) {
	current, err := c.resources.Get(ctx, d.ResourceID)
	if err != nil {
		return nil, err
	}
	if current.SourceSubmissionID == d.SubmissionID {
		return current, nil
	}
	return c.resources.Update(ctx, d.ResourceID, w, d.BaseVersion)
}

// RetryPublish finishes the publish of a draft whose approval ended with an
// approved outcome but whose resource write did not complete. Calling it on
// an already approved draft returns the published resource.
func (c *Coordinator) RetryPublish(ctx context.Context, draftID, userID string) (*ApprovalResult, error) {
	const op = "publish"
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
	res := &ApprovalResult{DraftID: d.ID, ProcessInstanceID: d.SubmissionID}
	if d.Status == modal.DraftStatusApproved {
		res.Status = OutcomeApprovedAndPublished
		res.ResourceID = d.ResourceID
		res.Version = d.BaseVersion
		return res, nil
	}
	if d.Status != modal.DraftStatusSubmitted || d.SubmissionID == "" {
		return nil, invalid(op, "draft %s is %s and has no approval to publish", d.ID, d.Status)
	}

	active, err := c.instanceActive(ctx, d.SubmissionID)
	if err != nil {
		return nil, upstream(op, err)
	}
	if active {
		return nil, invalid(op, "approval of draft %s is still in progress", d.ID)
	}
	if outcome := c.approvalOutcome(ctx, d); outcome != modal.OutcomeApproved {
		return nil, invalid(op, "submission %s ended with outcome %q", d.SubmissionID, outcome)
	}
	return c.publish(ctx, d, userID, res)
}

// approvalOutcome reads the outcome of an ended instance from the engine and
// falls back to the decision recorded on the draft.
func (c *Coordinator) approvalOutcome(ctx context.Context, d *modal.Draft) string {
	vars, err := c.engine.GetInstanceVariables(ctx, d.SubmissionID)
	switch {
	case err == nil:
		if o := vars.String(modal.VarOutcome); o != "" {
			return o
		}
	case !errors.Is(err, modal.ErrNotFound):
		c.logger.Warn("failed to read ended process variables", "processInstanceId", d.SubmissionID, "error", err)
	}
	o, _ := d.SubmissionMetadata[MetaApprovalOutcome].(string)
	return o
}
