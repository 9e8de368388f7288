package coordinator

import (
	"context"
	"errors"
	"time"

	"plan-coordinator/internal/enrich"
	"plan-coordinator/internal/modal"
)

type ApprovalStatus struct {
	DraftID            string            `json:"draftId"`
	DraftStatus        modal.DraftStatus `json:"draftStatus"`
	ProcessInstanceID  string            `json:"processInstanceId,omitempty"`
	ProcessActive      bool              `json:"processActive"`
	CurrentActivities  []string          `json:"currentActivities"`
	ResourceID         string            `json:"resourceId,omitempty"`
	BaseVersion        string            `json:"baseVersion"`
	SubmissionMetadata map[string]any    `json:"submissionMetadata,omitempty"`
}

// GetApprovalStatus reports where a draft stands in its approval.
func (c *Coordinator) GetApprovalStatus(ctx context.Context, draftID string) (*ApprovalStatus, error) {
	const op = "approval status"
	if draftID == "" {
		return nil, invalid(op, "draftId is required")
	}
	d, err := c.getDraft(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	st := &ApprovalStatus{
		DraftID:            d.ID,
		DraftStatus:        d.Status,
		ProcessInstanceID:  d.SubmissionID,
		CurrentActivities:  []string{},
		ResourceID:         d.ResourceID,
		BaseVersion:        d.BaseVersion,
		SubmissionMetadata: d.SubmissionMetadata,
	}
	active, err := c.instanceActive(ctx, d.SubmissionID)
	if err != nil {
		return nil, upstream(op, err)
	}
	if !active {
		return st, nil
	}
	names, err := c.engine.GetActivityNames(ctx, d.SubmissionID)
	if err != nil {
		return nil, upstream(op, err)
	}
	st.ProcessActive = true
	if names != nil {
		st.CurrentActivities = names
	}
	return st, nil
}

// GetApprovalHistory returns the audit events the engine recorded for the
// draft's current submission. An instance the engine no longer retains yields
// an empty history.
func (c *Coordinator) GetApprovalHistory(ctx context.Context, draftID string) ([]modal.AuditEvent, error) {
	const op = "approval history"
	if draftID == "" {
		return nil, invalid(op, "draftId is required")
	}
	d, err := c.getDraft(ctx, op, draftID)
	if err != nil {
		return nil, err
	}
	events := []modal.AuditEvent{}
	if d.SubmissionID == "" {
		return events, nil
	}
	got, err := c.engine.GetAuditLog(ctx, d.SubmissionID)
	if errors.Is(err, modal.ErrNotFound) {
		return events, nil
	}
	if err != nil {
		return nil, upstream(op, err)
	}
	return append(events, got...), nil
}

// GetPendingTasks lists the tasks a user can act on, joined with their
// drafts. A task that fails to enrich is returned with defaults.
func (c *Coordinator) GetPendingTasks(ctx context.Context, userID string) ([]modal.EnrichedTask, error) {
	const op = "pending tasks"
	if userID == "" {
		return nil, invalid(op, "userId is required")
	}
	tasks, err := c.engine.ListTasks(ctx, modal.TaskFilter{User: userID})
	if err != nil {
		return nil, upstream(op, err)
	}

	out := make([]modal.EnrichedTask, 0, len(tasks))
	for _, t := range tasks {
		vars, err := c.engine.GetTaskVariables(ctx, t.ID)
		if err != nil {
			c.logger.Warn("failed to read task variables", "taskId", t.ID, "error", err)
			out = append(out, enrich.Task(t, nil, nil))
			continue
		}
		var d *modal.Draft
		if id := vars.String(modal.VarDraftID); id != "" {
			d, err = c.drafts.Get(ctx, id)
			if err != nil {
				c.logger.Warn("failed to load draft for task", "taskId", t.ID, "draftId", id, "error", err)
				d = nil
			}
		}
		out = append(out, enrich.Task(t, vars, d))
	}
	return out, nil
}

type PlanView struct {
	modal.Resource
	ProcessInstanceID string `json:"processInstanceId,omitempty"`
	ProcessActive     bool   `json:"processActive"`
	// PendingDraftID is a draft of this plan currently under approval.
	PendingDraftID string `json:"pendingDraftId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ListPlansWithStatus lists published plans with the state of the approval
// that produced them and any change currently under approval. Failed lookups
// are reported per item.
func (c *Coordinator) ListPlansWithStatus(ctx context.Context, filter modal.ResourceFilter) ([]PlanView, error) {
	const op = "list plans"
	list, err := c.resources.Search(ctx, filter)
	if err != nil {
		return nil, upstream(op, err)
	}

	pending := map[string]*modal.Draft{}
	submitted, err := c.drafts.List(ctx, modal.DraftFilter{Statuses: []modal.DraftStatus{modal.DraftStatusSubmitted}})
	if err != nil {
		c.logger.Warn("failed to list submitted drafts", "error", err)
	}
	for _, d := range submitted {
		if d.Linked() {
			pending[d.ResourceID] = d
		}
	}

	out := make([]PlanView, 0, len(list))
	for _, r := range list {
		ps := PlanView{Resource: *r, ProcessInstanceID: r.SourceSubmissionID}
		if d, ok := pending[r.ID]; ok {
			ps.PendingDraftID = d.ID
			ps.ProcessInstanceID = d.SubmissionID
		}
		active, err := c.instanceActive(ctx, ps.ProcessInstanceID)
		if err != nil {
			c.logger.Warn("failed to check process instance", "resourceId", r.ID, "processInstanceId", ps.ProcessInstanceID, "error", err)
			ps.Error = err.Error()
		}
		ps.ProcessActive = active
		out = append(out, ps)
	}
	return out, nil
}

type DraftView struct {
	*modal.Draft
	ProcessActive bool   `json:"processActive"`
	Error         string `json:"error,omitempty"`
}

// ListDraftsWithStatus lists drafts, optionally only those created by
// userID, with whether their approval is still running.
func (c *Coordinator) ListDraftsWithStatus(ctx context.Context, userID string) ([]DraftView, error) {
	const op = "list drafts"
	list, err := c.drafts.List(ctx, modal.DraftFilter{CreatedBy: userID})
	if err != nil {
		return nil, upstream(op, err)
	}
	out := make([]DraftView, 0, len(list))
	for _, d := range list {
		ds := DraftView{Draft: d}
		active, err := c.instanceActive(ctx, d.SubmissionID)
		if err != nil {
			c.logger.Warn("failed to check process instance", "draftId", d.ID, "processInstanceId", d.SubmissionID, "error", err)
			ds.Error = err.Error()
		}
		ds.ProcessActive = active
		out = append(out, ds)
	}
	return out, nil
}

type ComponentHealth struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type Health struct {
	Healthy    bool                       `json:"healthy"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health pings the three collaborators. The coordinator has no storage of
// its own to check.
func (c *Coordinator) Health(ctx context.Context) Health {
	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"draftStore", c.drafts.Ping},
		{"workflowEngine", c.engine.Ping},
		{"resourceRepository", c.resources.Ping},
	}
	h := Health{Healthy: true, Components: make(map[string]ComponentHealth, len(checks))}
	for _, chk := range checks {
		start := time.Now()
		err := chk.ping(ctx)
		ch := ComponentHealth{Status: "up", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			ch.Status = "down"
			ch.Error = err.Error()
			h.Healthy = false
			c.logger.Warn("collaborator unreachable", "component", chk.name, "error", err)
		}
		h.Components[chk.name] = ch
	}
	return h
}
