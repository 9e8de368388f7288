// Package coordinator sequences the draft store, the workflow engine and the
// resource repository into the plan approval flows. It keeps no state of its
// own: every answer is read live from the three collaborators.
package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"plan-coordinator/internal/conflict"
	"plan-coordinator/internal/drafts"
	"plan-coordinator/internal/engine"
	"plan-coordinator/internal/modal"
	"plan-coordinator/internal/resources"
	"plan-coordinator/internal/workflows"
)

// Outcome tags returned by the submit and approval flows.
type Outcome string

const (
	OutcomePendingApproval      Outcome = "pending_approval"
	OutcomeAlreadySubmitted     Outcome = "already_submitted"
	OutcomeVersionConflict      Outcome = "version_conflict"
	OutcomeApprovedAndPublished Outcome = "approved_and_published"
	OutcomeApprovedPendingNext  Outcome = "approved_pending_next_step"
	OutcomeRejected             Outcome = "rejected"
)

// DraftSource is recorded in the draftSource process variable.
const DraftSource = "draft_store"

// Submission metadata keys written on drafts.
const (
	MetaSubmittedAt          = "submittedAt"
	MetaAutoMerged           = "autoMerged"
	MetaPreviousSubmissionID = "previousSubmissionId"
	MetaConflict             = "conflict"
	MetaConflictDetectedAt   = "conflictDetectedAt"
	MetaApprovalOutcome      = "approvalOutcome"
	MetaDecidedBy            = "decidedBy"
	MetaDecidedAt            = "decidedAt"
	MetaComments             = "comments"
	MetaPublishError         = "publishError"
	MetaPublishedVersion     = "publishedVersion"
	MetaPublishedAt          = "publishedAt"
)

type Coordinator struct {
	drafts     drafts.Store
	resources  resources.Repository
	engine     engine.Engine
	logger     *slog.Logger
	now        func() time.Time
	processKey string
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithProcessKey overrides the process definition started on submission.
func WithProcessKey(key string) Option {
	return func(c *Coordinator) { c.processKey = key }
}

func New(d drafts.Store, r resources.Repository, e engine.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		drafts:     d,
		resources:  r,
		engine:     e,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
		processKey: workflows.WorkflowType,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SubmitResult is the discriminated result of submit and resubmit.
type SubmitResult struct {
	Status            Outcome          `json:"status"`
	DraftID           string           `json:"draftId"`
	ProcessInstanceID string           `json:"processInstanceId,omitempty"`
	AutoMerged        bool             `json:"autoMerged,omitempty"`
	Conflict          *conflict.Report `json:"conflict,omitempty"`
}

// ApprovalResult is the discriminated result of completing a task or retrying
// a publish.
type ApprovalResult struct {
	Status            Outcome          `json:"status"`
	TaskID            string           `json:"taskId,omitempty"`
	DraftID           string           `json:"draftId"`
	ProcessInstanceID string           `json:"processInstanceId,omitempty"`
	ResourceID        string           `json:"resourceId,omitempty"`
	Version           string           `json:"version,omitempty"`
	Conflict          *conflict.Report `json:"conflict,omitempty"`
}

func (c *Coordinator) getDraft(ctx context.Context, op, id string) (*modal.Draft, error) {
	d, err := c.drafts.Get(ctx, id)
	if err != nil {
		return nil, upstream(op, err)
	}
	return d, nil
}

// instanceActive reports whether a process instance is still running. A
// missing instance counts as ended.
func (c *Coordinator) instanceActive(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	inst, err := c.engine.GetInstance(ctx, id)
	if errors.Is(err, modal.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !inst.Ended, nil
}

// against compares a draft document with the current resource. It is the one
// conflict check used at submission, at approval and by the conflict
// endpoint.
func (c *Coordinator) against(ctx context.Context, baseVersion string, data modal.Document, current *modal.Resource) (conflict.Report, error) {
	in := conflict.Input{
		DraftVersion:   baseVersion,
		CurrentVersion: current.Version,
		DraftData:      data,
		CurrentData:    current.Data,
	}
	if conflict.HasConflict(baseVersion, current.Version) {
		base, err := c.resources.GetVersion(ctx, current.ID, baseVersion)
		switch {
		case err == nil:
			in.Base = base.Data
		case errors.Is(err, modal.ErrNotFound):
		default:
			return conflict.Report{}, err
		}
	}
	return conflict.Evaluate(in), nil
}

// checkLinked loads the resource a draft edits and evaluates the conflict.
// It returns the current resource, which is nil when it was deleted.
func (c *Coordinator) checkLinked(ctx context.Context, resourceID, baseVersion string, data modal.Document) (conflict.Report, *modal.Resource, error) {
	current, err := c.resources.Get(ctx, resourceID)
	if errors.Is(err, modal.ErrNotFound) {
		return conflict.Deleted(baseVersion), nil, nil
	}
	if err != nil {
		return conflict.Report{}, nil, err
	}
	report, err := c.against(ctx, baseVersion, data, current)
	if err != nil {
		return conflict.Report{}, nil, err
	}
	return report, current, nil
}

func (c *Coordinator) timestamp() string {
	return c.now().UTC().Format(time.RFC3339Nano)
}
