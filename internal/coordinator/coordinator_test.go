package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-coordinator/internal/conflict"
	"plan-coordinator/internal/drafts"
	"plan-coordinator/internal/engine"
	"plan-coordinator/internal/modal"
	"plan-coordinator/internal/resources"
	"plan-coordinator/internal/rules"
	"plan-coordinator/internal/workflows"
)

type fixture struct {
	drafts *drafts.MemoryStore
	repo   *resources.MemoryRepository
	engine *engine.MemoryEngine
	c      *Coordinator
}

func newFixture(t *testing.T, steps ...rules.Step) *fixture {
	t.Helper()
	policy := rules.DefaultPolicy()
	if len(steps) > 0 {
		policy = rules.Policy{Steps: steps}
	}
	f := &fixture{
		drafts: drafts.NewMemoryStore(),
		repo:   resources.NewMemoryRepository(),
		engine: engine.NewMemoryEngine(policy),
	}
	f.c = New(f.drafts, f.repo, f.engine)
	return f
}

func (f *fixture) newDraft(t *testing.T, data modal.Document, resourceID, base string) string {
	t.Helper()
	id, err := f.drafts.Create(context.Background(), modal.NewDraft{
		PlanData:    data,
		CreatedBy:   "u1",
		ResourceID:  resourceID,
		BaseVersion: base,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) get(t *testing.T, id string) *modal.Draft {
	t.Helper()
	d, err := f.drafts.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f *fixture) taskFor(t *testing.T, processID string) modal.Task {
	t.Helper()
	tasks, err := f.engine.ListTasks(context.Background(), modal.TaskFilter{ProcessInstanceID: processID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func (f *fixture) submit(t *testing.T, draftID string) string {
	t.Helper()
	res, err := f.c.SubmitForApproval(context.Background(), draftID, "u1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomePendingApproval, res.Status)
	return res.ProcessInstanceID
}

func (f *fixture) decide(t *testing.T, processID string, approved bool) *ApprovalResult {
	t.Helper()
	task := f.taskFor(t, processID)
	res, err := f.c.CompleteApprovalTask(context.Background(), modal.TaskDecision{
		TaskID:   task.ID,
		Approved: approved,
		Comments: "looks fine",
		UserID:   "reviewer",
	})
	require.NoError(t, err)
	return res
}

func plan(name string, budget float64, owner string) modal.Document {
	return modal.Document{"name": name, "budget": budget, "owner": owner}
}

func TestSubmitTwiceStartsOneInstance(t *testing.T) {
	f := newFixture(t)
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")

	pid := f.submit(t, id)
	d := f.get(t, id)
	assert.Equal(t, modal.DraftStatusSubmitted, d.Status)
	assert.Equal(t, pid, d.SubmissionID)
	assert.NotEmpty(t, pid)

	res, err := f.c.SubmitForApproval(context.Background(), id, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySubmitted, res.Status)
	assert.Equal(t, pid, res.ProcessInstanceID)
	assert.Equal(t, 1, f.engine.Started())
}

func TestSubmitRecordsProcessVariables(t *testing.T) {
	f := newFixture(t)
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")
	pid := f.submit(t, id)

	vars, err := f.engine.GetInstanceVariables(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, id, vars.String(modal.VarDraftID))
	assert.Equal(t, DraftSource, vars.String(modal.VarDraftSource))
	assert.Equal(t, modal.BaseVersionNew, vars.String(modal.VarBaseVersion))
	assert.Equal(t, modal.TypeNull, vars[modal.VarResourceID].Type)
	assert.Equal(t, "u1", vars.String(modal.VarSubmittedBy))
	assert.Equal(t, "Q3", vars.String(modal.VarPlanName))
	assert.False(t, vars.Time(modal.VarSubmittedAt).IsZero())
}

func TestSubmitWithPlanDataOverride(t *testing.T) {
	f := newFixture(t)
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")

	res, err := f.c.SubmitForApproval(context.Background(), id, "u1", plan("Q3 final", 120, "a"))
	require.NoError(t, err)
	require.Equal(t, OutcomePendingApproval, res.Status)
	assert.Equal(t, "Q3 final", f.get(t, id).PlanData.Name())
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.SubmitForApproval(ctx, "", "u1", nil)
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = f.c.SubmitForApproval(ctx, "d1", "", nil)
	assert.Equal(t, KindValidation, KindOf(err))
	_, err = f.c.SubmitForApproval(ctx, "missing", "u1", nil)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, 0, f.engine.Started())
}

func TestSubmitBlockedByVersionConflict(t *testing.T) {
	f := newFixture(t)
	f.repo.Put(modal.Resource{ID: "r1", Version: "v1", Data: plan("Q3", 100, "a")})
	id := f.newDraft(t, plan("Q3", 200, "a"), "r1", "v1")
	f.repo.Put(modal.Resource{ID: "r1", Version: "v2", Data: plan("Q3", 150, "a")})

	res, err := f.c.SubmitForApproval(context.Background(), id, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeVersionConflict, res.Status)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "v1", res.Conflict.DraftVersion)
	assert.Equal(t, "v2", res.Conflict.CurrentVersion)
	assert.False(t, res.Conflict.Mergeable)
	assert.Contains(t, res.Conflict.Conflicts, "budget")

	d := f.get(t, id)
	assert.Equal(t, modal.DraftStatusDraft, d.Status)
	assert.Empty(t, d.SubmissionID)
	assert.Equal(t, 0, f.engine.Started())
}

func TestCheckConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.Put(modal.Resource{ID: "r1", Version: "v1", Data: plan("Q3", 100, "a")})
	linked := f.newDraft(t, plan("Q3", 100, "a"), "r1", "v1")
	orphan := f.newDraft(t, plan("Q4", 100, "a"), "r-gone", "v1")
	fresh := f.newDraft(t, plan("Q5", 100, "a"), "", "")

	report, err := f.c.CheckConflict(ctx, linked)
	require.NoError(t, err)
	assert.False(t, report.HasConflict)
	assert.Equal(t, conflict.TypeNone, report.ConflictType)

	f.repo.Put(modal.Resource{ID: "r1", Version: "v2", Data: plan("Q3", 100, "b")})
	report, err = f.c.CheckConflict(ctx, linked)
	require.NoError(t, err)
	assert.True(t, report.HasConflict)
	assert.Equal(t, conflict.TypeVersionMismatch, report.ConflictType)
	assert.Equal(t, "v2", report.CurrentVersion)
	assert.True(t, report.Mergeable)

	report, err = f.c.CheckConflict(ctx, orphan)
	require.NoError(t, err)
	assert.Equal(t, conflict.TypeResourceDeleted, report.ConflictType)

	report, err = f.c.CheckConflict(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, report.HasConflict)

	_, err = f.c.CheckConflict(ctx, "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestApproveNewPlanPublishes(t *testing.T) {
	f := newFixture(t)
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")
	pid := f.submit(t, id)

	res := f.decide(t, pid, true)
	assert.Equal(t, OutcomeApprovedAndPublished, res.Status)

	d := f.get(t, id)
	assert.Equal(t, modal.DraftStatusApproved, d.Status)
	require.NotEmpty(t, d.ResourceID)
	assert.Equal(t, res.ResourceID, d.ResourceID)
	assert.Equal(t, modal.OutcomeApproved, d.SubmissionMetadata[MetaApprovalOutcome])

	r, err := f.repo.Get(context.Background(), d.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, d.PlanData, r.Data)
	assert.Equal(t, r.Version, d.BaseVersion)
	assert.Equal(t, pid, r.SourceSubmissionID)
	assert.Equal(t, 1, f.repo.Writes(id))
}

func TestApproveLinkedPlanAdvancesVersion(t *testing.T) {
	f := newFixture(t)
	f.repo.Put(modal.Resource{ID: "r1", Version: "v1", Data: plan("Q3", 100, "a")})
	id := f.newDraft(t, plan("Q3", 200, "a"), "r1", "v1")
	pid := f.submit(t, id)

	res := f.decide(t, pid, true)
	require.Equal(t, OutcomeApprovedAndPublished, res.Status)
	assert.Equal(t, "r1", res.ResourceID)
	assert.NotEqual(t, "v1", res.Version)

	r, err := f.repo.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, r.Data["budget"])
	assert.Equal(t, res.Version, r.Version)
}

func TestRejectNeverPublishes(t *testing.T) {
	f := newFixture(t)
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")
	pid := f.submit(t, id)

	res := f.decide(t, pid, false)
	assert.Equal(t, OutcomeRejected, res.Status)
	d := f.get(t, id)
	assert.Equal(t, modal.DraftStatusRejected, d.Status)
	assert.Equal(t, "reviewer", d.SubmissionMetadata[MetaDecidedBy])
	assert.Equal(t, 0, f.repo.Writes(id))

	again := f.submit(t, id)
	assert.NotEqual(t, pid, again)
	d = f.get(t, id)
	assert.Equal(t, modal.DraftStatusSubmitted, d.Status)
	assert.Equal(t, pid, d.SubmissionMetadata[MetaPreviousSubmissionID])
	assert.NotContains(t, d.SubmissionMetadata, MetaApprovalOutcome)
}

func TestMultiStepApproval(t *testing.T) {
	f := newFixture(t,
		rules.Step{Name: "Team lead", Assignee: "reviewer"},
		rules.Step{Name: "Finance", Candidates: []string{"reviewer"}},
	)
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")
	pid := f.submit(t, id)

	res := f.decide(t, pid, true)
	assert.Equal(t, OutcomeApprovedPendingNext, res.Status)
	assert.Equal(t, modal.DraftStatusSubmitted, f.get(t, id).Status)
	assert.Equal(t, 0, f.repo.Writes(id))

	st, err := f.c.GetApprovalStatus(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, st.ProcessActive)
	assert.Equal(t, []string{"Finance"}, st.CurrentActivities)

	res = f.decide(t, pid, true)
	assert.Equal(t, OutcomeApprovedAndPublished, res.Status)
	assert.Equal(t, 1, f.repo.Writes(id))
}

func TestApprovalRechecksVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.Put(modal.Resource{ID: "r1", Version: "v1", Data: plan("Q3", 100, "a")})
	id := f.newDraft(t, plan("Q3", 200, "a"), "r1", "v1")
	pid := f.submit(t, id)

	_, err := f.repo.Update(ctx, "r1", modal.ResourceWrite{Data: plan("Q3", 300, "a")}, "v1")
	require.NoError(t, err)

	res := f.decide(t, pid, true)
	assert.Equal(t, OutcomeVersionConflict, res.Status)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "v1", res.Conflict.DraftVersion)

	// The task is still pending and nothing was published.
	f.taskFor(t, pid)
	assert.Equal(t, 0, f.repo.Writes(id))
	d := f.get(t, id)
	assert.Equal(t, modal.DraftStatusSubmitted, d.Status)
	require.Contains(t, d.SubmissionMetadata, MetaConflict)
	meta := d.SubmissionMetadata[MetaConflict].(map[string]any)
	assert.Equal(t, false, meta["mergeable"])
	assert.Equal(t, []string{"budget"}, meta["fields"])

	// A rejection is not blocked by the conflict.
	res = f.decide(t, pid, false)
	assert.Equal(t, OutcomeRejected, res.Status)
}

func TestPublishFailureCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")
	pid := f.submit(t, id)

	f.repo.FailNextWrite(errors.New("redis: connection refused"))
	task := f.taskFor(t, pid)
	_, err := f.c.CompleteApprovalTask(ctx, modal.TaskDecision{TaskID: task.ID, Approved: true, UserID: "reviewer"})
	require.Error(t, err)
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))

	d := f.get(t, id)
	assert.Equal(t, modal.DraftStatusSubmitted, d.Status)
	assert.Equal(t, modal.OutcomeApproved, d.SubmissionMetadata[MetaApprovalOutcome])
	assert.Contains(t, d.SubmissionMetadata, MetaPublishError)
	assert.Equal(t, 0, f.repo.Writes(id))

	res, err := f.c.RetryPublish(ctx, id, "ops")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApprovedAndPublished, res.Status)
	d = f.get(t, id)
	assert.Equal(t, modal.DraftStatusApproved, d.Status)
	assert.NotContains(t, d.SubmissionMetadata, MetaPublishError)

	again, err := f.c.RetryPublish(ctx, id, "ops")
	require.NoError(t, err)
	assert.Equal(t, res.ResourceID, again.ResourceID)
	assert.Equal(t, 1, f.repo.Writes(id))
}

func TestRetryPublishRejectsOpenOrRejectedApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := f.newDraft(t, plan("Q3", 100, "a"), "", "")
	f.submit(t, open)
	_, err := f.c.RetryPublish(ctx, open, "ops")
	assert.Equal(t, KindValidation, KindOf(err))

	fresh := f.newDraft(t, plan("Q4", 100, "a"), "", "")
	_, err = f.c.RetryPublish(ctx, fresh, "ops")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestResubmitAutoMergesDisjointEdits(t *testing.T) {
	f := newFixture(t)
	f.repo.Put(modal.Resource{ID: "r1", Version: "v1", Data: plan("Q3", 100, "a")})
	id := f.newDraft(t, plan("Q3", 200, "a"), "r1", "v1")
	f.repo.Put(modal.Resource{ID: "r1", Version: "v2", Data: plan("Q3", 100, "b")})

	res, err := f.c.SubmitForApproval(context.Background(), id, "u1", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeVersionConflict, res.Status)
	assert.True(t, res.Conflict.Mergeable)

	res, err = f.c.Resubmit(context.Background(), id, "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, res.Status)
	assert.True(t, res.AutoMerged)

	d := f.get(t, id)
	assert.Equal(t, "v2", d.BaseVersion)
	assert.Equal(t, plan("Q3", 200, "b"), d.PlanData)
	assert.Equal(t, true, d.SubmissionMetadata[MetaAutoMerged])

	vars, err := f.engine.GetInstanceVariables(context.Background(), res.ProcessInstanceID)
	require.NoError(t, err)
	merged, ok := vars.Bool(modal.VarAutoMerged)
	assert.True(t, ok)
	assert.True(t, merged)
}

func TestResubmitReportsRealConflict(t *testing.T) {
	f := newFixture(t)
	f.repo.Put(modal.Resource{ID: "r1", Version: "v1", Data: plan("Q3", 100, "a")})
	id := f.newDraft(t, plan("Q3", 200, "a"), "r1", "v1")
	f.repo.Put(modal.Resource{ID: "r1", Version: "v2", Data: plan("Q3", 150, "a")})

	res, err := f.c.Resubmit(context.Background(), id, "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeVersionConflict, res.Status)
	require.Contains(t, res.Conflict.Conflicts, "budget")
	assert.Equal(t, 200.0, res.Conflict.Conflicts["budget"].Draft)
	assert.Equal(t, 150.0, res.Conflict.Conflicts["budget"].External)
	assert.Equal(t, 0, f.engine.Started())
}

func TestResubmitRebasesRunningApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.Put(modal.Resource{ID: "r1", Version: "v1", Data: plan("Q3", 100, "a")})
	id := f.newDraft(t, plan("Q3", 200, "a"), "r1", "v1")
	pid := f.submit(t, id)

	res, err := f.c.Resubmit(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySubmitted, res.Status)

	f.repo.Put(modal.Resource{ID: "r1", Version: "v2", Data: plan("Q3", 100, "b")})
	res, err = f.c.Resubmit(ctx, id, "u1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, res.Status)
	assert.Equal(t, pid, res.ProcessInstanceID)
	assert.Equal(t, 1, f.engine.Started())

	vars, err := f.engine.GetInstanceVariables(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "v2", vars.String(modal.VarBaseVersion))

	approval := f.decide(t, pid, true)
	require.Equal(t, OutcomeApprovedAndPublished, approval.Status)
	r, err := f.repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, plan("Q3", 200, "b"), r.Data)
}

func TestConcurrentSubmissionsYieldOneApproval(t *testing.T) {
	f := newFixture(t)
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")

	const n = 8
	results := make([]*SubmitResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.c.SubmitForApproval(context.Background(), id, "u1", nil)
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	pending := 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Status == OutcomePendingApproval {
			pending++
		} else {
			assert.Equal(t, OutcomeAlreadySubmitted, r.Status)
		}
	}
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, f.engine.Running())
}

func TestSubmitEngineUnavailable(t *testing.T) {
	f := newFixture(t)
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")
	f.engine.Fail("StartProcess", errors.New("temporal: connection refused"))

	_, err := f.c.SubmitForApproval(context.Background(), id, "u1", nil)
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	assert.Equal(t, modal.DraftStatusDraft, f.get(t, id).Status)
}

func TestGetApprovalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")

	st, err := f.c.GetApprovalStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, modal.DraftStatusDraft, st.DraftStatus)
	assert.False(t, st.ProcessActive)
	assert.Empty(t, st.CurrentActivities)

	pid := f.submit(t, id)
	st, err = f.c.GetApprovalStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.ProcessActive)
	assert.Equal(t, pid, st.ProcessInstanceID)
	assert.Equal(t, []string{"Review plan"}, st.CurrentActivities)

	f.decide(t, pid, true)
	st, err = f.c.GetApprovalStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, modal.DraftStatusApproved, st.DraftStatus)
	assert.False(t, st.ProcessActive)
	assert.NotNil(t, st.CurrentActivities)
}

func TestGetPendingTasksToleratesBadJoins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")
	f.submit(t, id)

	_, err := f.engine.StartProcess(ctx, workflows.WorkflowType, modal.Variables{
		modal.VarDraftID:  modal.StringValue("ghost"),
		modal.VarPlanName: modal.StringValue("Ghost plan"),
	})
	require.NoError(t, err)

	tasks, err := f.c.GetPendingTasks(ctx, "reviewer")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	byDraft := map[string]modal.EnrichedTask{}
	for _, et := range tasks {
		byDraft[et.DraftID] = et
	}
	assert.Equal(t, "Q3", byDraft[id].PlanName)
	assert.False(t, byDraft[id].Partial)
	assert.Equal(t, "Ghost plan", byDraft["ghost"].PlanName)
	assert.True(t, byDraft["ghost"].Partial)

	f.engine.Fail("GetTaskVariables", errors.New("query timed out"))
	tasks, err = f.c.GetPendingTasks(ctx, "reviewer")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	_, err = f.c.GetPendingTasks(ctx, "")
	assert.Equal(t, KindValidation, KindOf(err))

	f.engine.Fail("ListTasks", errors.New("down"))
	_, err = f.c.GetPendingTasks(ctx, "reviewer")
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
}

func TestCompleteUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.CompleteApprovalTask(context.Background(), modal.TaskDecision{TaskID: "plan-approval-x-1:0", Approved: true, UserID: "reviewer"})
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = f.c.CompleteApprovalTask(context.Background(), modal.TaskDecision{TaskID: "t", Approved: true})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestListsTolerateItemFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.Put(modal.Resource{ID: "r1", Version: "v1", Data: plan("Q3", 100, "a")})
	a := f.newDraft(t, plan("Q3", 200, "a"), "r1", "v1")
	b := f.newDraft(t, plan("Q4", 100, "a"), "", "")
	f.submit(t, a)
	f.submit(t, b)

	plans, err := f.c.ListPlansWithStatus(ctx, modal.ResourceFilter{})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, a, plans[0].PendingDraftID)
	assert.True(t, plans[0].ProcessActive)

	f.engine.Fail("GetInstance", errors.New("timeout"))
	views, err := f.c.ListDraftsWithStatus(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	failed := 0
	for _, v := range views {
		if v.Error != "" {
			failed++
			assert.False(t, v.ProcessActive)
		} else {
			assert.True(t, v.ProcessActive)
		}
	}
	assert.Equal(t, 1, failed)

	views, err = f.c.ListDraftsWithStatus(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	h := f.c.Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Len(t, h.Components, 3)

	f.engine.Fail("Ping", errors.New("unreachable"))
	h = f.c.Health(context.Background())
	assert.False(t, h.Healthy)
	assert.Equal(t, "down", h.Components["workflowEngine"].Status)
	assert.Equal(t, "up", h.Components["draftStore"].Status)
}

func TestGetApprovalHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")

	events, err := f.c.GetApprovalHistory(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, events)

	pid := f.submit(t, id)
	f.decide(t, pid, true)
	events, err = f.c.GetApprovalHistory(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "SUBMITTED", events[0].Kind)
	assert.Equal(t, "DONE", events[len(events)-1].Kind)
}

func TestCompleteTaskOfStrayInstanceIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.newDraft(t, plan("Q3", 100, "a"), "", "")
	pid := f.submit(t, id)

	// A second instance for the same draft, as left by a failed discard.
	vars, err := f.engine.GetInstanceVariables(ctx, pid)
	require.NoError(t, err)
	stray, err := f.engine.StartProcess(ctx, workflows.WorkflowType, vars)
	require.NoError(t, err)
	require.NotEqual(t, pid, stray.ID)

	for _, approved := range []bool{false, true} {
		_, err = f.c.CompleteApprovalTask(ctx, modal.TaskDecision{
			TaskID:   f.taskFor(t, stray.ID).ID,
			Approved: approved,
			UserID:   "reviewer",
		})
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	}

	d := f.get(t, id)
	assert.Equal(t, modal.DraftStatusSubmitted, d.Status)
	assert.Equal(t, pid, d.SubmissionID)
	assert.Equal(t, 2, f.engine.Running())
	assert.Zero(t, f.repo.Writes(id))

	res := f.decide(t, pid, true)
	assert.Equal(t, OutcomeApprovedAndPublished, res.Status)
}
