package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plan-coordinator/internal/coordinator"
	"plan-coordinator/internal/drafts"
	"plan-coordinator/internal/engine"
	"plan-coordinator/internal/modal"
	"plan-coordinator/internal/resources"
	"plan-coordinator/internal/rules"
)

type testEnv struct {
	drafts *drafts.MemoryStore
	repo   *resources.MemoryRepository
	engine *engine.MemoryEngine
	srv    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		drafts: drafts.NewMemoryStore(),
		repo:   resources.NewMemoryRepository(),
		engine: engine.NewMemoryEngine(rules.DefaultPolicy()),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := coordinator.New(e.drafts, e.repo, e.engine, coordinator.WithLogger(logger))
	e.srv = httptest.NewServer(NewServer(c, logger, 5*time.Second).Routes())
	t.Cleanup(e.srv.Close)
	return e
}

func (e *testEnv) draft(t *testing.T, data modal.Document, resourceID, base string) string {
	t.Helper()
	id, err := e.drafts.Create(context.Background(), modal.NewDraft{PlanData: data, CreatedBy: "u1", ResourceID: resourceID, BaseVersion: base})
	require.NoError(t, err)
	return id
}

type response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *apiError       `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.False(t, out.Timestamp.IsZero())
	return resp.StatusCode, out
}

func TestSubmitAndApproveOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	id := e.draft(t, modal.Document{"name": "Q3 plan"}, "", "")

	status, resp := e.do(t, http.MethodPost, "/plans/"+id+"/submit", map[string]any{"userId": "u1"})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)
	var sub coordinator.SubmitResult
	require.NoError(t, json.Unmarshal(resp.Data, &sub))
	assert.Equal(t, coordinator.OutcomePendingApproval, sub.Status)

	status, resp = e.do(t, http.MethodPost, "/plans/"+id+"/submit", map[string]any{"userId": "u1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, resp.Success)
	assert.Equal(t, "already_submitted", resp.Error.Code)

	status, resp = e.do(t, http.MethodGet, "/tasks?userId=reviewer", nil)
	require.Equal(t, http.StatusOK, status)
	var tasks []modal.EnrichedTask
	require.NoError(t, json.Unmarshal(resp.Data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Q3 plan", tasks[0].PlanName)

	status, resp = e.do(t, http.MethodPost, "/tasks/"+url.PathEscape(tasks[0].ID)+"/complete",
		map[string]any{"approved": true, "comments": "ok", "userId": "reviewer"})
	require.Equal(t, http.StatusOK, status)
	var res coordinator.ApprovalResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.Equal(t, coordinator.OutcomeApprovedAndPublished, res.Status)
	assert.NotEmpty(t, res.ResourceID)

	status, resp = e.do(t, http.MethodGet, "/plans/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, status)
	var st coordinator.ApprovalStatus
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.Equal(t, modal.DraftStatusApproved, st.DraftStatus)
	assert.False(t, st.ProcessActive)

	status, resp = e.do(t, http.MethodGet, "/plans", nil)
	require.Equal(t, http.StatusOK, status)
	var plans []coordinator.PlanView
	require.NoError(t, json.Unmarshal(resp.Data, &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, res.ResourceID, plans[0].ID)

	status, resp = e.do(t, http.MethodGet, "/plans/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, status)
	var events []modal.AuditEvent
	require.NoError(t, json.Unmarshal(resp.Data, &events))
	assert.NotEmpty(t, events)
}

func TestConflictResponses(t *testing.T) {
	e := newTestEnv(t)
	e.repo.Put(modal.Resource{ID: "r1", Version: "v1", Data: modal.Document{"name": "Q3", "budget": 100.0}})
	id := e.draft(t, modal.Document{"name": "Q3", "budget": 200.0}, "r1", "v1")
	e.repo.Put(modal.Resource{ID: "r1", Version: "v2", Data: modal.Document{"name": "Q3", "budget": 150.0}})

	status, resp := e.do(t, http.MethodGet, "/drafts/"+id+"/check-conflict", nil)
	require.Equal(t, http.StatusOK, status)
	var report map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &report))
	assert.Equal(t, true, report["hasConflict"])
	assert.Equal(t, "VERSION_MISMATCH", report["conflictType"])
	assert.Equal(t, "v2", report["currentVersion"])

	status, resp = e.do(t, http.MethodPost, "/plans/"+id+"/submit", map[string]any{"userId": "u1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "version_conflict", resp.Error.Code)
	details := resp.Error.Details.(map[string]any)
	assert.Equal(t, "v1", details["draftVersion"])
	assert.Equal(t, "v2", details["currentVersion"])
	assert.Contains(t, details["conflicts"], "budget")

	status, resp = e.do(t, http.MethodPost, "/drafts/"+id+"/resubmit", map[string]any{"userId": "u1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "version_conflict", resp.Error.Code)
}

func TestErrorMapping(t *testing.T) {
	e := newTestEnv(t)

	status, resp := e.do(t, http.MethodGet, "/plans/missing/status", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", resp.Error.Code)

	status, resp = e.do(t, http.MethodGet, "/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", resp.Error.Code)

	status, _ = e.do(t, http.MethodPost, "/tasks/x:0/complete", map[string]any{"userId": "u1"})
	assert.Equal(t, http.StatusBadRequest, status)

	id := e.draft(t, modal.Document{"name": "Q3"}, "", "")
	e.engine.Fail("StartProcess", errors.New("connection refused"))
	status, resp = e.do(t, http.MethodPost, "/plans/"+id+"/submit", map[string]any{"userId": "u1"})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "upstream_unavailable", resp.Error.Code)

	status, _ = e.do(t, http.MethodGet, "/plans?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPublishRetryOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	id := e.draft(t, modal.Document{"name": "Q3"}, "", "")
	status, _ := e.do(t, http.MethodPost, "/plans/"+id+"/submit", map[string]any{"userId": "u1"})
	require.Equal(t, http.StatusOK, status)

	status, resp := e.do(t, http.MethodPost, "/drafts/"+id+"/publish", map[string]any{"userId": "ops"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, resp.Error.Message, "still in progress")
}

func TestDraftList(t *testing.T) {
	e := newTestEnv(t)
	e.draft(t, modal.Document{"name": "A"}, "", "")
	e.draft(t, modal.Document{"name": "B"}, "", "")

	status, resp := e.do(t, http.MethodGet, "/drafts?userId=u1", nil)
	require.Equal(t, http.StatusOK, status)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Len(t, list, 2)
	assert.Equal(t, false, list[0]["processActive"])
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	status, resp := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)

	e.engine.Fail("Ping", errors.New("unreachable"))
	status, resp = e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, resp.Success)
	var h coordinator.Health
	require.NoError(t, json.Unmarshal(resp.Data, &h))
	assert.Equal(t, "down", h.Components["workflowEngine"].Status)
}

func TestTaskBoard(t *testing.T) {
	e := newTestEnv(t)
	id := e.draft(t, modal.Document{"name": "Board plan"}, "", "")
	status, _ := e.do(t, http.MethodPost, "/plans/"+id+"/submit", map[string]any{"userId": "u1"})
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(e.srv.URL + "/ui?user=reviewer")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Board plan")

	tasks, err := e.engine.ListTasks(context.Background(), modal.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	resp, err = http.Get(e.srv.URL + "/ui/tasks/" + tasks[0].ID + "?user=reviewer")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "Approve")

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	form := url.Values{"user": {"reviewer"}, "approved": {"false"}, "comments": {"not yet"}}
	resp, err = client.Post(e.srv.URL+"/ui/tasks/"+tasks[0].ID+"/decision", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	d, err := e.drafts.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, modal.DraftStatusRejected, d.Status)
}
