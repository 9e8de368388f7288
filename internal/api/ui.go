package api

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"plan-coordinator/internal/coordinator"
	"plan-coordinator/internal/modal"
)

type uiIndexData struct {
	Tab    string
	User   string
	Tasks  []modal.EnrichedTask
	Drafts []coordinator.DraftView
	Error  string
}

type uiDetailData struct {
	User    string
	Task    modal.EnrichedTask
	Status  *coordinator.ApprovalStatus
	History []modal.AuditEvent
	Error   string
}

func (s *Server) registerUIRoutes(r chi.Router) {
	r.Get("/ui", s.handleUIIndex)
	r.Get("/ui/tasks/{id}", s.handleUIDetail)
	r.Post("/ui/tasks/{id}/decision", s.handleUIDecision)
}

// handleUIIndex lists the pending tasks of a user, or their drafts.
func (s *Server) handleUIIndex(w http.ResponseWriter, r *http.Request) {
	tab := r.URL.Query().Get("tab")
	if tab != "drafts" {
		tab = "tasks"
	}
	data := uiIndexData{Tab: tab, User: r.URL.Query().Get("user")}
	if data.User == "" {
		s.render(w, "index", data)
		return
	}

	ctx, cancel := s.ctx(r)
	defer cancel()

	var err error
	if tab == "tasks" {
		data.Tasks, err = s.svc.GetPendingTasks(ctx, data.User)
	} else {
		data.Drafts, err = s.svc.ListDraftsWithStatus(ctx, data.User)
	}
	if err != nil {
		data.Error = err.Error()
	}
	s.render(w, "index", data)
}

// handleUIDetail shows a pending task with the approval state of its draft.
func (s *Server) handleUIDetail(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	data := uiDetailData{User: r.URL.Query().Get("user")}

	ctx, cancel := s.ctx(r)
	defer cancel()

	tasks, err := s.svc.GetPendingTasks(ctx, data.User)
	if err != nil {
		data.Error = err.Error()
		s.render(w, "detail", data)
		return
	}
	found := false
	for _, t := range tasks {
		if t.ID == taskID {
			data.Task = t
			found = true
			break
		}
	}
	if !found {
		data.Error = "task " + taskID + " is not pending for " + data.User
		s.render(w, "detail", data)
		return
	}

	if data.Task.DraftID != "" {
		if data.Status, err = s.svc.GetApprovalStatus(ctx, data.Task.DraftID); err != nil {
			data.Error = err.Error()
		}
		data.History, _ = s.svc.GetApprovalHistory(ctx, data.Task.DraftID)
	}
	s.render(w, "detail", data)
}

// handleUIDecision approves or rejects a task from the detail form.
func (s *Server) handleUIDecision(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	user := r.FormValue("user")

	ctx, cancel := s.ctx(r)
	defer cancel()

	res, err := s.svc.CompleteApprovalTask(ctx, modal.TaskDecision{
		TaskID:   taskID,
		Approved: r.FormValue("approved") == "true",
		Comments: r.FormValue("comments"),
		UserID:   user,
	})
	if err != nil {
		http.Error(w, err.Error(), statusOf(coordinator.KindOf(err)))
		return
	}
	if res.Status == coordinator.OutcomeVersionConflict {
		s.render(w, "detail", uiDetailData{
			User:  user,
			Task:  modal.EnrichedTask{Task: modal.Task{ID: taskID}, DraftID: res.DraftID},
			Error: "the published plan changed since submission; resubmit the draft before approving",
		})
		return
	}
	http.Redirect(w, r, "/ui?user="+url.QueryEscape(user), http.StatusSeeOther)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.ui.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("failed to render page", "template", name, "error", err)
	}
}

func prettyJSON(v any) template.HTML {
	b, _ := json.MarshalIndent(v, "", "  ")
	return template.HTML("<pre>" + template.HTMLEscapeString(string(b)) + "</pre>")
}

const uiTemplates = `
{{define "style"}}
<style>
  body { font: 14px/1.4 system-ui, sans-serif; max-width: 960px; margin: 2em auto; color: #222; }
  nav.tabs { margin: 1em 0; }
  nav.tabs a { padding: 4px 10px; border-bottom: 2px solid transparent; }
  table { width: 100%; border-spacing: 0; }
  th { text-align: left; background: #f2f4f7; }
  th, td { padding: 6px 10px; border-bottom: 1px solid #e3e6ea; }
  pre { background: #f2f4f7; padding: 1em; overflow-x: auto; }
  .err { color: #c62828; }
  .muted { color: #8a8f98; }
</style>
{{end}}
{{define "index"}}
<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>Plan Approvals</title>
  {{template "style"}}
</head>
<body>
  <h2>Plan Approvals</h2>

  <form method="get" action="/ui">
    <input type="hidden" name="tab" value="{{.Tab}}"/>
    <input name="user" placeholder="user id" value="{{.User}}"/>
    <button type="submit">Show</button>
  </form>

  <nav class="tabs">
    <a href="/ui?tab=tasks&user={{.User}}">My tasks</a>
    <a href="/ui?tab=drafts&user={{.User}}">My drafts</a>
  </nav>

  {{if .Error}}<p class="err">{{.Error}}</p>{{end}}

  {{if not .User}}
    <p class="muted">Enter a user id to see tasks.</p>
  {{else if eq .Tab "tasks"}}
    <table>
      <thead><tr><th>Task</th><th>Plan</th><th>Submitted by</th><th>Submitted</th><th>Draft</th></tr></thead>
      <tbody>
      {{range .Tasks}}
        <tr>
          <td><a href="/ui/tasks/{{.ID}}?user={{$.User}}">{{.Name}}</a></td>
          <td>{{if .PlanName}}{{.PlanName}}{{else}}<span class="muted">(unknown)</span>{{end}}</td>
          <td>{{.SubmittedBy}}</td>
          <td>{{if not .SubmittedAt.IsZero}}{{.SubmittedAt.Format "2006-01-02 15:04"}}{{end}}</td>
          <td>{{.DraftID}}{{if .Partial}} <span class="muted">(partial)</span>{{end}}</td>
        </tr>
      {{else}}
        <tr><td colspan="5" class="muted">No pending tasks.</td></tr>
      {{end}}
      </tbody>
    </table>
  {{else}}
    <table>
      <thead><tr><th>Draft</th><th>Plan</th><th>Status</th><th>Approval running</th></tr></thead>
      <tbody>
      {{range .Drafts}}
        <tr>
          <td>{{.ID}}</td>
          <td>{{.PlanData.Name}}</td>
          <td>{{.Status}}</td>
          <td>{{if .Error}}<span class="err">{{.Error}}</span>{{else if .ProcessActive}}yes{{else}}no{{end}}</td>
        </tr>
      {{end}}
      </tbody>
    </table>
  {{end}}
</body>
</html>
{{end}}

{{define "detail"}}
<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>Approval Task</title>
  {{template "style"}}
</head>
<body>
  <a href="/ui?user={{.User}}">&larr; Back</a>
  <h2>{{if .Task.PlanName}}{{.Task.PlanName}}{{else}}Approval Task{{end}}</h2>

  {{if .Error}}<p class="err">{{.Error}}</p>{{end}}

  <p><b>Task:</b> {{.Task.Name}} ({{.Task.ID}})<br/>
     <b>Draft:</b> {{.Task.DraftID}}<br/>
     <b>Submitted by:</b> {{.Task.SubmittedBy}}</p>

  {{with .Status}}
    <h3>Status</h3>
    {{json .}}
  {{end}}

  {{if .Task.Name}}
    <form method="post" action="/ui/tasks/{{.Task.ID}}/decision">
      <input type="hidden" name="user" value="{{.User}}"/>
      <label>Comments:<br/><textarea name="comments" rows="3" cols="80"></textarea></label><br/><br/>
      <button name="approved" value="true" type="submit">Approve</button>
      <button name="approved" value="false" type="submit">Reject</button>
    </form>
  {{end}}

  <h3>History</h3>
  <table>
    <thead><tr><th>Time</th><th>Kind</th><th>Message</th></tr></thead>
    <tbody>
      {{range .History}}
        <tr>
          <td>{{.At.Format "2006-01-02 15:04:05"}}</td>
          <td>{{.Kind}}</td>
          <td>{{.Message}}</td>
        </tr>
      {{end}}
    </tbody>
  </table>
</body>
</html>
{{end}}
`
