// Package api exposes the coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"plan-coordinator/internal/conflict"
	"plan-coordinator/internal/coordinator"
	"plan-coordinator/internal/modal"
)

// Service is the coordinator surface served over HTTP.
type Service interface {
	SubmitForApproval(ctx context.Context, draftID, userID string, planData modal.Document) (*coordinator.SubmitResult, error)
	Resubmit(ctx context.Context, draftID, userID string) (*coordinator.SubmitResult, error)
	CheckConflict(ctx context.Context, draftID string) (*conflict.Report, error)
	GetApprovalStatus(ctx context.Context, draftID string) (*coordinator.ApprovalStatus, error)
	GetApprovalHistory(ctx context.Context, draftID string) ([]modal.AuditEvent, error)
	GetPendingTasks(ctx context.Context, userID string) ([]modal.EnrichedTask, error)
	CompleteApprovalTask(ctx context.Context, dec modal.TaskDecision) (*coordinator.ApprovalResult, error)
	RetryPublish(ctx context.Context, draftID, userID string) (*coordinator.ApprovalResult, error)
	ListPlansWithStatus(ctx context.Context, filter modal.ResourceFilter) ([]coordinator.PlanView, error)
	ListDraftsWithStatus(ctx context.Context, userID string) ([]coordinator.DraftView, error)
	Health(ctx context.Context) coordinator.Health
}

type Server struct {
	svc     Service
	logger  *slog.Logger
	timeout time.Duration
	ui      *template.Template
}

func NewServer(svc Service, logger *slog.Logger, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		svc:     svc,
		logger:  logger,
		timeout: timeout,
		ui:      template.Must(template.New("base").Funcs(template.FuncMap{"json": prettyJSON}).Parse(uiTemplates)),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)

	r.Route("/plans", func(r chi.Router) {
		r.Get("/", s.handleListPlans)
		r.Post("/{id}/submit", s.handleSubmit)
		r.Get("/{id}/status", s.handleStatus)
		r.Get("/{id}/history", s.handleHistory)
	})

	r.Route("/drafts", func(r chi.Router) {
		r.Get("/", s.handleListDrafts)
		r.Get("/{id}/check-conflict", s.handleCheckConflict)
		r.Post("/{id}/resubmit", s.handleResubmit)
		r.Post("/{id}/publish", s.handlePublish)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleTasks)
		r.Post("/{id}/complete", s.handleComplete)
	})

	s.registerUIRoutes(r)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func badBody(w http.ResponseWriter, example string) {
	writeFailure(w, http.StatusBadRequest, coordinator.KindValidation, "invalid body: "+example, nil)
}

type submitReq struct {
	UserID   string         `json:"userId"`
	PlanData modal.Document `json:"planData,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := decode(r, &req); err != nil {
		badBody(w, `{"userId":"...","planData":{...}}`)
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()

	res, err := s.svc.SubmitForApproval(ctx, chi.URLParam(r, "id"), req.UserID, req.PlanData)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSubmit(w, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()

	st, err := s.svc.GetApprovalStatus(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()

	events, err := s.svc.GetApprovalHistory(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, events)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	filter := modal.ResourceFilter{
		NameContains:  r.URL.Query().Get("name"),
		SourceDraftID: r.URL.Query().Get("draftId"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeFailure(w, http.StatusBadRequest, coordinator.KindValidation, "limit must be a non-negative integer", nil)
			return
		}
		filter.Limit = n
	}
	ctx, cancel := s.ctx(r)
	defer cancel()

	plans, err := s.svc.ListPlansWithStatus(ctx, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, plans)
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()

	list, err := s.svc.ListDraftsWithStatus(ctx, r.URL.Query().Get("userId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleCheckConflict(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()

	report, err := s.svc.CheckConflict(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, report)
}

type userReq struct {
	UserID string `json:"userId"`
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	var req userReq
	if err := decode(r, &req); err != nil {
		badBody(w, `{"userId":"..."}`)
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()

	res, err := s.svc.Resubmit(ctx, chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSubmit(w, res)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req userReq
	if err := decode(r, &req); err != nil {
		badBody(w, `{"userId":"..."}`)
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()

	res, err := s.svc.RetryPublish(ctx, chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeApproval(w, res)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()

	tasks, err := s.svc.GetPendingTasks(ctx, r.URL.Query().Get("userId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, tasks)
}

type completeReq struct {
	Approved *bool  `json:"approved"`
	Comments string `json:"comments"`
	UserID   string `json:"userId"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approved == nil {
		badBody(w, `{"approved":true,"comments":"...","userId":"..."}`)
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()

	res, err := s.svc.CompleteApprovalTask(ctx, modal.TaskDecision{
		TaskID:   chi.URLParam(r, "id"),
		Approved: *req.Approved,
		Comments: req.Comments,
		UserID:   req.UserID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeApproval(w, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()

	h := s.svc.Health(ctx)
	if !h.Healthy {
		writeJSON(w, http.StatusServiceUnavailable, envelope{
			Data:  h,
			Error: &apiError{Code: string(coordinator.KindUpstreamUnavailable), Message: "one or more collaborators are unreachable"},
		})
		return
	}
	writeData(w, http.StatusOK, h)
}
