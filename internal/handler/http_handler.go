package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/middleware"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
)

const maxBodyBytes = 1 << 20

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	svc       *service.ApprovalService
	hierarchy *service.HierarchyCoordinator
	bulk      *service.BulkActionCoordinator
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc *service.ApprovalService, hierarchy *service.HierarchyCoordinator, bulk *service.BulkActionCoordinator, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{svc: svc, hierarchy: hierarchy, bulk: bulk, log: log}
}

// Register mounts the workflow API on r. The bulk route is registered
// before the {id} routes so "bulk" is never taken for an ID.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/workflows", h.ListWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/workflows", h.CreateWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/workflows/bulk/decisions", h.BulkDecide).Methods(http.MethodPost)

	w := r.PathPrefix("/workflows/{id}").Subrouter()
	w.HandleFunc("", h.GetWorkflow).Methods(http.MethodGet)
	w.HandleFunc("/validate", h.ValidateDecision).Methods(http.MethodPost)
	w.HandleFunc("/decisions", h.SubmitDecision).Methods(http.MethodPost)
	w.HandleFunc("/comments", h.AddComment).Methods(http.MethodPost)
	w.HandleFunc("/sla/extend", h.ExtendSLA).Methods(http.MethodPost)
	w.HandleFunc("/priority", h.AdjustPriority).Methods(http.MethodPut)
	w.HandleFunc("/hold", h.Hold).Methods(http.MethodPost)
	w.HandleFunc("/resume", h.Resume).Methods(http.MethodPost)
	w.HandleFunc("/conditions/{conditionId}/satisfy", h.SatisfyCondition).Methods(http.MethodPost)
	w.HandleFunc("/flags/{flagId}/resolve", h.ResolveFlag).Methods(http.MethodPost)
	w.HandleFunc("/delegate", h.Delegate).Methods(http.MethodPost)
	w.HandleFunc("/reassign", h.Reassign).Methods(http.MethodPost)
	w.HandleFunc("/escalate", h.Escalate).Methods(http.MethodPost)
	w.HandleFunc("/override", h.OverrideHierarchy).Methods(http.MethodPost)

	r.HandleFunc("/audit", h.SearchAudit).Methods(http.MethodGet)
	r.HandleFunc("/policy", h.GetPolicy).Methods(http.MethodGet)
}

// ── Workflows ────────────────────────────────────────────────────────────────

// CreateWorkflow handles POST /workflows
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.CreateWorkflowRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.svc.CreateWorkflow(r.Context(), middleware.ActorFrom(r.Context()), req)
	h.respond(w, r, http.StatusCreated, wf, err)
}

// GetWorkflow handles GET /workflows/{id}
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetWorkflow(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"])
	h.respond(w, r, http.StatusOK, view, err)
}

// ListWorkflows handles GET /workflows
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.WorkflowFilter{
		Statuses:   splitEnum[repository.Status](q.Get("status")),
		Stages:     splitEnum[repository.Stage](q.Get("stage")),
		Priorities: splitEnum[repository.Priority](q.Get("priority")),
		RiskLevels: splitEnum[repository.RiskLevel](q.Get("risk")),
		SLAStatus:  repository.SLAStatus(q.Get("sla_status")),
		AssignedTo: q.Get("assigned_to"),
		Search:     q.Get("q"),
		SortBy:     q.Get("sort"),
		SortDesc:   q.Get("desc") == "true",
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	page, err := h.svc.ListWorkflows(r.Context(), middleware.ActorFrom(r.Context()), filter)
	h.respond(w, r, http.StatusOK, page, err)
}

// ── Decisions ────────────────────────────────────────────────────────────────

// ValidateDecision handles POST /workflows/{id}/validate
func (h *HTTPHandler) ValidateDecision(w http.ResponseWriter, r *http.Request) {
	var req service.DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	report, err := h.svc.ValidateDecision(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req)
	h.respond(w, r, http.StatusOK, report, err)
}

// SubmitDecision handles POST /workflows/{id}/decisions. A refused decision
// carries its validation report in the error body.
func (h *HTTPHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req service.DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.SubmitDecision(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req)
	h.respond(w, r, http.StatusOK, res, err)
}

// BulkDecide handles POST /workflows/bulk/decisions
func (h *HTTPHandler) BulkDecide(w http.ResponseWriter, r *http.Request) {
	var req service.BulkDecisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.bulk.Apply(r.Context(), middleware.ActorFrom(r.Context()), req)
	h.respond(w, r, http.StatusOK, res, err)
}

// ── Workflow upkeep ──────────────────────────────────────────────────────────

type commentRequest struct {
	Content  string `json:"content"`
	Internal bool   `json:"internal"`
}

// AddComment handles POST /workflows/{id}/comments
func (h *HTTPHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.svc.AddComment(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req.Content, req.Internal)
	h.respond(w, r, http.StatusCreated, c, err)
}

type extendSLARequest struct {
	Hours         float64 `json:"hours"`
	Justification string  `json:"justification"`
}

// ExtendSLA handles POST /workflows/{id}/sla/extend
func (h *HTTPHandler) ExtendSLA(w http.ResponseWriter, r *http.Request) {
	var req extendSLARequest
	if !h.decode(w, r, &req) {
		return
	}
	sla, err := h.svc.ExtendSLA(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req.Hours, req.Justification)
	h.respond(w, r, http.StatusOK, sla, err)
}

type priorityRequest struct {
	Priority      repository.Priority `json:"priority"`
	Justification string              `json:"justification"`
}

// AdjustPriority handles PUT /workflows/{id}/priority
func (h *HTTPHandler) AdjustPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.svc.AdjustPriority(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req.Priority, req.Justification)
	h.respond(w, r, http.StatusOK, wf, err)
}

type reasonRequest struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

// Hold handles POST /workflows/{id}/hold
func (h *HTTPHandler) Hold(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.svc.Hold(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req.Reason)
	h.respond(w, r, http.StatusOK, wf, err)
}

// Resume handles POST /workflows/{id}/resume
func (h *HTTPHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.svc.Resume(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req.Reason)
	h.respond(w, r, http.StatusOK, wf, err)
}

// SatisfyCondition handles POST /workflows/{id}/conditions/{conditionId}/satisfy
func (h *HTTPHandler) SatisfyCondition(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	wf, err := h.svc.SatisfyCondition(r.Context(), middleware.ActorFrom(r.Context()), vars["id"], vars["conditionId"], req.Note)
	h.respond(w, r, http.StatusOK, wf, err)
}

// ResolveFlag handles POST /workflows/{id}/flags/{flagId}/resolve
func (h *HTTPHandler) ResolveFlag(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	wf, err := h.svc.ResolveFlag(r.Context(), middleware.ActorFrom(r.Context()), vars["id"], vars["flagId"], req.Note)
	h.respond(w, r, http.StatusOK, wf, err)
}

// ── Hierarchy ────────────────────────────────────────────────────────────────

// Delegate handles POST /workflows/{id}/delegate
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	var req service.DelegateRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.hierarchy.Delegate(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req)
	h.respond(w, r, http.StatusOK, wf, err)
}

// Reassign handles POST /workflows/{id}/reassign
func (h *HTTPHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	var req service.ReassignRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.hierarchy.Reassign(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req)
	h.respond(w, r, http.StatusOK, wf, err)
}

// Escalate handles POST /workflows/{id}/escalate
func (h *HTTPHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	var req service.EscalateRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.hierarchy.Escalate(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req)
	h.respond(w, r, http.StatusOK, wf, err)
}

// OverrideHierarchy handles POST /workflows/{id}/override
func (h *HTTPHandler) OverrideHierarchy(w http.ResponseWriter, r *http.Request) {
	var req service.OverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	wf, err := h.hierarchy.OverrideHierarchy(r.Context(), middleware.ActorFrom(r.Context()), mux.Vars(r)["id"], req)
	h.respond(w, r, http.StatusOK, wf, err)
}

// ── Audit and policy ─────────────────────────────────────────────────────────

// SearchAudit handles GET /audit
func (h *HTTPHandler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := repository.AuditQuery{
		Severity: repository.Severity(qs.Get("severity")),
		ActorID:  qs.Get("actor_id"),
		Action:   qs.Get("action"),
	}
	q.Limit, _ = strconv.Atoi(qs.Get("limit"))
	if since := qs.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			middleware.WriteError(w, r, errors.InvalidInput("since", "since must be an RFC 3339 timestamp"))
			return
		}
		q.Since = &t
	}
	records, err := h.svc.SearchAudit(r.Context(), middleware.ActorFrom(r.Context()), q)
	h.respond(w, r, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)}, err)
}

// GetPolicy handles GET /policy
func (h *HTTPHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p := h.svc.Policy()
	sla := p.SLA()
	targets := make(map[repository.Priority]float64, len(sla.Targets))
	for prio, d := range sla.Targets {
		targets[prio] = d.Hours()
	}
	levels := make(map[repository.Role]interface{})
	for _, role := range []repository.Role{repository.RoleClerk, repository.RoleManager, repository.RoleAdmin, repository.RoleSuperAdmin} {
		if lvl, err := p.Level(role); err == nil {
			levels[role] = lvl
		}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":           p.Version(),
		"levels":            levels,
		"slaTargetHours":    targets,
		"atRiskPct":         sla.AtRiskPct,
		"maxExtensionHours": sla.MaxExtension.Hours(),
	})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		middleware.WriteError(w, r, errors.InvalidInput("body", fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

func (h *HTTPHandler) respond(w http.ResponseWriter, r *http.Request, status int, v interface{}, err error) {
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			h.log.Error().Err(err).
				Str("request_id", logger.RequestID(r.Context())).
				Str("path", r.URL.Path).
				Msg("Request failed")
		}
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, status, v)
}

func splitEnum[T ~string](raw string) []T {
	if raw == "" {
		return nil
	}
	var out []T
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, T(part))
		}
	}
	return out
}
