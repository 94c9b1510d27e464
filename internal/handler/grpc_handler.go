package handler

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/middleware"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/rpc"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "approvals.v1.WithdrawalApprovals"

// ReportTrailer carries the JSON validation report of a refused decision.
const ReportTrailer = "validation-report"

// ── Messages ─────────────────────────────────────────────────────────────────

type GetWorkflowRequest struct {
	WorkflowID string `json:"workflowId"`
}

type ListWorkflowsRequest struct {
	Statuses   []repository.Status    `json:"statuses,omitempty"`
	Stages     []repository.Stage     `json:"stages,omitempty"`
	Priorities []repository.Priority  `json:"priorities,omitempty"`
	RiskLevels []repository.RiskLevel `json:"riskLevels,omitempty"`
	SLAStatus  repository.SLAStatus   `json:"slaStatus,omitempty"`
	AssignedTo string                 `json:"assignedTo,omitempty"`
	Search     string                 `json:"search,omitempty"`
	SortBy     string                 `json:"sortBy,omitempty"`
	SortDesc   bool                   `json:"sortDesc,omitempty"`
	Page       int                    `json:"page,omitempty"`
	PageSize   int                    `json:"pageSize,omitempty"`
}

type DecisionCall struct {
	WorkflowID string                  `json:"workflowId"`
	Decision   service.DecisionRequest `json:"decision"`
}

type AddCommentRequest struct {
	WorkflowID string `json:"workflowId"`
	Content    string `json:"content"`
	Internal   bool   `json:"internal"`
}

type EscalateCall struct {
	WorkflowID string                  `json:"workflowId"`
	Request    service.EscalateRequest `json:"request"`
}

type SearchAuditRequest struct {
	Severity repository.Severity `json:"severity,omitempty"`
	ActorID  string              `json:"actorId,omitempty"`
	Action   string              `json:"action,omitempty"`
	Since    *time.Time          `json:"since,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
}

type SearchAuditResponse struct {
	Records []repository.AuditRecord `json:"records"`
}

// WithdrawalApprovalsServer is the gRPC surface of the approval engine.
type WithdrawalApprovalsServer interface {
	GetWorkflow(ctx context.Context, req *GetWorkflowRequest) (*service.WorkflowView, error)
	ListWorkflows(ctx context.Context, req *ListWorkflowsRequest) (*repository.WorkflowPage, error)
	ValidateDecision(ctx context.Context, req *DecisionCall) (*service.ValidationReport, error)
	SubmitDecision(ctx context.Context, req *DecisionCall) (*service.TransitionResult, error)
	BulkDecide(ctx context.Context, req *service.BulkDecisionRequest) (*service.BulkResult, error)
	AddComment(ctx context.Context, req *AddCommentRequest) (*repository.Comment, error)
	Escalate(ctx context.Context, req *EscalateCall) (*repository.Workflow, error)
	SearchAudit(ctx context.Context, req *SearchAuditRequest) (*SearchAuditResponse, error)
}

// GRPCHandler implements WithdrawalApprovalsServer
type GRPCHandler struct {
	svc       *service.ApprovalService
	hierarchy *service.HierarchyCoordinator
	bulk      *service.BulkActionCoordinator
	log       *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc *service.ApprovalService, hierarchy *service.HierarchyCoordinator, bulk *service.BulkActionCoordinator, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{svc: svc, hierarchy: hierarchy, bulk: bulk, log: log}
}

// Register attaches the handler to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&serviceDesc, h)
}

// GetWorkflow returns a workflow with the caller's permissions and SLA view.
func (h *GRPCHandler) GetWorkflow(ctx context.Context, req *GetWorkflowRequest) (*service.WorkflowView, error) {
	view, err := h.svc.GetWorkflow(ctx, middleware.ActorFrom(ctx), req.WorkflowID)
	return view, h.status(ctx, "GetWorkflow", err)
}

// ListWorkflows returns one filtered page of workflow summaries.
func (h *GRPCHandler) ListWorkflows(ctx context.Context, req *ListWorkflowsRequest) (*repository.WorkflowPage, error) {
	page, err := h.svc.ListWorkflows(ctx, middleware.ActorFrom(ctx), repository.WorkflowFilter{
		Statuses:   req.Statuses,
		Stages:     req.Stages,
		Priorities: req.Priorities,
		RiskLevels: req.RiskLevels,
		SLAStatus:  req.SLAStatus,
		AssignedTo: req.AssignedTo,
		Search:     req.Search,
		SortBy:     req.SortBy,
		SortDesc:   req.SortDesc,
		Page:       req.Page,
		PageSize:   req.PageSize,
	})
	return page, h.status(ctx, "ListWorkflows", err)
}

// ValidateDecision dry-runs a decision.
func (h *GRPCHandler) ValidateDecision(ctx context.Context, req *DecisionCall) (*service.ValidationReport, error) {
	report, err := h.svc.ValidateDecision(ctx, middleware.ActorFrom(ctx), req.WorkflowID, req.Decision)
	return report, h.status(ctx, "ValidateDecision", err)
}

// SubmitDecision applies a decision. A refused decision sends its report in
// the validation-report trailer.
func (h *GRPCHandler) SubmitDecision(ctx context.Context, req *DecisionCall) (*service.TransitionResult, error) {
	res, err := h.svc.SubmitDecision(ctx, middleware.ActorFrom(ctx), req.WorkflowID, req.Decision)
	return res, h.status(ctx, "SubmitDecision", err)
}

// BulkDecide applies one decision to many workflows.
func (h *GRPCHandler) BulkDecide(ctx context.Context, req *service.BulkDecisionRequest) (*service.BulkResult, error) {
	res, err := h.bulk.Apply(ctx, middleware.ActorFrom(ctx), *req)
	return res, h.status(ctx, "BulkDecide", err)
}

// AddComment attaches a comment to a workflow.
func (h *GRPCHandler) AddComment(ctx context.Context, req *AddCommentRequest) (*repository.Comment, error) {
	c, err := h.svc.AddComment(ctx, middleware.ActorFrom(ctx), req.WorkflowID, req.Content, req.Internal)
	return c, h.status(ctx, "AddComment", err)
}

// Escalate moves a workflow to a higher review stage.
func (h *GRPCHandler) Escalate(ctx context.Context, req *EscalateCall) (*repository.Workflow, error) {
	wf, err := h.hierarchy.Escalate(ctx, middleware.ActorFrom(ctx), req.WorkflowID, req.Request)
	return wf, h.status(ctx, "Escalate", err)
}

// SearchAudit queries the audit trail across workflows.
func (h *GRPCHandler) SearchAudit(ctx context.Context, req *SearchAuditRequest) (*SearchAuditResponse, error) {
	records, err := h.svc.SearchAudit(ctx, middleware.ActorFrom(ctx), repository.AuditQuery{
		Severity: req.Severity,
		ActorID:  req.ActorID,
		Action:   req.Action,
		Since:    req.Since,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, h.status(ctx, "SearchAudit", err)
	}
	return &SearchAuditResponse{Records: records}, nil
}

func (h *GRPCHandler) status(ctx context.Context, method string, err error) error {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if errors.As(err, &e) && e.Report != nil {
		if raw, mErr := json.Marshal(e.Report); mErr == nil {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(ReportTrailer, string(raw)))
		}
	}
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		h.log.Error().Err(err).Str("method", method).Msg("gRPC call failed")
	}
	return rpc.ToStatus(err)
}

// ── Service descriptor ───────────────────────────────────────────────────────

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WithdrawalApprovalsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetWorkflow", WithdrawalApprovalsServer.GetWorkflow),
		unary("ListWorkflows", WithdrawalApprovalsServer.ListWorkflows),
		unary("ValidateDecision", WithdrawalApprovalsServer.ValidateDecision),
		unary("SubmitDecision", WithdrawalApprovalsServer.SubmitDecision),
		unary("BulkDecide", WithdrawalApprovalsServer.BulkDecide),
		unary("AddComment", WithdrawalApprovalsServer.AddComment),
		unary("Escalate", WithdrawalApprovalsServer.Escalate),
		unary("SearchAudit", WithdrawalApprovalsServer.SearchAudit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/withdrawal_approvals",
}

func unary[Req, Resp any](name string, call func(WithdrawalApprovalsServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			server := srv.(WithdrawalApprovalsServer)
			if interceptor == nil {
				return call(server, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, r interface{}) (interface{}, error) {
				return call(server, ctx, r.(*Req))
			})
		},
	}
}
