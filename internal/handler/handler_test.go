package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/middleware"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/rpc"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
)

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

const (
	jwtSecret = "handler-test-secret"
	validCode = "246810"
)

var (
	clerk   = service.Actor{ID: "u-clerk", Name: "Cara Clerk", Role: repository.RoleClerk}
	manager = service.Actor{ID: "u-mgr", Name: "Mina Manager", Role: repository.RoleManager}
)

type stubIdentity struct{}

func (stubIdentity) GetUser(_ context.Context, id string) (*service.UserInfo, error) {
	for _, a := range []service.Actor{clerk, manager} {
		if a.ID == id {
			return &service.UserInfo{ID: a.ID, Name: a.Name, Role: a.Role, Active: true}, nil
		}
	}
	return nil, errors.NotFound("user", id)
}

type stubCredentials struct{}

func (stubCredentials) Verify(_ context.Context, _ string, _ repository.AuthorizationMethod, code string) error {
	if code != validCode {
		return errors.New(errors.ErrCodeUnauthorized, "code mismatch")
	}
	return nil
}

type fixture struct {
	verifier *middleware.TokenVerifier
	http     http.Handler
	grpc     *GRPCHandler
}

func newFixture(t *testing.T, readiness map[string]ReadinessCheck) *fixture {
	t.Helper()
	p, err := policy.Default()
	require.NoError(t, err)

	delegations := repository.NewMemoryDelegationRepository()
	svc := service.NewApprovalService(p, repository.NewMemoryWorkflowRepository(), delegations, service.Dependencies{
		Identity:    stubIdentity{},
		Credentials: stubCredentials{},
		Clock:       func() time.Time { return t0 },
	}, logger.Nop())
	hierarchy := service.NewHierarchyCoordinator(svc, delegations)
	bulk := service.NewBulkActionCoordinator(svc, service.BulkConfig{Concurrency: 2, ItemTimeout: time.Second, MaxItems: 10}, logger.Nop())

	v := middleware.NewTokenVerifier(jwtSecret, "")
	return &fixture{
		verifier: v,
		http: NewRouter(RouterConfig{
			API:            NewHTTPHandler(svc, hierarchy, bulk, logger.Nop()),
			Verifier:       v,
			CORSOrigins:    []string{"*"},
			RequestTimeout: 5 * time.Second,
			Readiness:      readiness,
			Log:            logger.Nop(),
		}),
		grpc: NewGRPCHandler(svc, hierarchy, bulk, logger.Nop()),
	}
}

func (f *fixture) token(t *testing.T, actor service.Actor) string {
	t.Helper()
	tok, err := f.verifier.Issue(actor, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path string, actor *service.Actor, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+f.token(t, *actor))
	}
	rec := httptest.NewRecorder()
	f.http.ServeHTTP(rec, req)
	return rec
}

func createBody(amount string) map[string]interface{} {
	return map[string]interface{}{
		"withdrawalRequest": map[string]interface{}{
			"amount":       amount,
			"currency":     "usd",
			"customerId":   "c-100",
			"customerName": "Harper Lane",
			"department":   "retail",
			"requestedAt":  t0,
		},
		"riskAssessment": map[string]interface{}{"level": "low", "score": 20, "assessedAt": t0},
		"priority":       "medium",
	}
}

func approveBody(stage repository.Stage) service.DecisionRequest {
	return service.DecisionRequest{
		Action: repository.ActionApprove,
		Notes:  "Customer identity confirmed by callback",
		Fields: map[string]string{
			"business_justification": "Regular monthly payout to verified account",
		},
		AuthorizationMethod: repository.AuthPIN,
		AuthorizationCode:   validCode,
		ExpectedStage:       stage,
	}
}

func (f *fixture) createWorkflow(t *testing.T) *repository.Workflow {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/workflows", &clerk, createBody("5000"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var wf repository.Workflow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&wf))
	return &wf
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorResponse {
	t.Helper()
	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotNil(t, body.Error)
	return body
}

// ── HTTP ─────────────────────────────────────────────────────────────────────

func TestHTTP_CreateGetAndDecide(t *testing.T) {
	f := newFixture(t, nil)
	wf := f.createWorkflow(t)
	assert.Equal(t, repository.StageClerkReview, wf.CurrentStage)

	rec := f.do(t, http.MethodGet, "/api/v1/workflows/"+wf.ID, &clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.WorkflowView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, wf.ID, view.Workflow.ID)
	assert.Contains(t, view.Permissions.Actions, repository.ActionApprove)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/decisions", &clerk, approveBody(repository.StageClerkReview))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res service.TransitionResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, repository.StageManagerReview, res.Workflow.CurrentStage)
	assert.True(t, res.StageChanged)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/decisions", &clerk, approveBody(repository.StageClerkReview))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errors.ErrCodeConflict, decodeError(t, rec).Error.Code)
}

func TestHTTP_RefusedDecisionCarriesReport(t *testing.T) {
	f := newFixture(t, nil)
	wf := f.createWorkflow(t)

	req := approveBody(repository.StageClerkReview)
	req.Fields = nil
	rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/decisions", &clerk, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, errors.ErrCodeValidation, body.Error.Code)
	assert.NotNil(t, body.Error.Report)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/validate", &clerk, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var report service.ValidationReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	require.Len(t, report.Failures(), 1)
	assert.Equal(t, "business_justification", report.Failures()[0].Field)
}

func TestHTTP_RequestShape(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/workflows", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows", &clerk, `{"withdrawalRequest":`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "body", decodeError(t, rec).Error.Field)

	rec = f.do(t, http.MethodPost, "/api/v1/workflows", &clerk, `{"unexpected":true}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows/wf-missing", &clerk, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/audit?since=yesterday", &manager, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHTTP_ListFilters(t *testing.T) {
	f := newFixture(t, nil)
	f.createWorkflow(t)
	f.createWorkflow(t)

	rec := f.do(t, http.MethodGet, "/api/v1/workflows?stage=clerk_review,manager_review&sort=amount&desc=true&page_size=1", &clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page repository.WorkflowPage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/workflows?stage=admin_review", &clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = repository.WorkflowPage{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Zero(t, page.Total)
}

func TestHTTP_BulkRouteIsNotAWorkflowID(t *testing.T) {
	f := newFixture(t, nil)
	wf := f.createWorkflow(t)

	rec := f.do(t, http.MethodPost, "/api/v1/workflows/bulk/decisions", &clerk, service.BulkDecisionRequest{
		WorkflowIDs: []string{wf.ID},
		Decision:    approveBody(repository.StageClerkReview),
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, "clerks cannot bulk decide")

	rec = f.do(t, http.MethodPost, "/api/v1/workflows/bulk/decisions", &manager, service.BulkDecisionRequest{
		WorkflowIDs: []string{wf.ID, "wf-missing"},
		Decision:    approveBody(repository.StageClerkReview),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res service.BulkResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "wf-missing", res.Results[1].WorkflowID)
	assert.False(t, res.Results[1].Success)
	assert.Equal(t, errors.ErrCodeNotFound, res.Results[1].Code)
}

func TestHTTP_CommentsAndPolicy(t *testing.T) {
	f := newFixture(t, nil)
	wf := f.createWorkflow(t)

	rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+wf.ID+"/comments", &clerk, map[string]interface{}{
		"content": "Called the customer, waiting on a bank letter",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c repository.Comment
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	assert.NotEmpty(t, c.ID)

	rec = f.do(t, http.MethodGet, "/api/v1/policy", &clerk, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, "2026.10.1", doc["version"])
	assert.EqualValues(t, 48, doc["slaTargetHours"].(map[string]interface{})["medium"])
}

func TestHTTP_HealthAndReadiness(t *testing.T) {
	f := newFixture(t, map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
		"nats":     func(context.Context) error { return errors.New(errors.ErrCodeConnectivity, "nats disconnected") },
	})

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Ready)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Contains(t, body.Checks["nats"], "nats disconnected")
}

// ── gRPC ─────────────────────────────────────────────────────────────────────

func dialGRPC(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryLogger(logger.Nop()),
		middleware.UnaryAuth(f.verifier),
	))
	f.grpc.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPC_DecisionFlow(t *testing.T) {
	f := newFixture(t, nil)
	wf := f.createWorkflow(t)
	conn := dialGRPC(t, f)
	method := func(name string) string { return "/" + ServiceName + "/" + name }

	var view service.WorkflowView
	err := conn.Invoke(context.Background(), method("GetWorkflow"), &GetWorkflowRequest{WorkflowID: wf.ID}, &view)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+f.token(t, clerk))
	require.NoError(t, conn.Invoke(ctx, method("GetWorkflow"), &GetWorkflowRequest{WorkflowID: wf.ID}, &view))
	assert.Equal(t, repository.StageClerkReview, view.Workflow.CurrentStage)

	bad := approveBody(repository.StageClerkReview)
	bad.Fields = nil
	var trailer metadata.MD
	var res service.TransitionResult
	err = conn.Invoke(ctx, method("SubmitDecision"), &DecisionCall{WorkflowID: wf.ID, Decision: bad}, &res, grpc.Trailer(&trailer))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	require.Len(t, trailer.Get(ReportTrailer), 1)
	var report service.ValidationReport
	require.NoError(t, json.Unmarshal([]byte(trailer.Get(ReportTrailer)[0]), &report))
	assert.Equal(t, "business_justification", report.Failures()[0].Field)

	require.NoError(t, conn.Invoke(ctx, method("SubmitDecision"), &DecisionCall{WorkflowID: wf.ID, Decision: approveBody(repository.StageClerkReview)}, &res))
	assert.Equal(t, repository.StageManagerReview, res.Workflow.CurrentStage)

	err = conn.Invoke(ctx, method("GetWorkflow"), &GetWorkflowRequest{WorkflowID: "wf-missing"}, &view)
	assert.Equal(t, codes.NotFound, status.Code(err))

	var page repository.WorkflowPage
	require.NoError(t, conn.Invoke(ctx, method("ListWorkflows"), &ListWorkflowsRequest{Stages: []repository.Stage{repository.StageManagerReview}}, &page))
	assert.Equal(t, 1, page.Total)
}
