package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/realtime"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

const validCode = "246810"

var (
	clerk       = Actor{ID: "u-clerk", Name: "Cara Clerk", Role: repository.RoleClerk, SessionID: "s-1"}
	clerk2      = Actor{ID: "u-clerk2", Name: "Cole Clerk", Role: repository.RoleClerk}
	manager     = Actor{ID: "u-mgr", Name: "Mina Manager", Role: repository.RoleManager}
	manager2    = Actor{ID: "u-mgr2", Name: "Milo Manager", Role: repository.RoleManager}
	admin       = Actor{ID: "u-admin", Name: "Ada Admin", Role: repository.RoleAdmin}
	superAdmin  = Actor{ID: "u-super", Name: "Sol Super", Role: repository.RoleSuperAdmin}
	superAdmin2 = Actor{ID: "u-super2", Name: "Sia Super", Role: repository.RoleSuperAdmin}
)

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.Default()
	require.NoError(t, err)
	return p
}

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeIdentity struct {
	users map[string]*UserInfo
}

func newFakeIdentity() *fakeIdentity {
	f := &fakeIdentity{users: map[string]*UserInfo{}}
	for _, a := range []Actor{clerk, clerk2, manager, manager2, admin, superAdmin, superAdmin2} {
		f.users[a.ID] = &UserInfo{ID: a.ID, Name: a.Name, Role: a.Role, Active: true}
	}
	f.users["u-gone"] = &UserInfo{ID: "u-gone", Name: "Gone", Role: repository.RoleAdmin, Active: false}
	return f
}

func (f *fakeIdentity) GetUser(_ context.Context, id string) (*UserInfo, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, _ string, _ repository.AuthorizationMethod, code string) error {
	if code != validCode {
		return errors.New(errors.ErrCodeUnauthorized, "code mismatch")
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []realtime.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]realtime.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *recordingNotifier) NotifyApprovers(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	svc         *ApprovalService
	hierarchy   *HierarchyCoordinator
	repo        *repository.MemoryWorkflowRepository
	delegations *repository.MemoryDelegationRepository
	clock       *fakeClock
	events      *recordingPublisher
	notes       *recordingNotifier
	identity    *fakeIdentity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:        repository.NewMemoryWorkflowRepository(),
		delegations: repository.NewMemoryDelegationRepository(),
		clock:       newFakeClock(),
		events:      &recordingPublisher{},
		notes:       &recordingNotifier{},
		identity:    newFakeIdentity(),
	}
	h.svc = NewApprovalService(testPolicy(t), h.repo, h.delegations, Dependencies{
		Identity:    h.identity,
		Credentials: fakeVerifier{},
		Events:      h.events,
		Notifier:    h.notes,
		Clock:       h.clock.Now,
	}, logger.Nop())
	h.hierarchy = NewHierarchyCoordinator(h.svc, h.delegations)
	return h
}

func (h *harness) create(t *testing.T, amount string, risk repository.RiskLevel) *repository.Workflow {
	t.Helper()
	wf, err := h.svc.CreateWorkflow(context.Background(), SystemActor, createRequest(amount, risk))
	require.NoError(t, err)
	return wf
}

func (h *harness) get(t *testing.T, id string) *repository.Workflow {
	t.Helper()
	wf, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return wf
}

func createRequest(amount string, risk repository.RiskLevel) CreateWorkflowRequest {
	return CreateWorkflowRequest{
		Withdrawal: repository.WithdrawalRequest{
			Amount:       decimal.RequireFromString(amount),
			Currency:     "usd",
			CustomerID:   "c-100",
			CustomerName: "Harper Lane",
			Department:   "retail",
			RequestedAt:  t0,
		},
		Risk:     repository.RiskAssessment{Level: risk, Score: 20, AssessedAt: t0},
		Priority: repository.PriorityMedium,
	}
}

// newWorkflow builds a workflow directly for pure component tests.
func newWorkflow(stage repository.Stage, amount string, risk repository.RiskLevel) *repository.Workflow {
	return &repository.Workflow{
		ID:             "wf-1",
		WorkflowNumber: "WD-20261001-ABC123",
		Status:         repository.StatusPending,
		CurrentStage:   stage,
		Priority:       repository.PriorityMedium,
		WithdrawalRequest: repository.WithdrawalRequest{
			ID:         "w-1",
			Amount:     decimal.RequireFromString(amount),
			Currency:   "USD",
			CustomerID: "c-100",
			Department: "retail",
		},
		RiskAssessment: repository.RiskAssessment{Level: risk},
		SLAMetrics: repository.SLAMetrics{
			CreatedAt:            t0,
			TargetCompletionTime: t0.Add(48 * time.Hour),
			StageEnteredAt:       t0,
		},
		Version:   1,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func approveRequest(stage repository.Stage) DecisionRequest {
	return DecisionRequest{
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

func rejectRequest(stage repository.Stage) DecisionRequest {
	return DecisionRequest{
		Action: repository.ActionReject,
		Notes:  "Beneficiary account failed sanctions screening",
		Fields: map[string]string{
			"rejection_reason": "sanctions_hit",
		},
		AuthorizationMethod: repository.AuthPIN,
		AuthorizationCode:   validCode,
		ExpectedStage:       stage,
	}
}

func escalateRequest(stage repository.Stage, target repository.Role) DecisionRequest {
	return DecisionRequest{
		Action: repository.ActionEscalate,
		Notes:  "Pattern matches a prior account takeover case, needs senior review",
		Fields: map[string]string{
			"escalation_reason": "possible account takeover",
			"escalation_target": string(target),
		},
		AuthorizationMethod: repository.AuthTwoFactor,
		AuthorizationCode:   validCode,
		ExpectedStage:       stage,
	}
}

func auditActions(wf *repository.Workflow) []string {
	out := make([]string, 0, len(wf.AuditLog))
	for _, e := range wf.AuditLog {
		out = append(out, e.Action)
	}
	return out
}

func lastAudit(wf *repository.Workflow) repository.AuditEntry {
	return wf.AuditLog[len(wf.AuditLog)-1]
}

func int64Ptr(v int64) *int64 { return &v }

type cachedView struct {
	wf  *repository.Workflow
	gen int64
}

type mapCache struct {
	mu          sync.Mutex
	entries     map[string]cachedView
	generations map[string]int64
	invalidated []string
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]cachedView{}, generations: map[string]int64{}}
}

func (c *mapCache) Get(_ context.Context, id string) (*repository.Workflow, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.generations[id]
	if e, ok := c.entries[id]; ok && e.gen == gen {
		return e.wf, gen, nil
	}
	return nil, gen, nil
}

func (c *mapCache) Set(_ context.Context, wf *repository.Workflow, gen int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[wf.ID] = cachedView{wf: wf, gen: gen}
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[id]++
	delete(c.entries, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}
