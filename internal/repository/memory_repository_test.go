package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
)

func newWorkflow(id string, amount int64, created time.Time) *Workflow {
	return &Workflow{
		ID:             id,
		WorkflowNumber: "WD-20260101-" + id,
		Status:         StatusPending,
		CurrentStage:   StageClerkReview,
		Priority:       PriorityMedium,
		WithdrawalRequest: WithdrawalRequest{
			ID:           "req-" + id,
			Amount:       decimal.NewFromInt(amount),
			Currency:     "USD",
			CustomerName: "Customer " + id,
		},
		RiskAssessment: RiskAssessment{Level: RiskLow},
		SLAMetrics:     SLAMetrics{Status: SLAOnTrack},
		CreatedAt:      created,
		UpdatedAt:      created,
		DueDate:        created.Add(48 * time.Hour),
	}
}

func TestMemoryWorkflowRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryWorkflowRepository()
	wf := newWorkflow("a1", 500, time.Now())

	require.NoError(t, repo.Create(ctx, wf))
	assert.Equal(t, int64(1), wf.Version)

	got, err := repo.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, wf.WorkflowNumber, got.WorkflowNumber)
	assert.True(t, wf.WithdrawalRequest.Amount.Equal(got.WithdrawalRequest.Amount))

	// mutations on the returned copy never reach the store
	got.Status = StatusRejected
	again, err := repo.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)

	err = repo.Create(ctx, newWorkflow("a1", 1, time.Now()))
	assert.True(t, errors.IsConflict(err))

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryWorkflowRepository_UpdateVersioning(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryWorkflowRepository()
	require.NoError(t, repo.Create(ctx, newWorkflow("v1", 100, time.Now())))

	first, _ := repo.GetByID(ctx, "v1")
	second, _ := repo.GetByID(ctx, "v1")

	first.CurrentStage = StageManagerReview
	require.NoError(t, repo.Update(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	second.Status = StatusRejected
	err := repo.Update(ctx, second, 1)
	assert.True(t, errors.IsConflict(err))

	stored, _ := repo.GetByID(ctx, "v1")
	assert.Equal(t, StageManagerReview, stored.CurrentStage)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestMemoryWorkflowRepository_UpdateCancelledContext(t *testing.T) {
	repo := NewMemoryWorkflowRepository()
	require.NoError(t, repo.Create(context.Background(), newWorkflow("c1", 100, time.Now())))
	wf, _ := repo.GetByID(context.Background(), "c1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wf.Status = StatusApproved
	require.Error(t, repo.Update(ctx, wf, 1))

	stored, _ := repo.GetByID(context.Background(), "c1")
	assert.Equal(t, StatusPending, stored.Status)
}

func TestMemoryWorkflowRepository_AppendAuditKeepsVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryWorkflowRepository()
	require.NoError(t, repo.Create(ctx, newWorkflow("au", 100, time.Now())))
	loaded, _ := repo.GetByID(ctx, "au")

	require.NoError(t, repo.AppendAudit(ctx, "au", AuditEntry{ID: "e1", Action: "decision_refused", Timestamp: time.Now()}))

	stored, _ := repo.GetByID(ctx, "au")
	assert.Equal(t, int64(1), stored.Version)
	require.Len(t, stored.AuditLog, 1)

	// a writer that loaded before the append still commits and keeps the entry
	loaded.AuditLog = append(loaded.AuditLog, AuditEntry{ID: "e2", Action: "decision_applied", Timestamp: time.Now().Add(time.Second)})
	require.NoError(t, repo.Update(ctx, loaded, 1))

	stored, _ = repo.GetByID(ctx, "au")
	require.Len(t, stored.AuditLog, 2)
	assert.Equal(t, "e1", stored.AuditLog[0].ID)
	assert.Equal(t, "e2", stored.AuditLog[1].ID)
}

func TestMemoryWorkflowRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryWorkflowRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		wf := newWorkflow(fmt.Sprintf("l%d", i), int64(1000*(i+1)), base.Add(time.Duration(i)*time.Hour))
		if i%2 == 0 {
			wf.Priority = PriorityUrgent
		}
		require.NoError(t, repo.Create(ctx, wf))
	}

	page, err := repo.List(ctx, WorkflowFilter{Priorities: []Priority{PriorityUrgent}})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = repo.List(ctx, WorkflowFilter{SortBy: "amount", SortDesc: true, PageSize: 2, Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "l4", page.Items[0].ID)
	assert.Equal(t, "l3", page.Items[1].ID)

	page, err = repo.List(ctx, WorkflowFilter{Search: "customer l2"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "l2", page.Items[0].ID)

	page, err = repo.List(ctx, WorkflowFilter{Page: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestMemoryWorkflowRepository_ListOpenIDsAndSearch(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryWorkflowRepository()
	now := time.Now()
	open := newWorkflow("o1", 100, now)
	closed := newWorkflow("o2", 100, now)
	closed.Status = StatusApproved
	closed.AuditLog = []AuditEntry{{ID: "x", Action: "override_hierarchy", Severity: SeverityCritical, Timestamp: now}}
	require.NoError(t, repo.Create(ctx, open))
	require.NoError(t, repo.Create(ctx, closed))

	ids, err := repo.ListOpenIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, ids)

	recs, err := repo.Search(ctx, AuditQuery{Severity: SeverityCritical})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "o2", recs[0].WorkflowID)
}

func TestMemoryDelegationRepository_FindActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDelegationRepository()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, repo.Save(ctx, &Delegation{ID: "d1", Scope: DelegationScopeRole, Role: RoleManager, ToUserID: "u1"}))
	require.NoError(t, repo.Save(ctx, &Delegation{ID: "d2", Scope: DelegationScopeDepartment, Role: RoleManager, Department: "ops", ToUserID: "u2"}))
	require.NoError(t, repo.Save(ctx, &Delegation{ID: "d3", Scope: DelegationScopeRole, Role: RoleManager, ToUserID: "u3", StartsAt: &future}))
	require.NoError(t, repo.Save(ctx, &Delegation{ID: "d4", Scope: DelegationScopeRole, Role: RoleManager, ToUserID: "u4", EndsAt: &past}))

	got, err := repo.FindActive(ctx, RoleManager, "ops", now)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = repo.FindActive(ctx, RoleManager, "", now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].ID)

	require.NoError(t, repo.Delete(ctx, "d1"))
	require.NoError(t, repo.Delete(ctx, "d1"))
	got, err = repo.FindActive(ctx, RoleManager, "", now)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryPolicyRepository_Activate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryPolicyRepository()
	require.NoError(t, repo.Save(ctx, &PolicyRecord{Version: "v1", Document: []byte("a")}))
	require.NoError(t, repo.Save(ctx, &PolicyRecord{Version: "v2", Document: []byte("b")}))
	assert.True(t, errors.IsConflict(repo.Save(ctx, &PolicyRecord{Version: "v1"})))

	_, err := repo.GetActive(ctx)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, repo.Activate(ctx, "v1"))
	require.NoError(t, repo.Activate(ctx, "v2"))
	active, err := repo.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", active.Version)

	assert.True(t, errors.IsNotFound(repo.Activate(ctx, "v9")))
}
