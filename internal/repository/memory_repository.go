package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
)

// MemoryWorkflowRepository is an in-process WorkflowRepository used for
// local development and tests. Stored values are cloned on every read and
// write.
type MemoryWorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryWorkflowRepository creates an empty store.
func NewMemoryWorkflowRepository() *MemoryWorkflowRepository {
	return &MemoryWorkflowRepository{workflows: make(map[string]*Workflow)}
}

func (r *MemoryWorkflowRepository) Create(ctx context.Context, wf *Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[wf.ID]; ok {
		return errors.New(errors.ErrCodeConflict, "workflow already exists")
	}
	for _, existing := range r.workflows {
		if existing.WorkflowNumber == wf.WorkflowNumber {
			return errors.New(errors.ErrCodeConflict, "workflow number already exists")
		}
	}
	wf.Version = 1
	r.workflows[wf.ID] = wf.Clone()
	return nil
}

func (r *MemoryWorkflowRepository) GetByID(ctx context.Context, id string) (*Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return wf.Clone(), nil
}

func (r *MemoryWorkflowRepository) Update(ctx context.Context, wf *Workflow, expectedVersion int64) error {
	// A cancelled context must never commit.
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.workflows[wf.ID]
	if !ok {
		return errors.NotFound("workflow", wf.ID)
	}
	if current.Version != expectedVersion {
		return errors.Conflict("workflow was modified concurrently")
	}
	// Audit entries appended out-of-band since the caller loaded must survive.
	wf.AuditLog = mergeAudit(current.AuditLog, wf.AuditLog)
	wf.Version = expectedVersion + 1
	r.workflows[wf.ID] = wf.Clone()
	return nil
}

func (r *MemoryWorkflowRepository) AppendAudit(ctx context.Context, workflowID string, entry AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[workflowID]
	if !ok {
		return errors.NotFound("workflow", workflowID)
	}
	wf.AuditLog = append(wf.AuditLog, entry)
	return nil
}

func (r *MemoryWorkflowRepository) List(ctx context.Context, filter WorkflowFilter) (*WorkflowPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var matched []WorkflowSummary
	for _, wf := range r.workflows {
		if matchesFilter(wf, filter) {
			matched = append(matched, wf.Summary())
		}
	}
	r.mu.RUnlock()

	sortSummaries(matched, filter.SortBy, filter.SortDesc)

	page, size := normalizePage(filter.Page, filter.PageSize)
	start := (page - 1) * size
	end := start + size
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}
	return &WorkflowPage{
		Items:    append([]WorkflowSummary{}, matched[start:end]...),
		Total:    len(matched),
		Page:     page,
		PageSize: size,
	}, nil
}

func (r *MemoryWorkflowRepository) ListOpenIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, wf := range r.workflows {
		if !wf.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Search scans every stored audit log, newest first.
func (r *MemoryWorkflowRepository) Search(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []AuditRecord
	for id, wf := range r.workflows {
		for _, e := range wf.AuditLog {
			if q.matches(e) {
				out = append(out, AuditRecord{WorkflowID: id, Entry: e})
			}
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Entry.Timestamp.After(out[j].Entry.Timestamp) })
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

// mergeAudit keeps every stored entry and appends the incoming entries the
// store does not know yet, ordered by timestamp.
func mergeAudit(stored, incoming []AuditEntry) []AuditEntry {
	known := make(map[string]struct{}, len(stored))
	out := append([]AuditEntry{}, stored...)
	for _, e := range stored {
		known[e.ID] = struct{}{}
	}
	for _, e := range incoming {
		if _, ok := known[e.ID]; !ok {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func matchesFilter(wf *Workflow, f WorkflowFilter) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, wf.Status) {
		return false
	}
	if len(f.Stages) > 0 && !containsStage(f.Stages, wf.CurrentStage) {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, wf.Priority) {
		return false
	}
	if len(f.RiskLevels) > 0 && !containsRisk(f.RiskLevels, wf.RiskAssessment.Level) {
		return false
	}
	if f.SLAStatus != "" && wf.SLAMetrics.Status != f.SLAStatus {
		return false
	}
	if f.AssignedTo != "" && wf.CurrentApprover.UserID != f.AssignedTo {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(wf.WorkflowNumber), q) &&
			!strings.Contains(strings.ToLower(wf.WithdrawalRequest.CustomerName), q) {
			return false
		}
	}
	return true
}

func sortSummaries(items []WorkflowSummary, by string, desc bool) {
	less := func(a, b WorkflowSummary) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch by {
	case "due_date":
		less = func(a, b WorkflowSummary) bool { return a.DueDate.Before(b.DueDate) }
	case "amount":
		less = func(a, b WorkflowSummary) bool { return a.Amount.LessThan(b.Amount) }
	case "priority":
		less = func(a, b WorkflowSummary) bool { return a.Priority.Rank() < b.Priority.Rank() }
	case "workflow_number":
		less = func(a, b WorkflowSummary) bool { return a.WorkflowNumber < b.WorkflowNumber }
	}
	sort.SliceStable(items, func(i, j int) bool {
		if desc {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 50
	}
	return page, size
}

func containsStatus(list []Status, v Status) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsStage(list []Stage, v Stage) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsPriority(list []Priority, v Priority) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsRisk(list []RiskLevel, v RiskLevel) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// MemoryDelegationRepository is the in-process DelegationRepository.
type MemoryDelegationRepository struct {
	mu          sync.RWMutex
	delegations []*Delegation
}

func NewMemoryDelegationRepository() *MemoryDelegationRepository {
	return &MemoryDelegationRepository{}
}

func (r *MemoryDelegationRepository) Save(ctx context.Context, d *Delegation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.delegations = append(r.delegations, &cp)
	return nil
}

func (r *MemoryDelegationRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.delegations {
		if d.ID == id {
			r.delegations = append(r.delegations[:i], r.delegations[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *MemoryDelegationRepository) FindActive(ctx context.Context, role Role, department string, at time.Time) ([]*Delegation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Delegation
	for _, d := range r.delegations {
		if !d.ActiveAt(at) {
			continue
		}
		switch d.Scope {
		case DelegationScopeRole:
			if d.Role == role {
				cp := *d
				out = append(out, &cp)
			}
		case DelegationScopeDepartment:
			if d.Role == role && department != "" && d.Department == department {
				cp := *d
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

// MemoryPolicyRepository is the in-process PolicyStore.
type MemoryPolicyRepository struct {
	mu       sync.RWMutex
	versions map[string]*PolicyRecord
}

func NewMemoryPolicyRepository() *MemoryPolicyRepository {
	return &MemoryPolicyRepository{versions: make(map[string]*PolicyRecord)}
}

func (r *MemoryPolicyRepository) Save(ctx context.Context, rec *PolicyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[rec.Version]; ok {
		return errors.Conflict("policy version already exists")
	}
	rec.IsActive = false
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	r.versions[rec.Version] = &cp
	return nil
}

func (r *MemoryPolicyRepository) GetByVersion(ctx context.Context, version string) (*PolicyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.versions[version]
	if !ok {
		return nil, errors.NotFound("policy", version)
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryPolicyRepository) GetActive(ctx context.Context) (*PolicyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.versions {
		if rec.IsActive {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, errors.NotFound("policy", "active")
}

func (r *MemoryPolicyRepository) Activate(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.versions[version]
	if !ok {
		return errors.NotFound("policy", version)
	}
	for _, rec := range r.versions {
		rec.IsActive = false
	}
	now := time.Now().UTC()
	target.IsActive = true
	target.ActivatedAt = &now
	return nil
}
