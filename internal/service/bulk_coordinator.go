package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/tracing"
)

// BulkConfig bounds a bulk run.
type BulkConfig struct {
	Concurrency int
	ItemTimeout time.Duration
	MaxItems    int
}

// BulkExpectation is the view a caller decided one item on.
type BulkExpectation struct {
	Stage   repository.Stage `json:"stage"`
	Version *int64           `json:"version,omitempty"`
}

// BulkDecisionRequest applies one decision payload to many workflows.
// Items without an expectation are decided against the state loaded at the
// start of the item.
type BulkDecisionRequest struct {
	WorkflowIDs []string                   `json:"workflowIds"`
	Decision    DecisionRequest            `json:"decision"`
	Expected    map[string]BulkExpectation `json:"expected,omitempty"`
}

// BulkItemResult is the outcome for one workflow ID.
type BulkItemResult struct {
	WorkflowID string            `json:"workflowId"`
	Success    bool              `json:"success"`
	Stage      repository.Stage  `json:"stage,omitempty"`
	Status     repository.Status `json:"status,omitempty"`
	Version    int64             `json:"version,omitempty"`
	Code       errors.Code       `json:"code,omitempty"`
	Error      string            `json:"error,omitempty"`
	Report     *ValidationReport `json:"report,omitempty"`
}

// BulkResult has exactly one entry in Results per input ID, in input order.
// Errors repeats the failed entries.
type BulkResult struct {
	Results   []BulkItemResult `json:"results"`
	Errors    []BulkItemResult `json:"errors"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// BulkActionCoordinator fans one decision out over many workflows. Items are
// independent: a failure never rolls back or blocks another item.
type BulkActionCoordinator struct {
	svc *ApprovalService
	cfg BulkConfig
	log *logger.Logger
}

// NewBulkActionCoordinator creates a new BulkActionCoordinator.
func NewBulkActionCoordinator(svc *ApprovalService, cfg BulkConfig, log *logger.Logger) *BulkActionCoordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 10 * time.Second
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 200
	}
	return &BulkActionCoordinator{svc: svc, cfg: cfg, log: log}
}

// Apply runs the decision on every ID with bounded concurrency.
func (b *BulkActionCoordinator) Apply(ctx context.Context, actor Actor, req BulkDecisionRequest) (*BulkResult, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if err := b.svc.authorize(actor, policy.OpBulkDecide); err != nil {
		return nil, err
	}
	if len(req.WorkflowIDs) == 0 {
		return nil, errors.InvalidInput("workflowIds", "at least one workflow id is required")
	}
	if len(req.WorkflowIDs) > b.cfg.MaxItems {
		return nil, errors.InvalidInput("workflowIds", fmt.Sprintf("at most %d workflows per bulk decision", b.cfg.MaxItems))
	}

	ctx, span := tracing.Start(ctx, "approvals.bulk_decision",
		attribute.String("action", string(req.Decision.Action)),
		attribute.Int("items", len(req.WorkflowIDs)),
	)
	defer span.End()

	results := make([]BulkItemResult, len(req.WorkflowIDs))
	seen := make(map[string]struct{}, len(req.WorkflowIDs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(b.cfg.Concurrency)
	for i, id := range req.WorkflowIDs {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; dup || id == "" {
			msg := "duplicate workflow id"
			if id == "" {
				msg = "empty workflow id"
			}
			results[i] = BulkItemResult{WorkflowID: id, Code: errors.ErrCodeValidation, Error: msg}
			continue
		}
		seen[id] = struct{}{}

		g.Go(func() error {
			res := b.runItem(ctx, actor, id, req)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := &BulkResult{Results: results, Errors: []BulkItemResult{}, Total: len(results)}
	for _, r := range results {
		b.svc.deps.Metrics.BulkItem(r.Success)
		if r.Success {
			out.Succeeded++
			continue
		}
		out.Failed++
		out.Errors = append(out.Errors, r)
	}

	b.log.Info().
		Str("action", string(req.Decision.Action)).
		Str("actor_id", actor.ID).
		Int("total", out.Total).
		Int("succeeded", out.Succeeded).
		Int("failed", out.Failed).
		Msg("Bulk decision processed")
	return out, nil
}

// runItem applies the decision to one workflow within the item timeout. When
// the deadline passes the item's context is cancelled and the item gets one
// more timeout to report, so a commit that raced the deadline is reported as
// a success. An item still silent after that is reported as failed. A
// postgres commit acknowledged by the server after pgx gave up on the
// cancelled context is the one case that can be stored yet reported failed.
func (b *BulkActionCoordinator) runItem(ctx context.Context, actor Actor, id string, req BulkDecisionRequest) BulkItemResult {
	itemCtx, cancel := context.WithTimeout(ctx, b.cfg.ItemTimeout)
	defer cancel()
	itemCtx, span := tracing.Start(itemCtx, "approvals.bulk_item", attribute.String("workflow_id", id))

	type outcome struct {
		res *TransitionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := b.decide(itemCtx, actor, id, req)
		done <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-itemCtx.Done():
		settle := time.NewTimer(b.cfg.ItemTimeout)
		defer settle.Stop()
		select {
		case o = <-done:
		case <-settle.C:
			o.err = itemCtx.Err()
		case <-ctx.Done():
			o.err = itemCtx.Err()
		}
	}
	if o.err != nil && itemCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		o.err = errors.Wrap(itemCtx.Err(), errors.ErrCodeInternal,
			fmt.Sprintf("item did not finish within %s", b.cfg.ItemTimeout))
	}
	tracing.End(span, o.err)

	if o.err != nil {
		item := BulkItemResult{WorkflowID: id, Code: errors.CodeOf(o.err), Error: o.err.Error()}
		var appErr *errors.Error
		if errors.As(o.err, &appErr) {
			if rep, ok := appErr.Report.(*ValidationReport); ok {
				item.Report = rep
			}
		}
		return item
	}
	wf := o.res.Workflow
	return BulkItemResult{
		WorkflowID: id,
		Success:    true,
		Stage:      wf.CurrentStage,
		Status:     wf.Status,
		Version:    wf.Version,
	}
}

func (b *BulkActionCoordinator) decide(ctx context.Context, actor Actor, id string, req BulkDecisionRequest) (*TransitionResult, error) {
	decision := req.Decision
	decision.Fields = copyFields(req.Decision.Fields)
	decision.Conditions = append([]string(nil), req.Decision.Conditions...)

	if exp, ok := req.Expected[id]; ok {
		decision.ExpectedStage = exp.Stage
		decision.ExpectedVersion = exp.Version
	} else {
		wf, err := b.svc.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		version := wf.Version
		decision.ExpectedStage = wf.CurrentStage
		decision.ExpectedVersion = &version
	}
	return b.svc.SubmitDecision(ctx, actor, id, decision)
}
