package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
)

// SLAMonitor periodically recomputes SLA state for every open workflow so
// time-based triggers fire without waiting for user activity.
type SLAMonitor struct {
	svc      *ApprovalService
	interval time.Duration
	log      *logger.Logger
}

// NewSLAMonitor creates a new SLAMonitor.
func NewSLAMonitor(svc *ApprovalService, interval time.Duration, log *logger.Logger) *SLAMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SLAMonitor{svc: svc, interval: interval, log: log}
}

// Run sweeps on every tick until ctx ends.
func (m *SLAMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.interval).Msg("SLA monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("SLA monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates each open workflow once and returns how many were updated.
// A failure on one workflow is logged and the sweep continues.
func (m *SLAMonitor) Sweep(ctx context.Context) int {
	ids, err := m.svc.repo.ListOpenIDs(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list open workflows")
		return 0
	}
	updated := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		changed, err := m.svc.EvaluateSLA(ctx, id)
		if err != nil {
			m.log.Warn().Err(err).Str("workflow_id", id).Msg("SLA evaluation failed")
			continue
		}
		if changed {
			updated++
		}
	}
	if updated > 0 {
		m.log.Info().Int("open", len(ids)).Int("updated", updated).Msg("SLA sweep complete")
	}
	return updated
}
