package service

import (
	"context"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/realtime"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// IdentityClient resolves user information from the identity service.
type IdentityClient interface {
	// GetUser returns the user's role and department. Unknown users are NotFound.
	GetUser(ctx context.Context, userID string) (*UserInfo, error)
}

// CredentialVerifier checks an externally issued authorization credential.
// There is no default credential; a verifier must reject anything it cannot check.
type CredentialVerifier interface {
	Verify(ctx context.Context, userID string, method repository.AuthorizationMethod, code string) error
}

// EventPublisher fans realtime events out to subscribers. Publishing is
// best-effort; callers log failures and continue.
type EventPublisher interface {
	Publish(ctx context.Context, evt realtime.Event) error
}

// Notifier hands approver notifications to the delivery service.
type Notifier interface {
	NotifyApprovers(ctx context.Context, n Notification) error
}

// ViewCache holds workflows recently read for display. Get returns a nil
// workflow on a miss together with the generation to hand to Set once the
// store has been read. A Set whose generation predates an Invalidate must
// never be served.
type ViewCache interface {
	Get(ctx context.Context, id string) (*repository.Workflow, int64, error)
	Set(ctx context.Context, wf *repository.Workflow, generation int64) error
	Invalidate(ctx context.Context, id string) error
}

// Notification asks the delivery service to alert a role or user.
type Notification struct {
	WorkflowID     string          `json:"workflow_id"`
	WorkflowNumber string          `json:"workflow_number"`
	Kind           string          `json:"kind"` // sla_trigger | escalation | assignment | decision
	TargetRole     repository.Role `json:"target_role,omitempty"`
	TargetUserID   string          `json:"target_user_id,omitempty"`
	Message        string          `json:"message"`
}
