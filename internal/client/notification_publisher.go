package client

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
)

// publisher is the subset of *nats.Conn the notification publisher needs.
type publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NotificationPublisher publishes approver notifications to NATS for
// consumption by the notifications service.
//
// Subject convention: notifications.approvals.<kind>
// Kinds: assignment, decision, escalation, sla_trigger
//
// Errors are returned; the approval service logs them and carries on, so a
// notification failure never interrupts an approval operation.
type NotificationPublisher struct {
	nats    publisher
	baseURL string
	log     *logger.Logger
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. baseURL prefixes the action link of each notification.
func NewNotificationPublisher(conn publisher, baseURL string, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: conn, baseURL: baseURL, log: log}
}

// NotifyApprovers implements service.Notifier.
func (p *NotificationPublisher) NotifyApprovers(ctx context.Context, n service.Notification) error {
	if p.nats == nil {
		return nil
	}

	event := &NotificationEvent{
		EventType:    n.Kind,
		TargetRole:   string(n.TargetRole),
		ResourceType: "withdrawal_workflow",
		ResourceID:   n.WorkflowID,
		IsActionable: n.Kind != "decision",
		Severity:     severity(n.Kind),
		Category:     "withdrawal_approval",
		Message:      n.Message,
		Payload:      map[string]interface{}{"workflow_number": n.WorkflowNumber},
	}
	if n.TargetUserID != "" {
		event.Recipients = []string{n.TargetUserID}
	}
	if p.baseURL != "" {
		event.ActionURL = p.baseURL + "/workflows/" + n.WorkflowID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode notification")
	}

	msg := nats.NewMsg(notificationSubjectStart + n.Kind)
	msg.Data = data
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set("X-Request-ID", id)
	}
	if err := p.nats.PublishMsg(msg); err != nil {
		return errors.Connectivity(err, "publish notification")
	}

	p.log.Debug().
		Str("subject", msg.Subject).
		Str("workflow_id", n.WorkflowID).
		Str("target_role", string(n.TargetRole)).
		Msg("Notification published")
	return nil
}

func severity(kind string) string {
	switch kind {
	case "escalation", "sla_trigger":
		return "warning"
	default:
		return "info"
	}
}
