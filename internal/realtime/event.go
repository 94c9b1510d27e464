// Package realtime carries workflow change events to subscribed viewers.
// Every event is a cache-invalidation signal: subscribers re-fetch the
// workflow instead of trusting the delta for decisions.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
)

// EventType is the closed vocabulary of the realtime channel.
type EventType string

const (
	EventWorkflowUpdate EventType = "workflow_update"
	EventNewWorkflow    EventType = "new_workflow"
	EventCommentAdded   EventType = "comment_added"
	EventEscalation     EventType = "escalation"
)

// Valid reports whether t belongs to the vocabulary.
func (t EventType) Valid() bool {
	switch t {
	case EventWorkflowUpdate, EventNewWorkflow, EventCommentAdded, EventEscalation:
		return true
	}
	return false
}

// Event is the wire envelope {type, data}.
type Event struct {
	Type EventType `json:"type"`
	Data Delta     `json:"data"`
}

// Delta is the minimal payload: enough to find and invalidate a cache entry.
type Delta struct {
	EventID        string    `json:"eventId"`
	WorkflowID     string    `json:"workflowId"`
	WorkflowNumber string    `json:"workflowNumber,omitempty"`
	Version        int64     `json:"version,omitempty"`
	Stage          string    `json:"stage,omitempty"`
	Status         string    `json:"status,omitempty"`
	Action         string    `json:"action,omitempty"`
	CommentID      string    `json:"commentId,omitempty"`
	TargetRole     string    `json:"targetRole,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Encode marshals the envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and checks an envelope.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Data.WorkflowID == "" {
		return Event{}, fmt.Errorf("event %s has no workflow id", e.Type)
	}
	return e, nil
}

func newDelta(wf *repository.Workflow, at time.Time) Delta {
	return Delta{
		EventID:        uuid.NewString(),
		WorkflowID:     wf.ID,
		WorkflowNumber: wf.WorkflowNumber,
		Version:        wf.Version,
		Stage:          string(wf.CurrentStage),
		Status:         string(wf.Status),
		OccurredAt:     at,
	}
}

// WorkflowUpdated announces that a workflow's state changed through action.
func WorkflowUpdated(wf *repository.Workflow, action string, at time.Time) Event {
	d := newDelta(wf, at)
	d.Action = action
	return Event{Type: EventWorkflowUpdate, Data: d}
}

// NewWorkflow announces a workflow entering the queue.
func NewWorkflow(wf *repository.Workflow, at time.Time) Event {
	return Event{Type: EventNewWorkflow, Data: newDelta(wf, at)}
}

// CommentAdded announces a comment. Comments do not change the stage.
func CommentAdded(wf *repository.Workflow, commentID string, at time.Time) Event {
	d := newDelta(wf, at)
	d.CommentID = commentID
	return Event{Type: EventCommentAdded, Data: d}
}

// Escalated announces an escalation to targetRole.
func Escalated(wf *repository.Workflow, targetRole repository.Role, at time.Time) Event {
	d := newDelta(wf, at)
	d.TargetRole = string(targetRole)
	return Event{Type: EventEscalation, Data: d}
}
