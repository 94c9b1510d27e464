package client

// Wire messages for the platform identity service.

const (
	identityService          = "/platform.IdentityService/"
	methodGetUser            = identityService + "GetUser"
	methodVerifyCredential   = identityService + "VerifyCredential"
	notificationSubjectStart = "notifications.approvals."
)

type getUserRequest struct {
	UserID string `json:"user_id"`
}

type userResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department,omitempty"`
	Active     bool   `json:"active"`
}

type verifyCredentialRequest struct {
	UserID string `json:"user_id"`
	Method string `json:"method"`
	Code   string `json:"code"`
}

type verifyCredentialResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// NotificationEvent is the JSON schema published to NATS for the
// notifications service.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	Recipients   []string               `json:"recipients,omitempty"`
	TargetRole   string                 `json:"target_role,omitempty"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	IsActionable bool                   `json:"is_actionable"`
	ActionURL    string                 `json:"action_url,omitempty"`
	Severity     string                 `json:"severity"`
	Category     string                 `json:"category"`
	Message      string                 `json:"message"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}
