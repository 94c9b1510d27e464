package client

import (
	"context"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
)

var (
	_ service.IdentityClient     = (*IdentityGRPCClient)(nil)
	_ service.CredentialVerifier = (*IdentityGRPCClient)(nil)
	_ service.CredentialVerifier = (*TOTPVerifier)(nil)
	_ service.CredentialVerifier = (*MethodVerifier)(nil)
	_ service.Notifier           = (*NotificationPublisher)(nil)
)

// MethodVerifier routes each authorization method to the verifier that
// understands it. Methods without a verifier are rejected.
type MethodVerifier struct {
	byMethod map[repository.AuthorizationMethod]service.CredentialVerifier
}

// NewMethodVerifier creates an empty MethodVerifier.
func NewMethodVerifier() *MethodVerifier {
	return &MethodVerifier{byMethod: map[repository.AuthorizationMethod]service.CredentialVerifier{}}
}

// Handle registers v for the given methods and returns m for chaining.
func (m *MethodVerifier) Handle(v service.CredentialVerifier, methods ...repository.AuthorizationMethod) *MethodVerifier {
	for _, method := range methods {
		m.byMethod[method] = v
	}
	return m
}

// Verify implements service.CredentialVerifier.
func (m *MethodVerifier) Verify(ctx context.Context, userID string, method repository.AuthorizationMethod, code string) error {
	v, ok := m.byMethod[method]
	if !ok {
		return errors.New(errors.ErrCodeUnauthorized, "no verifier for authorization method "+string(method))
	}
	return v.Verify(ctx, userID, method, code)
}
