package client

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/rpc"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
)

// IdentityGRPCClient resolves users and checks PIN and biometric credentials
// against the platform identity gRPC service.
type IdentityGRPCClient struct {
	conn *grpc.ClientConn
}

// NewIdentityGRPCClient dials the identity gRPC service and returns a client.
func NewIdentityGRPCClient(addr string, timeout time.Duration, opts ...grpc.DialOption) (*IdentityGRPCClient, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
		grpc.WithChainUnaryInterceptor(forwardMetadata, callTimeout(timeout)),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, errors.Connectivity(err, "dial identity service")
	}
	return &IdentityGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *IdentityGRPCClient) Close() error {
	return c.conn.Close()
}

// GetUser returns the user's role and department. Unknown users are NotFound;
// an unreachable identity service is a Connectivity error.
func (c *IdentityGRPCClient) GetUser(ctx context.Context, userID string) (*service.UserInfo, error) {
	var resp userResponse
	if err := c.conn.Invoke(ctx, methodGetUser, &getUserRequest{UserID: userID}, &resp); err != nil {
		return nil, rpc.FromStatus(err, "user", userID)
	}
	role := repository.Role(strings.ToLower(resp.Role))
	if !role.Valid() {
		return nil, errors.New(errors.ErrCodeInternal, "identity service returned unknown role "+resp.Role)
	}
	return &service.UserInfo{
		ID:         resp.ID,
		Name:       resp.Name,
		Role:       role,
		Department: resp.Department,
		Active:     resp.Active,
	}, nil
}

// Verify checks a PIN or biometric assertion for userID.
func (c *IdentityGRPCClient) Verify(ctx context.Context, userID string, method repository.AuthorizationMethod, code string) error {
	var resp verifyCredentialResponse
	req := &verifyCredentialRequest{UserID: userID, Method: string(method), Code: code}
	if err := c.conn.Invoke(ctx, methodVerifyCredential, req, &resp); err != nil {
		return rpc.FromStatus(err, "user", userID)
	}
	if !resp.Valid {
		reason := resp.Reason
		if reason == "" {
			reason = "credential rejected"
		}
		return errors.New(errors.ErrCodeUnauthorized, reason)
	}
	return nil
}
