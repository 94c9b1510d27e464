package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
)

const secret = "test-secret"

var reviewer = service.Actor{ID: "u-mgr", Name: "Mina Manager", Role: repository.RoleManager, SessionID: "s-9"}

func issue(t *testing.T, v *TokenVerifier, actor service.Actor) string {
	t.Helper()
	tok, err := v.Issue(actor, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestTokenVerifier(t *testing.T) {
	v := NewTokenVerifier(secret, "pesio-identity")

	actor, err := v.Actor(issue(t, v, reviewer))
	require.NoError(t, err)
	assert.Equal(t, reviewer, actor)

	other := NewTokenVerifier("other-secret", "pesio-identity")
	_, err = v.Actor(issue(t, other, reviewer))
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	wrongIssuer := NewTokenVerifier(secret, "someone-else")
	_, err = v.Actor(issue(t, wrongIssuer, reviewer))
	assert.Error(t, err)

	expired, err := v.Issue(reviewer, -time.Hour)
	require.NoError(t, err)
	_, err = v.Actor(expired)
	assert.Error(t, err)

	_, err = v.Actor(issue(t, v, service.Actor{ID: "u-x", Role: repository.RoleSystem}))
	assert.Error(t, err, "tokens cannot claim the system role")

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-mgr", Issuer: "pesio-identity"},
		Role:             "manager",
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = v.Actor(noExp)
	assert.Error(t, err, "expiry is required")
}

func TestAuthenticate(t *testing.T) {
	v := NewTokenVerifier(secret, "")
	var seen service.Actor
	h := RequestID(Authenticate(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, v, reviewer))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "ops-console/2.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u-mgr", seen.ID)
	assert.Equal(t, "203.0.113.7", seen.IPAddress)
	assert.Equal(t, "ops-console/2.1", seen.DeviceInfo)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, errors.ErrCodeUnauthorized, body.Error.Code)
	assert.Equal(t, "req-42", body.RequestID)
}

func TestBearerToken_WebsocketQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token=abc", nil)
	assert.Empty(t, BearerToken(req), "query token only on upgrades")
	req.Header.Set("Upgrade", "websocket")
	assert.Equal(t, "abc", BearerToken(req))
	req.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, BearerToken(req))
}

func TestRecoveryAndLogger(t *testing.T) {
	h := RequestID(Logger(logger.Nop())(Recovery(logger.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://ops.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/workflows", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/workflows", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTimeout(t *testing.T) {
	var deadline bool
	h := Timeout(time.Second)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, deadline = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, deadline)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, deadline)
}

func TestUnaryAuth(t *testing.T) {
	v := NewTokenVerifier(secret, "")
	interceptor := UnaryAuth(v, "/grpc.health.v1.Health/")
	handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
		return ActorFrom(ctx), nil
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/approvals.v1.WithdrawalApprovals/GetWorkflow"}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	assert.NoError(t, err)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+issue(t, v, reviewer)))
	resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/approvals.v1.WithdrawalApprovals/GetWorkflow"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "u-mgr", resp.(service.Actor).ID)
}

func TestUnaryLogger_RecoversPanics(t *testing.T) {
	_, err := UnaryLogger(logger.Nop())(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(context.Context, interface{}) (interface{}, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}
