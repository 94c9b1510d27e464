// Package middleware holds the HTTP and gRPC interceptors shared by the
// service's transports.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/errors"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
)

// Claims is the bearer token payload issued by the identity service.
type Claims struct {
	jwt.RegisteredClaims
	Name       string `json:"name"`
	Role       string `json:"role"`
	Department string `json:"department,omitempty"`
	SessionID  string `json:"sid,omitempty"`
}

// TokenVerifier validates HMAC-signed bearer tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewTokenVerifier creates a verifier. An empty issuer accepts any issuer.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &TokenVerifier{secret: []byte(secret), issuer: issuer, parser: jwt.NewParser(opts...)}
}

// Actor validates raw and returns the actor it names.
func (v *TokenVerifier) Actor(raw string) (service.Actor, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return service.Actor{}, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid bearer token")
	}
	role := repository.Role(strings.ToLower(claims.Role))
	if claims.Subject == "" || !role.Valid() || role == repository.RoleSystem {
		return service.Actor{}, errors.New(errors.ErrCodeUnauthorized, "token does not name a reviewer")
	}
	return service.Actor{
		ID:         claims.Subject,
		Name:       claims.Name,
		Role:       role,
		Department: claims.Department,
		SessionID:  claims.SessionID,
	}, nil
}

// Issue signs a token for actor. Used by the CLI and tests.
func (v *TokenVerifier) Issue(actor service.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:       actor.Name,
		Role:       string(actor.Role),
		Department: actor.Department,
		SessionID:  actor.SessionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from the Authorization header, or from the
// access_token query parameter on websocket upgrades where browsers cannot
// set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// RequestActor authenticates r and stamps the network details the audit
// log records.
func (v *TokenVerifier) RequestActor(r *http.Request) (service.Actor, error) {
	raw := BearerToken(r)
	if raw == "" {
		return service.Actor{}, errors.New(errors.ErrCodeUnauthorized, "missing bearer token")
	}
	actor, err := v.Actor(raw)
	if err != nil {
		return service.Actor{}, err
	}
	actor.IPAddress = clientIP(r)
	actor.DeviceInfo = r.UserAgent()
	return actor, nil
}

// Authenticate rejects requests without a valid bearer token and stores the
// actor on the request context.
func Authenticate(v *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := v.RequestActor(r)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

type actorKey struct{}

// WithActor stores actor on ctx.
func WithActor(ctx context.Context, actor service.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the authenticated actor, or the zero Actor.
func ActorFrom(ctx context.Context) service.Actor {
	actor, _ := ctx.Value(actorKey{}).(service.Actor)
	return actor
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
