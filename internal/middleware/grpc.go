package middleware

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
)

// UnaryAuth authenticates every call except the listed public methods
// (health, reflection).
func UnaryAuth(v *TokenVerifier, public ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		for _, prefix := range public {
			if strings.HasPrefix(info.FullMethod, prefix) {
				return handler(ctx, req)
			}
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var raw string
		if vals := md.Get("authorization"); len(vals) > 0 {
			raw, _ = strings.CutPrefix(vals[0], "Bearer ")
		}
		if raw == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		actor, err := v.Actor(raw)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			actor.IPAddress = p.Addr.String()
		}
		if ua := md.Get("user-agent"); len(ua) > 0 {
			actor.DeviceInfo = ua[0]
		}
		return handler(WithActor(ctx, actor), req)
	}
}

// UnaryLogger logs each call and recovers panics as Internal.
func UnaryLogger(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Str("method", info.FullMethod).Msg("Recovered from panic")
				err = status.Error(codes.Internal, "internal error")
			}
			evt := log.Info()
			if status.Code(err) == codes.Internal {
				evt = log.Error().Err(err)
			}
			evt.Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("duration", time.Since(start)).
				Msg("gRPC request")
		}()
		return handler(ctx, req)
	}
}
