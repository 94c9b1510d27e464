package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/metrics"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/middleware"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/realtime"
)

// ReadinessCheck reports whether a backing dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// RouterConfig collects everything the HTTP surface needs.
type RouterConfig struct {
	API            *HTTPHandler
	Verifier       *middleware.TokenVerifier
	Realtime       *realtime.Server
	Metrics        *metrics.Metrics
	CORSOrigins    []string
	RequestTimeout time.Duration
	Readiness      map[string]ReadinessCheck
	Log            *logger.Logger
}

// NewRouter builds the full HTTP handler: health checks, metrics, the websocket
// endpoint and the authenticated /api/v1 tree.
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Metrics(cfg.Metrics))

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/ready", readiness(cfg.Readiness, cfg.Log)).Methods(http.MethodGet)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	if cfg.Realtime != nil {
		r.Handle("/ws", cfg.Realtime).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Authenticate(cfg.Verifier), middleware.Timeout(cfg.RequestTimeout))
	cfg.API.Register(api)

	var h http.Handler = r
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.Recovery(cfg.Log)(h)
	h = middleware.Logger(cfg.Log)(h)
	h = middleware.RequestID(h)
	return h
}

// WebsocketAuthenticator adapts the token verifier to the realtime server.
func WebsocketAuthenticator(v *middleware.TokenVerifier) realtime.Authenticator {
	return func(r *http.Request) (string, error) {
		actor, err := v.RequestActor(r)
		if err != nil {
			return "", err
		}
		return actor.ID, nil
	}
}

func readiness(checks map[string]ReadinessCheck, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				log.Warn().Err(err).Str("dependency", name).Msg("Readiness check failed")
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		middleware.WriteJSON(w, status, map[string]interface{}{"ready": status == http.StatusOK, "checks": results})
	}
}
