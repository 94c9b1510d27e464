package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/cache"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/client"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/config"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/database"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/handler"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/logger"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/metrics"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/middleware"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/policy"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/realtime"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/repository"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/service"
	"github.com/pesio-ai/be-ap-withdrawal-approvals/internal/tracing"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "approvals",
		Short:         "Withdrawal approval workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (APPROVALS_* env vars override it)")
	root.AddCommand(serveCmd(), policyCmd(), tokenCmd(), totpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and gRPC servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	return database.New(ctx, database.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		User:        cfg.User,
		Password:    cfg.Password,
		Database:    cfg.Database,
		SSLMode:     cfg.SSLMode,
		MaxConns:    cfg.MaxConns,
		MinConns:    cfg.MinConns,
		MaxConnTime: cfg.MaxConnTime,
		MaxIdleTime: cfg.MaxIdleTime,
		HealthCheck: cfg.HealthCheck,
	})
}

func serve(cfg *config.Config) error {
	log := newLogger(cfg)
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Withdrawal Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.Output)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	readiness := map[string]handler.ReadinessCheck{}

	// Storage
	var (
		workflows   repository.WorkflowRepository
		delegations repository.DelegationRepository
		policies    repository.PolicyStore
	)
	if cfg.Database.Host != "" {
		db, err := connectDatabase(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		workflows = repository.NewPostgresWorkflowRepository(db, repository.NewApprovalAuditRepository(db))
		delegations = repository.NewPostgresDelegationRepository(db)
		policies = repository.NewPolicyRepository(db)
		readiness["database"] = db.Ping
	} else {
		log.Warn().Msg("No database configured, using in-memory storage")
		workflows = repository.NewMemoryWorkflowRepository()
		delegations = repository.NewMemoryDelegationRepository()
	}

	p, err := policy.Load(ctx, cfg.Policy.Source, cfg.Policy.Path, cfg.Policy.Version, policies)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	log.Info().Str("policy_version", p.Version()).Str("source", cfg.Policy.Source).Msg("Approval policy loaded")

	// Messaging
	hub := realtime.NewHub(cfg.Realtime.SendBuffer, log.Named("realtime"))
	defer hub.Close()

	var (
		bridge   *realtime.NATSBridge
		notifier service.Notifier
	)
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()
		bridge = realtime.NewNATSBridge(nc, cfg.NATS.SubjectPrefix, hub, log.Named("nats-bridge"))
		notifier = client.NewNotificationPublisher(nc, cfg.Service.PublicURL, log.Named("notifications"))
		readiness["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("No NATS configured, realtime events stay on this instance and notifications are disabled")
		bridge = realtime.NewNATSBridge(nil, cfg.NATS.SubjectPrefix, hub, log.Named("nats-bridge"))
	}
	if err := bridge.Start(); err != nil {
		return fmt.Errorf("start event bridge: %w", err)
	}
	defer bridge.Stop()

	// View cache
	var viewCache service.ViewCache
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		wc := cache.NewWorkflowCache(rdb, cfg.Redis.TTL, log.Named("cache"))
		go wc.Consume(ctx, hub)
		viewCache = wc
		readiness["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info().Msg("Workflow view cache enabled")
	}

	// Identity and credentials
	credentials := client.NewMethodVerifier().
		Handle(client.NewTOTPVerifier(cfg.Credentials.TOTPSecrets), repository.AuthTwoFactor, repository.AuthHardwareToken)
	var identity service.IdentityClient
	if cfg.Identity.GRPCAddr != "" {
		idc, err := client.NewIdentityGRPCClient(cfg.Identity.GRPCAddr, cfg.Identity.Timeout)
		if err != nil {
			return fmt.Errorf("create identity client: %w", err)
		}
		defer idc.Close()
		identity = idc
		credentials.Handle(idc, repository.AuthPIN, repository.AuthBiometric)
		log.Info().Str("identity_grpc", cfg.Identity.GRPCAddr).Msg("Identity client initialized")
	} else {
		log.Warn().Msg("No identity service configured, PIN and biometric authorization are unavailable")
	}

	// Services
	svc := service.NewApprovalService(p, workflows, delegations, service.Dependencies{
		Identity:    identity,
		Credentials: credentials,
		Events:      bridge,
		Notifier:    notifier,
		Cache:       viewCache,
		Metrics:     m,
	}, log.Named("approvals"))
	hierarchy := service.NewHierarchyCoordinator(svc, delegations)
	bulk := service.NewBulkActionCoordinator(svc, service.BulkConfig{
		Concurrency: cfg.Bulk.Concurrency,
		ItemTimeout: cfg.Bulk.ItemTimeout,
		MaxItems:    cfg.Bulk.MaxItems,
	}, log.Named("bulk"))
	go service.NewSLAMonitor(svc, cfg.SLA.MonitorInterval, log.Named("sla")).Run(ctx)

	// HTTP
	verifier := middleware.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	wsServer := realtime.NewServer(hub, handler.WebsocketAuthenticator(verifier), realtime.ServerConfig{
		PingInterval:   cfg.Realtime.PingInterval,
		PongTimeout:    cfg.Realtime.PongTimeout,
		MaxConnections: cfg.Realtime.MaxConnections,
	}, m, log.Named("websocket"))

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.NewRouter(handler.RouterConfig{
			API:            handler.NewHTTPHandler(svc, hierarchy, bulk, log.Named("http")),
			Verifier:       verifier,
			Realtime:       wsServer,
			Metrics:        m,
			CORSOrigins:    cfg.Server.CORSOrigins,
			RequestTimeout: cfg.Server.RequestTimeout,
			Readiness:      readiness,
			Log:            log,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	// gRPC
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.UnaryLogger(log.Named("grpc")),
		middleware.UnaryAuth(verifier, "/grpc.health.v1.Health/", "/grpc.reflection."),
	))
	handler.NewGRPCHandler(svc, hierarchy, bulk, log.Named("grpc")).Register(grpcServer)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}
	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
			cancel()
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	cancel()

	log.Info().Msg("Server stopped")
	return nil
}
