package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"StabilityPool/internal/ingestion"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/persistence"
	"StabilityPool/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// serviceNames are the health check keys; "" is the whole server.
var serviceNames = []string{"", QueryServiceName, IngestServiceName, AdminServiceName}

// GRPCServer serves the query, ingest and admin services over gRPC, and
// over HTTP/JSON through a gateway mux next to the health and metrics
// endpoints.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	gateway       *runtime.ServeMux
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	gatherer      prometheus.Gatherer
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
// DB, SnapshotMgr and Snapshotter may be nil.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	Snapshotter   Snapshotter
	HealthChecker *observability.HealthChecker
	// AdminToken is the bearer token AdminService calls must carry.
	// Empty disables the service.
	AdminToken string
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	logger := deps.Logger.With().Str("component", "server").Logger()
	interceptor := chainUnary(loggingInterceptor(logger), adminAuthInterceptor(deps.AdminToken))
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(interceptor))

	services := []poolService{
		(&queryServer{qs: deps.QueryService}).service(),
		(&ingestServer{svc: deps.IngestService}).service(),
		(&adminServer{deps: deps, logger: logger}).service(),
	}
	for _, svc := range services {
		grpcServer.RegisterService(svc.desc(), struct{}{})
	}
	gateway, err := newGatewayMux(services, interceptor)
	if err != nil {
		// Routes are constants; a bad one is a programming error.
		panic(err)
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	for _, name := range serviceNames {
		healthServer.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	// Lists services for grpcurl; the pool services carry no descriptors.
	reflection.Register(grpcServer)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		gateway:       gateway,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		gatherer:      gatherer,
		logger:        logger,
	}
}

// SetServing flips the gRPC health status together with readiness.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	for _, name := range serviceNames {
		s.healthServer.SetServingStatus(name, st)
	}
	if s.healthChecker != nil {
		s.healthChecker.SetReady(serving)
	}
}

// Serve serves gRPC on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// HTTPHandler serves /healthz, /readyz and /metrics, and the pool services
// under /v1 through the gateway.
func (s *GRPCServer) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", s.gateway)
	return mux
}

// StartHTTP starts the HTTP gateway listener (blocking).
func (s *GRPCServer) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn()
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("took", time.Since(start)).
			Err(err).
			Msg("rpc")
		return resp, err
	}
}
