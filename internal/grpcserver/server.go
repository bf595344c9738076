// Package grpcserver publishes dependency health over the standard
// grpc.health.v1 service.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall "" status.
const ServiceName = "doodletales.Creations"

const (
	defaultCheckInterval = 15 * time.Second
	defaultCheckTimeout  = 3 * time.Second
)

// CheckFunc reports whether one dependency is usable.
type CheckFunc func(ctx context.Context) error

// Check names a CheckFunc for logging.
type Check struct {
	Name string
	Run  CheckFunc
}

// PingerContext is satisfied by *pgxpool.Pool.
type PingerContext interface {
	Ping(ctx context.Context) error
}

// PingCheck wraps a pool whose Ping takes a context.
func PingCheck(name string, pinger PingerContext) Check {
	return Check{Name: name, Run: pinger.Ping}
}

// HealthOption customizes a HealthServer.
type HealthOption func(*HealthServer)

// WithInterval sets how often checks run.
func WithInterval(interval time.Duration) HealthOption {
	return func(server *HealthServer) {
		if interval > 0 {
			server.interval = interval
		}
	}
}

// WithCheckTimeout bounds each check.
func WithCheckTimeout(timeout time.Duration) HealthOption {
	return func(server *HealthServer) {
		if timeout > 0 {
			server.timeout = timeout
		}
	}
}

// WithLogger sets the logger used for status changes.
func WithLogger(logger *zap.Logger) HealthOption {
	return func(server *HealthServer) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// HealthServer runs dependency checks and reflects them in a grpc health server.
type HealthServer struct {
	health   *health.Server
	checks   []Check
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	serving  bool
}

// NewHealthServer starts NOT_SERVING until the first round of checks passes.
func NewHealthServer(checks []Check, options ...HealthOption) *HealthServer {
	server := &HealthServer{
		health:   health.NewServer(),
		checks:   checks,
		interval: defaultCheckInterval,
		timeout:  defaultCheckTimeout,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	server.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return server
}

// NewServer returns a grpc.Server with the health service registered.
func NewServer(healthServer *HealthServer, options ...grpc.ServerOption) *grpc.Server {
	grpcServer := grpc.NewServer(options...)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer.health)
	return grpcServer
}

// CheckNow runs every check once and publishes the result.
func (server *HealthServer) CheckNow(ctx context.Context) error {
	var failures []error
	for _, check := range server.checks {
		checkCtx, cancel := context.WithTimeout(ctx, server.timeout)
		err := check.Run(checkCtx)
		cancel()
		if err != nil {
			server.logger.Warn("health check failed", zap.String("check", check.Name), zap.Error(err))
			failures = append(failures, err)
		}
	}
	err := errors.Join(failures...)
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err != nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	if serving := err == nil; serving != server.serving {
		server.logger.Info("health status changed", zap.String("status", status.String()))
		server.serving = serving
	}
	server.setStatus(status)
	return err
}

// Run checks on every interval until ctx ends, then marks the service as shutting down.
func (server *HealthServer) Run(ctx context.Context) {
	_ = server.CheckNow(ctx)
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			server.health.Shutdown()
			return
		case <-ticker.C:
			_ = server.CheckNow(ctx)
		}
	}
}

func (server *HealthServer) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
}
