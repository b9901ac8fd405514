// Package healthcheck publishes store health on the standard gRPC health service.
package healthcheck

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the relay.
const ServiceName = "geist.relay"

const (
	defaultInterval = 15 * time.Second
	pingTimeout     = 5 * time.Second
)

// Pinger is implemented by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reporter periodically pings the store and flips the serving status.
type Reporter struct {
	server   *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *slog.Logger
}

// NewReporter creates a Reporter. interval <= 0 uses 15s.
func NewReporter(pinger Pinger, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		server:   health.NewServer(),
		pinger:   pinger,
		interval: interval,
		logger:   logger,
	}
}

// Server returns the health server to register on a grpc.Server.
func (r *Reporter) Server() *health.Server {
	return r.server
}

// Check pings once and updates the status of both the overall server and
// ServiceName.
func (r *Reporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := r.pinger.Ping(ctx); err != nil {
		r.logger.Warn("Store health check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
	return status
}

// Run checks on every tick until ctx is done, then marks everything as not serving.
func (r *Reporter) Run(ctx context.Context) {
	r.Check(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}
