// Geist relay server: streams orchestrator turns to web and mobile clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/geistlabs/geistai-sub001/internal/api"
	"github.com/geistlabs/geistai-sub001/internal/chat"
	"github.com/geistlabs/geistai-sub001/internal/config"
	"github.com/geistlabs/geistai-sub001/internal/healthcheck"
	"github.com/geistlabs/geistai-sub001/internal/links"
	"github.com/geistlabs/geistai-sub001/internal/negotiation"
	"github.com/geistlabs/geistai-sub001/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	plans := negotiation.DefaultPlans()
	if cfg.Pricing.PlansFile != "" {
		if plans, err = negotiation.LoadPlans(cfg.Pricing.PlansFile); err != nil {
			return fmt.Errorf("load pricing plans: %w", err)
		}
	}
	slog.Info("Pricing catalogue loaded", "plans", len(plans), "specialist", cfg.Pricing.Specialist)

	transport := chat.NewHTTPTransport(chat.HTTPTransportConfig{
		BaseURL:        cfg.Orchestrator.URL,
		StreamPath:     cfg.Orchestrator.StreamPath,
		IdentityHeader: cfg.Orchestrator.IdentityHeader,
		ConnectTimeout: cfg.Orchestrator.ConnectTimeout,
	}, logger)

	managerCfg := chat.ManagerConfig{
		Transport:        transport,
		IdleTimeout:      cfg.Orchestrator.IdleTimeout,
		Links:            links.New(cfg.FaviconCacheSize, logger),
		Negotiation:      negotiation.NewParser(cfg.Pricing.Specialist, plans, logger),
		Store:            repo,
		History:          repo,
		MaxConversations: cfg.MaxLiveConversations,
		Logger:           logger,
	}
	if cfg.IndexingEnabled {
		managerCfg.Indexer = repo
	}
	conversations := chat.NewManager(managerCfg)
	defer conversations.Close()

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()

	base := api.NewHandler(conversations, repo, plans, cfg, logger)

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(base, limiter),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	reporter := healthcheck.NewReporter(repo, 0, logger)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, reporter.Server())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		slog.Info("gRPC health listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reporter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// Wait for shutdown signal or a failed server.
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		// Cancel in-flight turns so their SSE handlers return.
		conversations.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
