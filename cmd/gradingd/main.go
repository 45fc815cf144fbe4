package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/gradeflow/internal/app"
	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/server"
)

func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		app.NewLogger("info").Error("failed to load configuration", "error", err)
		os.Exit(2)
	}
	logger := app.NewLogger(cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.Build(ctx, cfg, reg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	health := func(ctx context.Context) error { return a.Backend.Ping(ctx, 2*time.Second) }
	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: server.NewRouter(server.RouterConfig{
			Coordinator: a.Coordinator,
			Ingestor:    a.Ingestor,
			Rubrics:     a.Rubrics,
			Exporter:    a.Exporter,
			Recorder:    a.Recorder,
			Gatherer:    reg,
			Health:      health,
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		a.Close(context.Background())
		os.Exit(1)
	}
	grpcSrv, healthSrv := server.NewGRPCServer(logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gradingd http listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("gradingd grpc listening", "addr", cfg.Server.GRPCAddr)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		server.WatchHealth(gctx, healthSrv, health, cfg.Server.HealthInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("gradingd shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		grpcSrv.GracefulStop()
		a.Close(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("gradingd stopped with error", "error", err)
		os.Exit(1)
	}
}
