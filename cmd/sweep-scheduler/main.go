// Package main provides the daily missed-dose sweep scheduler entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-regimen/internal/bootstrap"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/internal/sweep"
	"github.com/drfirst/go-regimen/pkg/workerpool"
)

const serviceName = "sweep-scheduler"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Start(ctx, serviceName)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	logger := rt.Logger
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()
	cfg := rt.Config

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.SweepWorkers
	runner, err := sweep.NewRunner(rt.Service(), poolCfg, logger.Named("sweep"), rt.Metrics)
	if err != nil {
		logger.Error("runner creation failed", zap.Error(err))
		return
	}
	runner.Start()
	defer func() {
		if err := runner.Stop(); err != nil {
			logger.Error("runner stop failed", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !runner.Healthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service": serviceName,
			"cron":    cfg.SweepCron,
			"pool":    runner.Stats(),
		})
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	driver := sweep.NewDriver(runner, cfg.SweepCron, rt.Location, cfg.SweepTimeout, logger.Named("driver"))
	if err := driver.Start(ctx); err != nil {
		logger.Error("sweep scheduler failed", zap.Error(err))
		return
	}

	logger.Info("shutting down")
	driver.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
