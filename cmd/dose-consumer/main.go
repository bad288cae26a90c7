// Package main provides the dose command consumer entry point.
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
	"github.com/drfirst/go-regimen/internal/consumer"
	"github.com/drfirst/go-regimen/internal/infrastructure/redpanda"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/pkg/idempotency"
	"github.com/drfirst/go-regimen/pkg/workerpool"
)

const serviceName = "dose-consumer"

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

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = consumer.IsTerminal
	var inbox idempotency.Processor
	if rt.Pool != nil {
		pgInbox := idempotency.NewInbox(rt.Pool, inboxCfg, logger.Named("inbox"))
		pgInbox.StartCleanup()
		defer pgInbox.Stop()
		inbox = pgInbox
	} else {
		inbox = idempotency.NewMemoryInbox(inboxCfg)
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger.Named("producer"),
		redpanda.WithProducedCounter(rt.Metrics.KafkaMessagesProduced))
	if err != nil {
		logger.Error("producer creation failed", zap.Error(err))
		return
	}
	defer producer.Close()

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.SweepWorkers
	handler, err := consumer.NewDoseCommandHandler(rt.Service(), inbox, producer, poolCfg, logger.Named("doses"), rt.Metrics)
	if err != nil {
		logger.Error("handler creation failed", zap.Error(err))
		return
	}
	handler.Start()
	defer func() {
		if err := handler.Stop(); err != nil {
			logger.Error("handler stop failed", zap.Error(err))
		}
	}()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	commands, err := redpanda.NewConsumer(consumerCfg, handler.HandleBatch, logger.Named("consumer"),
		redpanda.WithConsumedCounter(rt.Metrics.KafkaMessagesConsumed))
	if err != nil {
		logger.Error("consumer creation failed", zap.Error(err))
		return
	}
	commands.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		if err := producer.Ping(hctx); err != nil {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service":     serviceName,
			"consumer":    commands.Stats(),
			"dead_letter": producer.Stats(),
		})
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("dose consumer started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerCfg.GroupID))
	<-ctx.Done()

	logger.Info("shutting down")
	if err := commands.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
