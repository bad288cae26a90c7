// Package main provides the outbox relay service entry point.
// Publishes committed regimen audit events from the outbox table to Redpanda.
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
	"github.com/drfirst/go-regimen/internal/infrastructure/postgres"
	"github.com/drfirst/go-regimen/internal/infrastructure/redpanda"
	"github.com/drfirst/go-regimen/internal/observability/metrics"
	"github.com/drfirst/go-regimen/pkg/circuitbreaker"
)

const (
	serviceName      = "outbox-relay"
	statsInterval    = 15 * time.Second
	processedMaxAge  = 7 * 24 * time.Hour
	cleanupEveryTick = 240 // one hour of stats ticks
)

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
	if rt.Pool == nil {
		logger.Error("the outbox relay needs DATABASE_URL")
		return
	}
	cfg := rt.Config
	m := rt.Metrics

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger.Named("producer"),
		redpanda.WithProducedCounter(m.KafkaMessagesProduced))
	if err != nil {
		logger.Error("producer creation failed", zap.Error(err))
		return
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	breakerCfg := circuitbreaker.DefaultConfig("")
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
	}
	breakers := circuitbreaker.NewManager(breakerCfg, logger.Named("breaker"))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(rt.Pool, redpanda.NewGuardedPublisher(producer, breakers), outboxCfg, logger.Named("outbox"))
	outbox.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		statuses := breakers.HealthStatus()
		status := http.StatusOK
		for _, s := range statuses {
			if s.State == circuitbreaker.StateOpen {
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"service":  serviceName,
			"breakers": statuses,
			"producer": producer.Stats(),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.Ready(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	maintain(ctx, outbox, m, logger)

	logger.Info("shutting down")
	outbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

// maintain publishes the pending gauge, dead-letters exhausted entries and prunes old rows
// until ctx is done.
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if stats, err := outbox.GetStats(ctx); err != nil {
			logger.Warn("outbox stats failed", zap.Error(err))
		} else {
			m.OutboxPending.Set(float64(stats.Pending))
		}
		if moved, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Warn("dead letter move failed", zap.Error(err))
		} else if moved > 0 {
			logger.Warn("outbox entries moved to dead letter", zap.Int64("count", moved))
		}
		if tick%cleanupEveryTick == 0 {
			if n, err := outbox.CleanupProcessed(ctx, processedMaxAge); err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
			} else {
				logger.Info("outbox cleaned", zap.Int64("deleted", n))
			}
		}
	}
}
