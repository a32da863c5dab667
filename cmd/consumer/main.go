// The consumer turns the ride-events topic into the durable audit
// trail. It is the only writer of the ride_events table; the API
// process never blocks on audit persistence.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/jetci/EMS-sub006/internal/config"
	"github.com/jetci/EMS-sub006/internal/logging"
	"github.com/jetci/EMS-sub006/internal/models"
	"github.com/jetci/EMS-sub006/internal/retry"
	"github.com/jetci/EMS-sub006/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_consumed_total",
		Help: "Total transition events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_invalid_total",
		Help: "Total undecodable messages received",
	})
	auditInserts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_inserts_total",
		Help: "Total ride_events rows written",
	})
	auditErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_insert_errors_total",
		Help: "Total ride_events writes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, auditInserts, auditErrors)
}

// EventSink is the subset of storage the consumer needs, kept small so
// tests can fake it.
type EventSink interface {
	InsertRideEvent(ctx context.Context, ev models.TransitionEvent) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger("audit-consumer", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	policy := retry.Policy{Attempts: 3, Delay: 200 * time.Millisecond}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.TransitionEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		if err := persistEvent(ctx, store, ev, policy); err != nil {
			auditErrors.Inc()
			logger.Error("audit insert failed", "ride_id", ev.RideID, "error", err)
			continue
		}
		auditInserts.Inc()
	}
}

// persistEvent writes one audit row under the shared bounded-retry
// policy. Insert errors are treated as transient (connection blips,
// failovers); the policy caps how long one message can stall the group.
func persistEvent(ctx context.Context, sink EventSink, ev models.TransitionEvent, policy retry.Policy) error {
	var lastErr error
	err := policy.Do(ctx, func() (bool, error) {
		if err := sink.InsertRideEvent(ctx, ev); err != nil {
			lastErr = err
			return true, nil
		}
		return false, nil
	})
	if errors.Is(err, retry.ErrExhausted) && lastErr != nil {
		return lastErr
	}
	return err
}
