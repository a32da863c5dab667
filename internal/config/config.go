package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN string

	KafkaBrokers []string
	KafkaTopic   string

	RedisAddr     string
	RedisPassword string
	RedisChannel  string
	InstanceID    string

	AssignWindow      time.Duration
	AssignMaxAttempts int
	APIWindow         time.Duration
	APIMaxAttempts    int
	UploadWindow      time.Duration
	UploadMaxAttempts int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		KafkaTopic:      "ride-events",
		RedisChannel:    "ride-events",
		// guard classes mirror the dispatch console's abuse profile:
		// assignment clicks are bursty, uploads are the strictest
		AssignWindow:      time.Minute,
		AssignMaxAttempts: 10,
		APIWindow:         time.Minute,
		APIMaxAttempts:    100,
		UploadWindow:      5 * time.Minute,
		UploadMaxAttempts: 20,
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannel, "REDIS_CHANNEL")
	setStringFromEnv(&cfg.InstanceID, "INSTANCE_ID")
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host
	}

	setDurationFromEnv(&cfg.AssignWindow, "GUARD_ASSIGN_WINDOW", &errs)
	setIntFromEnv(&cfg.AssignMaxAttempts, "GUARD_ASSIGN_MAX", &errs)
	setDurationFromEnv(&cfg.APIWindow, "GUARD_API_WINDOW", &errs)
	setIntFromEnv(&cfg.APIMaxAttempts, "GUARD_API_MAX", &errs)
	setDurationFromEnv(&cfg.UploadWindow, "GUARD_UPLOAD_WINDOW", &errs)
	setIntFromEnv(&cfg.UploadMaxAttempts, "GUARD_UPLOAD_MAX", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.AssignMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("GUARD_ASSIGN_MAX must be > 0"))
	}
	if cfg.APIMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("GUARD_API_MAX must be > 0"))
	}
	if cfg.UploadMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("GUARD_UPLOAD_MAX must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the environment surface of the audit consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	PGDSN        string
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr: ":2112",
		KafkaTopic:  "ride-events",
		KafkaGroup:  "ride-events-audit",
		LogLevel:    "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	} else {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required for the audit consumer"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
