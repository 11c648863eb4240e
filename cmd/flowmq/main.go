// Command flowmq runs a FlowMQ relay worker configured from the environment,
// or publishes a one-off message. It is the operational entry point used for
// smoke-testing a broker setup and for draining topics into other topics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowmq/flowmq"
	_ "github.com/flowmq/flowmq/driver/channel"
	_ "github.com/flowmq/flowmq/driver/sarama"
	_ "github.com/flowmq/flowmq/driver/segment"
)

func main() {
	envFile := flag.String("env", ".env", "env file to load before reading the environment")
	workerName := flag.String("worker", "", "start only the named worker instead of all registered workers")
	produceTopic := flag.String("produce", "", "publish one message to the given topic and exit")
	payload := flag.String("payload", "", "payload for -produce (raw JSON)")
	flag.Parse()

	logger := flowmq.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.Error("Failed to load env file", err, flowmq.LogFields{"file": *envFile})
		os.Exit(1)
	}

	cfg := configFromEnv()
	svc, err := flowmq.NewService(&cfg, logger)
	if err != nil {
		logger.Error("Failed to build service", err, nil)
		os.Exit(1)
	}

	if *produceTopic != "" {
		if err := produceOnce(svc, *produceTopic, *payload); err != nil {
			logger.Error("Produce failed", err, flowmq.LogFields{"topic": *produceTopic})
			os.Exit(1)
		}
		return
	}

	if err := registerRelay(svc, logger); err != nil {
		logger.Error("Failed to register relay worker", err, nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var names []string
	if *workerName != "" {
		names = append(names, *workerName)
	}
	if err := svc.Start(ctx, names...); err != nil {
		logger.Error("Failed to start service", err, nil)
		os.Exit(1)
	}

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.Config().ShutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown finished with errors", err, nil)
		os.Exit(1)
	}
}

// produceOnce sends a single confirmed message and prints its receipt.
func produceOnce(svc *flowmq.Service, topic, payload string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	receipt, err := svc.Producer().Send(ctx, topic, []byte(payload), flowmq.WithWait(true))
	if err != nil {
		return err
	}
	fmt.Printf("produced to %s partition=%d offset=%d\n", receipt.Topic, receipt.Partition, receipt.Offset)
	return nil
}

// registerRelay declares the env-configured relay worker: consume
// FLOWMQ_INPUT_TOPIC, forward every payload unchanged to
// FLOWMQ_OUTPUT_TOPIC (when set), dead-letter on repeated failure.
func registerRelay(svc *flowmq.Service, logger flowmq.ServiceLogger) error {
	input := os.Getenv("FLOWMQ_INPUT_TOPIC")
	if input == "" {
		return fmt.Errorf("FLOWMQ_INPUT_TOPIC is required")
	}
	output := os.Getenv("FLOWMQ_OUTPUT_TOPIC")

	name := os.Getenv("FLOWMQ_WORKER_NAME")
	if name == "" {
		name = "relay"
	}

	if err := svc.RegisterTopic(flowmq.TopicConfig{Name: input}); err != nil {
		return err
	}
	if output != "" {
		if err := svc.RegisterTopic(flowmq.TopicConfig{Name: output}); err != nil {
			return err
		}
	}

	relay := func(ctx context.Context, msg *flowmq.Inbound) ([]flowmq.Outbound, error) {
		logger.Debug("Relaying message", flowmq.LogFields{
			"message_id": msg.ID,
			"partition":  msg.Partition,
			"offset":     msg.Offset,
		})
		if output == "" {
			return nil, nil
		}
		return []flowmq.Outbound{{Payload: msg.Raw, Key: msg.Key, Headers: msg.Headers}}, nil
	}

	_, err := svc.RegisterWorker(flowmq.WorkerRegistration{
		Name:        name,
		InputTopic:  input,
		OutputTopic: output,
		Concurrency: envInt("FLOWMQ_CONCURRENCY", 1),
		Handler:     relay,
		Hooks:       flowmq.LoggingHooks(logger),
	})
	return err
}

func configFromEnv() flowmq.Config {
	return flowmq.Config{
		Backend:           os.Getenv("FLOWMQ_BACKEND"),
		Brokers:           envList("FLOWMQ_BROKERS"),
		ClientID:          os.Getenv("FLOWMQ_CLIENT_ID"),
		SecurityProtocol:  os.Getenv("FLOWMQ_SECURITY_PROTOCOL"),
		SASLMechanism:     os.Getenv("FLOWMQ_SASL_MECHANISM"),
		SASLUsername:      os.Getenv("FLOWMQ_SASL_USERNAME"),
		SASLPassword:      os.Getenv("FLOWMQ_SASL_PASSWORD"),
		DefaultWait:       envBool("FLOWMQ_DEFAULT_WAIT", true),
		Compression:       os.Getenv("FLOWMQ_COMPRESSION"),
		BatchLinger:       envDuration("FLOWMQ_BATCH_LINGER", 0),
		BatchSize:         envInt("FLOWMQ_BATCH_SIZE", 0),
		PublishBufferSize: envInt("FLOWMQ_PUBLISH_BUFFER_SIZE", 0),
		AutoOffsetReset:   os.Getenv("FLOWMQ_AUTO_OFFSET_RESET"),
		AutoCommit:        envBool("FLOWMQ_AUTO_COMMIT", false),
		SessionTimeout:    envDuration("FLOWMQ_SESSION_TIMEOUT", 0),
		DLQSuffix:         os.Getenv("FLOWMQ_DLQ_SUFFIX"),
		ShutdownTimeout:   envDuration("FLOWMQ_SHUTDOWN_TIMEOUT", 0),
		MetricsEnabled:    envBool("FLOWMQ_METRICS_ENABLED", false),
		MetricsPort:       envInt("FLOWMQ_METRICS_PORT", 0),
	}
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
