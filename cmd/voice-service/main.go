// main package for the voice-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/api"
	"github.com/book-expert/voice-service/internal/bootstrap"
	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/objectstore"
	"github.com/book-expert/voice-service/internal/pipeline"
	"github.com/book-expert/voice-service/internal/telemetry"
	"github.com/book-expert/voice-service/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	bootstrapLogName = "voice-service-bootstrap.log"
	serviceLogName   = "voice-service.log"
	shutdownTimeout  = 15 * time.Second
)

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := bootstrap.NewLogger(os.TempDir(), bootstrapLogName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := bootstrap.NewLogger(cfg.Paths.BaseLogsDir, serviceLogName)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics, err := telemetry.New(cfg.Server.ServiceName)
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = metrics.Shutdown(shutdownCtx)
	}()

	stack, err := bootstrap.Build(ctx, cfg, log, bootstrap.Options{WithHistory: true, Recorder: metrics})
	if err != nil {
		return err
	}

	defer func() {
		closeErr := stack.Close()
		if closeErr != nil {
			log.Warn("Failed to close history store: %v", closeErr)
		}
	}()

	server := api.NewServer(api.Options{
		Generator: stack.Pipeline,
		Registry:  stack.History,
		Health:    stack.Health,
		Metrics:   metrics.Handler(),
		Log:       log,
		VoicesDir: cfg.Paths.VoicesDir,
		TempDir:   cfg.Paths.TempDir,
		ListLimit: cfg.History.ListLimit,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           server.Routes(),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)

	go func() {
		log.System("voice-service listening on %s (inference backend: %s)", cfg.Server.ListenAddress, cfg.Inference.Backend)

		listenErr := httpServer.ListenAndServe()
		if !errors.Is(listenErr, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", listenErr)
		}
	}()

	stopWorker := func() {}

	if cfg.NATS.Enabled {
		stopWorker, err = startWorker(ctx, cfg, stack.Pipeline, log, errChan)
		if err != nil {
			shutdownHTTP(httpServer, log)

			return err
		}
	}

	select {
	case <-ctx.Done():
		log.System("Shutdown requested.")
	case err = <-errChan:
		log.Error("Service failed: %v", err)
	}

	cancel()
	shutdownHTTP(httpServer, log)
	stopWorker()

	return err
}

func shutdownHTTP(httpServer *http.Server, log *logger.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		log.Warn("HTTP shutdown failed: %v", shutdownErr)
	}
}

// startWorker connects to NATS and runs the synthesis job worker until ctx
// ends. The returned stop function waits for the subscription to drain and
// then closes the connection; call it after cancelling ctx.
func startWorker(
	ctx context.Context,
	cfg *config.Config,
	generator *pipeline.Service,
	log *logger.Logger,
	errChan chan<- error,
) (func(), error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	textBucket, err := objectstore.Open(jetstreamContext, cfg.NATS.TextObjectStoreBucket, "text")
	if err != nil {
		natsConnection.Close()

		return nil, err
	}

	audioBucket, err := objectstore.Open(jetstreamContext, cfg.NATS.AudioObjectStoreBucket, "audio")
	if err != nil {
		natsConnection.Close()

		return nil, err
	}

	jobWorker, err := worker.New(
		natsConnection,
		cfg.NATS.SynthesisSubject,
		worker.Stores{Text: textBucket, Audio: audioBucket},
		generator,
		cfg.JobTimeout(),
		log,
	)
	if err != nil {
		natsConnection.Close()

		return nil, err
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		log.System("Listening for synthesis jobs on subject: %s", cfg.NATS.SynthesisSubject)

		runErr := jobWorker.Run(ctx)
		if runErr != nil {
			errChan <- runErr
		}
	}()

	stop := func() {
		<-done
		natsConnection.Close()
	}

	return stop, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
