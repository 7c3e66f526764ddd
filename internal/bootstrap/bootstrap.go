// Package bootstrap assembles the generation stack from configuration. It is
// shared by the HTTP service and the command line client.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/history"
	"github.com/book-expert/voice-service/internal/markup"
	"github.com/book-expert/voice-service/internal/pipeline"
	"github.com/book-expert/voice-service/internal/speed"
	"github.com/book-expert/voice-service/internal/synth"
)

// HealthChecker probes a remote backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options selects the optional parts of the stack.
type Options struct {
	// WithHistory opens the SQLite history store.
	WithHistory bool
	// Recorder receives outcome counts; nil discards them.
	Recorder core.Recorder
}

// Stack is a ready generation pipeline and the resources behind it.
type Stack struct {
	Pipeline *pipeline.Service
	Backend  core.SegmentSynthesizer
	// Health is nil when the backend cannot be probed.
	Health HealthChecker
	// History is nil unless Options.WithHistory was set.
	History *history.Store
}

// NewLogger creates a logger writing fileName under dir.
func NewLogger(dir, fileName string) (*logger.Logger, error) {
	log, err := logger.New(dir, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// Backend creates the configured inference backend.
func Backend(cfg *config.Config, log *logger.Logger) (core.SegmentSynthesizer, error) {
	switch cfg.Inference.Backend {
	case config.BackendCLI:
		runner, err := synth.NewCLIRunner(cfg.Inference.Command, cfg.Paths.TempDir, log)
		if err != nil {
			return nil, err
		}

		return runner, nil
	case config.BackendHTTP:
		return synth.NewHTTPClient(cfg.Inference.BaseURL, cfg.InferenceTimeout()), nil
	default:
		return nil, fmt.Errorf("%w: unknown inference backend %q", config.ErrInvalidConfig, cfg.Inference.Backend)
	}
}

// Build wires backend, segmenter, speed adjuster and pipeline.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*Stack, error) {
	backend, err := Backend(cfg, log)
	if err != nil {
		return nil, err
	}

	segmenter, err := markup.NewSegmenter(backend, markup.Config{
		Format:  cfg.WorkingFormat(),
		TempDir: cfg.Paths.TempDir,
	}, log, opts.Recorder)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	stack := &Stack{Backend: backend}

	if checker, ok := backend.(HealthChecker); ok {
		stack.Health = checker
	}

	var store pipeline.HistoryStore

	if opts.WithHistory {
		stack.History, err = history.Open(ctx, cfg.History.Path)
		if err != nil {
			return nil, err
		}

		store = stack.History
	}

	stack.Pipeline, err = pipeline.New(segmenter, speed.New(nil, log, opts.Recorder), store, opts.Recorder, log, pipeline.Options{
		OutputDir:              cfg.Paths.OutputDir,
		DefaultSpeedPercentage: cfg.Audio.DefaultSpeedPercentage,
		RequireRefAudio:        cfg.Inference.Backend == config.BackendCLI,
	})
	if err != nil {
		return nil, errors.Join(err, stack.Close())
	}

	return stack, nil
}

// Close releases the history store.
func (s *Stack) Close() error {
	if s.History == nil {
		return nil
	}

	return s.History.Close()
}
