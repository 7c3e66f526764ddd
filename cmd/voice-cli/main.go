// Command voice-cli renders text with break directives into a WAV file using
// the configured inference backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/bootstrap"
	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/pipeline"
)

// Flag descriptions.
const (
	flagTextDesc     = `Text to convert to speech; may contain <break time="1s"/> directives`
	flagOutputDesc   = "Output file path (.wav); defaults to the configured output directory"
	flagRefAudioDesc = "Reference audio clip of the voice to clone"
	flagRefTextDesc  = "Transcript of the reference audio clip"
	flagVoiceDesc    = "Registered voice code (requires the history database)"
	flagSpeedDesc    = "Speed percentage, 100 is normal; negative uses the configured default"
	flagConfigDesc   = "Path to a local TOML configuration file instead of the central configurator"
	flagHealthDesc   = "Check inference backend health and exit"
)

// Flag names.
const (
	flagText     = "text"
	flagOutput   = "output"
	flagRefAudio = "ref-audio"
	flagRefText  = "ref-text"
	flagVoice    = "voice"
	flagSpeed    = "speed"
	flagConfig   = "config"
	flagHealth   = "health"
)

const (
	logFileName        = "voice-cli.log"
	healthCheckTimeout = 10 * time.Second
	outputPerms        = 0o600
)

const (
	msgServiceHealthy    = "Inference backend is healthy"
	msgServiceNotHealthy = "Inference backend is not healthy: %v\n"
	msgGenerated         = "Generated: %s (%s, %s at %d%% speed)\n"
	errFmtGenerate       = "failed to generate speech: %w"
)

var (
	errTextRequired      = errors.New("--text must be provided")
	errHealthUnsupported = errors.New("the configured inference backend has no health endpoint")
	errRefTextRequired   = errors.New("--ref-text is required with --ref-audio")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text     string
	output   string
	refAudio string
	refText  string
	voice    string
	config   string
	speed    int
	health   bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	cfg, log, err := setup(flags.config)
	if err != nil {
		return err
	}

	defer func() { _ = log.Close() }()

	ctx := context.Background()

	stack, err := bootstrap.Build(ctx, cfg, log, bootstrap.Options{WithHistory: flags.voice != ""})
	if err != nil {
		return err
	}

	defer func() { _ = stack.Close() }()

	if flags.health {
		return checkHealth(ctx, stack.Health, log, stdout)
	}

	return generate(ctx, stack.Pipeline, log, flags, stdout)
}

// parseFlags parses args into appFlags.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("voice-cli", flag.ContinueOnError)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.refAudio, flagRefAudio, "", flagRefAudioDesc)
	flagSet.StringVar(&flags.refText, flagRefText, "", flagRefTextDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.IntVar(&flags.speed, flagSpeed, -1, flagSpeedDesc)
	flagSet.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, err
	}

	return flags, nil
}

func validateFlags(flags appFlags) error {
	if flags.health {
		return nil
	}

	if flags.text == "" {
		return errTextRequired
	}

	if flags.refAudio != "" && flags.refText == "" && flags.voice == "" {
		return errRefTextRequired
	}

	return nil
}

// setup loads configuration and creates the client logger.
func setup(configPath string) (*config.Config, *logger.Logger, error) {
	var (
		cfg *config.Config
		err error
	)

	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = loadCentral()
	}

	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := bootstrap.NewLogger(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, nil, err
	}

	return cfg, log, nil
}

func loadCentral() (*config.Config, error) {
	bootstrapLog, err := bootstrap.NewLogger(os.TempDir(), logFileName)
	if err != nil {
		return nil, err
	}

	defer func() { _ = bootstrapLog.Close() }()

	return config.Load(bootstrapLog)
}

// checkHealth probes the backend and prints the result.
func checkHealth(ctx context.Context, checker bootstrap.HealthChecker, log *logger.Logger, stdout io.Writer) error {
	if checker == nil {
		return errHealthUnsupported
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	err := checker.HealthCheck(ctx)
	if err != nil {
		log.Error("Health check failed: %v", err)
		fmt.Fprintf(stdout, msgServiceNotHealthy, err)

		return err
	}

	fmt.Fprintln(stdout, msgServiceHealthy)

	return nil
}

type generator interface {
	Generate(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// generate renders the text and copies the result to --output when given.
func generate(ctx context.Context, gen generator, log *logger.Logger, flags appFlags, stdout io.Writer) error {
	started := time.Now()

	result, err := gen.Generate(ctx, pipeline.Request{
		Text:            flags.text,
		VoiceCode:       flags.voice,
		RefAudioPath:    flags.refAudio,
		RefText:         flags.refText,
		SpeedPercentage: flags.speed,
	})
	if err != nil {
		log.Error("Failed to generate speech: %v", err)

		return fmt.Errorf(errFmtGenerate, err)
	}

	outputPath := result.AudioPath

	if flags.output != "" {
		dirErr := fsutil.EnsureDir(filepath.Dir(flags.output))
		if dirErr != nil {
			return dirErr
		}

		writeErr := os.WriteFile(flags.output, result.Audio, outputPerms)
		if writeErr != nil {
			return fmt.Errorf("failed to write %s: %w", flags.output, writeErr)
		}

		outputPath = flags.output
	}

	log.Info("Generated %s in %s", outputPath, fsutil.FormatDuration(time.Since(started)))
	fmt.Fprintf(stdout, msgGenerated,
		outputPath,
		fsutil.FormatFileSize(int64(len(result.Audio))),
		fsutil.FormatDuration(result.Duration),
		result.SpeedPercentage,
	)

	return nil
}
