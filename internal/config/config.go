// Package config provides the configuration structure for the voice-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/pelletier/go-toml/v2"
)

// Inference backends.
const (
	BackendHTTP = "http"
	BackendCLI  = "cli"
)

// Defaults applied by ApplyDefaults.
const (
	defaultListenAddress      = ":8080"
	defaultReadTimeoutSecs    = 30
	defaultWriteTimeoutSecs   = 300
	defaultInferenceURL       = "http://127.0.0.1:7860"
	defaultInferenceTimeout   = 300
	defaultSpeedPercentage    = 100
	defaultHistoryPath        = "data/voice-history.db"
	defaultHistoryListLimit   = 50
	defaultLogsDir            = "logs"
	defaultVoicesDir          = "voices"
	defaultOutputDir          = "output"
	defaultSynthesisSubject   = "voice.synthesis.requested"
	defaultAudioBucket        = "AUDIO_FILES"
	defaultTextBucket         = "TEXT_FILES"
	defaultJobTimeoutSecs     = 600
	defaultServiceName        = "voice-service"
	maxSpeedPercentage        = 200
	errFmtUnsupportedBackend  = "%w: inference backend must be %q or %q, got %q"
	errFmtSpeedOutOfRange     = "%w: default speed percentage must be between 0 and %d, got %d"
	errFmtNonPositiveDuration = "%w: %s must be positive, got %d"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	ListenAddress       string `toml:"listen_address"`
	ReadTimeoutSeconds  int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	ServiceName         string `toml:"service_name"`
}

// NATSConfig holds the optional job worker settings.
type NATSConfig struct {
	Enabled                bool   `toml:"enabled"`
	URL                    string `toml:"url"`
	SynthesisSubject       string `toml:"synthesis_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	TextObjectStoreBucket  string `toml:"text_object_store_bucket"`
	JobTimeoutSeconds      int    `toml:"job_timeout_seconds"`
}

// InferenceConfig selects and configures the F5-TTS backend.
type InferenceConfig struct {
	Backend        string `toml:"backend"`
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Command        string `toml:"command"`
}

// AudioConfig holds the working format and default speed.
type AudioConfig struct {
	SampleRate             int `toml:"sample_rate"`
	Channels               int `toml:"channels"`
	BitDepth               int `toml:"bit_depth"`
	DefaultSpeedPercentage int `toml:"default_speed_percentage"`
}

// HistoryConfig holds the SQLite history settings.
type HistoryConfig struct {
	Path      string `toml:"path"`
	ListLimit int    `toml:"list_limit"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	VoicesDir   string `toml:"voices_dir"`
	OutputDir   string `toml:"output_dir"`
	TempDir     string `toml:"temp_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	NATS      NATSConfig      `toml:"nats"`
	Inference InferenceConfig `toml:"inference"`
	Audio     AudioConfig     `toml:"audio"`
	History   HistoryConfig   `toml:"history"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the voice-service, fills defaults and
// validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validationErr := cfg.Validate()
	if validationErr != nil {
		return nil, validationErr
	}

	return &cfg, nil
}

// LoadFile reads a local TOML file instead of the central configurator,
// then fills defaults and validates like Load.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var cfg Config

	decodeErr := toml.Unmarshal(data, &cfg)
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, decodeErr)
	}

	cfg.ApplyDefaults()

	validationErr := cfg.Validate()
	if validationErr != nil {
		return nil, validationErr
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.ListenAddress, defaultListenAddress)
	setInt(&c.Server.ReadTimeoutSeconds, defaultReadTimeoutSecs)
	setInt(&c.Server.WriteTimeoutSeconds, defaultWriteTimeoutSecs)
	setString(&c.Server.ServiceName, defaultServiceName)

	setString(&c.NATS.SynthesisSubject, defaultSynthesisSubject)
	setString(&c.NATS.AudioObjectStoreBucket, defaultAudioBucket)
	setString(&c.NATS.TextObjectStoreBucket, defaultTextBucket)
	setInt(&c.NATS.JobTimeoutSeconds, defaultJobTimeoutSecs)

	c.Inference.Backend = strings.ToLower(strings.TrimSpace(c.Inference.Backend))
	setString(&c.Inference.Backend, BackendHTTP)
	setString(&c.Inference.BaseURL, defaultInferenceURL)
	setInt(&c.Inference.TimeoutSeconds, defaultInferenceTimeout)

	setInt(&c.Audio.SampleRate, audio.DefaultSampleRate)
	setInt(&c.Audio.Channels, audio.DefaultChannels)
	setInt(&c.Audio.BitDepth, audio.DefaultBitDepth)
	setInt(&c.Audio.DefaultSpeedPercentage, defaultSpeedPercentage)

	setString(&c.History.Path, defaultHistoryPath)
	setInt(&c.History.ListLimit, defaultHistoryListLimit)

	setString(&c.Paths.BaseLogsDir, defaultLogsDir)
	setString(&c.Paths.VoicesDir, defaultVoicesDir)
	setString(&c.Paths.OutputDir, defaultOutputDir)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Inference.Backend != BackendHTTP && c.Inference.Backend != BackendCLI {
		return fmt.Errorf(errFmtUnsupportedBackend, ErrInvalidConfig, BackendHTTP, BackendCLI, c.Inference.Backend)
	}

	formatErr := c.WorkingFormat().Validate()
	if formatErr != nil {
		return fmt.Errorf("%w: [audio]: %w", ErrInvalidConfig, formatErr)
	}

	if c.Audio.DefaultSpeedPercentage < 0 || c.Audio.DefaultSpeedPercentage > maxSpeedPercentage {
		return fmt.Errorf(errFmtSpeedOutOfRange, ErrInvalidConfig, maxSpeedPercentage, c.Audio.DefaultSpeedPercentage)
	}

	durations := []struct {
		name  string
		value int
	}{
		{name: "server.read_timeout_seconds", value: c.Server.ReadTimeoutSeconds},
		{name: "server.write_timeout_seconds", value: c.Server.WriteTimeoutSeconds},
		{name: "inference.timeout_seconds", value: c.Inference.TimeoutSeconds},
		{name: "nats.job_timeout_seconds", value: c.NATS.JobTimeoutSeconds},
	}

	for _, duration := range durations {
		if duration.value <= 0 {
			return fmt.Errorf(errFmtNonPositiveDuration, ErrInvalidConfig, duration.name, duration.value)
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("%w: nats.url is required when nats.enabled is true", ErrInvalidConfig)
	}

	return nil
}

// WorkingFormat returns the format segments are concatenated in.
func (c *Config) WorkingFormat() audio.Format {
	return audio.Format{
		SampleRate: c.Audio.SampleRate,
		Channels:   c.Audio.Channels,
		BitDepth:   c.Audio.BitDepth,
	}
}

// InferenceTimeout returns the per-request inference timeout.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.TimeoutSeconds) * time.Second
}

// JobTimeout returns the per-job NATS worker timeout.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.NATS.JobTimeoutSeconds) * time.Second
}

func setString(target *string, fallback string) {
	if strings.TrimSpace(*target) == "" {
		*target = fallback
	}
}

func setInt(target *int, fallback int) {
	if *target == 0 {
		*target = fallback
	}
}
