// Package pipeline runs one voice generation end to end: voice lookup,
// history bookkeeping, segmented synthesis, speed adjustment and output.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/history"
	"github.com/book-expert/voice-service/internal/markup"
	"github.com/book-expert/voice-service/internal/speed"
	"github.com/google/uuid"
)

const (
	defaultVoiceName = "default"
	outputExtension  = ".wav"
	outputPerms      = 0o600
	percentDivisor   = 100.0
)

const (
	logFmtGenerationFailed = "Generation %d failed: %v"
	logFmtHistoryUpdate    = "Failed to update generation %d: %v"
	logFmtGenerated        = "Generation %d completed: %s at %d%% speed -> %s"
	logFmtForwardVoice     = "Voice %s is not registered locally, forwarding it to the backend"
)

var (
	// ErrEmptyText is returned when the request has nothing to say.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrUnknownVoice is returned when a voice code is not registered and the
	// backend cannot render without a reference clip.
	ErrUnknownVoice = errors.New("unknown voice")
	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("missing pipeline dependency")
)

// Synthesizer renders a script that may contain break directives.
type Synthesizer interface {
	SynthesizeWithPauses(ctx context.Context, script string, ref markup.Reference) ([]byte, error)
}

// SpeedAdjuster changes the speed of WAV bytes without failing.
type SpeedAdjuster interface {
	AdjustSpeedPercentage(audioData []byte, percentage int) []byte
}

// HistoryStore records generations and resolves registered voices.
type HistoryStore interface {
	CreateGeneration(ctx context.Context, text, voiceName string, speed float64) (int64, error)
	CompleteGeneration(ctx context.Context, id int64, audioPath string) error
	FailGeneration(ctx context.Context, id int64) error
	GetVoice(ctx context.Context, code string) (history.Voice, error)
}

// Request describes one generation.
type Request struct {
	Text string
	// VoiceCode selects a registered voice; RefAudioPath and RefText then
	// default to the registered values. Unregistered codes are passed to the
	// backend as the voice name.
	VoiceCode    string
	RefAudioPath string
	RefText      string
	// SpeedPercentage is the target speed (100 = normal). Negative values
	// select the configured default.
	SpeedPercentage int
}

// Result describes a finished generation.
type Result struct {
	GenerationID    int64
	AudioPath       string
	Audio           []byte
	Duration        time.Duration
	SpeedPercentage int
}

// Options configures a Service.
type Options struct {
	OutputDir              string
	DefaultSpeedPercentage int
	// RequireRefAudio rejects unregistered voice codes that come without a
	// reference clip. Set it for backends that cannot resolve voices themselves.
	RequireRefAudio bool
}

// Service runs generations.
type Service struct {
	synthesizer     Synthesizer
	adjuster        SpeedAdjuster
	history         HistoryStore
	recorder        core.Recorder
	log             *logger.Logger
	outputDir       string
	defaultSpeed    int
	requireRefAudio bool
}

// New creates a Service. history may be nil, in which case nothing is
// recorded and every voice code is forwarded to the backend.
func New(
	synthesizer Synthesizer,
	adjuster SpeedAdjuster,
	store HistoryStore,
	recorder core.Recorder,
	log *logger.Logger,
	opts Options,
) (*Service, error) {
	if synthesizer == nil || adjuster == nil {
		return nil, fmt.Errorf("%w: synthesizer and speed adjuster are required", ErrMissingDependency)
	}

	dirErr := fsutil.EnsureDir(opts.OutputDir)
	if dirErr != nil {
		return nil, dirErr
	}

	if recorder == nil {
		recorder = core.NopRecorder{}
	}

	defaultSpeed := opts.DefaultSpeedPercentage
	if defaultSpeed <= 0 {
		defaultSpeed = speed.NormalPercentage
	}

	return &Service{
		synthesizer:     synthesizer,
		adjuster:        adjuster,
		history:         store,
		recorder:        recorder,
		log:             log,
		outputDir:       opts.OutputDir,
		defaultSpeed:    defaultSpeed,
		requireRefAudio: opts.RequireRefAudio,
	}, nil
}

// Generate synthesizes req, adjusts its speed and writes the WAV to the
// output directory. Synthesis is always requested at normal speed; the speed
// change is applied afterwards so pitch is preserved.
func (s *Service) Generate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, ErrEmptyText
	}

	ref, err := s.resolveReference(ctx, req)
	if err != nil {
		return Result{}, err
	}

	percentage := req.SpeedPercentage
	if percentage < 0 {
		percentage = s.defaultSpeed
	}

	generationID, err := s.createGeneration(ctx, req.Text, ref.VoiceName, percentage)
	if err != nil {
		return Result{}, err
	}

	raw, err := s.synthesizer.SynthesizeWithPauses(ctx, req.Text, ref)
	if err != nil {
		return Result{}, s.fail(ctx, generationID, err)
	}

	adjusted := s.adjuster.AdjustSpeedPercentage(raw, percentage)

	outputPath := filepath.Join(s.outputDir, uuid.NewString()+outputExtension)

	writeErr := os.WriteFile(outputPath, adjusted, outputPerms)
	if writeErr != nil {
		return Result{}, s.fail(ctx, generationID, fmt.Errorf("failed to write output audio: %w", writeErr))
	}

	s.complete(ctx, generationID, outputPath)

	result := Result{
		GenerationID:    generationID,
		AudioPath:       outputPath,
		Audio:           adjusted,
		SpeedPercentage: percentage,
	}

	decoded, decodeErr := audio.Decode(adjusted)
	if decodeErr == nil {
		result.Duration = decoded.Duration()
	}

	s.log.Info(logFmtGenerated, generationID, ref.VoiceName, percentage, outputPath)

	return result, nil
}

// resolveReference fills the reference from a registered voice. A code that
// is not registered locally is forwarded to the backend as the voice name,
// which may know it, unless the backend needs a local reference clip.
func (s *Service) resolveReference(ctx context.Context, req Request) (markup.Reference, error) {
	ref := markup.Reference{
		AudioPath: req.RefAudioPath,
		Text:      req.RefText,
		VoiceName: defaultVoiceName,
		Speed:     speed.NormalPercentage,
	}

	if req.VoiceCode == "" {
		return ref, nil
	}

	ref.VoiceName = req.VoiceCode

	voice, found, err := s.lookupVoice(ctx, req.VoiceCode)
	if err != nil {
		return markup.Reference{}, err
	}

	if found {
		if ref.AudioPath == "" {
			ref.AudioPath = voice.AudioFilePath
		}

		if ref.Text == "" {
			ref.Text = voice.ReferenceTranscript
		}

		return ref, nil
	}

	if s.requireRefAudio && ref.AudioPath == "" {
		return markup.Reference{}, fmt.Errorf("%w: %s (not registered and no reference audio given)", ErrUnknownVoice, req.VoiceCode)
	}

	s.log.Info(logFmtForwardVoice, req.VoiceCode)

	return ref, nil
}

func (s *Service) lookupVoice(ctx context.Context, code string) (history.Voice, bool, error) {
	if s.history == nil {
		return history.Voice{}, false, nil
	}

	voice, err := s.history.GetVoice(ctx, code)
	if errors.Is(err, history.ErrNotFound) {
		return history.Voice{}, false, nil
	}

	if err != nil {
		return history.Voice{}, false, fmt.Errorf("failed to resolve voice %s: %w", code, err)
	}

	return voice, true, nil
}

func (s *Service) createGeneration(ctx context.Context, text, voiceName string, percentage int) (int64, error) {
	if s.history == nil {
		return 0, nil
	}

	id, err := s.history.CreateGeneration(ctx, text, voiceName, float64(percentage)/percentDivisor)
	if err != nil {
		return 0, fmt.Errorf("failed to record generation: %w", err)
	}

	return id, nil
}

func (s *Service) fail(ctx context.Context, generationID int64, cause error) error {
	s.log.Error(logFmtGenerationFailed, generationID, cause)
	s.recorder.GenerationFinished(string(history.StatusFailed))

	if s.history != nil {
		updateErr := s.history.FailGeneration(ctx, generationID)
		if updateErr != nil {
			s.log.Warn(logFmtHistoryUpdate, generationID, updateErr)
		}
	}

	return cause
}

func (s *Service) complete(ctx context.Context, generationID int64, outputPath string) {
	s.recorder.GenerationFinished(string(history.StatusCompleted))

	if s.history == nil {
		return
	}

	updateErr := s.history.CompleteGeneration(ctx, generationID, outputPath)
	if updateErr != nil {
		s.log.Warn(logFmtHistoryUpdate, generationID, updateErr)
	}
}
