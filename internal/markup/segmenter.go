package markup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/core"
)

const (
	workspacePattern  = "segments-*"
	segmentFileFormat = "segment_%04d.wav"
	filePermissions   = 0o600
)

const (
	logFmtSegmentFailed   = "Segment %d synthesis failed, skipping it: %v"
	logFmtSegmentedFailed = "Segmented synthesis failed, retrying without break directives: %v"
	logFmtCleanupFailed   = "Failed to remove segment workspace '%s': %v"
	logFmtCombined        = "Combined %d segments into %s of audio"
)

var (
	// ErrSynthesis is returned when synthesis fails even after the
	// whole-script fallback.
	ErrSynthesis = errors.New("synthesis failed")
	// ErrEmptyResult is returned when no segment produced any audio.
	ErrEmptyResult = errors.New("no audio was produced for any segment")
	// ErrSynthesizerMissing is returned when no synthesizer is configured.
	ErrSynthesizerMissing = errors.New("segment synthesizer is required")
)

// Reference identifies the voice to clone.
type Reference struct {
	AudioPath string
	Text      string
	VoiceName string
	Speed     int
}

// Segmenter renders scripts containing break directives.
type Segmenter struct {
	synthesizer core.SegmentSynthesizer
	format      audio.Format
	tempDir     string
	log         *logger.Logger
	recorder    core.Recorder
}

// Config holds the Segmenter settings.
type Config struct {
	// Format is the working format every segment is converted into.
	Format audio.Format
	// TempDir is the parent of per-request workspaces; empty uses os.TempDir.
	TempDir string
}

// NewSegmenter creates a Segmenter.
func NewSegmenter(
	synthesizer core.SegmentSynthesizer,
	cfg Config,
	log *logger.Logger,
	recorder core.Recorder,
) (*Segmenter, error) {
	if synthesizer == nil {
		return nil, ErrSynthesizerMissing
	}

	formatErr := cfg.Format.Validate()
	if formatErr != nil {
		return nil, fmt.Errorf("invalid working format: %w", formatErr)
	}

	if recorder == nil {
		recorder = core.NopRecorder{}
	}

	return &Segmenter{
		synthesizer: synthesizer,
		format:      cfg.Format,
		tempDir:     cfg.TempDir,
		log:         log,
		recorder:    recorder,
	}, nil
}

// SynthesizeWithPauses renders script in the reference voice, replacing each
// break directive with exact silence. A segment whose synthesis fails is
// skipped. If the segmented path fails as a whole, the directives are
// stripped and the script is synthesized once in one piece.
func (s *Segmenter) SynthesizeWithPauses(ctx context.Context, script string, ref Reference) ([]byte, error) {
	parsed := Parse(script)
	if !parsed.HasBreaks() {
		return s.synthesizeWhole(ctx, script, ref)
	}

	combined, err := s.synthesizeSegments(ctx, parsed, ref)
	if err == nil {
		return combined, nil
	}

	s.log.Warn(logFmtSegmentedFailed, err)
	s.recorder.SegmentedFallback()

	return s.synthesizeWhole(ctx, StripBreaks(script), ref)
}

// piece is one entry of the combine list: either a spooled segment file or a
// silence length.
type piece struct {
	path      string
	silenceMS int
}

func (s *Segmenter) synthesizeSegments(ctx context.Context, script Script, ref Reference) ([]byte, error) {
	workspace, err := os.MkdirTemp(s.tempDir, workspacePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment workspace: %w", err)
	}

	defer func() {
		removeErr := os.RemoveAll(workspace)
		if removeErr != nil {
			s.log.Warn(logFmtCleanupFailed, workspace, removeErr)
		}
	}()

	pieces := make([]piece, 0, len(script.Segments))

	for index, segment := range script.Segments {
		switch segment.Kind {
		case KindText:
			spooled, spoolErr := s.spoolSegment(ctx, workspace, index, segment.Text, ref)
			if spoolErr != nil {
				return nil, spoolErr
			}

			if spooled != "" {
				pieces = append(pieces, piece{path: spooled})
			}
		case KindPause:
			if segment.PauseMS > 0 {
				pieces = append(pieces, piece{silenceMS: segment.PauseMS})
			}
		}
	}

	return s.combine(pieces)
}

// spoolSegment synthesizes one text segment into the workspace. It returns an
// empty path when the segment is blank or its synthesis failed, and an error
// only for workspace failures.
func (s *Segmenter) spoolSegment(
	ctx context.Context,
	workspace string,
	index int,
	text string,
	ref Reference,
) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil
	}

	data, synthErr := s.synthesizer.SynthesizeSegment(ctx, s.segmentRequest(trimmed, ref))
	if synthErr != nil {
		s.log.Warn(logFmtSegmentFailed, index, synthErr)
		s.recorder.SegmentFailed()

		return "", nil
	}

	path := filepath.Join(workspace, fmt.Sprintf(segmentFileFormat, index))

	writeErr := os.WriteFile(path, data, filePermissions)
	if writeErr != nil {
		return "", fmt.Errorf("failed to spool segment %d: %w", index, writeErr)
	}

	return path, nil
}

// combine decodes every spooled segment into the working format and appends
// it, with silences, in script order.
func (s *Segmenter) combine(pieces []piece) ([]byte, error) {
	buffers := make([]audio.Buffer, 0, len(pieces))
	spoken := 0

	for _, entry := range pieces {
		if entry.path == "" {
			buffers = append(buffers, audio.Silence(entry.silenceMS, s.format))

			continue
		}

		decoded, err := audio.ReadFile(entry.path)
		if err != nil {
			return nil, fmt.Errorf("failed to decode segment %s: %w", filepath.Base(entry.path), err)
		}

		buffers = append(buffers, audio.Convert(decoded, s.format))
		spoken++
	}

	if len(buffers) == 0 {
		return nil, ErrEmptyResult
	}

	combined, err := audio.Concat(s.format, buffers...)
	if err != nil {
		return nil, fmt.Errorf("failed to concatenate segments: %w", err)
	}

	data, err := audio.Encode(combined)
	if err != nil {
		return nil, fmt.Errorf("failed to encode combined audio: %w", err)
	}

	s.log.Info(logFmtCombined, spoken, combined.Duration())

	return data, nil
}

// synthesizeWhole forwards text to the backend verbatim.
func (s *Segmenter) synthesizeWhole(ctx context.Context, text string, ref Reference) ([]byte, error) {
	data, err := s.synthesizer.SynthesizeSegment(ctx, s.segmentRequest(text, ref))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	return data, nil
}

func (s *Segmenter) segmentRequest(text string, ref Reference) core.SegmentRequest {
	return core.SegmentRequest{
		Text:         text,
		RefAudioPath: ref.AudioPath,
		RefText:      ref.Text,
		VoiceName:    ref.VoiceName,
		Speed:        ref.Speed,
	}
}
