// Package speed changes playback speed of WAV audio while holding pitch.
package speed

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/audio/stretch"
	"github.com/book-expert/voice-service/internal/core"
)

// Factor policy.
const (
	MinFactor = 0.1
	MaxFactor = 2.0
	// noOpTolerance is the half-width of the band around 1.0 treated as unity.
	noOpTolerance = 0.01
	// Below smoothingThreshold the stretched output is de-emphasised.
	smoothingThreshold   = 0.5
	smoothingCoefficient = 0.3
)

// Percentage policy. Percentages inside [NoOpPercentLow, NoOpPercentHigh]
// are passed through untouched by AdjustSpeedPercentage.
const (
	NormalPercentage = 100
	NoOpPercentLow   = 90
	NoOpPercentHigh  = 110
	percentDivisor   = 100.0
)

const tempFilePattern = ".speed-*.wav"

const (
	logFmtDecodeFallback  = "Speed adjustment to %d%% skipped, returning original audio: %v"
	logFmtStretchFallback = "Speed adjustment to %d%% failed, returning original audio: %v"
	logFmtFileFailed      = "Speed adjustment of '%s' to %d%% failed: %v"
	logFmtRemoveTemp      = "Failed to remove temp file '%s': %v"
	logFmtAdjusted        = "Adjusted audio to %d%% (%d -> %d frames)"
)

// ErrProcessing is returned when the stretch or filter computation fails.
var ErrProcessing = errors.New("audio processing failed")

// Stretcher time-stretches a mono sample sequence by rate.
type Stretcher interface {
	Stretch(samples []float64, rate float64) ([]float64, error)
}

// Adjuster applies pitch-preserving speed changes.
type Adjuster struct {
	stretcher Stretcher
	log       *logger.Logger
	recorder  core.Recorder
}

// New creates an Adjuster. A nil stretcher selects the default phase vocoder
// and a nil recorder discards counts.
func New(stretcher Stretcher, log *logger.Logger, recorder core.Recorder) *Adjuster {
	if stretcher == nil {
		stretcher = stretch.NewDefaultPhaseVocoder()
	}

	if recorder == nil {
		recorder = core.NopRecorder{}
	}

	return &Adjuster{
		stretcher: stretcher,
		log:       log,
		recorder:  recorder,
	}
}

// ClampFactor limits a factor to [MinFactor, MaxFactor]. NaN maps to unity.
func ClampFactor(factor float64) float64 {
	if math.IsNaN(factor) {
		return 1.0
	}

	return math.Max(MinFactor, math.Min(MaxFactor, factor))
}

// FactorFromPercentage converts a percentage (100 = normal) into a factor.
func FactorFromPercentage(percentage int) float64 {
	return ClampFactor(math.Max(MinFactor, float64(percentage)/percentDivisor))
}

// IsNoOp reports whether factor is close enough to 1.0 to skip stretching.
func IsNoOp(factor float64) bool {
	return math.Abs(factor-1.0) < noOpTolerance
}

// AdjustSpeed returns buf played back factor times faster. The factor is
// clamped first; near-unity factors return a copy of buf.
func (a *Adjuster) AdjustSpeed(buf audio.Buffer, factor float64) (audio.Buffer, error) {
	factor = ClampFactor(factor)
	if IsNoOp(factor) {
		return buf.Clone(), nil
	}

	if buf.Channels <= 0 {
		return audio.Buffer{}, fmt.Errorf("%w: buffer has %d channels", ErrProcessing, buf.Channels)
	}

	planes := buf.Deinterleave()

	for ch, plane := range planes {
		stretched, err := a.safeStretch(plane, factor)
		if err != nil {
			return audio.Buffer{}, fmt.Errorf("%w: channel %d: %w", ErrProcessing, ch, err)
		}

		if factor < smoothingThreshold {
			stretched = stretch.Deemphasize(stretched, smoothingCoefficient)
		}

		planes[ch] = stretched
	}

	return audio.Interleave(buf.Format, planes), nil
}

// AdjustSpeedPercentage adjusts WAV bytes to percentage of normal speed. It
// never fails: any decode, stretch or encode problem is logged and the
// original bytes are returned. The result never aliases audioData.
func (a *Adjuster) AdjustSpeedPercentage(audioData []byte, percentage int) []byte {
	if percentage >= NoOpPercentLow && percentage <= NoOpPercentHigh {
		return bytes.Clone(audioData)
	}

	buf, decodeErr := audio.Decode(audioData)
	if decodeErr != nil {
		a.log.Warn(logFmtDecodeFallback, percentage, decodeErr)
		a.recorder.SpeedFallback()

		return bytes.Clone(audioData)
	}

	adjusted, err := a.adjustAndEncode(buf, FactorFromPercentage(percentage))
	if err != nil {
		a.log.Warn(logFmtStretchFallback, percentage, err)
		a.recorder.SpeedFallback()

		return bytes.Clone(audioData)
	}

	a.log.Info(logFmtAdjusted, percentage, buf.Frames(), adjusted.buffer.Frames())

	return adjusted.data
}

// AdjustSpeedFile reads inputPath, adjusts it to percentage of normal speed
// and writes outputPath. outputPath is only written on success; the caller
// chooses its own fallback when false is returned.
func (a *Adjuster) AdjustSpeedFile(inputPath, outputPath string, percentage int) bool {
	buf, readErr := audio.ReadFile(inputPath)
	if readErr != nil {
		a.log.Error(logFmtFileFailed, inputPath, percentage, readErr)

		return false
	}

	adjusted, err := a.adjustAndEncode(buf, FactorFromPercentage(percentage))
	if err != nil {
		a.log.Error(logFmtFileFailed, inputPath, percentage, err)

		return false
	}

	writeErr := a.writeAtomically(outputPath, adjusted.data)
	if writeErr != nil {
		a.log.Error(logFmtFileFailed, inputPath, percentage, writeErr)

		return false
	}

	return true
}

type encodedBuffer struct {
	buffer audio.Buffer
	data   []byte
}

func (a *Adjuster) adjustAndEncode(buf audio.Buffer, factor float64) (encodedBuffer, error) {
	adjusted, err := a.AdjustSpeed(buf, factor)
	if err != nil {
		return encodedBuffer{}, err
	}

	data, encodeErr := audio.Encode(adjusted)
	if encodeErr != nil {
		return encodedBuffer{}, fmt.Errorf("%w: %w", ErrProcessing, encodeErr)
	}

	return encodedBuffer{buffer: adjusted, data: data}, nil
}

// writeAtomically writes data next to outputPath and renames it into place so
// a failed write never leaves a partial output behind.
func (a *Adjuster) writeAtomically(outputPath string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(outputPath), tempFilePattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file for speed output: %w", err)
	}

	tempPath := tempFile.Name()
	renamed := false

	defer func() {
		if renamed {
			return
		}

		removeErr := os.Remove(tempPath)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			a.log.Warn(logFmtRemoveTemp, tempPath, removeErr)
		}
	}()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()

	if writeErr != nil {
		return fmt.Errorf("failed to write speed output: %w", writeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close speed output: %w", closeErr)
	}

	renameErr := os.Rename(tempPath, outputPath)
	if renameErr != nil {
		return fmt.Errorf("failed to move speed output into place: %w", renameErr)
	}

	renamed = true

	return nil
}

// safeStretch converts a panic inside the stretcher into an error.
func (a *Adjuster) safeStretch(samples []float64, factor float64) (out []float64, err error) {
	defer func() {
		recovered := recover()
		if recovered != nil {
			err = fmt.Errorf("stretcher panicked: %v", recovered)
		}
	}()

	return a.stretcher.Stretch(samples, factor)
}
