package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/mattn/go-shellwords"
)

// DefaultCommand is the F5-TTS inference CLI with its base model.
const DefaultCommand = "f5-tts_infer-cli --model F5TTS_v1_Base"

const (
	outputDirPattern = "f5-tts-*"
	outputFileName   = "segment.wav"
	normalSpeed      = 100
	speedDivisor     = 100.0
)

const (
	errFmtCommandFailed = "%w: %s exited: %w, output: %s"
	logFmtRemoveOutput  = "Failed to remove inference output dir '%s': %v"
)

var (
	// ErrEmptyCommand is returned when the configured command has no words.
	ErrEmptyCommand = errors.New("inference command is empty")
	// ErrCommandFailed is returned when the inference process exits non-zero.
	ErrCommandFailed = errors.New("inference command failed")
	// ErrNoOutput is returned when the process exits cleanly without writing audio.
	ErrNoOutput = errors.New("inference command produced no audio file")
)

// CLIRunner renders segments by running the F5-TTS CLI locally.
type CLIRunner struct {
	command []string
	tempDir string
	log     *logger.Logger
}

// NewCLIRunner parses command with shell quoting rules. An empty command uses
// DefaultCommand. Output files are written below tempDir (os.TempDir when
// empty).
func NewCLIRunner(command, tempDir string, log *logger.Logger) (*CLIRunner, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCommand
	}

	parser := shellwords.NewParser()

	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse inference command: %w", err)
	}

	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}

	return &CLIRunner{command: args, tempDir: tempDir, log: log}, nil
}

// SynthesizeSegment runs one inference process for req and returns the WAV it
// wrote. Each call gets a private output directory which is always removed.
func (r *CLIRunner) SynthesizeSegment(ctx context.Context, req core.SegmentRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	outputDir, err := os.MkdirTemp(r.tempDir, outputDirPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference output dir: %w", err)
	}

	defer func() {
		removeErr := os.RemoveAll(outputDir)
		if removeErr != nil {
			r.log.Warn(logFmtRemoveOutput, outputDir, removeErr)
		}
	}()

	args := r.arguments(req, outputDir)

	// #nosec G204 -- the binary comes from configuration, text is passed as a single argument
	cmd := exec.CommandContext(ctx, r.command[0], args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf(errFmtCommandFailed, ErrCommandFailed, r.command[0], err, strings.TrimSpace(string(output)))
	}

	audioData, err := os.ReadFile(filepath.Join(outputDir, outputFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoOutput
		}

		return nil, fmt.Errorf("failed to read inference output: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

func (r *CLIRunner) arguments(req core.SegmentRequest, outputDir string) []string {
	args := append([]string{}, r.command[1:]...)

	if req.RefAudioPath != "" {
		args = append(args, "--ref_audio", req.RefAudioPath)
	}

	if req.RefText != "" {
		args = append(args, "--ref_text", req.RefText)
	}

	if req.Speed > 0 && req.Speed != normalSpeed {
		args = append(args, "--speed", strconv.FormatFloat(float64(req.Speed)/speedDivisor, 'f', 2, 64))
	}

	return append(args,
		"--gen_text", req.Text,
		"--output_dir", outputDir,
		"--output_file", outputFileName,
	)
}
