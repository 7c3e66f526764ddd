package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnhealthy = errors.New("connection refused")

func TestParseFlags(t *testing.T) {
	t.Parallel()

	flags, err := parseFlags([]string{
		"--text", `Hi <break time="1s"/> there`,
		"--output", "out.wav",
		"--ref-audio", "ref.wav",
		"--ref-text", "Reference.",
		"--speed", "150",
	})
	require.NoError(t, err)

	assert.Equal(t, appFlags{
		text:     `Hi <break time="1s"/> there`,
		output:   "out.wav",
		refAudio: "ref.wav",
		refText:  "Reference.",
		speed:    150,
	}, flags)

	defaults, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, -1, defaults.speed)

	_, err = parseFlags([]string{"--speed", "fast"})
	require.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flags   appFlags
		wantErr error
	}{
		{name: "text", flags: appFlags{text: "Hello"}},
		{name: "health needs no text", flags: appFlags{health: true}},
		{name: "missing text", flags: appFlags{}, wantErr: errTextRequired},
		{name: "reference without transcript", flags: appFlags{text: "Hi", refAudio: "a.wav"}, wantErr: errRefTextRequired},
		{name: "registered voice supplies transcript", flags: appFlags{text: "Hi", refAudio: "a.wav", voice: "narrator"}},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := validateFlags(testCase.flags)
			if testCase.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, testCase.wantErr)
		})
	}
}

type fakeGenerator struct {
	got pipeline.Request
	err error
}

func (f *fakeGenerator) Generate(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	f.got = req

	if f.err != nil {
		return pipeline.Result{}, f.err
	}

	return pipeline.Result{
		AudioPath:       "/srv/output/abc.wav",
		Audio:           []byte("RIFFdata"),
		Duration:        1500 * time.Millisecond,
		SpeedPercentage: 120,
	}, nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), logFileName)
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestGenerate_WritesOutput(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{}
	output := filepath.Join(t.TempDir(), "nested", "speech.wav")

	var stdout bytes.Buffer

	err := generate(context.Background(), gen, newTestLogger(t), appFlags{
		text:   "Hello",
		voice:  "narrator",
		output: output,
		speed:  120,
	}, &stdout)
	require.NoError(t, err)

	assert.Equal(t, pipeline.Request{Text: "Hello", VoiceCode: "narrator", SpeedPercentage: 120}, gen.got)

	written, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFdata"), written)
	assert.Equal(t, "Generated: "+output+" (8 B, 1.5s at 120% speed)\n", stdout.String())
}

func TestGenerate_UsesPipelinePathWithoutOutput(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer

	err := generate(context.Background(), &fakeGenerator{}, newTestLogger(t), appFlags{text: "Hello"}, &stdout)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), "/srv/output/abc.wav")
}

func TestGenerate_Failure(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{err: pipeline.ErrEmptyText}

	err := generate(context.Background(), gen, newTestLogger(t), appFlags{text: " "}, &bytes.Buffer{})
	require.ErrorIs(t, err, pipeline.ErrEmptyText)
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	var stdout bytes.Buffer

	require.NoError(t, checkHealth(context.Background(), fakeHealth{}, log, &stdout))
	assert.Equal(t, msgServiceHealthy+"\n", stdout.String())

	stdout.Reset()
	require.ErrorIs(t, checkHealth(context.Background(), fakeHealth{err: errUnhealthy}, log, &stdout), errUnhealthy)
	assert.Contains(t, stdout.String(), "connection refused")

	require.ErrorIs(t, checkHealth(context.Background(), nil, log, &stdout), errHealthUnsupported)
}
