package speed_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/audio/audiotest"
	"github.com/book-expert/voice-service/internal/speed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockStretch = errors.New("mock stretch error")

// failingStretcher always returns an error.
type failingStretcher struct{}

func (failingStretcher) Stretch([]float64, float64) ([]float64, error) {
	return nil, errMockStretch
}

// panickingStretcher panics on every call.
type panickingStretcher struct{}

func (panickingStretcher) Stretch([]float64, float64) ([]float64, error) {
	panic("index out of range")
}

// constantStretcher returns ones of the expected length.
type constantStretcher struct{}

func (constantStretcher) Stretch(samples []float64, rate float64) ([]float64, error) {
	out := make([]float64, int(float64(len(samples))/rate))
	for i := range out {
		out[i] = 1
	}

	return out, nil
}

// countingRecorder counts speed fallbacks.
type countingRecorder struct {
	mu        sync.Mutex
	fallbacks int
}

func (r *countingRecorder) GenerationFinished(string) {}
func (r *countingRecorder) SegmentFailed()            {}
func (r *countingRecorder) SegmentedFallback()        {}

func (r *countingRecorder) SpeedFallback() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fallbacks++
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "speed-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func TestFactorFromPercentage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		percentage int
		want       float64
	}{
		{percentage: 0, want: 0.1},
		{percentage: 5, want: 0.1},
		{percentage: 50, want: 0.5},
		{percentage: 100, want: 1.0},
		{percentage: 150, want: 1.5},
		{percentage: 200, want: 2.0},
		{percentage: 350, want: 2.0},
		{percentage: -40, want: 0.1},
	}

	for _, testCase := range tests {
		assert.InDelta(t, testCase.want, speed.FactorFromPercentage(testCase.percentage), 1e-9,
			"percentage %d", testCase.percentage)
	}
}

func TestClampFactor(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.1, speed.ClampFactor(0.01), 1e-12)
	assert.InDelta(t, 2.0, speed.ClampFactor(8), 1e-12)
	assert.InDelta(t, 1.3, speed.ClampFactor(1.3), 1e-12)
}

func TestAdjustSpeed_IdentityIsCopy(t *testing.T) {
	t.Parallel()

	adjuster := speed.New(nil, newTestLogger(t), nil)
	original := audiotest.Sine(440, 200, audiotest.MonoFormat(16000))

	for _, factor := range []float64{1.0, 1.005, 0.995} {
		out, err := adjuster.AdjustSpeed(original, factor)
		require.NoError(t, err)
		require.Equal(t, original, out)

		out.Samples[0] = 42
		require.NotEqual(t, 42.0, original.Samples[0])
	}
}

func TestAdjustSpeed_LengthScalesWithFactor(t *testing.T) {
	t.Parallel()

	adjuster := speed.New(nil, newTestLogger(t), nil)
	original := audiotest.Sine(440, 1000, audiotest.MonoFormat(16000))

	for _, factor := range []float64{0.1, 0.3, 0.5, 0.75, 1.2, 1.5, 2.0} {
		out, err := adjuster.AdjustSpeed(original, factor)
		require.NoError(t, err)

		assert.Equal(t, original.Format, out.Format)
		assert.InEpsilon(t, float64(original.Frames())/factor, float64(out.Frames()), 0.05, "factor %v", factor)
	}
}

func TestAdjustSpeed_ClampsOutOfRangeFactors(t *testing.T) {
	t.Parallel()

	adjuster := speed.New(nil, newTestLogger(t), nil)
	original := audiotest.Sine(440, 500, audiotest.MonoFormat(16000))

	fast, err := adjuster.AdjustSpeed(original, 10)
	require.NoError(t, err)
	assert.InEpsilon(t, float64(original.Frames())/speed.MaxFactor, float64(fast.Frames()), 0.05)

	slow, err := adjuster.AdjustSpeed(original, 0.001)
	require.NoError(t, err)
	assert.InEpsilon(t, float64(original.Frames())/speed.MinFactor, float64(slow.Frames()), 0.05)
}

func TestAdjustSpeed_StereoChannelsStayAligned(t *testing.T) {
	t.Parallel()

	adjuster := speed.New(nil, newTestLogger(t), nil)
	original := audiotest.Sine(330, 500, audio.Format{SampleRate: 16000, Channels: 2, BitDepth: 16})

	out, err := adjuster.AdjustSpeed(original, 1.5)
	require.NoError(t, err)

	assert.Equal(t, 2, out.Channels)
	assert.Zero(t, len(out.Samples)%2)
	assert.InEpsilon(t, float64(original.Frames())/1.5, float64(out.Frames()), 0.05)
}

func TestAdjustSpeed_SmoothsSevereSlowDown(t *testing.T) {
	t.Parallel()

	adjuster := speed.New(constantStretcher{}, newTestLogger(t), nil)
	original := audio.Buffer{Format: audiotest.MonoFormat(8000), Samples: make([]float64, 100)}

	slow, err := adjuster.AdjustSpeed(original, 0.25)
	require.NoError(t, err)
	assert.Less(t, slow.Samples[0], 1.0)

	moderate, err := adjuster.AdjustSpeed(original, 0.8)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, moderate.Samples[0], 1e-12)
}

func TestAdjustSpeed_StretcherErrors(t *testing.T) {
	t.Parallel()

	original := audiotest.Sine(440, 100, audiotest.MonoFormat(8000))

	_, err := speed.New(failingStretcher{}, newTestLogger(t), nil).AdjustSpeed(original, 1.5)
	require.ErrorIs(t, err, speed.ErrProcessing)
	require.ErrorIs(t, err, errMockStretch)

	_, err = speed.New(panickingStretcher{}, newTestLogger(t), nil).AdjustSpeed(original, 1.5)
	require.ErrorIs(t, err, speed.ErrProcessing)
}

func TestAdjustSpeedPercentage_NoOpBand(t *testing.T) {
	t.Parallel()

	adjuster := speed.New(failingStretcher{}, newTestLogger(t), nil)
	data := audiotest.SineWAV(t, 440, 200, audiotest.MonoFormat(16000))

	original := bytes.Clone(data)

	for _, percentage := range []int{90, 95, 100, 105, 110} {
		out := adjuster.AdjustSpeedPercentage(data, percentage)
		assert.Equal(t, data, out, "percentage %d", percentage)

		out[0] ^= 0xFF
		assert.Equal(t, original, data, "percentage %d returned the caller's slice", percentage)
	}
}

func TestAdjustSpeedPercentage_KeepsContainerFormat(t *testing.T) {
	t.Parallel()

	adjuster := speed.New(nil, newTestLogger(t), nil)
	format := audio.Format{SampleRate: 22050, Channels: 1, BitDepth: audio.BitDepth24}
	data := audiotest.SineWAV(t, 440, 1000, format)

	out := adjuster.AdjustSpeedPercentage(data, 200)
	require.NotEmpty(t, out)

	decoded, err := audio.Decode(out)
	require.NoError(t, err)

	assert.Equal(t, format, decoded.Format)
	assert.InEpsilon(t, 22050.0/2, float64(decoded.Frames()), 0.05)
}

func TestAdjustSpeedPercentage_FallsBackToOriginal(t *testing.T) {
	t.Parallel()

	data := audiotest.SineWAV(t, 440, 200, audiotest.MonoFormat(16000))

	tests := []struct {
		name      string
		stretcher speed.Stretcher
		input     []byte
	}{
		{name: "stretch error", stretcher: failingStretcher{}, input: data},
		{name: "stretch panic", stretcher: panickingStretcher{}, input: data},
		{name: "undecodable input", stretcher: nil, input: []byte("not audio at all")},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			recorder := &countingRecorder{}
			adjuster := speed.New(testCase.stretcher, newTestLogger(t), recorder)

			out := adjuster.AdjustSpeedPercentage(testCase.input, 50)

			assert.Equal(t, testCase.input, out)
			assert.Equal(t, 1, recorder.fallbacks)

			if len(out) > 0 && len(testCase.input) > 0 {
				assert.NotSame(t, &testCase.input[0], &out[0], "fallback must return a copy")
			}
		})
	}
}

func TestAdjustSpeedFile_Success(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.wav")
	outputPath := filepath.Join(dir, "output.wav")

	require.NoError(t, os.WriteFile(inputPath, audiotest.SineWAV(t, 440, 1000, audiotest.MonoFormat(16000)), 0o600))

	adjuster := speed.New(nil, newTestLogger(t), nil)
	require.True(t, adjuster.AdjustSpeedFile(inputPath, outputPath, 50))

	decoded, err := audio.ReadFile(outputPath)
	require.NoError(t, err)
	assert.InEpsilon(t, 32000.0, float64(decoded.Frames()), 0.05)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files may remain")
}

func TestAdjustSpeedFile_UnityStillWritesCopy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.wav")
	outputPath := filepath.Join(dir, "output.wav")
	format := audiotest.MonoFormat(16000)

	require.NoError(t, os.WriteFile(inputPath, audiotest.SineWAV(t, 440, 250, format), 0o600))

	adjuster := speed.New(failingStretcher{}, newTestLogger(t), nil)
	require.True(t, adjuster.AdjustSpeedFile(inputPath, outputPath, 100))

	decoded, err := audio.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, 4000, decoded.Frames())
}

func TestAdjustSpeedFile_FailureLeavesNoOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.wav")
	outputPath := filepath.Join(dir, "output.wav")

	require.NoError(t, os.WriteFile(inputPath, audiotest.SineWAV(t, 440, 250, audiotest.MonoFormat(16000)), 0o600))

	adjuster := speed.New(failingStretcher{}, newTestLogger(t), nil)
	require.False(t, adjuster.AdjustSpeedFile(inputPath, outputPath, 150))
	require.False(t, adjuster.AdjustSpeedFile(filepath.Join(dir, "missing.wav"), outputPath, 150))

	_, err := os.Stat(outputPath)
	require.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the input may remain")
}
