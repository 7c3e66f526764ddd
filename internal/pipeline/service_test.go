package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/audio/audiotest"
	"github.com/book-expert/voice-service/internal/history"
	"github.com/book-expert/voice-service/internal/markup"
	"github.com/book-expert/voice-service/internal/pipeline"
	"github.com/book-expert/voice-service/internal/speed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

// fakeSynthesizer returns a one second tone and remembers the reference.
type fakeSynthesizer struct {
	t    *testing.T
	err  error
	refs []markup.Reference
}

func (f *fakeSynthesizer) SynthesizeWithPauses(_ context.Context, _ string, ref markup.Reference) ([]byte, error) {
	f.refs = append(f.refs, ref)

	if f.err != nil {
		return nil, f.err
	}

	return audiotest.SineWAV(f.t, 440, 1000, audiotest.MonoFormat(16000)), nil
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *statusRecorder) GenerationFinished(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) SegmentFailed()     {}
func (r *statusRecorder) SegmentedFallback() {}
func (r *statusRecorder) SpeedFallback()     {}

type fixture struct {
	service  *pipeline.Service
	synth    *fakeSynthesizer
	store    *history.Store
	recorder *statusRecorder
	output   string
}

func newFixture(t *testing.T, withHistory bool) fixture {
	t.Helper()

	return newFixtureWithOptions(t, withHistory, pipeline.Options{DefaultSpeedPercentage: 150})
}

func newFixtureWithOptions(t *testing.T, withHistory bool, opts pipeline.Options) fixture {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	synth := &fakeSynthesizer{t: t}
	recorder := &statusRecorder{}
	output := filepath.Join(t.TempDir(), "output")

	var (
		store        *history.Store
		historyStore pipeline.HistoryStore
	)

	if withHistory {
		store, err = history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)

		t.Cleanup(func() { _ = store.Close() })

		historyStore = store
	}

	opts.OutputDir = output

	service, err := pipeline.New(synth, speed.New(nil, log, recorder), historyStore, recorder, log, opts)
	require.NoError(t, err)

	return fixture{service: service, synth: synth, store: store, recorder: recorder, output: output}
}

func TestGenerate_AdjustsSpeedAndRecordsHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, true)

	result, err := fx.service.Generate(ctx, pipeline.Request{Text: "Hello there", SpeedPercentage: 200})
	require.NoError(t, err)

	assert.Equal(t, 200, result.SpeedPercentage)
	assert.InDelta(t, 500*time.Millisecond, result.Duration, float64(30*time.Millisecond))
	assert.Equal(t, fx.output, filepath.Dir(result.AudioPath))

	onDisk, err := os.ReadFile(result.AudioPath)
	require.NoError(t, err)
	assert.Equal(t, result.Audio, onDisk)

	generation, err := fx.store.GetGeneration(ctx, result.GenerationID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, generation.Status)
	assert.Equal(t, result.AudioPath, generation.AudioFilePath)
	assert.InDelta(t, 2.0, generation.Speed, 1e-9)
	assert.Equal(t, "default", generation.VoiceName)

	assert.Equal(t, []string{"completed"}, fx.recorder.statuses)
	assert.Equal(t, speed.NormalPercentage, fx.synth.refs[0].Speed, "backend always renders at normal speed")
}

func TestGenerate_NoOpSpeedKeepsSynthesizedBytes(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false)

	result, err := fx.service.Generate(context.Background(), pipeline.Request{Text: "Hi", SpeedPercentage: 100})
	require.NoError(t, err)

	assert.Equal(t, audiotest.SineWAV(t, 440, 1000, audiotest.MonoFormat(16000)), result.Audio)
	assert.Equal(t, time.Second, result.Duration)
	assert.Zero(t, result.GenerationID)
}

func TestGenerate_NegativeSpeedUsesDefault(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false)

	result, err := fx.service.Generate(context.Background(), pipeline.Request{Text: "Hi", SpeedPercentage: -1})
	require.NoError(t, err)
	assert.Equal(t, 150, result.SpeedPercentage)

	decoded, err := audio.Decode(result.Audio)
	require.NoError(t, err)
	assert.InEpsilon(t, 16000.0/1.5, float64(decoded.Frames()), 0.05)
}

func TestGenerate_ResolvesRegisteredVoice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, true)

	_, err := fx.store.UpsertVoice(ctx, history.Voice{
		Code:                "narrator",
		DisplayName:         "Narrator",
		ReferenceTranscript: "Registered transcript.",
		AudioFilePath:       "/voices/narrator.wav",
		Active:              true,
	})
	require.NoError(t, err)

	_, err = fx.service.Generate(ctx, pipeline.Request{Text: "Hello", VoiceCode: "narrator", SpeedPercentage: 100})
	require.NoError(t, err)

	require.Len(t, fx.synth.refs, 1)
	assert.Equal(t, markup.Reference{
		AudioPath: "/voices/narrator.wav",
		Text:      "Registered transcript.",
		VoiceName: "narrator",
		Speed:     speed.NormalPercentage,
	}, fx.synth.refs[0])

	_, err = fx.service.Generate(ctx, pipeline.Request{
		Text:            "Hello",
		VoiceCode:       "narrator",
		RefText:         "Override transcript.",
		SpeedPercentage: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "Override transcript.", fx.synth.refs[1].Text)
}

func TestGenerate_ForwardsUnregisteredVoice(t *testing.T) {
	t.Parallel()

	for _, withHistory := range []bool{true, false} {
		fx := newFixture(t, withHistory)

		_, err := fx.service.Generate(context.Background(), pipeline.Request{
			Text:            "Hello",
			VoiceCode:       "remote_voice",
			RefText:         "reference words",
			SpeedPercentage: 100,
		})
		require.NoError(t, err)

		require.Len(t, fx.synth.refs, 1)
		assert.Equal(t, markup.Reference{
			Text:      "reference words",
			VoiceName: "remote_voice",
			Speed:     speed.NormalPercentage,
		}, fx.synth.refs[0])
	}
}

func TestGenerate_UnknownVoiceNeedsReferenceAudio(t *testing.T) {
	t.Parallel()

	fx := newFixtureWithOptions(t, true, pipeline.Options{RequireRefAudio: true})

	_, err := fx.service.Generate(context.Background(), pipeline.Request{
		Text:      "Hello",
		VoiceCode: "ghost",
		RefText:   "reference words",
	})
	require.ErrorIs(t, err, pipeline.ErrUnknownVoice)
	assert.Empty(t, fx.synth.refs)

	_, err = fx.service.Generate(context.Background(), pipeline.Request{
		Text:            "Hello",
		VoiceCode:       "ghost",
		RefAudioPath:    "/uploads/ghost.wav",
		RefText:         "reference words",
		SpeedPercentage: 100,
	})
	require.NoError(t, err)
	require.Len(t, fx.synth.refs, 1)
	assert.Equal(t, "/uploads/ghost.wav", fx.synth.refs[0].AudioPath)
	assert.Equal(t, "ghost", fx.synth.refs[0].VoiceName)
}

func TestGenerate_SynthesisFailureMarksGenerationFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, true)
	fx.synth.err = errBackendDown

	_, err := fx.service.Generate(ctx, pipeline.Request{Text: "Hello", SpeedPercentage: 100})
	require.ErrorIs(t, err, errBackendDown)

	generations, err := fx.store.ListGenerations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, generations, 1)
	assert.Equal(t, history.StatusFailed, generations[0].Status)
	assert.Equal(t, []string{"failed"}, fx.recorder.statuses)

	entries, err := os.ReadDir(fx.output)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGenerate_RejectsEmptyText(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false)

	_, err := fx.service.Generate(context.Background(), pipeline.Request{Text: "  \n"})
	require.ErrorIs(t, err, pipeline.ErrEmptyText)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(nil, nil, nil, nil, nil, pipeline.Options{OutputDir: t.TempDir()})
	require.ErrorIs(t, err, pipeline.ErrMissingDependency)
}
