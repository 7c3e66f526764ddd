package history_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/voice-service/internal/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *history.Store {
	t.Helper()

	store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "data", "history.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

// steppingClock advances one second per call.
func steppingClock() func() time.Time {
	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	return func() time.Time {
		current = current.Add(time.Second)

		return current
	}
}

func TestGenerationLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	store.SetClock(steppingClock())

	id, err := store.CreateGeneration(ctx, `Hello <break time="1s"/> world`, "narrator", 1.5)
	require.NoError(t, err)

	pending, err := store.GetGeneration(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, history.StatusPending, pending.Status)
	assert.Equal(t, "narrator", pending.VoiceName)
	assert.InDelta(t, 1.5, pending.Speed, 1e-9)
	assert.Empty(t, pending.AudioFilePath)

	require.NoError(t, store.CompleteGeneration(ctx, id, "/out/abc.wav"))

	completed, err := store.GetGeneration(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, completed.Status)
	assert.Equal(t, "/out/abc.wav", completed.AudioFilePath)
	assert.True(t, completed.UpdatedAt.After(completed.CreatedAt))
	assert.Equal(t, pending.CreatedAt, completed.CreatedAt)
}

func TestFailGeneration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)

	id, err := store.CreateGeneration(ctx, "text", "voice", 1)
	require.NoError(t, err)
	require.NoError(t, store.FailGeneration(ctx, id))

	failed, err := store.GetGeneration(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, history.StatusFailed, failed.Status)

	require.ErrorIs(t, store.FailGeneration(ctx, id+100), history.ErrNotFound)

	_, err = store.GetGeneration(ctx, id+100)
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestListGenerations_NewestFirstWithLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)
	store.SetClock(steppingClock())

	for _, text := range []string{"first", "second", "third"} {
		_, err := store.CreateGeneration(ctx, text, "voice", 1)
		require.NoError(t, err)
	}

	all, err := store.ListGenerations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].TextInput)
	assert.Equal(t, "first", all[2].TextInput)

	limited, err := store.ListGenerations(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestVoices(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openStore(t)

	_, err := store.UpsertVoice(ctx, history.Voice{Code: "narrator"})
	require.ErrorIs(t, err, history.ErrInvalidVoice)

	created, err := store.UpsertVoice(ctx, history.Voice{
		Code:                "narrator",
		DisplayName:         "Narrator",
		ReferenceTranscript: "Some words.",
		AudioFilePath:       "/voices/narrator.wav",
		Active:              true,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.True(t, created.Active)

	updated, err := store.UpsertVoice(ctx, history.Voice{
		Code:                "narrator",
		DisplayName:         "Calm Narrator",
		ReferenceTranscript: "Other words.",
		AudioFilePath:       "/voices/narrator.wav",
		Active:              true,
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Calm Narrator", updated.DisplayName)

	_, err = store.UpsertVoice(ctx, history.Voice{
		Code:                "retired",
		DisplayName:         "Archive",
		ReferenceTranscript: "Old words.",
		Active:              false,
	})
	require.NoError(t, err)

	all, err := store.ListVoices(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Archive", all[0].DisplayName)

	active, err := store.ListVoices(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "narrator", active[0].Code)

	_, err = store.GetVoice(ctx, "missing")
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := history.Open(ctx, path)
	require.NoError(t, err)

	id, err := store.CreateGeneration(ctx, "persisted", "voice", 1)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := history.Open(ctx, path)
	require.NoError(t, err)

	defer reopened.Close()

	generation, err := reopened.GetGeneration(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persisted", generation.TextInput)
}
