package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "new", "dir")

	require.NoError(t, fsutil.EnsureDir(path))
	require.NoError(t, fsutil.EnsureDir(path), "existing directories are fine")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"narrator":          "narrator",
		"calm narrator":     "calm_narrator",
		"a/b\\c:d*e?f":      "a_b_c_d_e_f",
		"../../etc/passwd":  "_.._etc_passwd",
		".hidden":           "hidden",
		`quote"pipe|angle<`: "quote_pipe_angle_",
	}

	for input, want := range tests {
		assert.Equal(t, want, fsutil.SanitizeFilename(input), input)
	}
}

func TestIsValidAudioFile(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"ref.wav", "REF.WAV", "voice.mp3", "x.flac", "y.ogg", "z.m4a", "w.aac"} {
		assert.True(t, fsutil.IsValidAudioFile(name), name)
	}

	for _, name := range []string{"notes.txt", "archive.zip", "wav", ""} {
		assert.False(t, fsutil.IsValidAudioFile(name), name)
	}
}

func TestFormatFileSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 B", fsutil.FormatFileSize(512))
	assert.Equal(t, "1.5 KB", fsutil.FormatFileSize(1536))
	assert.Equal(t, "2.0 MB", fsutil.FormatFileSize(2*1024*1024))
	assert.Equal(t, "1.0 GB", fsutil.FormatFileSize(1024*1024*1024))
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "4.2s", fsutil.FormatDuration(4200*time.Millisecond))
	assert.Equal(t, "1m 05.3s", fsutil.FormatDuration(65300*time.Millisecond))
}
