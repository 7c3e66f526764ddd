// Package audiotest generates deterministic audio fixtures for tests.
package audiotest

import (
	"math"
	"testing"

	"github.com/book-expert/voice-service/internal/audio"
	"github.com/stretchr/testify/require"
)

// Sine returns a sine tone of the given frequency and duration, repeated on
// every channel of the format.
func Sine(frequency float64, durationMS int, format audio.Format) audio.Buffer {
	frames := durationMS * format.SampleRate / 1000
	channels := max(format.Channels, 1)
	samples := make([]float64, frames*channels)

	for frame := range frames {
		value := 0.5 * math.Sin(2*math.Pi*frequency*float64(frame)/float64(format.SampleRate))
		for ch := range channels {
			samples[frame*channels+ch] = value
		}
	}

	return audio.Buffer{Format: format, Samples: samples}
}

// SineWAV encodes a sine tone as a WAV container.
func SineWAV(t *testing.T, frequency float64, durationMS int, format audio.Format) []byte {
	t.Helper()

	data, err := audio.Encode(Sine(frequency, durationMS, format))
	require.NoError(t, err)

	return data
}

// MonoFormat returns a 16-bit mono format at the given rate.
func MonoFormat(sampleRate int) audio.Format {
	return audio.Format{SampleRate: sampleRate, Channels: 1, BitDepth: audio.BitDepth16}
}
