package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const millisecondsPerSecond = 1000

// ErrFormatMismatch is returned when buffers of different layouts are combined.
var ErrFormatMismatch = errors.New("audio format mismatch")

// Buffer is an interleaved sequence of samples normalised to [-1, 1].
type Buffer struct {
	Format

	Samples []float64
}

// Clone returns a deep copy so callers can release the original independently.
func (b Buffer) Clone() Buffer {
	samples := make([]float64, len(b.Samples))
	copy(samples, b.Samples)

	return Buffer{Format: b.Format, Samples: samples}
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}

	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}

	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Deinterleave splits the buffer into one slice per channel.
func (b Buffer) Deinterleave() [][]float64 {
	channels := max(b.Channels, 1)
	frames := len(b.Samples) / channels

	planes := make([][]float64, channels)
	for ch := range planes {
		planes[ch] = make([]float64, frames)
	}

	for frame := range frames {
		for ch := range channels {
			planes[ch][frame] = b.Samples[frame*channels+ch]
		}
	}

	return planes
}

// Interleave builds a buffer from per-channel planes. Planes are truncated to
// the shortest one.
func Interleave(format Format, planes [][]float64) Buffer {
	if len(planes) == 0 {
		return Buffer{Format: format, Samples: []float64{}}
	}

	frames := len(planes[0])
	for _, plane := range planes[1:] {
		frames = min(frames, len(plane))
	}

	channels := len(planes)
	samples := make([]float64, frames*channels)

	for frame := range frames {
		for ch := range channels {
			samples[frame*channels+ch] = planes[ch][frame]
		}
	}

	format.Channels = channels

	return Buffer{Format: format, Samples: samples}
}

// Silence returns digital silence of exactly durationMS milliseconds.
func Silence(durationMS int, format Format) Buffer {
	if durationMS <= 0 || format.SampleRate <= 0 {
		return Buffer{Format: format, Samples: []float64{}}
	}

	frames := int(int64(durationMS) * int64(format.SampleRate) / millisecondsPerSecond)

	return Buffer{Format: format, Samples: make([]float64, frames*max(format.Channels, 1))}
}

// Concat appends buffers in order. All buffers must share sample rate and
// channel count.
func Concat(format Format, buffers ...Buffer) (Buffer, error) {
	total := 0

	for index, buf := range buffers {
		if buf.SampleRate != format.SampleRate || buf.Channels != format.Channels {
			return Buffer{}, fmt.Errorf(
				"%w: buffer %d is %s, expected %s",
				ErrFormatMismatch,
				index,
				buf.Format,
				format,
			)
		}

		total += len(buf.Samples)
	}

	samples := make([]float64, 0, total)
	for _, buf := range buffers {
		samples = append(samples, buf.Samples...)
	}

	return Buffer{Format: format, Samples: samples}, nil
}

// Convert remixes and resamples the buffer into the target sample rate and
// channel count. The bit depth of the target is adopted for encoding.
func Convert(buf Buffer, target Format) Buffer {
	if buf.SampleRate == target.SampleRate && buf.Channels == target.Channels {
		out := buf.Clone()
		out.BitDepth = target.BitDepth

		return out
	}

	planes := remix(buf.Deinterleave(), target.Channels)

	if buf.SampleRate != target.SampleRate && buf.SampleRate > 0 {
		for ch, plane := range planes {
			planes[ch] = resampleLinear(plane, buf.SampleRate, target.SampleRate)
		}
	}

	return Interleave(target, planes)
}

// remix maps source channels onto the target count: downmix averages, upmix
// repeats the mono (or first) channel.
func remix(planes [][]float64, channels int) [][]float64 {
	if channels <= 0 || len(planes) == channels {
		return planes
	}

	frames := 0
	if len(planes) > 0 {
		frames = len(planes[0])
	}

	mono := make([]float64, frames)

	for _, plane := range planes {
		for i, sample := range plane {
			mono[i] += sample / float64(len(planes))
		}
	}

	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, frames)
		copy(out[ch], mono)
	}

	return out
}

func resampleLinear(samples []float64, fromRate, toRate int) []float64 {
	if len(samples) == 0 {
		return []float64{}
	}

	ratio := float64(fromRate) / float64(toRate)
	length := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float64, length)
	last := len(samples) - 1

	for i := range out {
		position := float64(i) * ratio
		left := int(position)

		if left >= last {
			out[i] = samples[last]

			continue
		}

		frac := position - float64(left)
		out[i] = samples[left]*(1-frac) + samples[left+1]*frac
	}

	return out
}
