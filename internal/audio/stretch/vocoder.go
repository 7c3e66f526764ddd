// Package stretch implements pitch-preserving time stretching.
//
// The phase vocoder analyses the signal with a Hann-windowed short-time
// Fourier transform, walks the analysis frames at a fractional step equal to
// the stretch rate, interpolates magnitudes between neighbouring frames and
// accumulates phase so that every bin keeps its instantaneous frequency. The
// result is resynthesised by overlap-add at the original hop size, so pitch is
// preserved while duration scales by 1/rate.
package stretch

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analysis defaults, matching the common 2048/512 STFT configuration.
const (
	DefaultFrameSize = 2048
	DefaultHopSize   = 512
)

// windowFloor guards the overlap-add normalisation against division by ~0.
const windowFloor = 1e-10

var (
	// ErrInvalidRate is returned for non-positive or non-finite rates.
	ErrInvalidRate = errors.New("stretch rate must be a positive finite number")
	// ErrInvalidFrame is returned for unusable frame or hop sizes.
	ErrInvalidFrame = errors.New("invalid frame configuration")
)

// PhaseVocoder stretches mono sample sequences. It holds no per-call state
// and is safe for concurrent use.
type PhaseVocoder struct {
	frameSize int
	hopSize   int
	window    []float64
}

// NewPhaseVocoder creates a vocoder with the given analysis frame and hop.
func NewPhaseVocoder(frameSize, hopSize int) (*PhaseVocoder, error) {
	if frameSize < 4 || frameSize%2 != 0 {
		return nil, fmt.Errorf("%w: frame size must be an even number >= 4, got %d", ErrInvalidFrame, frameSize)
	}

	if hopSize <= 0 || hopSize > frameSize/2 {
		return nil, fmt.Errorf("%w: hop size must be in (0, %d], got %d", ErrInvalidFrame, frameSize/2, hopSize)
	}

	return &PhaseVocoder{
		frameSize: frameSize,
		hopSize:   hopSize,
		window:    hannWindow(frameSize),
	}, nil
}

// NewDefaultPhaseVocoder creates a vocoder with the default configuration.
func NewDefaultPhaseVocoder() *PhaseVocoder {
	return &PhaseVocoder{
		frameSize: DefaultFrameSize,
		hopSize:   DefaultHopSize,
		window:    hannWindow(DefaultFrameSize),
	}
}

// Stretch returns samples played back rate times faster: rate > 1 shortens,
// rate < 1 lengthens. The output always has round(len(samples)/rate) samples.
func (v *PhaseVocoder) Stretch(samples []float64, rate float64) ([]float64, error) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidRate, rate)
	}

	targetLength := int(math.Round(float64(len(samples)) / rate))
	if len(samples) == 0 || targetLength == 0 {
		return []float64{}, nil
	}

	fft := fourier.NewFFT(v.frameSize)
	frames := newAnalysis(v, fft, samples)
	output := v.resynthesise(fft, frames, rate)

	return fitLength(output, targetLength), nil
}

// analysis yields the centred STFT of a signal one frame at a time. Only the
// two frames the resynthesis is interpolating between are kept.
type analysis struct {
	vocoder *PhaseVocoder
	fft     *fourier.FFT
	samples []float64
	count   int
	frame   []float64
	silent  []complex128

	leftIndex int
	left      []complex128
	right     []complex128
}

func newAnalysis(v *PhaseVocoder, fft *fourier.FFT, samples []float64) *analysis {
	bins := v.frameSize/2 + 1

	return &analysis{
		vocoder:   v,
		fft:       fft,
		samples:   samples,
		count:     1 + (len(samples)+v.hopSize-1)/v.hopSize,
		frame:     make([]float64, v.frameSize),
		silent:    make([]complex128, bins),
		leftIndex: -1,
		left:      make([]complex128, bins),
		right:     make([]complex128, bins),
	}
}

// pair returns frames index and index+1; past the end the second is silence.
func (a *analysis) pair(index int) ([]complex128, []complex128) {
	switch index {
	case a.leftIndex:
	case a.leftIndex + 1:
		a.left, a.right = a.right, a.left
		a.compute(index+1, a.right)
	default:
		a.compute(index, a.left)
		a.compute(index+1, a.right)
	}

	a.leftIndex = index

	if index+1 >= a.count {
		return a.left, a.silent
	}

	return a.left, a.right
}

// compute transforms frame index into dst. The signal is read as if padded
// with half a frame of zeros on both sides.
func (a *analysis) compute(index int, dst []complex128) {
	if index >= a.count {
		return
	}

	half := a.vocoder.frameSize / 2
	start := index*a.vocoder.hopSize - half

	for i := range a.frame {
		position := start + i

		sample := 0.0
		if position >= 0 && position < len(a.samples) {
			sample = a.samples[position]
		}

		a.frame[i] = sample * a.vocoder.window[i]
	}

	a.fft.Coefficients(dst, a.frame)
}

// resynthesise walks the analysis frames at fractional steps of rate,
// interpolating magnitude and accumulating phase, and overlap-adds every
// column as soon as it is built. The centre padding is removed.
func (v *PhaseVocoder) resynthesise(fft *fourier.FFT, frames *analysis, rate float64) []float64 {
	bins := v.frameSize/2 + 1
	steps := int(math.Ceil(float64(frames.count) / rate))

	expected := make([]float64, bins)
	for bin := range expected {
		expected[bin] = 2 * math.Pi * float64(v.hopSize) * float64(bin) / float64(v.frameSize)
	}

	first, _ := frames.pair(0)

	phase := make([]float64, bins)
	for bin := range phase {
		phase[bin] = cmplx.Phase(first[bin])
	}

	output := make([]float64, v.frameSize+v.hopSize*(steps-1))
	column := make([]complex128, bins)
	frame := make([]float64, v.frameSize)
	scale := 1 / float64(v.frameSize)

	for step := range steps {
		position := float64(step) * rate
		left := int(position)
		alpha := position - float64(left)

		current, next := frames.pair(left)

		for bin := range column {
			magnitude := (1-alpha)*cmplx.Abs(current[bin]) + alpha*cmplx.Abs(next[bin])
			column[bin] = cmplx.Rect(magnitude, phase[bin])

			delta := cmplx.Phase(next[bin]) - cmplx.Phase(current[bin]) - expected[bin]
			phase[bin] += expected[bin] + wrapPhase(delta)
		}

		fft.Sequence(frame, column)

		start := step * v.hopSize
		for i, sample := range frame {
			output[start+i] += sample * scale * v.window[i]
		}
	}

	for i := range output {
		if norm := v.windowSum(i, steps); norm > windowFloor {
			output[i] /= norm
		}
	}

	half := v.frameSize / 2
	if len(output) <= half {
		return []float64{}
	}

	return output[half:]
}

// windowSum is the squared-window overlap at output index i for steps frames.
func (v *PhaseVocoder) windowSum(i, steps int) float64 {
	first := 0
	if i >= v.frameSize {
		first = (i-v.frameSize)/v.hopSize + 1
	}

	last := min(steps-1, i/v.hopSize)

	sum := 0.0
	for k := first; k <= last; k++ {
		w := v.window[i-k*v.hopSize]
		sum += w * w
	}

	return sum
}

func hannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(size))
	}

	return window
}

func wrapPhase(angle float64) float64 {
	return angle - 2*math.Pi*math.Round(angle/(2*math.Pi))
}

func fitLength(samples []float64, length int) []float64 {
	if len(samples) >= length {
		return samples[:length]
	}

	return append(samples, make([]float64, length-len(samples))...)
}
