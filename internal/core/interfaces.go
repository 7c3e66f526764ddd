// Package core defines the interfaces shared between the audio pipeline and
// its collaborators.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// SegmentRequest carries everything the inference backend needs to render
// one contiguous piece of text in a cloned voice.
type SegmentRequest struct {
	Text         string
	RefAudioPath string
	RefText      string
	VoiceName    string
	// Speed is the percentage hint forwarded to the backend (100 = normal).
	Speed int
}

// SegmentSynthesizer renders one text segment into WAV bytes.
type SegmentSynthesizer interface {
	SynthesizeSegment(ctx context.Context, req SegmentRequest) ([]byte, error)
}

// Recorder receives outcome counts from the pipeline.
type Recorder interface {
	GenerationFinished(status string)
	SegmentFailed()
	SegmentedFallback()
	SpeedFallback()
}

// NopRecorder discards every count.
type NopRecorder struct{}

// GenerationFinished implements Recorder.
func (NopRecorder) GenerationFinished(string) {}

// SegmentFailed implements Recorder.
func (NopRecorder) SegmentFailed() {}

// SegmentedFallback implements Recorder.
func (NopRecorder) SegmentedFallback() {}

// SpeedFallback implements Recorder.
func (NopRecorder) SpeedFallback() {}
