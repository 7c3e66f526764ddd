package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAV format tags accepted by the decoder.
const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

const (
	filePermissions = 0o600
	unsigned8Offset = 128
)

const (
	errFmtNotWAV           = "%w: not a valid WAV container"
	errFmtUnsupportedCodec = "%w: unsupported WAV format tag %d"
	errFmtReadPCM          = "%w: failed to read PCM data: %w"
	errFmtDecodedFormat    = "%w: %w"
	errFmtEncodeWrite      = "failed to write WAV samples: %w"
	errFmtEncodeClose      = "failed to finalise WAV container: %w"
)

var (
	// ErrDecode is returned when input audio is unreadable or corrupt.
	ErrDecode = errors.New("audio decode failed")
	// ErrEncode is returned when a buffer cannot be written as WAV.
	ErrEncode = errors.New("audio encode failed")
)

// Decode parses a PCM WAV container into a normalised buffer.
func Decode(data []byte) (Buffer, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return Buffer{}, fmt.Errorf(errFmtNotWAV, ErrDecode)
	}

	if decoder.WavAudioFormat != wavFormatPCM && decoder.WavAudioFormat != wavFormatExtensible {
		return Buffer{}, fmt.Errorf(errFmtUnsupportedCodec, ErrDecode, decoder.WavAudioFormat)
	}

	format := Format{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		BitDepth:   int(decoder.BitDepth),
	}

	formatErr := format.Validate()
	if formatErr != nil {
		return Buffer{}, fmt.Errorf(errFmtDecodedFormat, ErrDecode, formatErr)
	}

	pcm, readErr := decoder.FullPCMBuffer()
	if readErr != nil {
		return Buffer{}, fmt.Errorf(errFmtReadPCM, ErrDecode, readErr)
	}

	samples := make([]float64, len(pcm.Data))
	for i, value := range pcm.Data {
		samples[i] = intToFloat(value, format.BitDepth)
	}

	return Buffer{Format: format, Samples: samples}, nil
}

// Encode writes the buffer as a PCM WAV container. A zero bit depth encodes as
// 16-bit.
func Encode(buf Buffer) ([]byte, error) {
	format := buf.Format
	if format.BitDepth == 0 {
		format.BitDepth = DefaultBitDepth
	}

	formatErr := format.Validate()
	if formatErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, formatErr)
	}

	data := make([]int, len(buf.Samples))
	for i, sample := range buf.Samples {
		data[i] = floatToInt(sample, format.BitDepth)
	}

	pcm := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: format.Channels,
			SampleRate:  format.SampleRate,
		},
		Data:           data,
		SourceBitDepth: format.BitDepth,
	}

	output := &seekBuffer{}
	encoder := wav.NewEncoder(output, format.SampleRate, format.BitDepth, format.Channels, wavFormatPCM)

	writeErr := encoder.Write(pcm)
	if writeErr != nil {
		return nil, fmt.Errorf("%w: "+errFmtEncodeWrite, ErrEncode, writeErr)
	}

	closeErr := encoder.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("%w: "+errFmtEncodeClose, ErrEncode, closeErr)
	}

	return output.Bytes(), nil
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: failed to read %s: %w", ErrDecode, path, err)
	}

	return Decode(data)
}

// WriteFile encodes the buffer and writes it to path.
func WriteFile(path string, buf Buffer) error {
	data, err := Encode(buf)
	if err != nil {
		return err
	}

	writeErr := os.WriteFile(path, data, filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write audio file %s: %w", path, writeErr)
	}

	return nil
}

func fullScale(bitDepth int) float64 {
	return math.Exp2(float64(bitDepth - 1))
}

func intToFloat(value, bitDepth int) float64 {
	if bitDepth == BitDepth8 {
		return float64(value-unsigned8Offset) / unsigned8Offset
	}

	return float64(value) / fullScale(bitDepth)
}

func floatToInt(sample float64, bitDepth int) int {
	if math.IsNaN(sample) {
		sample = 0
	}

	sample = math.Max(-1, math.Min(1, sample))

	if bitDepth == BitDepth8 {
		return int(math.Round(sample*(unsigned8Offset-1))) + unsigned8Offset
	}

	return int(math.Round(sample * (fullScale(bitDepth) - 1)))
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes on Close.
type seekBuffer struct {
	data []byte
	pos  int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.data) {
		s.data = append(s.data, make([]byte, end-len(s.data))...)
	}

	copy(s.data[s.pos:], p)
	s.pos = end

	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(s.pos)
	case io.SeekEnd:
		base = int64(len(s.data))
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	next := base + offset
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}

	s.pos = int(next)

	return next, nil
}

func (s *seekBuffer) Bytes() []byte {
	return s.data
}
