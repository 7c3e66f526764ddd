// Package synth contains the inference backends that render one text segment
// in a cloned voice: a remote F5-TTS HTTP server and the local F5-TTS CLI.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/voice-service/internal/core"
)

// API endpoints and paths.
const (
	apiGenerate = "/generate"
	apiHealth   = "/health"
)

// Multipart form fields understood by the inference server.
const (
	FieldGenText   = "gen_text"
	FieldRefText   = "ref_text"
	FieldVoiceName = "voice_name"
	FieldSpeed     = "speed"
	FieldRefAudio  = "ref_audio"
)

const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeWAV    = "audio/wav"
)

// Error messages.
const (
	errFmtUnexpectedContentType = "%w: expected a WAV body, got %q"
	errFmtServiceErrorWithCode  = "%w: %s: %s (code: %s)"
	errFmtServiceNonOKStatus    = "%w: %s, body: %s"
)

var (
	// ErrEmptyText is returned when a segment has no text to render.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrEmptyAudio is returned when the backend answers without audio.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrUnexpectedContentType is returned for non-WAV response bodies.
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrService is returned when the backend answers with a non-OK status.
	ErrService = errors.New("inference service error")
)

// wavContentTypes lists the media types accepted as a WAV response.
var wavContentTypes = map[string]bool{
	"audio/wav":   true,
	"audio/x-wav": true,
	"audio/wave":  true,
}

// HTTPClient talks to a remote F5-TTS inference server.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// ErrorResponse is the structured error body returned by the server.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for baseURL (e.g. "http://localhost:7860").
// The timeout applies to every request.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SynthesizeSegment posts one segment to the /generate endpoint and returns
// the WAV body. The reference audio is uploaded when RefAudioPath is set.
func (c *HTTPClient) SynthesizeSegment(ctx context.Context, req core.SegmentRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	body, contentType, err := buildForm(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiGenerate, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentType)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to inference service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get(headerContentType))
	if !wavContentTypes[mediaType] {
		return nil, fmt.Errorf(errFmtUnexpectedContentType, ErrUnexpectedContentType, resp.Header.Get(headerContentType))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// HealthCheck reports whether the inference server answers its health
// endpoint with 200 OK.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %s", ErrService, resp.Status)
	}

	return nil
}

func buildForm(req core.SegmentRequest) (io.Reader, string, error) {
	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	fields := []struct {
		name  string
		value string
	}{
		{name: FieldGenText, value: req.Text},
		{name: FieldRefText, value: req.RefText},
		{name: FieldVoiceName, value: req.VoiceName},
		{name: FieldSpeed, value: strconv.Itoa(req.Speed)},
	}

	for _, field := range fields {
		err := writer.WriteField(field.name, field.value)
		if err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", field.name, err)
		}
	}

	if req.RefAudioPath != "" {
		err := attachFile(writer, FieldRefAudio, req.RefAudioPath)
		if err != nil {
			return nil, "", err
		}
	}

	err := writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to finalise form: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

func attachFile(writer *multipart.Writer, field, path string) error {
	file, err := os.Open(path) // #nosec G304 -- reference audio path comes from the voice registry
	if err != nil {
		return fmt.Errorf("failed to open reference audio: %w", err)
	}
	defer file.Close()

	part, err := writer.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create reference audio part: %w", err)
	}

	_, err = io.Copy(part, file)
	if err != nil {
		return fmt.Errorf("failed to copy reference audio: %w", err)
	}

	return nil
}

// parseErrorResponse decodes a structured JSON error and falls back to the
// raw body.
func parseErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(raw, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, ErrService, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, ErrService, resp.Status, string(raw))
}
