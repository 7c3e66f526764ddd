package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/history"
	"github.com/book-expert/voice-service/internal/markup"
	"github.com/book-expert/voice-service/internal/pipeline"
	"github.com/book-expert/voice-service/internal/synth"
	"github.com/go-chi/chi/v5"
)

// Multipart fields of POST /api/voices.
const (
	fieldVoiceCode           = "voice_code"
	fieldDisplayName         = "display_name"
	fieldReferenceTranscript = "reference_transcript"
	fieldVoiceAudio          = "audio"
	fieldActive              = "is_active"
)

const (
	uploadPattern  = "ref-upload-*"
	voiceFilePerms = 0o600
	headerGenID    = "X-Generation-ID"
)

var errNoRegistry = errors.New("history is not configured")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

		return
	}

	err := s.opts.Health.HealthCheck(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"checks": map[string]string{"inference": "unhealthy: " + err.Error()},
		})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"checks": map[string]string{"inference": "ok"},
	})
}

// handleGenerate accepts the same multipart form the browser UI posts to the
// inference server and answers with the processed WAV.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	err := r.ParseMultipartForm(s.opts.MaxUploadBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())

		return
	}

	defer func() { _ = r.MultipartForm.RemoveAll() }()

	percentage, err := parseSpeed(r.FormValue(synth.FieldSpeed))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	req := pipeline.Request{
		Text:            r.FormValue(synth.FieldGenText),
		VoiceCode:       strings.TrimSpace(r.FormValue(synth.FieldVoiceName)),
		RefText:         r.FormValue(synth.FieldRefText),
		SpeedPercentage: percentage,
	}

	refPath, cleanup, err := s.spoolReference(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}
	defer cleanup()

	req.RefAudioPath = refPath

	result, err := s.opts.Generator.Generate(r.Context(), req)
	if err != nil {
		writeError(w, generateStatus(err), err.Error())

		return
	}

	w.Header().Set("Content-Type", contentTypeWAV)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(result.AudioPath)))
	w.Header().Set(headerGenID, strconv.FormatInt(result.GenerationID, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Audio)
}

// spoolReference stores an uploaded reference clip for the duration of the
// request. It returns an empty path when none was uploaded.
func (s *Server) spoolReference(r *http.Request) (string, func(), error) {
	file, header, err := r.FormFile(synth.FieldRefAudio)
	if errors.Is(err, http.ErrMissingFile) {
		return "", func() {}, nil
	}

	if err != nil {
		return "", nil, fmt.Errorf("invalid reference audio: %w", err)
	}
	defer file.Close()

	if !fsutil.IsValidAudioFile(header.Filename) {
		return "", nil, fmt.Errorf("unsupported reference audio file %q", header.Filename)
	}

	spooled, err := os.CreateTemp(s.opts.TempDir, uploadPattern+filepath.Ext(header.Filename))
	if err != nil {
		return "", nil, fmt.Errorf("failed to store reference audio: %w", err)
	}

	cleanup := func() {
		removeErr := os.Remove(spooled.Name())
		if removeErr != nil && s.opts.Log != nil {
			s.opts.Log.Warn("Failed to remove temp file '%s': %v", spooled.Name(), removeErr)
		}
	}

	_, copyErr := io.Copy(spooled, file)
	closeErr := spooled.Close()

	if copyErr != nil || closeErr != nil {
		cleanup()

		return "", nil, fmt.Errorf("failed to store reference audio: %w", errors.Join(copyErr, closeErr))
	}

	return spooled.Name(), cleanup, nil
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry == nil {
		writeError(w, http.StatusNotImplemented, errNoRegistry.Error())

		return
	}

	limit := s.opts.ListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		limit = min(parsed, s.opts.ListLimit)
	}

	generations, err := s.opts.Registry.ListGenerations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"generations": generations})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry == nil {
		writeError(w, http.StatusNotImplemented, errNoRegistry.Error())

		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")

		return
	}

	generation, err := s.opts.Registry.GetGeneration(r.Context(), id)
	if err != nil {
		writeError(w, registryStatus(err), err.Error())

		return
	}

	writeJSON(w, http.StatusOK, generation)
}

func (s *Server) handleListVoices(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry == nil {
		writeError(w, http.StatusNotImplemented, errNoRegistry.Error())

		return
	}

	activeOnly := r.URL.Query().Get("active") == "true"

	voices, err := s.opts.Registry.ListVoices(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

// handleUpsertVoice registers a reference voice; the uploaded clip is stored
// in the voices directory under the sanitized voice code.
func (s *Server) handleUpsertVoice(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry == nil {
		writeError(w, http.StatusNotImplemented, errNoRegistry.Error())

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	err := r.ParseMultipartForm(s.opts.MaxUploadBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())

		return
	}

	defer func() { _ = r.MultipartForm.RemoveAll() }()

	voice := history.Voice{
		Code:                fsutil.SanitizeFilename(r.FormValue(fieldVoiceCode)),
		DisplayName:         strings.TrimSpace(r.FormValue(fieldDisplayName)),
		ReferenceTranscript: strings.TrimSpace(r.FormValue(fieldReferenceTranscript)),
		Active:              r.FormValue(fieldActive) != "false",
	}

	if voice.Code == "" {
		writeError(w, http.StatusBadRequest, fieldVoiceCode+" is required")

		return
	}

	if voice.DisplayName == "" || voice.ReferenceTranscript == "" {
		writeError(w, http.StatusBadRequest, fieldDisplayName+" and "+fieldReferenceTranscript+" are required")

		return
	}

	audioPath, err := s.storeVoiceAudio(r, voice.Code)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	voice.AudioFilePath = audioPath

	saved, err := s.opts.Registry.UpsertVoice(r.Context(), voice)
	if err != nil {
		writeError(w, registryStatus(err), err.Error())

		return
	}

	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) storeVoiceAudio(r *http.Request, code string) (string, error) {
	file, header, err := r.FormFile(fieldVoiceAudio)
	if err != nil {
		return "", fmt.Errorf("%s file is required: %w", fieldVoiceAudio, err)
	}
	defer file.Close()

	return s.writeVoiceFile(file, header, code)
}

func (s *Server) writeVoiceFile(file multipart.File, header *multipart.FileHeader, code string) (string, error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !fsutil.IsValidAudioFile(header.Filename) {
		return "", fmt.Errorf("unsupported voice audio file %q", header.Filename)
	}

	dirErr := fsutil.EnsureDir(s.opts.VoicesDir)
	if dirErr != nil {
		return "", dirErr
	}

	path := filepath.Join(s.opts.VoicesDir, code+ext)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, voiceFilePerms) // #nosec G304 -- name is sanitized
	if err != nil {
		return "", fmt.Errorf("failed to store voice audio: %w", err)
	}

	_, copyErr := io.Copy(out, file)
	closeErr := out.Close()

	if copyErr != nil || closeErr != nil {
		return "", fmt.Errorf("failed to store voice audio: %w", errors.Join(copyErr, closeErr))
	}

	return path, nil
}

// parseSpeed reads the optional speed field. Empty selects the default.
func parseSpeed(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return -1, nil
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("speed must be a non-negative percentage, got %q", raw)
	}

	return int(value), nil
}

func generateStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownVoice):
		return http.StatusNotFound
	case errors.Is(err, markup.ErrSynthesis):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func registryStatus(err error) int {
	switch {
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrInvalidVoice):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
