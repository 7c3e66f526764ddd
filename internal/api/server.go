// Package api serves the voice generation HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/history"
	"github.com/book-expert/voice-service/internal/pipeline"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultMaxUploadBytes = 64 << 20
	defaultListLimit      = 50
	contentTypeJSON       = "application/json"
	contentTypeWAV        = "audio/wav"
)

// Generator runs one voice generation.
type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// Registry exposes generation history and registered voices.
type Registry interface {
	ListGenerations(ctx context.Context, limit int) ([]history.Generation, error)
	GetGeneration(ctx context.Context, id int64) (history.Generation, error)
	ListVoices(ctx context.Context, activeOnly bool) ([]history.Voice, error)
	UpsertVoice(ctx context.Context, voice history.Voice) (history.Voice, error)
}

// HealthChecker probes the inference backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures a Server. Registry, Health and Metrics are optional.
type Options struct {
	Generator      Generator
	Registry       Registry
	Health         HealthChecker
	Metrics        http.Handler
	Log            *logger.Logger
	VoicesDir      string
	TempDir        string
	ListLimit      int
	MaxUploadBytes int64
}

// Server holds the handler dependencies.
type Server struct {
	opts Options
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.ListLimit <= 0 {
		opts.ListLimit = defaultListLimit
	}

	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}

	return &Server{opts: opts}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(s.logRequests)
	router.Use(chimiddleware.Recoverer)
	router.Use(cors)

	router.Get("/health", s.handleHealth)

	if s.opts.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	router.Post("/generate", s.handleGenerate)

	router.Route("/api", func(r chi.Router) {
		r.Get("/history", s.handleListHistory)
		r.Get("/history/{id}", s.handleGetHistory)
		r.Get("/voices", s.handleListVoices)
		r.Post("/voices", s.handleUpsertVoice)
	})

	return router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		if s.opts.Log != nil {
			s.opts.Log.Info("%s %s -> %d in %s [%s]",
				r.Method, r.URL.Path, wrapped.Status(), time.Since(started), chimiddleware.GetReqID(r.Context()))
		}
	})
}

// cors lets the browser UI, served from another origin, call the API.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
