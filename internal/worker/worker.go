// Package worker provides a NATS worker that renders synthesis jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/pipeline"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	defaultJobTimeout = 10 * time.Minute
	audioKeyExtension = ".wav"
	headerError       = "Voice-Error"
)

const (
	logFmtParseFailed   = "Failed to parse synthesis job: %v"
	logFmtJobFailed     = "Failed to process synthesis job for workflow %s: %v"
	logFmtReplyFailed   = "Failed to publish reply event for workflow %s: %v"
	logFmtJobDone       = "Workflow %s page %d/%d rendered to %s"
	errFmtDownloadText  = "failed to download text data for key '%s': %w"
	errFmtUploadAudio   = "failed to upload audio data for key '%s': %w"
	errFmtSubscribe     = "failed to subscribe to subject %s: %w"
	errFmtDrain         = "failed to drain subscription: %w"
	errFmtMarshalReply  = "failed to marshal reply event: %w"
	errFmtPublishReply  = "failed to publish reply event: %w"
	errFmtUnmarshalJob  = "failed to unmarshal job: %w"
)

var (
	// ErrMissingTextKey is returned for jobs without a text key.
	ErrMissingTextKey = errors.New("text key cannot be empty")
	// ErrMissingDependency is returned by New when a collaborator is nil.
	ErrMissingDependency = errors.New("missing worker dependency")
)

// SynthesisJob asks the worker to voice the text stored under TextKey.
type SynthesisJob struct {
	Header       events.EventHeader `json:"header"`
	TextKey      string             `json:"text_key"`
	VoiceCode    string             `json:"voice_code,omitempty"`
	RefAudioPath string             `json:"ref_audio_path,omitempty"`
	RefText      string             `json:"ref_text,omitempty"`
	// SpeedPercentage is optional; nil selects the configured default.
	SpeedPercentage *int `json:"speed_percentage,omitempty"`
	PageNumber      int  `json:"page_number"`
	TotalPages      int  `json:"total_pages"`
}

// Generator runs one generation.
type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// Stores groups the buckets the worker reads text from and writes audio to.
type Stores struct {
	Text  core.ObjectStore
	Audio core.ObjectStore
}

// NatsWorker listens for synthesis jobs on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	stores         Stores
	generator      Generator
	jobTimeout     time.Duration
	log            *logger.Logger
}

// New creates a NatsWorker. A non-positive jobTimeout selects the default.
func New(
	natsConnection *nats.Conn,
	subject string,
	stores Stores,
	generator Generator,
	jobTimeout time.Duration,
	log *logger.Logger,
) (*NatsWorker, error) {
	if natsConnection == nil || stores.Text == nil || stores.Audio == nil || generator == nil {
		return nil, ErrMissingDependency
	}

	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		stores:         stores,
		generator:      generator,
		jobTimeout:     jobTimeout,
		log:            log,
	}, nil
}

// Run subscribes and blocks until ctx is cancelled, then drains.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf(errFmtSubscribe, w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf(errFmtDrain, drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.jobTimeout)
	defer cancel()

	job, err := parseJob(msg.Data)
	if err != nil {
		w.log.Error(logFmtParseFailed, err)
		w.respondError(msg, "", err)

		return
	}

	audioKey, err := w.processJob(ctx, job)
	if err != nil {
		w.log.Error(logFmtJobFailed, job.Header.WorkflowID, err)
		w.respondError(msg, job.Header.WorkflowID, err)

		return
	}

	w.log.Info(logFmtJobDone, job.Header.WorkflowID, job.PageNumber, job.TotalPages, audioKey)

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     job.Header,
		AudioKey:   audioKey,
		PageNumber: job.PageNumber,
		TotalPages: job.TotalPages,
	}

	err = publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error(logFmtReplyFailed, job.Header.WorkflowID, err)
	}
}

// processJob downloads the text, renders it and uploads the audio.
func (w *NatsWorker) processJob(ctx context.Context, job *SynthesisJob) (string, error) {
	textData, err := w.stores.Text.Download(ctx, job.TextKey)
	if err != nil {
		return "", fmt.Errorf(errFmtDownloadText, job.TextKey, err)
	}

	req := pipeline.Request{
		Text:            string(textData),
		VoiceCode:       job.VoiceCode,
		RefAudioPath:    job.RefAudioPath,
		RefText:         job.RefText,
		SpeedPercentage: -1,
	}

	if job.SpeedPercentage != nil {
		req.SpeedPercentage = *job.SpeedPercentage
	}

	result, err := w.generator.Generate(ctx, req)
	if err != nil {
		return "", err
	}

	audioKey := uuid.NewString() + audioKeyExtension

	err = w.stores.Audio.Upload(ctx, audioKey, result.Audio)
	if err != nil {
		return "", fmt.Errorf(errFmtUploadAudio, audioKey, err)
	}

	return audioKey, nil
}

// respondError answers a request with an empty body and the cause in a header.
func (w *NatsWorker) respondError(msg *nats.Msg, workflowID string, cause error) {
	if msg.Reply == "" {
		return
	}

	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(headerError, cause.Error())

	err := msg.RespondMsg(reply)
	if err != nil {
		w.log.Error(logFmtReplyFailed, workflowID, err)
	}
}

func publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf(errFmtMarshalReply, err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf(errFmtPublishReply, err)
	}

	return nil
}

func parseJob(data []byte) (*SynthesisJob, error) {
	var job SynthesisJob

	err := json.Unmarshal(data, &job)
	if err != nil {
		return nil, fmt.Errorf(errFmtUnmarshalJob, err)
	}

	if strings.TrimSpace(job.TextKey) == "" {
		return nil, ErrMissingTextKey
	}

	return &job, nil
}

// ErrorFromReply returns the failure carried by a worker reply, or nil.
func ErrorFromReply(msg *nats.Msg) error {
	if msg.Header == nil {
		return nil
	}

	if cause := msg.Header.Get(headerError); cause != "" {
		return fmt.Errorf("synthesis job failed: %s", cause)
	}

	return nil
}
