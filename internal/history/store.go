// Package history persists voice generation requests and the registry of
// reference voices in a single SQLite file.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Status is the lifecycle state of a generation.
type Status string

// Generation statuses.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	driverName      = "sqlite"
	dsnFormat       = "file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	dataDirPerms    = 0o750
	defaultListSize = 50
	// timeLayout is fixed width so text timestamps sort chronologically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("history record not found")
	// ErrInvalidVoice is returned when a voice is missing required fields.
	ErrInvalidVoice = errors.New("invalid voice settings")
)

const schema = `
CREATE TABLE IF NOT EXISTS voice_generations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text_input TEXT NOT NULL,
    voice_name TEXT NOT NULL,
    speed REAL NOT NULL DEFAULT 1.0,
    status TEXT NOT NULL DEFAULT 'pending',
    audio_file_path TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS voice_settings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    voice_code TEXT NOT NULL UNIQUE,
    voice_display_name TEXT NOT NULL,
    reference_transcript TEXT NOT NULL,
    audio_file_path TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_created ON voice_generations(created_at);
`

// Generation is one row of voice_generations.
type Generation struct {
	ID            int64     `json:"id"`
	TextInput     string    `json:"textInput"`
	VoiceName     string    `json:"voiceName"`
	Speed         float64   `json:"speed"`
	Status        Status    `json:"status"`
	AudioFilePath string    `json:"audioFilePath,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Voice is one row of voice_settings.
type Voice struct {
	ID                  int64     `json:"id"`
	Code                string    `json:"voiceCode"`
	DisplayName         string    `json:"displayName"`
	ReferenceTranscript string    `json:"referenceTranscript"`
	AudioFilePath       string    `json:"audioFilePath,omitempty"`
	Active              bool      `json:"isActive"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Store wraps a SQLite-backed history database.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open creates the database file and its parent directory if needed and
// applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		err := os.MkdirAll(dir, dataDirPerms)
		if err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open(driverName, fmt.Sprintf(dsnFormat, path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pingErr := db.PingContext(ctx)
	if pingErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", pingErr)
	}

	_, schemaErr := db.ExecContext(ctx, schema)
	if schemaErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("apply history schema: %w", schemaErr)
	}

	return &Store{db: db, clock: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the time source.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

// CreateGeneration records a pending generation and returns its id.
func (s *Store) CreateGeneration(ctx context.Context, text, voiceName string, speed float64) (int64, error) {
	now := s.now()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_generations(text_input, voice_name, speed, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		text, voiceName, speed, string(StatusPending), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert generation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read generation id: %w", err)
	}

	return id, nil
}

// CompleteGeneration marks a generation completed with its output path.
func (s *Store) CompleteGeneration(ctx context.Context, id int64, audioPath string) error {
	return s.setStatus(ctx, id, StatusCompleted, sql.NullString{String: audioPath, Valid: audioPath != ""})
}

// FailGeneration marks a generation failed.
func (s *Store) FailGeneration(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusFailed, sql.NullString{})
}

func (s *Store) setStatus(ctx context.Context, id int64, status Status, audioPath sql.NullString) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE voice_generations SET status = ?, audio_file_path = COALESCE(?, audio_file_path), updated_at = ?
		 WHERE id = ?`,
		string(status), audioPath, s.now(), id)
	if err != nil {
		return fmt.Errorf("update generation %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update generation %d: %w", id, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: generation %d", ErrNotFound, id)
	}

	return nil
}

const generationColumns = `id, text_input, voice_name, speed, status, audio_file_path, created_at, updated_at`

// GetGeneration loads one generation.
func (s *Store) GetGeneration(ctx context.Context, id int64) (Generation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM voice_generations WHERE id = ?`, id)

	generation, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, fmt.Errorf("%w: generation %d", ErrNotFound, id)
	}

	return generation, err
}

// ListGenerations returns up to limit generations, newest first. A
// non-positive limit selects the default page size.
func (s *Store) ListGenerations(ctx context.Context, limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = defaultListSize
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationColumns+` FROM voice_generations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	generations := []Generation{}

	for rows.Next() {
		generation, scanErr := scanGeneration(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		generations = append(generations, generation)
	}

	return generations, rows.Err()
}

// UpsertVoice inserts a voice or updates the one with the same code.
func (s *Store) UpsertVoice(ctx context.Context, voice Voice) (Voice, error) {
	if voice.Code == "" || voice.DisplayName == "" || voice.ReferenceTranscript == "" {
		return Voice{}, fmt.Errorf("%w: code, display name and transcript are required", ErrInvalidVoice)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_settings(voice_code, voice_display_name, reference_transcript, audio_file_path, is_active, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(voice_code) DO UPDATE SET
		   voice_display_name = excluded.voice_display_name,
		   reference_transcript = excluded.reference_transcript,
		   audio_file_path = excluded.audio_file_path,
		   is_active = excluded.is_active`,
		voice.Code, voice.DisplayName, voice.ReferenceTranscript, nullable(voice.AudioFilePath), voice.Active, s.now())
	if err != nil {
		return Voice{}, fmt.Errorf("upsert voice %s: %w", voice.Code, err)
	}

	return s.GetVoice(ctx, voice.Code)
}

const voiceColumns = `id, voice_code, voice_display_name, reference_transcript, audio_file_path, is_active, created_at`

// GetVoice loads a voice by its code.
func (s *Store) GetVoice(ctx context.Context, code string) (Voice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+voiceColumns+` FROM voice_settings WHERE voice_code = ?`, code)

	voice, err := scanVoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Voice{}, fmt.Errorf("%w: voice %s", ErrNotFound, code)
	}

	return voice, err
}

// ListVoices returns voices ordered by display name.
func (s *Store) ListVoices(ctx context.Context, activeOnly bool) ([]Voice, error) {
	query := `SELECT ` + voiceColumns + ` FROM voice_settings`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}

	rows, err := s.db.QueryContext(ctx, query+` ORDER BY voice_display_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer rows.Close()

	voices := []Voice{}

	for rows.Next() {
		voice, scanErr := scanVoice(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		voices = append(voices, voice)
	}

	return voices, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row scanner) (Generation, error) {
	var (
		generation Generation
		status     string
		audioPath  sql.NullString
		created    string
		updated    string
	)

	err := row.Scan(&generation.ID, &generation.TextInput, &generation.VoiceName, &generation.Speed,
		&status, &audioPath, &created, &updated)
	if err != nil {
		return Generation{}, err
	}

	generation.Status = Status(status)
	generation.AudioFilePath = audioPath.String
	generation.CreatedAt = parseTime(created)
	generation.UpdatedAt = parseTime(updated)

	return generation, nil
}

func scanVoice(row scanner) (Voice, error) {
	var (
		voice     Voice
		audioPath sql.NullString
		created   string
	)

	err := row.Scan(&voice.ID, &voice.Code, &voice.DisplayName, &voice.ReferenceTranscript,
		&audioPath, &voice.Active, &created)
	if err != nil {
		return Voice{}, err
	}

	voice.AudioFilePath = audioPath.String
	voice.CreatedAt = parseTime(created)

	return voice, nil
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}

	return ts
}

func nullable(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
