// Package history keeps a SQLite record of finished transcription runs.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxpipe/internal/pipeline"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped on incompatible schema changes.
const schemaVersion = 1

var (
	ErrSchemaMismatch = errors.New("history schema version mismatch")
	ErrNotFound       = errors.New("run not found")
)

// DefaultListLimit is the number of runs List returns for a limit <= 0.
const DefaultListLimit = 20

// Store records pipeline results. It implements pipeline.Recorder.
type Store struct {
	db   *sql.DB
	path string
}

// Entry is the summary of one recorded run.
type Entry struct {
	RunID          string
	Input          string
	Device         string
	Requested      string
	Language       string
	LanguageSource string
	Status         pipeline.Status
	Error          string
	// Degraded names the optional stages that did not succeed.
	Degraded   []string
	Speakers   int
	Text       string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Open creates or opens the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to start over)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Record stores a finished run. Recording the same run id twice replaces the
// earlier row.
func (s *Store) Record(ctx context.Context, res *pipeline.Result) error {
	if res == nil {
		return errors.New("history: nil result")
	}
	if !res.Status.Terminal() {
		return fmt.Errorf("history: run %s has not finished (status %s)", res.RunID, res.Status)
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	degraded := make([]string, 0, len(res.Stages))
	for _, o := range res.Degraded() {
		degraded = append(degraded, string(o.Stage))
	}

	return s.execWithoutResultRetry(ctx,
		`INSERT OR REPLACE INTO runs (
            id, input, device, requested_language, language, language_source,
            status, error, degraded, speakers, text, result_json,
            started_at, finished_at, duration_ms
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID,
		res.Input,
		res.Device,
		res.Requested,
		res.Language,
		res.LanguageSource,
		string(res.Status),
		res.Error,
		strings.Join(degraded, ","),
		len(res.Speakers),
		res.Text(),
		string(payload),
		formatTime(res.StartedAt),
		formatTime(res.FinishedAt),
		res.Elapsed().Milliseconds(),
	)
}

// List returns the most recent runs first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var entries []Entry
	err := retryOnBusy(ctx, func() error {
		entries = entries[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, input, device, requested_language, language, language_source,
                    status, error, degraded, speakers, text, started_at, finished_at, duration_ms
             FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return entries, nil
}

// Get returns the full result stored for runID.
func (s *Store) Get(ctx context.Context, runID string) (*pipeline.Result, error) {
	var payload string
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, "SELECT result_json FROM runs WHERE id = ?", runID).Scan(&payload)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	var res pipeline.Result
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                 Entry
		status, degraded  string
		started, finished string
		durationMillis    int64
	)
	if err := row.Scan(
		&e.RunID, &e.Input, &e.Device, &e.Requested, &e.Language, &e.LanguageSource,
		&status, &e.Error, &degraded, &e.Speakers, &e.Text, &started, &finished, &durationMillis,
	); err != nil {
		return Entry{}, err
	}
	e.Status = pipeline.Status(status)
	if degraded != "" {
		e.Degraded = strings.Split(degraded, ",")
	}
	e.StartedAt = parseTime(started)
	e.FinishedAt = parseTime(finished)
	e.Duration = time.Duration(durationMillis) * time.Millisecond
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
