// Package jobs implements the background job lane: a durable job table with
// a one-directional status lifecycle, a single-flight dispatcher that drains
// queued jobs through a subprocess runner, and out-of-band completion
// notifications back to the originating conversation.
package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Status is the lifecycle state of a job. Transitions are monotonic:
// queued → running → succeeded or failed.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// KindDelegate is the delegated subprocess task kind.
const KindDelegate = "delegate"

const (
	// maxResultLen bounds stored result and error text.
	maxResultLen = 8192

	// MaxExcerptLen bounds the human-readable request excerpt.
	MaxExcerptLen = 200
)

// Job is one background unit of delegated work.
type Job struct {
	ID             int64
	ConversationID string
	Kind           string
	Status         Status
	Input          string
	RequestExcerpt string
	Result         string
	Error          string
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
}

// DelegateInput is the serialized parameters of a delegate job.
type DelegateInput struct {
	Prompt string `json:"prompt"`
}

// EncodeDelegateInput serializes delegate parameters for storage.
func EncodeDelegateInput(prompt string) (string, error) {
	data, err := json.Marshal(DelegateInput{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("encode delegate input: %w", err)
	}
	return string(data), nil
}

// DecodeDelegateInput parses stored delegate parameters.
func DecodeDelegateInput(input string) (*DelegateInput, error) {
	var in DelegateInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return nil, fmt.Errorf("decode delegate input: %w", err)
	}
	return &in, nil
}

// Store persists jobs in steward.db. Rows are never deleted; terminal jobs
// remain as an audit trail.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a job store. The jobs table must already exist.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "jobs")}
}

// Enqueue inserts a queued job and returns its id.
func (s *Store) Enqueue(conversationID, kind, input, requestExcerpt string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO jobs (conversation_id, kind, status, input, request_excerpt, created_at)
		VALUES (?, ?, 'queued', ?, ?, ?)`,
		conversationID, kind, input,
		Truncate(requestExcerpt, MaxExcerptLen),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue job id: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the oldest queued job and marks it running.
// Returns nil when no queued job exists.
func (s *Store) ClaimNext() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE status = 'queued'
		ORDER BY id ASC
		LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queued job: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE jobs
		SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'queued'`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	if affected == 0 {
		// Someone else claimed it between select and update.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.Get(id)
}

// MarkSucceeded transitions a running job to succeeded with a bounded result.
func (s *Store) MarkSucceeded(id int64, result string) error {
	return s.finish(id, StatusSucceeded, "result", result)
}

// MarkFailed transitions a running job to failed with a bounded error.
func (s *Store) MarkFailed(id int64, errText string) error {
	return s.finish(id, StatusFailed, "error", errText)
}

func (s *Store) finish(id int64, status Status, column, text string) error {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = ?, `+column+` = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), Truncate(text, maxResultLen),
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("finish job %d: not in running state", id)
	}
	return nil
}

// Get returns one job by id.
func (s *Store) Get(id int64) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, kind, status, input, request_excerpt,
		       COALESCE(result, ''), COALESCE(error, ''),
		       created_at, COALESCE(started_at, ''), COALESCE(finished_at, '')
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// List returns the most recent jobs, newest first.
func (s *Store) List(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, kind, status, input, request_excerpt,
		       COALESCE(result, ''), COALESCE(error, ''),
		       created_at, COALESCE(started_at, ''), COALESCE(finished_at, '')
		FROM jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns how many jobs are in each status.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// WarnStranded logs running jobs left behind by a previous process. They are
// never resumed or reconciled.
func (s *Store) WarnStranded() {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = 'running'`)
	var n int
	if err := row.Scan(&n); err != nil {
		s.logger.Warn("stranded job check failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Warn("jobs stranded in running state from a previous run", "count", n)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		status     string
		createdAt  string
		startedAt  string
		finishedAt string
	)
	err := row.Scan(&job.ID, &job.ConversationID, &job.Kind, &status,
		&job.Input, &job.RequestExcerpt, &job.Result, &job.Error,
		&createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = Status(status)
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt != "" {
		job.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	}
	if finishedAt != "" {
		job.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt)
	}
	return &job, nil
}

// Truncate bounds text to max bytes, marking the cut.
func Truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	if max <= 3 {
		return text[:max]
	}
	return text[:max-3] + "..."
}
