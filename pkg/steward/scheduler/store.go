// Package scheduler polls cron-defined tasks and submits each due task's
// prompt as a conversational turn. The store advances a task's next_run
// before the turn is submitted, so a slow turn can never be double-fired by
// the following tick.
package scheduler

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Task is one cron-defined scheduled task.
type Task struct {
	ID             string
	Name           string
	CronExpression string
	Prompt         string
	ConversationID string
	Enabled        bool
	LastRun        time.Time
	NextRun        time.Time
	CreatedAt      time.Time
}

// Store persists scheduled tasks in steward.db.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a task store. The scheduled_tasks table must already
// exist.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "scheduler_store")}
}

// Create validates the cron expression, computes the first run time and
// inserts the task enabled.
func (s *Store) Create(name, cronExpr, prompt, conversationID string) (*Task, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	now := time.Now().UTC()
	task := &Task{
		ID:             uuid.NewString(),
		Name:           name,
		CronExpression: cronExpr,
		Prompt:         prompt,
		ConversationID: conversationID,
		Enabled:        true,
		NextRun:        sched.Next(now),
		CreatedAt:      now,
	}

	_, err = s.db.Exec(`
		INSERT INTO scheduled_tasks
		    (id, name, cron_expression, prompt, conversation_id, enabled, next_run, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		task.ID, task.Name, task.CronExpression, task.Prompt, task.ConversationID,
		task.NextRun.Format(time.RFC3339), task.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// Delete removes a task.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q not found", id)
	}
	return nil
}

// SetEnabled toggles a task. Re-enabling recomputes next_run from now so a
// long-disabled task does not fire immediately for every missed occurrence.
func (s *Store) SetEnabled(id string, enabled bool) error {
	if !enabled {
		_, err := s.db.Exec(`UPDATE scheduled_tasks SET enabled = 0 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("disable task: %w", err)
		}
		return nil
	}

	task, err := s.Get(id)
	if err != nil {
		return err
	}
	sched, err := cron.ParseStandard(task.CronExpression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", task.CronExpression, err)
	}
	_, err = s.db.Exec(`UPDATE scheduled_tasks SET enabled = 1, next_run = ? WHERE id = ?`,
		sched.Next(time.Now().UTC()).Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("enable task: %w", err)
	}
	return nil
}

// Get returns one task by id.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %q not found", id)
	}
	return task, err
}

// List returns all tasks, oldest first.
func (s *Store) List() ([]*Task, error) {
	rows, err := s.db.Query(taskSelect + ` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Due returns enabled tasks whose next_run is at or before now.
func (s *Store) Due(now time.Time) ([]*Task, error) {
	rows, err := s.db.Query(taskSelect+` WHERE enabled = 1 AND next_run <= ? ORDER BY next_run ASC`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Advance claims one firing: last_run and next_run move in a single
// statement. Callers must advance before submitting the task's turn.
func (s *Store) Advance(id string, lastRun, nextRun time.Time) error {
	res, err := s.db.Exec(`
		UPDATE scheduled_tasks SET last_run = ?, next_run = ? WHERE id = ?`,
		lastRun.UTC().Format(time.RFC3339), nextRun.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("advance task %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %q not found", id)
	}
	return nil
}

const taskSelect = `
	SELECT id, name, cron_expression, prompt, conversation_id, enabled,
	       COALESCE(last_run, ''), next_run, created_at
	FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t       Task
		enabled int
		lastRun string
		nextRun string
		created string
	)
	err := row.Scan(&t.ID, &t.Name, &t.CronExpression, &t.Prompt, &t.ConversationID,
		&enabled, &lastRun, &nextRun, &created)
	if err != nil {
		return nil, err
	}
	t.Enabled = enabled != 0
	if lastRun != "" {
		t.LastRun, _ = time.Parse(time.RFC3339, lastRun)
	}
	t.NextRun, _ = time.Parse(time.RFC3339, nextRun)
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
