package scheduler

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steward-bot/steward/pkg/steward/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenDatabase(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, testLogger())
}

type recordingSubmitter struct {
	mu      sync.Mutex
	prompts []string
	convs   []string
}

func (r *recordingSubmitter) SubmitScheduledTurn(conversationID, prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs = append(r.convs, conversationID)
	r.prompts = append(r.prompts, prompt)
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func TestStoreCreateValidatesCron(t *testing.T) {
	s := openTestStore(t)

	task, err := s.Create("morning brief", "0 8 * * *", "summarize my day", "telegram:1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !task.Enabled || task.NextRun.IsZero() {
		t.Errorf("task = %+v, want enabled with next_run set", task)
	}

	if _, err := s.Create("bad", "not a cron", "x", "c"); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestStoreDue(t *testing.T) {
	s := openTestStore(t)

	past, err := s.Create("past", "* * * * *", "p", "c")
	if err != nil {
		t.Fatal(err)
	}
	// Force next_run into the past.
	if err := s.Advance(past.ID, time.Now().Add(-2*time.Minute), time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("future", "0 0 1 1 *", "f", "c"); err != nil {
		t.Fatal(err)
	}

	due, err := s.Due(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != past.ID {
		t.Fatalf("due = %+v, want only the past task", due)
	}

	// Disabled tasks are never due.
	if err := s.SetEnabled(past.ID, false); err != nil {
		t.Fatal(err)
	}
	due, err = s.Due(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("disabled task still due: %+v", due)
	}
}

func TestRunTickClaimFirst(t *testing.T) {
	s := openTestStore(t)
	sub := &recordingSubmitter{}
	sched := New(s, sub, time.Minute, testLogger())

	task, err := s.Create("every minute", "* * * * *", "do the thing", "discord:9")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Advance(task.ID, time.Now().Add(-2*time.Minute), time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	sched.runTick(now)

	if sub.count() != 1 {
		t.Fatalf("submitted %d turns, want 1", sub.count())
	}
	if sub.convs[0] != "discord:9" || sub.prompts[0] != "do the thing" {
		t.Errorf("submitted %q to %q", sub.prompts[0], sub.convs[0])
	}

	// next_run was advanced past now before submission, so a second tick
	// while the turn is still "running" fires nothing.
	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NextRun.After(now) {
		t.Errorf("next_run = %v, want after %v", got.NextRun, now)
	}
	if got.LastRun.IsZero() {
		t.Error("last_run not recorded")
	}

	sched.runTick(now.Add(time.Second))
	if sub.count() != 1 {
		t.Errorf("task double-fired: %d submissions", sub.count())
	}
}

func TestRunTickDisablesCorruptExpression(t *testing.T) {
	s := openTestStore(t)
	sub := &recordingSubmitter{}
	sched := New(s, sub, time.Minute, testLogger())

	task, err := s.Create("ok", "* * * * *", "p", "c")
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the stored expression behind the store's validation.
	if _, err := s.db.Exec(`UPDATE scheduled_tasks SET cron_expression = 'garbage', next_run = ? WHERE id = ?`,
		time.Now().Add(-time.Minute).UTC().Format(time.RFC3339), task.ID); err != nil {
		t.Fatal(err)
	}

	sched.runTick(time.Now())

	if sub.count() != 0 {
		t.Error("corrupt task still fired")
	}
	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("corrupt task left enabled")
	}
}
