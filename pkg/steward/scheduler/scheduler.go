package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Submitter routes a due task's prompt into its conversation as a scheduled
// turn. Submission must not block the scheduler tick.
type Submitter interface {
	SubmitScheduledTurn(conversationID, prompt string)
}

// Scheduler polls the task store on a fixed tick and fires due tasks.
type Scheduler struct {
	store  *Store
	submit Submitter
	tick   time.Duration
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. tick <= 0 defaults to 30 seconds.
func New(store *Store, submit Submitter, tick time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		store:  store,
		submit: submit,
		tick:   tick,
		logger: logger.With("component", "scheduler"),
		done:   make(chan struct{}),
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runTick(time.Now())
			}
		}
	}()

	s.logger.Info("scheduler started", "tick_s", int(s.tick.Seconds()))
}

// Stop halts the poll loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// runTick fires every due task once. The next_run advance is written before
// the turn is submitted (claim-first), so a turn that outlives the tick
// interval cannot be selected again.
func (s *Scheduler) runTick(now time.Time) {
	due, err := s.store.Due(now)
	if err != nil {
		s.logger.Error("due task query failed", "error", err)
		return
	}

	for _, task := range due {
		sched, err := cron.ParseStandard(task.CronExpression)
		if err != nil {
			// A stored expression no longer parsing is a data bug; disable
			// the task rather than retrying it forever.
			s.logger.Error("stored cron expression invalid, disabling task",
				"task", task.ID, "expression", task.CronExpression, "error", err)
			if derr := s.store.SetEnabled(task.ID, false); derr != nil {
				s.logger.Error("disable task failed", "task", task.ID, "error", derr)
			}
			continue
		}

		next := sched.Next(now)
		if err := s.store.Advance(task.ID, now, next); err != nil {
			// Without the claim the task must not fire: skipping here means
			// it fires on a later tick instead of firing twice.
			s.logger.Error("task claim failed, skipping fire", "task", task.ID, "error", err)
			continue
		}

		s.logger.Info("scheduled task fired",
			"task", task.ID,
			"name", task.Name,
			"next_run", next.Format(time.RFC3339),
		)
		s.submit.SubmitScheduledTurn(task.ConversationID, task.Prompt)
	}
}
