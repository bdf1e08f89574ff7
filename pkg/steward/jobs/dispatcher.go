package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Notifier delivers a job outcome back to its conversation. Delivery is
// best-effort and out-of-band: it must persist the text as history and send
// it, but a failure never rolls back the job's terminal status.
type Notifier interface {
	Notify(conversationID, text string)
}

// TaskRunner executes one delegated task to a final text result.
type TaskRunner interface {
	Run(ctx context.Context, prompt string) (string, error)
}

// Dispatcher drains queued jobs one at a time. A single atomic flag keeps at
// most one drain loop (and therefore one subprocess) active; Kick is safe to
// fire from anywhere, any number of times. A watchdog tick recovers kicks
// lost to a crash mid-enqueue.
type Dispatcher struct {
	store    *Store
	runner   TaskRunner
	notifier Notifier
	logger   *slog.Logger

	watchdog time.Duration
	active   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher creates a dispatcher. watchdog <= 0 defaults to one minute.
func NewDispatcher(store *Store, runner TaskRunner, notifier Notifier, watchdog time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if watchdog <= 0 {
		watchdog = time.Minute
	}
	return &Dispatcher{
		store:    store,
		runner:   runner,
		notifier: notifier,
		watchdog: watchdog,
		logger:   logger.With("component", "dispatcher"),
		done:     make(chan struct{}),
	}
}

// Start launches the watchdog loop and performs an initial kick to pick up
// jobs enqueued before startup.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.watchdog)
		defer ticker.Stop()

		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.Kick()
			}
		}
	}()

	d.Kick()
	d.logger.Info("dispatcher started", "watchdog_s", int(d.watchdog.Seconds()))
}

// Stop cancels the watchdog and any in-flight subprocess.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

// Kick triggers a drain without blocking the caller. Duplicate kicks are
// harmless: the single-flight flag turns extras into no-ops.
func (d *Dispatcher) Kick() {
	go d.drain()
}

// Busy reports whether a drain loop is currently active.
func (d *Dispatcher) Busy() bool {
	return d.active.Load()
}

// drain claims and executes queued jobs until none remain. The active flag
// is released in a defer so an escaped panic can never leave the dispatcher
// stuck believing it is busy.
func (d *Dispatcher) drain() {
	if !d.active.CompareAndSwap(false, true) {
		return
	}
	defer d.active.Store(false)

	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := d.store.ClaimNext()
		if err != nil {
			d.logger.Error("job claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		d.execute(ctx, job)
	}
}

// execute runs one claimed job to a terminal status and notifies its
// conversation.
func (d *Dispatcher) execute(ctx context.Context, job *Job) {
	d.logger.Info("job started",
		"job_id", job.ID,
		"kind", job.Kind,
		"conversation", job.ConversationID,
	)
	start := time.Now()

	prompt, err := jobPrompt(job)
	if err != nil {
		d.finishFailed(job, err)
		return
	}

	result, err := d.runner.Run(ctx, prompt)
	if err != nil {
		d.finishFailed(job, err)
		return
	}

	if err := d.store.MarkSucceeded(job.ID, result); err != nil {
		d.logger.Error("job finalize failed", "job_id", job.ID, "error", err)
		return
	}
	d.logger.Info("job succeeded",
		"job_id", job.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	d.notify(job, fmt.Sprintf("Background job #%d (%s) completed.\nRequest: %s\n\n%s",
		job.ID, job.Kind, job.RequestExcerpt, Truncate(result, maxResultLen)))
}

func (d *Dispatcher) finishFailed(job *Job, cause error) {
	if err := d.store.MarkFailed(job.ID, cause.Error()); err != nil {
		d.logger.Error("job finalize failed", "job_id", job.ID, "error", err)
		return
	}
	d.logger.Warn("job failed", "job_id", job.ID, "error", cause)
	d.notify(job, fmt.Sprintf("Background job #%d (%s) failed.\nRequest: %s\n\nError: %s",
		job.ID, job.Kind, job.RequestExcerpt, Truncate(cause.Error(), 2048)))
}

// notify delivers the outcome. The header identifies the job because the
// notification may land in the chat long after the originating prompt.
func (d *Dispatcher) notify(job *Job, text string) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(job.ConversationID, text)
}

func jobPrompt(job *Job) (string, error) {
	switch job.Kind {
	case KindDelegate:
		in, err := DecodeDelegateInput(job.Input)
		if err != nil {
			return "", err
		}
		if in.Prompt == "" {
			return "", fmt.Errorf("delegate job %d has no prompt", job.ID)
		}
		return in.Prompt, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
