package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu       sync.Mutex
	prompts  []string
	inFlight int
	maxSeen  int
	delay    time.Duration
	failWith error
}

func (f *fakeRunner) Run(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.failWith != nil {
		return "", f.failWith
	}
	return "result for " + prompt, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []string
	convs []string
}

func (f *fakeNotifier) Notify(conversationID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = append(f.convs, conversationID)
	f.notes = append(f.notes, text)
}

func (f *fakeNotifier) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.notes...)
}

func waitIdle(t *testing.T, d *Dispatcher, s *Store) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := s.CountByStatus()
		if err != nil {
			t.Fatal(err)
		}
		if counts[StatusQueued] == 0 && counts[StatusRunning] == 0 && !d.Busy() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dispatcher never went idle")
}

func TestDispatcherDrainsFIFO(t *testing.T) {
	s := openTestStore(t)
	runner := &fakeRunner{delay: 5 * time.Millisecond}
	notifier := &fakeNotifier{}
	d := NewDispatcher(s, runner, notifier, time.Minute, testLogger())
	d.Start(context.Background())
	defer d.Stop()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, mustEnqueue(t, s, fmt.Sprintf("task %d", i)))
		d.Kick()
	}
	waitIdle(t, d, s)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.prompts) != 5 {
		t.Fatalf("ran %d jobs, want 5", len(runner.prompts))
	}
	for i, p := range runner.prompts {
		if p != fmt.Sprintf("task %d", i) {
			t.Errorf("prompt[%d] = %q, out of FIFO order", i, p)
		}
	}
	if runner.maxSeen > 1 {
		t.Errorf("observed %d concurrent jobs, want at most 1", runner.maxSeen)
	}

	for _, id := range ids {
		job, err := s.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != StatusSucceeded {
			t.Errorf("job %d status = %q", id, job.Status)
		}
	}
}

func TestDispatcherDuplicateKicksHarmless(t *testing.T) {
	s := openTestStore(t)
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	d := NewDispatcher(s, runner, &fakeNotifier{}, time.Minute, testLogger())
	d.Start(context.Background())
	defer d.Stop()

	mustEnqueue(t, s, "solo")
	for i := 0; i < 10; i++ {
		d.Kick()
	}
	waitIdle(t, d, s)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.prompts) != 1 {
		t.Errorf("job executed %d times, want exactly once", len(runner.prompts))
	}
}

func TestDispatcherFailureNotification(t *testing.T) {
	s := openTestStore(t)
	runner := &fakeRunner{failWith: errors.New("timed out after 5m0s")}
	notifier := &fakeNotifier{}
	d := NewDispatcher(s, runner, notifier, time.Minute, testLogger())
	d.Start(context.Background())
	defer d.Stop()

	id := mustEnqueue(t, s, "doomed task")
	d.Kick()
	waitIdle(t, d, s)

	job, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if job.Error == "" || job.Result != "" {
		t.Errorf("terminal job must have exactly the error populated: %+v", job)
	}

	notes := notifier.snapshot()
	if len(notes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notes))
	}
	if !strings.Contains(notes[0], fmt.Sprintf("#%d", id)) ||
		!strings.Contains(notes[0], "doomed task") ||
		!strings.Contains(notes[0], "timed out") {
		t.Errorf("notification missing job header or error: %q", notes[0])
	}
}

func TestDispatcherSuccessNotificationHeader(t *testing.T) {
	s := openTestStore(t)
	notifier := &fakeNotifier{}
	d := NewDispatcher(s, &fakeRunner{}, notifier, time.Minute, testLogger())
	d.Start(context.Background())
	defer d.Stop()

	id := mustEnqueue(t, s, "summarize the logs")
	d.Kick()
	waitIdle(t, d, s)

	notes := notifier.snapshot()
	if len(notes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notes))
	}
	for _, want := range []string{
		fmt.Sprintf("#%d", id),
		KindDelegate,
		"summarize the logs",
		"result for summarize the logs",
	} {
		if !strings.Contains(notes[0], want) {
			t.Errorf("notification %q missing %q", notes[0], want)
		}
	}
	if notifier.convs[0] != "telegram:1" {
		t.Errorf("notified conversation %q", notifier.convs[0])
	}
}

func TestDispatcherWatchdogRecoversMissedKick(t *testing.T) {
	s := openTestStore(t)
	runner := &fakeRunner{}
	d := NewDispatcher(s, runner, &fakeNotifier{}, 30*time.Millisecond, testLogger())
	d.Start(context.Background())
	defer d.Stop()

	// Enqueue directly on the store with no kick; only the watchdog sees it.
	mustEnqueue(t, s, "forgotten task")
	waitIdle(t, d, s)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.prompts) != 1 {
		t.Errorf("watchdog did not pick up the job, ran %d", len(runner.prompts))
	}
}
