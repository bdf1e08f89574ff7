package jobs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// stdoutTailMax / stderrTailMax cap the diagnostic tails kept per run.
	stdoutTailMax = 200 * 1024
	stderrTailMax = 50 * 1024

	// killDelay is how long the subprocess gets between SIGTERM and SIGKILL.
	killDelay = 5 * time.Second

	// noOutputPlaceholder is returned for a clean exit with nothing parsable.
	noOutputPlaceholder = "(no output)"
)

// Runner executes one delegated task as an external subprocess, streaming
// its stdout as line-delimited JSON progress records. It resolves exactly
// once: final result text on a clean exit, an error otherwise.
type Runner struct {
	command []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a subprocess runner. command is the argv prefix; the
// task prompt is appended as the final argument.
func NewRunner(command []string, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Runner{
		command: command,
		timeout: timeout,
		logger:  logger.With("component", "runner"),
	}
}

// progressRecord is one self-describing line of subprocess stdout. Two kinds
// matter: "assistant" text updates overwrite the current best result, and a
// final "result" record overwrites it definitively.
type progressRecord struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// Run executes the subprocess for the given prompt and returns its final
// result text. Timeout, abnormal exit and spawn failure all return errors
// with bounded diagnostics.
func (r *Runner) Run(ctx context.Context, prompt string) (string, error) {
	if len(r.command) == 0 {
		return "", errors.New("runner: no command configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append(append([]string{}, r.command[1:]...), prompt)
	cmd := exec.CommandContext(runCtx, r.command[0], args...)
	// Graceful stop first, forced kill if the process lingers.
	cmd.Cancel = func() error { return terminateProcess(cmd) }
	cmd.WaitDelay = killDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("runner stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("runner stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		// Spawn failure: reported immediately, no timeout machinery.
		return "", fmt.Errorf("runner spawn %q: %w", r.command[0], err)
	}

	start := time.Now()
	r.logger.Debug("subprocess started", "command", r.command[0], "pid", cmd.Process.Pid)

	stderrTail := newTailBuffer(stderrTailMax)
	var stderrWg sync.WaitGroup
	stderrWg.Add(1)
	go func() {
		defer stderrWg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			stderrTail.WriteLine(scanner.Text())
		}
	}()

	stdoutTail := newTailBuffer(stdoutTailMax)
	var (
		bestResult string
		sawFinal   bool
	)

	scanner := bufio.NewScanner(stdout)
	// Progress lines can carry whole tool outputs.
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		stdoutTail.WriteLine(line)

		var rec progressRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Unparseable lines are progress noise, not fatal.
			continue
		}
		switch rec.Type {
		case "assistant":
			var texts []string
			for _, block := range rec.Message.Content {
				if block.Type == "text" && block.Text != "" {
					texts = append(texts, block.Text)
				}
			}
			if len(texts) > 0 {
				bestResult = strings.Join(texts, "\n")
			}
		case "result":
			if rec.Result != "" {
				bestResult = rec.Result
			}
			sawFinal = true
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Drain so the subprocess is not blocked writing to a full pipe.
		io.Copy(io.Discard, stdout)
		r.logger.Warn("subprocess output unreadable", "error", scanErr)
	}

	waitErr := cmd.Wait()
	stderrWg.Wait()

	elapsed := time.Since(start)
	if runCtx.Err() == context.DeadlineExceeded {
		r.logger.Warn("subprocess timed out",
			"command", r.command[0],
			"timeout_s", int(r.timeout.Seconds()),
		)
		return "", fmt.Errorf("timed out after %s", r.timeout)
	}

	if waitErr != nil {
		summary := stderrTail.String()
		if summary == "" {
			summary = stdoutTail.String()
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", fmt.Errorf("exit code %d: %s", exitCode, Truncate(summary, 2048))
	}

	r.logger.Debug("subprocess finished",
		"command", r.command[0],
		"duration_ms", elapsed.Milliseconds(),
		"saw_final_result", sawFinal,
	)

	// A read failure means the tail is truncated mid-stream. Without the
	// final record the run cannot be trusted as a success.
	if scanErr != nil && !sawFinal {
		return "", fmt.Errorf("reading job output: %w", scanErr)
	}

	// Clean exit never fails: best result, then a stdout tail, then an
	// explicit placeholder.
	if bestResult != "" {
		return bestResult, nil
	}
	if tail := stdoutTail.String(); tail != "" {
		return Truncate(tail, maxResultLen), nil
	}
	return noOutputPlaceholder, nil
}

// tailBuffer keeps the last max bytes written, trimming from the front.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

// WriteLine appends one line, then trims to the byte budget.
func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.buf) > 0 {
		t.buf = append(t.buf, '\n')
	}
	t.buf = append(t.buf, line...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
