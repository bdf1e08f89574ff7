package jobs

import (
	"context"
	"strings"
	"testing"
	"time"
)

func shRunner(t *testing.T, script string, timeout time.Duration) *Runner {
	t.Helper()
	// The prompt lands in $0 of the -c script; these tests ignore it.
	return NewRunner([]string{"sh", "-c", script}, timeout, testLogger())
}

func TestRunnerFinalResultWins(t *testing.T) {
	script := `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"thinking..."}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"almost there"}]}}'
echo '{"type":"result","result":"the final answer"}'
`
	result, err := shRunner(t, script, 30*time.Second).Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "the final answer" {
		t.Errorf("result = %q, want final record to win", result)
	}
}

func TestRunnerLatestAssistantTextWithoutFinal(t *testing.T) {
	script := `
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"first"}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"latest"}]}}'
`
	result, err := shRunner(t, script, 30*time.Second).Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "latest" {
		t.Errorf("result = %q, want latest assistant update", result)
	}
}

func TestRunnerIgnoresUnparseableLines(t *testing.T) {
	script := `
echo 'not json at all'
echo '{"type":"result","result":"ok"}'
echo '{broken'
`
	result, err := shRunner(t, script, 30*time.Second).Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q", result)
	}
}

func TestRunnerCleanExitNoParsableOutput(t *testing.T) {
	t.Run("raw stdout tail", func(t *testing.T) {
		result, err := shRunner(t, `echo plain output`, 30*time.Second).Run(context.Background(), "task")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if result != "plain output" {
			t.Errorf("result = %q, want stdout tail", result)
		}
	})

	t.Run("placeholder when silent", func(t *testing.T) {
		result, err := shRunner(t, `true`, 30*time.Second).Run(context.Background(), "task")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if result != noOutputPlaceholder {
			t.Errorf("result = %q, want placeholder", result)
		}
	})
}

func TestRunnerOversizedLineFailsWithoutFinal(t *testing.T) {
	// One line past the scanner limit aborts the stream before any final
	// record; the clean exit must not be reported as success.
	script := `head -c 11000000 /dev/zero | tr '\0' x`
	_, err := shRunner(t, script, 30*time.Second).Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected error when output becomes unreadable mid-stream")
	}
	if !strings.Contains(err.Error(), "reading job output") {
		t.Errorf("error %q, want output read failure", err)
	}
}

func TestRunnerOversizedLineAfterFinalStillSucceeds(t *testing.T) {
	script := `
echo '{"type":"result","result":"done"}'
head -c 11000000 /dev/zero | tr '\0' x
`
	result, err := shRunner(t, script, 30*time.Second).Run(context.Background(), "task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result != "done" {
		t.Errorf("result = %q, want final record before the bad line", result)
	}
}

func TestRunnerAbnormalExit(t *testing.T) {
	script := `
echo 'stdout noise'
echo 'something broke' >&2
exit 3
`
	_, err := shRunner(t, script, 30*time.Second).Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "exit code 3") {
		t.Errorf("error %q missing exit code", err)
	}
	if !strings.Contains(err.Error(), "something broke") {
		t.Errorf("error %q missing stderr summary", err)
	}
}

func TestRunnerTimeout(t *testing.T) {
	start := time.Now()
	_, err := shRunner(t, `sleep 30`, 300*time.Millisecond).Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error %q, want timeout-specific message", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("runner took %v, process not killed promptly", elapsed)
	}
}

func TestRunnerSpawnFailure(t *testing.T) {
	r := NewRunner([]string{"/nonexistent/binary"}, time.Second, testLogger())
	_, err := r.Run(context.Background(), "task")
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if !strings.Contains(err.Error(), "spawn") {
		t.Errorf("error %q, want distinct spawn failure", err)
	}
}

func TestTailBufferBounded(t *testing.T) {
	tb := newTailBuffer(32)
	for i := 0; i < 100; i++ {
		tb.WriteLine("0123456789")
	}
	s := tb.String()
	if len(s) > 32 {
		t.Errorf("tail length = %d, want <= 32", len(s))
	}
	if !strings.HasSuffix(s, "0123456789") {
		t.Errorf("tail lost newest content: %q", s)
	}
}
