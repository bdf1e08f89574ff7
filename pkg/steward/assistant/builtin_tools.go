// builtin_tools.go defines the builtin tool catalogue: shell and file
// access, notes, scheduled task management, and delegation of long-running
// work to the background job lane.

package assistant

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/steward-bot/steward/pkg/steward/jobs"
	"github.com/steward-bot/steward/pkg/steward/llm"
	"github.com/steward-bot/steward/pkg/steward/scheduler"
)

const (
	maxToolOutputLen = 8192
	maxFileReadLen   = 16384
)

// ctxKey scopes context values to this package.
type ctxKey int

const conversationIDKey ctxKey = iota

// withConversationID tags a context with the conversation a tool call
// belongs to.
func withConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// conversationIDFrom reads the conversation tag back.
func conversationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok {
		return id
	}
	return ""
}

// builtinToolDeps carries what the builtin tools need.
type builtinToolDeps struct {
	Workdir        string
	Notes          *NoteStore
	Tasks          *scheduler.Store
	Jobs           *jobs.Store
	KickDispatcher func()
}

// registerBuiltinTools wires the builtin tool catalogue into the executor.
func registerBuiltinTools(e *ToolExecutor, deps builtinToolDeps) {
	e.Register(llm.ToolDefinition{
		Name:        "bash",
		Description: "Run a shell command and return its combined output.",
		Properties: map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to run.",
			},
		},
		Required: []string{"command"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		command, err := stringArg(args, "command")
		if err != nil {
			return nil, err
		}
		return runShell(ctx, deps.Workdir, command)
	})

	e.Register(llm.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file. Relative paths resolve inside the working directory.",
		Properties: map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path to read.",
			},
		},
		Required: []string{"path"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		path, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(resolvePath(deps.Workdir, path))
		if err != nil {
			return nil, err
		}
		return jobs.Truncate(string(data), maxFileReadLen), nil
	})

	e.Register(llm.ToolDefinition{
		Name:        "write_file",
		Description: "Write text to a file, creating parent directories as needed.",
		Properties: map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File path to write.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content.",
			},
		},
		Required: []string{"path", "content"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		path, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		content, err := stringArg(args, "content")
		if err != nil {
			return nil, err
		}
		full := resolvePath(deps.Workdir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
	})

	e.Register(llm.ToolDefinition{
		Name:        "save_note",
		Description: "Save a long-term note about the user or ongoing work. Notes are visible in future conversations.",
		Properties: map[string]any{
			"note": map[string]any{
				"type":        "string",
				"description": "The note text to remember.",
			},
		},
		Required: []string{"note"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		note, err := stringArg(args, "note")
		if err != nil {
			return nil, err
		}
		if err := deps.Notes.Add(conversationIDFrom(ctx), note); err != nil {
			return nil, err
		}
		return "note saved", nil
	})

	e.Register(llm.ToolDefinition{
		Name:        "schedule_task",
		Description: "Schedule a recurring task. The prompt runs in this conversation on the given cron schedule.",
		Properties: map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Short task name.",
			},
			"cron": map[string]any{
				"type":        "string",
				"description": "Standard 5-field cron expression, e.g. \"0 8 * * *\".",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "The prompt to run on schedule.",
			},
		},
		Required: []string{"name", "cron", "prompt"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		name, err := stringArg(args, "name")
		if err != nil {
			return nil, err
		}
		cronExpr, err := stringArg(args, "cron")
		if err != nil {
			return nil, err
		}
		prompt, err := stringArg(args, "prompt")
		if err != nil {
			return nil, err
		}
		task, err := deps.Tasks.Create(name, cronExpr, prompt, conversationIDFrom(ctx))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"task_id":  task.ID,
			"next_run": task.NextRun.Format(time.RFC3339),
		}, nil
	})

	e.Register(llm.ToolDefinition{
		Name:        "list_tasks",
		Description: "List all scheduled tasks.",
		Properties:  map[string]any{},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		tasks, err := deps.Tasks.List()
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			return "no scheduled tasks", nil
		}
		var b strings.Builder
		for _, t := range tasks {
			state := "enabled"
			if !t.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(&b, "%s | %s | %s | %s | next: %s\n",
				t.ID, t.Name, t.CronExpression, state, t.NextRun.Format(time.RFC3339))
		}
		return b.String(), nil
	})

	e.Register(llm.ToolDefinition{
		Name:        "cancel_task",
		Description: "Delete a scheduled task by id.",
		Properties: map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "The task id to delete.",
			},
		},
		Required: []string{"task_id"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		id, err := stringArg(args, "task_id")
		if err != nil {
			return nil, err
		}
		if err := deps.Tasks.Delete(id); err != nil {
			return nil, err
		}
		return "task cancelled", nil
	})

	e.Register(llm.ToolDefinition{
		Name: "delegate_task",
		Description: "Delegate a long-running task to a background worker. Returns immediately " +
			"with a job id; the result is posted to this conversation when the job finishes. " +
			"Use this for work that takes more than a minute.",
		Properties: map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Complete instructions for the background task.",
			},
		},
		Required: []string{"prompt"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		prompt, err := stringArg(args, "prompt")
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(prompt) == "" {
			return nil, fmt.Errorf("delegated task needs a non-empty prompt")
		}

		input, err := jobs.EncodeDelegateInput(prompt)
		if err != nil {
			return nil, err
		}
		id, err := deps.Jobs.Enqueue(conversationIDFrom(ctx), jobs.KindDelegate,
			input, firstLine(prompt))
		if err != nil {
			return nil, err
		}

		// Fire-and-forget: the dispatcher's single-flight guard makes a
		// duplicate kick harmless, and the watchdog covers a lost one.
		if deps.KickDispatcher != nil {
			deps.KickDispatcher()
		}

		return map[string]any{
			"job_id": id,
			"status": string(jobs.StatusQueued),
			"note":   "running in the background; the result will be posted here when ready",
		}, nil
	})
}

// runShell executes a command under sh -c in the working directory.
func runShell(ctx context.Context, workdir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workdir

	output, err := cmd.CombinedOutput()
	text := jobs.Truncate(strings.TrimSpace(string(output)), maxToolOutputLen)
	if err != nil {
		if text != "" {
			return "", fmt.Errorf("%w: %s", err, text)
		}
		return "", err
	}
	return text, nil
}

// resolvePath keeps absolute paths and anchors relative ones in workdir.
func resolvePath(workdir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workdir, path)
}

// firstLine returns the first non-empty line of text, for display excerpts.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return text
}
