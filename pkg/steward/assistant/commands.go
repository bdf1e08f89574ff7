package assistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/steward-bot/steward/pkg/steward/jobs"
)

// IsCommand reports whether a message is a chat command rather than a
// conversational turn.
func IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

// HandleCommand answers a chat command from local state, without involving
// the model.
func (a *Assistant) HandleCommand(content string) string {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return a.helpText()
	}

	switch fields[0] {
	case "/help", "/start":
		return a.helpText()
	case "/status":
		return a.statusText()
	case "/jobs":
		return a.jobsText()
	case "/tasks":
		return a.tasksText()
	default:
		return fmt.Sprintf("Unknown command %s. Try /help.", fields[0])
	}
}

func (a *Assistant) helpText() string {
	return strings.Join([]string{
		"I'm " + a.cfg.Name + ". Talk to me normally, or use:",
		"/status - channel and job health",
		"/jobs - recent background jobs",
		"/tasks - scheduled tasks",
		"/help - this message",
	}, "\n")
}

func (a *Assistant) statusText() string {
	var b strings.Builder
	b.WriteString("Channels:\n")
	health := a.manager.HealthAll()
	if len(health) == 0 {
		b.WriteString("  (none configured)\n")
	}
	for name, h := range health {
		state := "disconnected"
		if h.Connected {
			state = "connected"
		}
		fmt.Fprintf(&b, "  %s: %s", name, state)
		if !h.LastMessageAt.IsZero() {
			fmt.Fprintf(&b, ", last message %s ago",
				time.Since(h.LastMessageAt).Round(time.Second))
		}
		b.WriteString("\n")
	}

	counts, err := a.jobStore.CountByStatus()
	if err != nil {
		fmt.Fprintf(&b, "Jobs: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "Jobs: %d queued, %d running, %d succeeded, %d failed\n",
			counts[jobs.StatusQueued], counts[jobs.StatusRunning],
			counts[jobs.StatusSucceeded], counts[jobs.StatusFailed])
	}

	fmt.Fprintf(&b, "Active conversations: %d", a.queue.Active())
	return b.String()
}

func (a *Assistant) jobsText() string {
	list, err := a.jobStore.List(10)
	if err != nil {
		return fmt.Sprintf("Couldn't list jobs: %v", err)
	}
	if len(list) == 0 {
		return "No background jobs yet."
	}

	var b strings.Builder
	b.WriteString("Recent jobs:\n")
	for _, job := range list {
		fmt.Fprintf(&b, "#%d [%s] %s", job.ID, job.Status, job.RequestExcerpt)
		if job.Error != "" {
			fmt.Fprintf(&b, " (%s)", jobs.Truncate(job.Error, 120))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Assistant) tasksText() string {
	tasks, err := a.taskStore.List()
	if err != nil {
		return fmt.Sprintf("Couldn't list tasks: %v", err)
	}
	if len(tasks) == 0 {
		return "No scheduled tasks."
	}

	var b strings.Builder
	b.WriteString("Scheduled tasks:\n")
	for _, task := range tasks {
		state := "enabled"
		if !task.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "%s: %q (%s, %s), next run %s\n",
			task.ID, task.Name, task.CronExpression, state,
			task.NextRun.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}
