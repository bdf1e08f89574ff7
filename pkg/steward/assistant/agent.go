// agent.go runs one conversational turn: bounded history in, repeated
// model calls with tool execution, final reply text out. The conversation
// always gets a reply, even on failure paths.

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/steward-bot/steward/pkg/steward/llm"
)

const (
	// DefaultMaxIterations caps model calls per turn.
	DefaultMaxIterations = 25

	// emptyResponsePlaceholder replaces an empty final reply; the
	// conversation never receives an empty string.
	emptyResponsePlaceholder = "(empty response)"
)

// AgentConfig bounds one agent's behavior.
type AgentConfig struct {
	Name          string
	Instructions  string
	Timezone      string
	HistoryTTL    time.Duration
	HistoryMax    int
	MaxIterations int
}

// Agent turns incoming messages into replies via the model and tools.
type Agent struct {
	completer llm.Completer
	executor  *ToolExecutor
	history   *HistoryStore
	notes     *NoteStore
	cfg       AgentConfig
	logger    *slog.Logger
}

// NewAgent creates an agent.
func NewAgent(completer llm.Completer, executor *ToolExecutor, history *HistoryStore, notes *NoteStore, cfg AgentConfig, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 6 * time.Hour
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = 80
	}
	return &Agent{
		completer: completer,
		executor:  executor,
		history:   history,
		notes:     notes,
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
	}
}

// Run processes one turn for a conversation and returns the reply text.
// Errors surface as reply text, never as a missing reply. Images reach the
// model inline with the message; history keeps only the text, so replayed
// windows describe the photo without the bytes.
func (a *Agent) Run(ctx context.Context, conversationID, message string, images ...llm.ImageAttachment) string {
	ctx = withConversationID(ctx, conversationID)
	start := time.Now()

	records, err := a.history.LoadWindow(conversationID, a.cfg.HistoryTTL, a.cfg.HistoryMax)
	if err != nil {
		a.logger.Error("history load failed, starting fresh", "conversation", conversationID, "error", err)
	}
	messages := ReconcileHistory(records)

	// Persist before the first model call so a crash mid-turn never
	// silently drops the user's message.
	if err := a.history.Append(conversationID, RoleUser, message); err != nil {
		a.logger.Error("incoming message persist failed", "conversation", conversationID, "error", err)
	}
	messages = appendUser(messages, message, images)

	req := &llm.Request{
		System:   a.systemPrompt(conversationID),
		Tools:    a.executor.Tools(),
		Messages: messages,
	}

	for iteration := 1; iteration <= a.cfg.MaxIterations; iteration++ {
		resp, err := a.completer.Complete(ctx, req)
		if err != nil {
			// Retries are exhausted by the completer wrapper; the
			// conversation still gets a reply.
			text := fmt.Sprintf("I couldn't reach the model: %v", err)
			a.persistAssistant(conversationID, text)
			return text
		}

		// Persist the assistant text verbatim before inspecting the
		// response.
		if resp.Text != "" {
			a.persistAssistant(conversationID, resp.Text)
		}

		switch resp.StopReason {
		case llm.StopPauseTurn:
			// A paused server-side tool turn: re-submit as context and keep
			// going. Expected, not an error.
			req.Messages = append(req.Messages, resp.AsMessage())
			continue

		case llm.StopToolUse:
			req.Messages = append(req.Messages, resp.AsMessage())

			results := a.executor.Execute(ctx, resp.ToolCalls)
			req.Messages = append(req.Messages, llm.Message{
				Role:        llm.RoleTool,
				ToolResults: results,
			})
			if err := a.history.Append(conversationID, RoleToolResults, renderToolResults(results)); err != nil {
				a.logger.Error("tool results persist failed", "conversation", conversationID, "error", err)
			}
			continue

		default: // end_turn, max_tokens
			text := resp.Text
			if strings.TrimSpace(text) == "" {
				text = emptyResponsePlaceholder
				a.persistAssistant(conversationID, text)
			}
			a.logger.Info("turn completed",
				"conversation", conversationID,
				"iterations", iteration,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return text
		}
	}

	text := fmt.Sprintf("I ran out of steps before finishing (stopped after %d iterations). "+
		"The work done so far is incomplete; ask me to continue if you want me to keep going.",
		a.cfg.MaxIterations)
	a.persistAssistant(conversationID, text)
	a.logger.Warn("iteration cap reached",
		"conversation", conversationID,
		"max_iterations", a.cfg.MaxIterations,
	)
	return text
}

func (a *Agent) persistAssistant(conversationID, text string) {
	if err := a.history.Append(conversationID, RoleAssistant, text); err != nil {
		a.logger.Error("assistant reply persist failed", "conversation", conversationID, "error", err)
	}
}

// systemPrompt assembles identity, instructions, current time and saved
// notes for the conversation.
func (a *Agent) systemPrompt(conversationID string) string {
	var b strings.Builder
	name := a.cfg.Name
	if name == "" {
		name = "Steward"
	}
	fmt.Fprintf(&b, "You are %s, a personal assistant reachable over chat.\n", name)
	if a.cfg.Instructions != "" {
		b.WriteString(a.cfg.Instructions)
		b.WriteString("\n")
	}

	loc, err := time.LoadLocation(a.cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	fmt.Fprintf(&b, "Current time: %s\n", time.Now().In(loc).Format("Monday, 2 Jan 2006 15:04 MST"))

	if a.notes != nil {
		notes, err := a.notes.List(conversationID, 50)
		if err != nil {
			a.logger.Warn("note load failed", "conversation", conversationID, "error", err)
		} else if len(notes) > 0 {
			b.WriteString("\nThings to remember:\n")
			for _, note := range notes {
				fmt.Fprintf(&b, "- %s\n", note)
			}
		}
	}
	return b.String()
}

// appendUser adds a user message, merging into a trailing user message so
// alternation stays intact.
func appendUser(messages []llm.Message, content string, images []llm.ImageAttachment) []llm.Message {
	if n := len(messages); n > 0 && messages[n-1].Role == llm.RoleUser {
		messages[n-1].Content += "\n" + content
		messages[n-1].Images = append(messages[n-1].Images, images...)
		return messages
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: content, Images: images})
}

// renderToolResults flattens a batch of tool results into one history row.
func renderToolResults(results []llm.ToolResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		label := "tool result"
		if r.IsError {
			label = "tool error"
		}
		fmt.Fprintf(&b, "[%s] %s", label, r.Content)
	}
	return b.String()
}
