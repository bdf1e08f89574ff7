package assistant

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steward-bot/steward/pkg/steward/llm"
	"github.com/steward-bot/steward/pkg/steward/storage"
)

// scriptedCompleter returns canned responses in order and records requests.
type scriptedCompleter struct {
	responses []*llm.Response
	err       error
	requests  []*llm.Request
}

func (s *scriptedCompleter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	// Snapshot the message list; the agent mutates it between calls.
	snapshot := &llm.Request{
		System:   req.System,
		Tools:    req.Tools,
		Messages: append([]llm.Message{}, req.Messages...),
	}
	s.requests = append(s.requests, snapshot)

	if s.err != nil {
		return nil, s.err
	}
	if len(s.requests) > len(s.responses) {
		return &llm.Response{StopReason: llm.StopEndTurn, Text: "fallback"}, nil
	}
	return s.responses[len(s.requests)-1], nil
}

func newTestAgent(t *testing.T, completer llm.Completer) (*Agent, *HistoryStore) {
	t.Helper()
	db, err := storage.OpenDatabase(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	history := NewHistoryStore(db, testLogger())
	notes := NewNoteStore(db, testLogger())
	executor := NewToolExecutor(time.Second, testLogger())
	executor.Register(llm.ToolDefinition{
		Name:        "echo",
		Description: "Echoes back its input.",
		Properties: map[string]any{
			"text": map[string]any{"type": "string"},
		},
		Required: []string{"text"},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		text, err := stringArg(args, "text")
		if err != nil {
			return nil, err
		}
		return "echo: " + text, nil
	})
	executor.Register(llm.ToolDefinition{
		Name:        "broken",
		Description: "Always fails.",
		Properties:  map[string]any{},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("tool blew up")
	})

	agent := NewAgent(completer, executor, history, notes, AgentConfig{
		Name:          "Steward",
		MaxIterations: 5,
	}, testLogger())
	return agent, history
}

func historyRoles(t *testing.T, h *HistoryStore, conversationID string) []string {
	t.Helper()
	records, err := h.LoadWindow(conversationID, time.Hour, 100)
	if err != nil {
		t.Fatal(err)
	}
	roles := make([]string, len(records))
	for i, r := range records {
		roles[i] = r.Role
	}
	return roles
}

func TestAgentSimpleTurn(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.Response{
		{StopReason: llm.StopEndTurn, Text: "hello back"},
	}}
	agent, history := newTestAgent(t, completer)

	reply := agent.Run(context.Background(), "c1", "hello")
	if reply != "hello back" {
		t.Errorf("reply = %q", reply)
	}

	roles := historyRoles(t, history, "c1")
	if len(roles) != 2 || roles[0] != RoleUser || roles[1] != RoleAssistant {
		t.Errorf("history roles = %v, want [user assistant]", roles)
	}
}

func TestAgentPhotoTurn(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.Response{
		{StopReason: llm.StopEndTurn, Text: "nice photo"},
	}}
	agent, history := newTestAgent(t, completer)

	img := llm.ImageAttachment{MediaType: "image/png", Data: []byte{1, 2, 3}}
	reply := agent.Run(context.Background(), "c-photo", "[The user sent a photo. Caption: sunset]", img)
	if reply != "nice photo" {
		t.Errorf("reply = %q", reply)
	}

	// The model sees the image inline with the user turn.
	req := completer.requests[0]
	last := req.Messages[len(req.Messages)-1]
	if last.Role != llm.RoleUser {
		t.Fatalf("last message role = %q, want user", last.Role)
	}
	if len(last.Images) != 1 || last.Images[0].MediaType != "image/png" {
		t.Fatalf("last message images = %+v, want one image/png attachment", last.Images)
	}

	// History keeps only the text description, never the bytes.
	records, err := history.LoadWindow("c-photo", time.Hour, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d history rows, want 2", len(records))
	}
	if !strings.Contains(records[0].Content, "sent a photo") {
		t.Errorf("user row = %q, want the photo description", records[0].Content)
	}
}

func TestAgentToolUseLoop(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.Response{
		{
			StopReason: llm.StopToolUse,
			ToolCalls: []llm.ToolCall{
				{ID: "tc_1", Name: "echo", Input: []byte(`{"text":"ping"}`)},
			},
		},
		{StopReason: llm.StopEndTurn, Text: "the tool said: echo: ping"},
	}}
	agent, history := newTestAgent(t, completer)

	reply := agent.Run(context.Background(), "c1", "use the echo tool")
	if reply != "the tool said: echo: ping" {
		t.Errorf("reply = %q", reply)
	}
	if len(completer.requests) != 2 {
		t.Fatalf("model called %d times, want 2", len(completer.requests))
	}

	// The second request carries the assistant tool call and its result.
	second := completer.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || len(last.ToolResults) != 1 {
		t.Fatalf("last message = %+v, want tool results", last)
	}
	if last.ToolResults[0].Content != "echo: ping" {
		t.Errorf("tool result = %q", last.ToolResults[0].Content)
	}

	roles := historyRoles(t, history, "c1")
	want := []string{RoleUser, RoleToolResults, RoleAssistant}
	if strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Errorf("history roles = %v, want %v", roles, want)
	}
}

func TestAgentToolFailureFedBack(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.Response{
		{
			StopReason: llm.StopToolUse,
			ToolCalls:  []llm.ToolCall{{ID: "tc_1", Name: "broken", Input: []byte(`{}`)}},
		},
		{StopReason: llm.StopEndTurn, Text: "that did not work"},
	}}
	agent, _ := newTestAgent(t, completer)

	reply := agent.Run(context.Background(), "c1", "try the broken tool")
	if reply != "that did not work" {
		t.Errorf("reply = %q", reply)
	}

	second := completer.requests[1].Messages
	last := second[len(second)-1]
	if len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Fatalf("expected error tool result, got %+v", last.ToolResults)
	}
}

func TestAgentPauseTurnContinues(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.Response{
		{StopReason: llm.StopPauseTurn, Text: "still working"},
		{StopReason: llm.StopEndTurn, Text: "finished"},
	}}
	agent, _ := newTestAgent(t, completer)

	reply := agent.Run(context.Background(), "c1", "long server-side task")
	if reply != "finished" {
		t.Errorf("reply = %q", reply)
	}
	if len(completer.requests) != 2 {
		t.Fatalf("model called %d times, want 2", len(completer.requests))
	}

	// The paused response was re-submitted as assistant context.
	second := completer.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleAssistant {
		t.Errorf("re-submitted message role = %q", last.Role)
	}
}

func TestAgentIterationCap(t *testing.T) {
	// Every response requests another tool call; the loop must stop at the
	// cap with an explicit incomplete message.
	var responses []*llm.Response
	for i := 0; i < 10; i++ {
		responses = append(responses, &llm.Response{
			StopReason: llm.StopToolUse,
			ToolCalls:  []llm.ToolCall{{ID: "tc", Name: "echo", Input: []byte(`{"text":"again"}`)}},
		})
	}
	completer := &scriptedCompleter{responses: responses}
	agent, _ := newTestAgent(t, completer)

	reply := agent.Run(context.Background(), "c1", "loop forever")
	if !strings.Contains(reply, "incomplete") {
		t.Errorf("reply = %q, want explicit incomplete marker", reply)
	}
	if len(completer.requests) != 5 {
		t.Errorf("model called %d times, want cap of 5", len(completer.requests))
	}
}

func TestAgentModelFailureBecomesReply(t *testing.T) {
	completer := &scriptedCompleter{err: errors.New("rate limited forever")}
	agent, history := newTestAgent(t, completer)

	reply := agent.Run(context.Background(), "c1", "hello")
	if !strings.Contains(reply, "rate limited forever") {
		t.Errorf("reply = %q, want error surfaced as text", reply)
	}

	// The user message was persisted before the failed call.
	roles := historyRoles(t, history, "c1")
	if len(roles) == 0 || roles[0] != RoleUser {
		t.Errorf("history roles = %v, incoming message lost", roles)
	}
}

func TestAgentEmptyReplyPlaceholder(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.Response{
		{StopReason: llm.StopEndTurn, Text: ""},
	}}
	agent, _ := newTestAgent(t, completer)

	reply := agent.Run(context.Background(), "c1", "say nothing")
	if reply != emptyResponsePlaceholder {
		t.Errorf("reply = %q, want placeholder", reply)
	}
}

func TestAgentHistoryCarriesAcrossTurns(t *testing.T) {
	completer := &scriptedCompleter{responses: []*llm.Response{
		{StopReason: llm.StopEndTurn, Text: "first reply"},
		{StopReason: llm.StopEndTurn, Text: "second reply"},
	}}
	agent, _ := newTestAgent(t, completer)

	agent.Run(context.Background(), "c1", "first question")
	agent.Run(context.Background(), "c1", "second question")

	second := completer.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("second turn saw %d messages, want 3 (prior turn + new)", len(second))
	}
	if second[0].Content != "first question" || second[1].Content != "first reply" {
		t.Errorf("prior turn not replayed: %+v", second[:2])
	}
	if second[2].Content != "second question" {
		t.Errorf("new message = %q", second[2].Content)
	}
}
