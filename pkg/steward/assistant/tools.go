// tools.go manages a registry of callable tools and dispatches tool calls
// from the model to the appropriate handlers.

package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steward-bot/steward/pkg/steward/llm"
)

// DefaultToolTimeout is the maximum time a single tool execution can take
// unless overridden.
const DefaultToolTimeout = 30 * time.Second

// ToolHandlerFunc is the signature for tool execution handlers. It receives
// parsed arguments and returns the result or an error.
type ToolHandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// registeredTool bundles a tool definition with its handler.
type registeredTool struct {
	Definition llm.ToolDefinition
	Handler    ToolHandlerFunc
}

// ToolExecutor manages tool registration and dispatches tool calls.
type ToolExecutor struct {
	tools   map[string]*registeredTool
	order   []string
	timeout time.Duration
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewToolExecutor creates an empty tool executor.
func NewToolExecutor(timeout time.Duration, logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &ToolExecutor{
		tools:   make(map[string]*registeredTool),
		timeout: timeout,
		logger:  logger.With("component", "tool_executor"),
	}
}

// Register adds a tool with its definition and handler. A tool with the
// same name is overwritten.
func (e *ToolExecutor) Register(def llm.ToolDefinition, handler ToolHandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.tools[def.Name]; !exists {
		e.order = append(e.order, def.Name)
	}
	e.tools[def.Name] = &registeredTool{Definition: def, Handler: handler}
	e.logger.Debug("tool registered", "name", def.Name)
}

// Tools returns all registered tool definitions in registration order.
func (e *ToolExecutor) Tools() []llm.ToolDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(e.order))
	for _, name := range e.order {
		defs = append(defs, e.tools[name].Definition)
	}
	return defs
}

// HasTool checks if a tool is registered by name.
func (e *ToolExecutor) HasTool(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tools[name]
	return ok
}

// Execute dispatches a batch of tool calls to their registered handlers,
// sequentially, each with a per-tool timeout. Results come back in call
// order; failures become error results fed to the model, never a crash.
func (e *ToolExecutor) Execute(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = e.executeSingle(ctx, call)
	}
	return results
}

// executeSingle runs a single tool call and returns the result.
func (e *ToolExecutor) executeSingle(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	result := llm.ToolResult{ToolCallID: call.ID}

	e.mu.RLock()
	tool, ok := e.tools[call.Name]
	e.mu.RUnlock()

	if !ok {
		result.Content = fmt.Sprintf("Error: unknown tool %q", call.Name)
		result.IsError = true
		e.logger.Warn("unknown tool called", "name", call.Name)
		return result
	}

	args, err := parseToolArgs(call.Input)
	if err != nil {
		result.Content = fmt.Sprintf("Error parsing arguments: %v", err)
		result.IsError = true
		e.logger.Warn("tool argument parse error", "name", call.Name, "error", err)
		return result
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	output, err := tool.Handler(execCtx, args)
	duration := time.Since(start)

	if err != nil {
		result.Content = fmt.Sprintf("Error: %v", err)
		result.IsError = true
		e.logger.Warn("tool execution failed",
			"name", call.Name,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
		return result
	}

	result.Content = formatToolOutput(output)
	e.logger.Info("tool executed",
		"name", call.Name,
		"duration_ms", duration.Milliseconds(),
		"output_len", len(result.Content),
	)
	return result
}

// parseToolArgs parses the tool call's JSON input into a map. Empty input
// yields an empty map.
func parseToolArgs(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// formatToolOutput serializes a handler's output for the model.
func formatToolOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return "(no output)"
	case string:
		if v == "" {
			return "(no output)"
		}
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// stringArg extracts a required string argument, converting a missing or
// mistyped field into a typed error instead of a crash.
func stringArg(args map[string]any, key string) (string, error) {
	val, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}
