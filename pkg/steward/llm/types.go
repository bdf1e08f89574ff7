// Package llm wraps the Anthropic Messages API behind a small request and
// response surface: ordered messages in, stop reason plus content out, with
// transparent retry of transient failures.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleTool carries tool results back to the model. On the wire it is
	// materialized as a user message with tool_result blocks.
	RoleTool Role = "tool"
)

// StopReason is the model's reason for ending a response.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopToolUse   StopReason = "tool_use"

	// StopPauseTurn means a long-running server-side tool turn was paused.
	// The caller must re-submit the response as context and continue; it is
	// not a terminal stop.
	StopPauseTurn StopReason = "pause_turn"
)

// ImageAttachment is an inline image sent alongside a user message.
type ImageAttachment struct {
	// MediaType is the image MIME type (e.g. "image/jpeg").
	MediaType string
	Data      []byte
}

// Message is one entry in the conversation sent to the model.
type Message struct {
	Role    Role
	Content string

	// Images holds inline images for a RoleUser message.
	Images []ImageAttachment

	// ToolCalls holds tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolResults holds results for a RoleTool message.
	ToolResults []ToolResult

	// raw, when set, is the exact wire form to re-submit. Used to carry a
	// paused response back verbatim, server-side blocks included.
	raw *rawParam
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of one executed tool call.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolDefinition describes one callable tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// Properties is the JSON schema properties map of the input object.
	Properties map[string]any

	// Required lists the mandatory property names.
	Required []string
}

// Request is one model invocation.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// Response is the model's reply.
type Response struct {
	StopReason StopReason

	// Text is the concatenation of all text blocks.
	Text string

	// ToolCalls holds requested tool invocations (StopToolUse).
	ToolCalls []ToolCall

	raw *rawParam
}

// AsMessage converts the response into an assistant message for the next
// request. Paused responses round-trip their exact wire form.
func (r *Response) AsMessage() Message {
	if r.raw != nil {
		return Message{Role: RoleAssistant, raw: r.raw}
	}
	return Message{Role: RoleAssistant, Content: r.Text, ToolCalls: r.ToolCalls}
}

// Completer is the single entry point components use to call the model.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
