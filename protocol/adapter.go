package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// defaultMaxTokens is used when a messages upstream requires max_tokens but
// the caller did not set one.
const defaultMaxTokens = 4096

// ToMessages rewrites a chat completions request into the v1 messages shape.
//
// The messages protocol forbids consecutive same-role turns and requires tool
// results to arrive as user content, so the adapter:
//   - concatenates all system messages into the top-level system string,
//   - merges consecutive user turns (plain strings join with a newline;
//     anything structured upgrades the turn to a content-block list),
//   - expands assistant tool_calls into tool_use blocks,
//   - buffers tool messages and flushes them as tool_result blocks into the
//     preceding user turn, or a new one, before the next non-tool turn.
func ToMessages(req *ChatRequest) *MessagesRequest {
	out := &MessagesRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      false,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	out.StopSequences = stopSequences(req.Stop)
	out.ToolChoice = translateToolChoice(req.ToolChoice)

	for _, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, MessagesTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	var system []string
	var pending []ContentBlock

	// flush appends buffered tool_result blocks to the trailing user turn,
	// or opens a new user turn when the previous turn is not a user one.
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == "user" {
			out.Messages[n-1].Content = append(asBlocks(out.Messages[n-1].Content), pending...)
		} else {
			out.Messages = append(out.Messages, MessageParam{Role: "user", Content: pending})
		}
		pending = nil
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if text := TextOf(msg.Content); text != "" {
				system = append(system, text)
			}

		case "tool":
			pending = append(pending, ContentBlock{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   TextOf(msg.Content),
			})

		case "user":
			flush()
			content := userContent(msg.Content)
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == "user" {
				prev := &out.Messages[n-1]
				ps, pok := prev.Content.(string)
				cs, cok := content.(string)
				if pok && cok {
					prev.Content = ps + "\n" + cs
				} else {
					prev.Content = append(asBlocks(prev.Content), asBlocks(content)...)
				}
				continue
			}
			out.Messages = append(out.Messages, MessageParam{Role: "user", Content: content})

		case "assistant":
			flush()
			text := TextOf(msg.Content)
			if len(msg.ToolCalls) == 0 {
				out.Messages = append(out.Messages, MessageParam{Role: "assistant", Content: text})
				continue
			}
			var blocks []ContentBlock
			if text != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: parseArguments(tc.Function.Arguments),
				})
			}
			out.Messages = append(out.Messages, MessageParam{Role: "assistant", Content: blocks})

		default:
			flush()
		}
	}
	flush()

	out.System = strings.Join(system, "\n")
	return out
}

// FromMessages converts a v1 messages response into the aggregated chat
// completions shape. promptText is the textual view of the outbound request,
// used to estimate prompt tokens when the upstream omits usage.
func FromMessages(resp *MessagesResponse, promptText string) *ChatResponse {
	var text strings.Builder
	var calls []ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			calls = append(calls, ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	msg := AssistantMessage{Role: "assistant", ToolCalls: calls}
	if s := text.String(); s != "" {
		msg.Content = &s
	}

	prompt := resp.Usage.InputTokens
	if prompt == 0 {
		prompt = EstimateTokens(promptText)
	}
	completion := resp.Usage.OutputTokens
	if completion == 0 {
		completion = EstimateTokens(text.String())
	}

	finish := resp.StopReason
	if finish == "" {
		finish = "stop"
	}

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
}

// PromptText returns the space-joined plain-text view of a message list,
// used for local token estimation.
func PromptText(messages []ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		text := TextOf(m.Content)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
	return b.String()
}

// userContent converts a chat user content value for the messages protocol:
// plain strings stay strings, part lists become content blocks with image
// parts rendered as a placeholder.
func userContent(content json.RawMessage) any {
	if !IsStructured(content) {
		return TextOf(content)
	}
	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return TextOf(content)
	}
	var blocks []ContentBlock
	for _, part := range parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Type: "text", Text: part.Text})
		case "image_url", "image":
			blocks = append(blocks, ContentBlock{Type: "text", Text: "[图片]"})
		}
	}
	return blocks
}

// asBlocks upgrades a message content value to a content-block list.
func asBlocks(content any) []ContentBlock {
	switch v := content.(type) {
	case []ContentBlock:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: v}}
	default:
		return nil
	}
}

// parseArguments turns a tool-call argument string into a JSON value for a
// tool_use block; malformed arguments degrade to an empty object.
func parseArguments(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// translateToolChoice maps the chat tool_choice value onto the messages
// protocol. "none" and unrecognised values are omitted.
func translateToolChoice(raw json.RawMessage) *MessagesToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "auto" {
			return &MessagesToolChoice{Type: "auto"}
		}
		return nil
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type == "function" && obj.Function.Name != "" {
		return &MessagesToolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

// stopSequences normalises the chat stop value (string or string list).
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}
