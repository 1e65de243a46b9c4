package protocol

import (
	"encoding/json"
	"testing"
)

func intPtr(n int) *int { return &n }

func TestToMessagesConcatenatesSystemMessages(t *testing.T) {
	req := &ChatRequest{
		Messages: []ChatMessage{
			{Role: "system", Content: StringContent("You are helpful.")},
			{Role: "system", Content: StringContent("Answer briefly.")},
			{Role: "user", Content: StringContent("hi")},
		},
	}

	out := ToMessages(req)
	if out.System != "You are helpful.\nAnswer briefly." {
		t.Errorf("system = %q", out.System)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want single user turn", out.Messages)
	}
}

func TestToMessagesMergesConsecutiveUserTurns(t *testing.T) {
	req := &ChatRequest{
		Messages: []ChatMessage{
			{Role: "user", Content: StringContent("first")},
			{Role: "user", Content: StringContent("second")},
		},
	}

	out := ToMessages(req)
	if len(out.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(out.Messages))
	}
	if got := out.Messages[0].Content.(string); got != "first\nsecond" {
		t.Errorf("merged content = %q", got)
	}
}

func TestToMessagesFlushesToolResults(t *testing.T) {
	req := &ChatRequest{
		Messages: []ChatMessage{
			{Role: "user", Content: StringContent("what's the weather?")},
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: StringContent("sunny")},
			{Role: "assistant", Content: StringContent("It is sunny.")},
		},
	}

	out := ToMessages(req)
	if len(out.Messages) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(out.Messages), out.Messages)
	}

	// The assistant tool call becomes a tool_use block.
	blocks, ok := out.Messages[1].Content.([]ContentBlock)
	if !ok || len(blocks) != 1 || blocks[0].Type != "tool_use" {
		t.Fatalf("assistant turn = %+v, want one tool_use block", out.Messages[1].Content)
	}
	if blocks[0].ID != "call_1" || blocks[0].Name != "get_weather" {
		t.Errorf("tool_use block = %+v", blocks[0])
	}

	// The tool reply flushes as a user turn of tool_result blocks.
	results, ok := out.Messages[2].Content.([]ContentBlock)
	if out.Messages[2].Role != "user" || !ok || len(results) != 1 {
		t.Fatalf("tool flush turn = %+v", out.Messages[2])
	}
	if results[0].Type != "tool_result" || results[0].ToolUseID != "call_1" || results[0].Content != "sunny" {
		t.Errorf("tool_result block = %+v", results[0])
	}
}

func TestToMessagesDefaultsMaxTokens(t *testing.T) {
	out := ToMessages(&ChatRequest{Messages: []ChatMessage{{Role: "user", Content: StringContent("hi")}}})
	if out.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want 4096", out.MaxTokens)
	}

	out = ToMessages(&ChatRequest{
		MaxTokens: intPtr(128),
		Messages:  []ChatMessage{{Role: "user", Content: StringContent("hi")}},
	})
	if out.MaxTokens != 128 {
		t.Errorf("explicit max_tokens = %d, want 128", out.MaxTokens)
	}
}

func TestToMessagesToolChoice(t *testing.T) {
	tests := []struct {
		raw  string
		want *MessagesToolChoice
	}{
		{`"auto"`, &MessagesToolChoice{Type: "auto"}},
		{`"none"`, nil},
		{`{"type":"function","function":{"name":"lookup"}}`, &MessagesToolChoice{Type: "tool", Name: "lookup"}},
		{``, nil},
	}
	for _, tt := range tests {
		got := translateToolChoice(json.RawMessage(tt.raw))
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("translateToolChoice(%s) = %+v, want nil", tt.raw, got)
		case tt.want != nil && (got == nil || *got != *tt.want):
			t.Errorf("translateToolChoice(%s) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestStopSequences(t *testing.T) {
	if got := stopSequences(json.RawMessage(`"END"`)); len(got) != 1 || got[0] != "END" {
		t.Errorf("string stop = %v", got)
	}
	if got := stopSequences(json.RawMessage(`["a","b"]`)); len(got) != 2 || got[1] != "b" {
		t.Errorf("list stop = %v", got)
	}
	if got := stopSequences(nil); got != nil {
		t.Errorf("nil stop = %v", got)
	}
}

func TestFromMessagesTextAndToolUse(t *testing.T) {
	resp := &MessagesResponse{
		ID:    "msg_1",
		Model: "claude-3-opus",
		Content: []ResponseBlock{
			{Type: "text", Text: "Let me check. "},
			{Type: "tool_use", ID: "toolu_1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
		},
		StopReason: "tool_use",
		Usage:      MessagesUsage{InputTokens: 12, OutputTokens: 7},
	}

	chat := FromMessages(resp, "prompt")
	if chat.ID != "msg_1" || len(chat.Choices) != 1 {
		t.Fatalf("chat = %+v", chat)
	}
	choice := chat.Choices[0]
	if choice.FinishReason != "tool_use" {
		t.Errorf("finish_reason = %q", choice.FinishReason)
	}
	if choice.Message.Content == nil || *choice.Message.Content != "Let me check. " {
		t.Errorf("content = %v", choice.Message.Content)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("tool_calls = %+v", choice.Message.ToolCalls)
	}
	if chat.Usage.TotalTokens != 19 {
		t.Errorf("total_tokens = %d, want 19", chat.Usage.TotalTokens)
	}
}

func TestFromMessagesEstimatesMissingUsage(t *testing.T) {
	resp := &MessagesResponse{
		Content: []ResponseBlock{{Type: "text", Text: "four char text here"}},
	}

	chat := FromMessages(resp, "some prompt text")
	if chat.Usage.PromptTokens == 0 || chat.Usage.CompletionTokens == 0 {
		t.Errorf("usage should be estimated, got %+v", chat.Usage)
	}
	if chat.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop default", chat.Choices[0].FinishReason)
	}
}

func TestFromMessagesEmptyContentIsNull(t *testing.T) {
	chat := FromMessages(&MessagesResponse{}, "p")
	if chat.Choices[0].Message.Content != nil {
		t.Errorf("empty content should serialise as null, got %v", *chat.Choices[0].Message.Content)
	}
}

func TestUserContentRendersImagePlaceholder(t *testing.T) {
	content := json.RawMessage(`[{"type":"text","text":"look:"},{"type":"image_url","image_url":{"url":"http://x/a.png"}}]`)
	blocks, ok := userContent(content).([]ContentBlock)
	if !ok || len(blocks) != 2 {
		t.Fatalf("userContent = %+v", userContent(content))
	}
	if blocks[1].Text != "[图片]" {
		t.Errorf("image block = %+v", blocks[1])
	}
}
