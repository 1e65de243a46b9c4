package protocol

import (
	"encoding/json"
	"testing"
)

func TestTextOf(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain string", `"hello"`, "hello"},
		{"null", ``, ""},
		{"text parts", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{"image dropped", `[{"type":"text","text":"see"},{"type":"image_url","image_url":{"url":"u"}}]`, "see"},
		{"garbage", `{"not":"content"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TextOf(json.RawMessage(tt.content)); got != tt.want {
				t.Errorf("TextOf(%s) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

func TestFlattenTextImagePlaceholder(t *testing.T) {
	content := json.RawMessage(`[{"type":"image","image_url":{"url":"u"}},{"type":"text","text":"x"}]`)
	if got := FlattenText(content, "[图片]"); got != "[图片]x" {
		t.Errorf("FlattenText = %q", got)
	}
}

func TestIsStructured(t *testing.T) {
	if IsStructured(json.RawMessage(`"plain"`)) {
		t.Error("string content reported structured")
	}
	if !IsStructured(json.RawMessage(`  [{"type":"text","text":"x"}]`)) {
		t.Error("part list not reported structured")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcdefgh", 2},
		{"你好世界", 4},
		{"hi 你好", 3}, // 3 latin chars -> 1, 2 CJK -> 2
		{"!", 1},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
