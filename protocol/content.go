package protocol

import (
	"encoding/json"
	"strings"
)

// TextOf returns the plain-text view of a message content value: the string
// itself for string content, the concatenated text parts for multimodal
// content, and "" for null or unparseable content.
func TextOf(content json.RawMessage) string {
	return FlattenText(content, "")
}

// FlattenText is TextOf with non-text parts acknowledged: image parts are
// rendered as imagePlaceholder (skipped when the placeholder is empty).
func FlattenText(content json.RawMessage, imagePlaceholder string) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}

	var b strings.Builder
	for _, part := range parts {
		switch part.Type {
		case "text":
			b.WriteString(part.Text)
		case "image_url", "image":
			b.WriteString(imagePlaceholder)
		}
	}
	return b.String()
}

// StringContent wraps s as a raw JSON string content value.
func StringContent(s string) json.RawMessage {
	b, _ := json.Marshal(s) //nolint:errcheck
	return b
}

// IsStructured reports whether a content value is a part list rather than a
// plain string.
func IsStructured(content json.RawMessage) bool {
	for _, c := range content {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
