package router

import (
	"testing"

	"github.com/smartroute-ai/gateway/config"
)

func providerConfig() *config.Snapshot {
	snap := config.Default()
	snap.Providers.Upstream = config.Upstream{
		BaseURL:   "https://api.openai.com/v1",
		APIKey:    "sk-upstream",
		VerifySSL: true,
	}
	insecure := false
	snap.Providers.Custom = map[string]config.Provider{
		"local": {
			BaseURL:   "http://127.0.0.1:8080/v1",
			APIKey:    "sk-local",
			VerifySSL: &insecure,
		},
		"anthropic": {
			BaseURL:  "https://api.anthropic.com/v1",
			APIKey:   "sk-ant",
			Protocol: config.ProtocolMessages,
		},
	}
	snap.Providers.Map = map[string]string{"llama3": "local"}
	return snap
}

func TestResolveTargetSlashPrefix(t *testing.T) {
	snap := providerConfig()

	got := resolveTarget(snap, "local/qwen-72b")
	if got.BaseURL != "http://127.0.0.1:8080/v1" || got.APIKey != "sk-local" {
		t.Errorf("endpoint = %q / %q", got.BaseURL, got.APIKey)
	}
	if got.Model != "qwen-72b" {
		t.Errorf("outbound model = %q, want prefix stripped", got.Model)
	}
	if got.Entry != "local/qwen-72b" {
		t.Errorf("entry = %q, health must key on the raw entry", got.Entry)
	}
	if got.Display != "local/qwen-72b" {
		t.Errorf("display = %q", got.Display)
	}
	if got.VerifySSL {
		t.Error("provider verify_ssl=false not honoured")
	}
}

func TestResolveTargetMessagesProtocol(t *testing.T) {
	got := resolveTarget(providerConfig(), "anthropic/claude-3-opus")
	if got.Protocol != config.ProtocolMessages {
		t.Errorf("protocol = %q, want v1-messages", got.Protocol)
	}
	if !got.VerifySSL {
		t.Error("absent verify_ssl should default to verifying")
	}
}

func TestResolveTargetUnknownPrefixFallsThrough(t *testing.T) {
	got := resolveTarget(providerConfig(), "ghost/model-x")
	if got.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("base url = %q, want default upstream", got.BaseURL)
	}
	// The full slashed entry stays the outbound model name.
	if got.Model != "ghost/model-x" || got.Display != "ghost/model-x" {
		t.Errorf("model/display = %q / %q", got.Model, got.Display)
	}
}

func TestResolveTargetProviderMap(t *testing.T) {
	got := resolveTarget(providerConfig(), "llama3")
	if got.BaseURL != "http://127.0.0.1:8080/v1" {
		t.Errorf("mapped base url = %q", got.BaseURL)
	}
	if got.Model != "llama3" {
		t.Errorf("mapped model = %q, bare entries keep their name", got.Model)
	}
	if got.Display != "local/llama3" {
		t.Errorf("display = %q", got.Display)
	}
}

func TestResolveTargetBareEntryDefaults(t *testing.T) {
	got := resolveTarget(providerConfig(), "gpt-4")
	if got.BaseURL != "https://api.openai.com/v1" || got.APIKey != "sk-upstream" {
		t.Errorf("default target = %+v", got)
	}
	if got.Protocol != config.ProtocolOpenAI {
		t.Errorf("protocol = %q", got.Protocol)
	}
}
