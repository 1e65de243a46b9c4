package router

import (
	"strings"

	"github.com/smartroute-ai/gateway/config"
)

// Target is a fully resolved upstream destination for one attempt.
type Target struct {
	BaseURL   string
	APIKey    string
	Protocol  string
	VerifySSL bool

	// Model is the outbound model name sent upstream.
	Model string
	// Entry is the raw configured entry; health stats key on it.
	Entry string
	// Display is what traces and logs show: provider/model when a provider
	// label resolved, the bare entry otherwise.
	Display string
}

// resolveTarget maps a configured model entry onto a provider endpoint.
//
// A slash-prefixed entry addresses a custom provider directly; the prefix is
// stripped from the outbound model name. An unknown prefix falls through to
// the default upstream with the full slashed entry kept as the model name,
// which is what deployed configs rely on (strict_providers rejects such
// entries at load time instead). Bare entries consult providers.map before
// defaulting to the upstream endpoint.
func resolveTarget(cfg *config.Snapshot, entry string) Target {
	t := Target{
		BaseURL:   cfg.Providers.Upstream.BaseURL,
		APIKey:    cfg.Providers.Upstream.APIKey,
		Protocol:  config.ProtocolOpenAI,
		VerifySSL: cfg.Providers.Upstream.VerifySSL,
		Model:     entry,
		Entry:     entry,
		Display:   entry,
	}

	if i := strings.Index(entry, "/"); i > 0 {
		providerID, realModel := entry[:i], entry[i+1:]
		if p, ok := cfg.Providers.Custom[providerID]; ok {
			t.BaseURL = p.BaseURL
			t.APIKey = p.APIKey
			t.Protocol = p.WireProtocol()
			t.VerifySSL = p.VerifyTLS()
			t.Model = realModel
			t.Display = providerID + "/" + realModel
		}
		return t
	}

	if providerID, ok := cfg.Providers.Map[entry]; ok {
		if p, ok := cfg.Providers.Custom[providerID]; ok {
			t.BaseURL = p.BaseURL
			t.APIKey = p.APIKey
			t.Protocol = p.WireProtocol()
			t.VerifySSL = p.VerifyTLS()
			t.Display = providerID + "/" + entry
		}
	}
	return t
}
