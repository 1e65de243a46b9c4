// Package config manages the gateway's two configuration layers: the dynamic
// routing snapshot persisted to config.json (atomically swappable, hot
// reloaded) and the static process bootstrap read from server.yaml.
package config

import "time"

// Routing tiers in priority order.
const (
	TierT1 = "t1"
	TierT2 = "t2"
	TierT3 = "t3"
)

// Tiers lists the routing tiers in priority order.
var Tiers = []string{TierT1, TierT2, TierT3}

// Model ordering strategies.
const (
	StrategySequential = "sequential"
	StrategyRandom     = "random"
	StrategyAdaptive   = "adaptive"
)

// Wire protocols spoken to custom providers.
const (
	ProtocolOpenAI   = "openai"
	ProtocolMessages = "v1-messages"
)

// Snapshot is the immutable routing configuration. It is created whole,
// swapped whole, and never mutated in place; readers hold one consistent
// view for the duration of a request.
//
// Snapshots decode over Default(), so fields absent from the file keep their
// default values rather than zeroing.
type Snapshot struct {
	Models     map[string][]string `json:"models" validate:"required"`
	Strategies map[string]string   `json:"strategies"`
	Timeouts   Timeouts            `json:"timeouts"`
	Retries    Retries             `json:"retries"`
	Providers  ProviderSet         `json:"providers"`
	Router     RouterModel         `json:"router"`
	Health     HealthTuning        `json:"health"`
	Params     Params              `json:"params"`

	// GatewayAPIKey, when set, is required as a bearer token on the edge.
	GatewayAPIKey string `json:"gateway_api_key,omitempty"`

	// StrictProviders rejects configs whose slashed model entries reference
	// unknown provider ids instead of silently falling through to the
	// default upstream.
	StrictProviders bool `json:"strict_providers,omitempty"`
}

// Timeouts carries the two per-tier deadlines in milliseconds: connect is
// the budget from dispatch to response headers (time to first token),
// generation the budget from dispatch to the last byte.
type Timeouts struct {
	Connect    map[string]int `json:"connect" validate:"dive,gt=0"`
	Generation map[string]int `json:"generation" validate:"dive,gt=0"`
}

// Retries controls failover: how many passes are made over a tier's model
// list and which failures count as retryable.
type Retries struct {
	Rounds     map[string]int `json:"rounds" validate:"dive,gte=1"`
	Conditions Conditions     `json:"conditions"`
}

// Conditions marks upstream failures as retryable.
type Conditions struct {
	StatusCodes   []int    `json:"status_codes"`
	ErrorKeywords []string `json:"error_keywords"`
	RetryOnEmpty  bool     `json:"retry_on_empty"`
}

// ProviderSet resolves model entries to endpoints: Custom holds providers
// addressable by slash prefix, Map routes bare model ids to a provider, and
// Upstream is the default endpoint.
type ProviderSet struct {
	Upstream Upstream            `json:"upstream"`
	Custom   map[string]Provider `json:"custom" validate:"dive"`
	Map      map[string]string   `json:"map"`
}

// Upstream is the default provider endpoint.
type Upstream struct {
	BaseURL   string `json:"base_url" validate:"omitempty,url"`
	APIKey    string `json:"api_key"`
	VerifySSL bool   `json:"verify_ssl"`
}

// Provider is one custom provider endpoint. VerifySSL is a pointer because
// provider entries are map values and cannot inherit the seeded default;
// absent means verify.
type Provider struct {
	BaseURL   string `json:"base_url" validate:"required,url"`
	APIKey    string `json:"api_key"`
	Protocol  string `json:"protocol" validate:"omitempty,oneof=openai v1-messages"`
	VerifySSL *bool  `json:"verify_ssl,omitempty"`
}

// VerifyTLS reports whether TLS verification is enabled for the provider.
func (p Provider) VerifyTLS() bool {
	return p.VerifySSL == nil || *p.VerifySSL
}

// WireProtocol returns the provider's protocol, defaulting to openai.
func (p Provider) WireProtocol() string {
	if p.Protocol == "" {
		return ProtocolOpenAI
	}
	return p.Protocol
}

// RouterModel configures the tier-classification model.
type RouterModel struct {
	Enabled        bool   `json:"enabled"`
	Model          string `json:"model"`
	BaseURL        string `json:"base_url" validate:"omitempty,url"`
	APIKey         string `json:"api_key"`
	VerifySSL      bool   `json:"verify_ssl"`
	PromptTemplate string `json:"prompt_template"`
}

// HealthTuning configures the health store.
type HealthTuning struct {
	// DecayRate is how many failure-score points a model recovers per
	// wall-clock minute of quiet.
	DecayRate float64 `json:"decay_rate" validate:"gte=0"`
}

// Params carries default request parameters merged into outbound payloads:
// global ones first, then per-model ones, with the caller's explicit fields
// taking final precedence.
type Params struct {
	GlobalParams map[string]any            `json:"global_params"`
	ModelParams  map[string]map[string]any `json:"model_params"`
}

// TierModels returns the configured model entries for a tier.
func (s *Snapshot) TierModels(tier string) []string {
	return s.Models[tier]
}

// Strategy returns the ordering strategy for a tier, defaulting to
// sequential.
func (s *Snapshot) Strategy(tier string) string {
	if v, ok := s.Strategies[tier]; ok && v != "" {
		return v
	}
	return StrategySequential
}

// ConnectTimeout returns the tier's time-to-first-token budget.
func (s *Snapshot) ConnectTimeout(tier string) time.Duration {
	return tierDuration(s.Timeouts.Connect, tier)
}

// GenerationTimeout returns the tier's total read budget.
func (s *Snapshot) GenerationTimeout(tier string) time.Duration {
	return tierDuration(s.Timeouts.Generation, tier)
}

// Rounds returns how many passes over the tier's model list a request makes.
func (s *Snapshot) Rounds(tier string) int {
	if n, ok := s.Retries.Rounds[tier]; ok && n >= 1 {
		return n
	}
	return 1
}

// AllModels returns the union of all tiers' model entries, de-duplicated in
// tier order with empty entries dropped.
func (s *Snapshot) AllModels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, tier := range Tiers {
		for _, entry := range s.Models[tier] {
			if entry == "" || seen[entry] {
				continue
			}
			seen[entry] = true
			out = append(out, entry)
		}
	}
	return out
}

func tierDuration(m map[string]int, tier string) time.Duration {
	if ms, ok := m[tier]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(defaultTimeouts[tier]) * time.Millisecond
}

var defaultTimeouts = map[string]int{TierT1: 5000, TierT2: 15000, TierT3: 30000}

// DefaultPromptTemplate is the stock classification prompt. The literal
// {history} is substituted with the recent user turns at call time.
const DefaultPromptTemplate = `You are an intent router for an advanced AI Agent system.
Analyze the user's request history and classify the complexity into one of three levels based on **Reasoning Depth** and **Tool/System Interaction**.

**Guidelines:**
- **Short does NOT mean simple.** A request like "Restart the server" is short but requires high-privilege tool access (T2/T3).
- **Tool usage rules out T1.** If the user implies ANY action beyond pure conversation (e.g., searching, clicking, file manipulation), it must be T2 or T3.

**Classification Levels:**

T1 (Passive / Text-Only):
- Pure conversation, greetings, chit-chat.
- Factual questions answerable by internal knowledge (e.g., "What is the capital of France?").
- **Constraint:** NO external tools, NO system operations, NO side effects.

T2 (Active / Single-Task):
- Requests requiring **Standard Tool Usage** (e.g., Web Search, Calculator, Weather).
- Code generation (Functions, scripts).
- Simple system operations (e.g., "Open the browser", "Create a folder").
- Analysis of user-provided files/images.

T3 (Agentic / Complex Flow):
- **Complex Agent Workflows:** Multi-step executions (e.g., "Go to GitHub, find the repo, clone it, and fix the bug").
- **Deep System Control:** Automating browser interaction (Selenium/Playwright), OS-level modifications.
- High-stakes reasoning, architectural design, or handling ambiguous instructions that require planning.

User History:
{history}

Respond ONLY with the label: "T1", "T2", or "T3".`

// Default returns a fresh snapshot with the stock configuration.
func Default() *Snapshot {
	return &Snapshot{
		Models: map[string][]string{
			TierT1: {"gpt-3.5-turbo", "gpt-4o-mini"},
			TierT2: {"gpt-4", "gpt-4-turbo"},
			TierT3: {"gpt-4-32k", "claude-3-opus"},
		},
		Strategies: map[string]string{
			TierT1: StrategySequential,
			TierT2: StrategySequential,
			TierT3: StrategySequential,
		},
		Timeouts: Timeouts{
			Connect:    map[string]int{TierT1: 5000, TierT2: 15000, TierT3: 30000},
			Generation: map[string]int{TierT1: 5000, TierT2: 15000, TierT3: 30000},
		},
		Retries: Retries{
			Rounds: map[string]int{TierT1: 1, TierT2: 1, TierT3: 1},
			Conditions: Conditions{
				StatusCodes:   []int{429, 500, 502, 503, 504},
				ErrorKeywords: []string{"rate limit", "quota exceeded", "overloaded", "timeout", "try again"},
				RetryOnEmpty:  true,
			},
		},
		Providers: ProviderSet{
			Upstream: Upstream{
				BaseURL:   "https://api.openai.com/v1",
				VerifySSL: true,
			},
			Custom: map[string]Provider{},
			Map:    map[string]string{},
		},
		Router: RouterModel{
			Enabled:        false,
			Model:          "gpt-3.5-turbo",
			BaseURL:        "https://api.openai.com/v1",
			VerifySSL:      true,
			PromptTemplate: DefaultPromptTemplate,
		},
		Health: HealthTuning{DecayRate: 1.0},
		Params: Params{
			GlobalParams: map[string]any{},
			ModelParams:  map[string]map[string]any{},
		},
	}
}
