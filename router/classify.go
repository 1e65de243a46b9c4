package router

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/smartroute-ai/gateway/config"
	"github.com/smartroute-ai/gateway/protocol"
	"github.com/smartroute-ai/gateway/trace"
)

// routerCallTimeout bounds the whole classification call; a slow router
// model must never stall the request it classifies.
const routerCallTimeout = 5 * time.Second

// historyMessages is how many trailing user turns feed the router prompt;
// historyRuneLimit truncates each turn.
const (
	historyMessages  = 3
	historyRuneLimit = 800
)

// tierPattern extracts the tier label from the router model's reply.
var tierPattern = regexp.MustCompile(`\bT([1-3])\b`)

// heuristicKeywords mark a request as t2 when the router model is
// unavailable. Matching is case-insensitive.
var heuristicKeywords = []string{
	"code", "function", "complex", "analysis", "summary", "reasoning",
	"generate", "create",
	"代码", "函数", "分析", "总结", "推理", "生成", "创建", "搜索", "查询",
}

// heuristicLengthT3 is the concatenated-text length, in runes, beyond which
// the heuristic assumes a long-context t3 task.
const heuristicLengthT3 = 2000

// Classifier assigns each request a complexity tier. It prefers the
// configured router model and degrades to a keyword heuristic when that
// model is disabled, misbehaving, or tripped the breaker. Classification is
// never fatal.
type Classifier struct {
	client   *http.Client
	insecure *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewClassifier returns a Classifier with its own short-timeout HTTP clients
// and a circuit breaker around the router-model call.
func NewClassifier(logger *zap.Logger) *Classifier {
	insecureTransport := http.DefaultTransport.(*http.Transport).Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &Classifier{
		client:   &http.Client{Timeout: routerCallTimeout},
		insecure: &http.Client{Timeout: routerCallTimeout, Transport: insecureTransport},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "router-model",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		logger: logger,
	}
}

// Classify determines the tier for a request.
//
// A trailing tool message short-circuits to the first non-empty tier of
// {t2, t3, t1}: continuing a tool-calling loop needs a tool-capable model
// and must not be re-routed mid-conversation. With the router disabled the
// explicit fallback pool t1 is used. Otherwise the router model is consulted
// and any failure or indeterminate reply degrades to the heuristic.
func (c *Classifier) Classify(ctx context.Context, cfg *config.Snapshot, messages []protocol.ChatMessage, rec *trace.Recorder) string {
	if n := len(messages); n > 0 && messages[n-1].Role == "tool" {
		for _, tier := range []string{config.TierT2, config.TierT3, config.TierT1} {
			if len(cfg.Models[tier]) > 0 {
				return tier
			}
		}
		return config.TierT1
	}

	if !cfg.Router.Enabled {
		return config.TierT1
	}

	rec.Record(trace.Event{Stage: trace.StageRouterStart, Status: trace.StatusSuccess})
	start := time.Now()

	tier, err := c.callRouterModel(ctx, cfg, messages)
	if err != nil {
		c.logger.Warn("router model failed, falling back to heuristic",
			zap.String("trace_id", rec.TraceID), zap.Error(err))
		rec.Record(trace.Event{
			Stage:  trace.StageRouterFail,
			Status: trace.StatusFail,
			Reason: err.Error(),
		})
		return heuristicTier(messages)
	}

	rec.Record(trace.Event{
		Stage:      trace.StageRouterEnd,
		Status:     trace.StatusSuccess,
		DurationMS: float64(time.Since(start).Microseconds()) / 1000,
		Reason:     tier,
	})
	return tier
}

// callRouterModel asks the router model for a tier label. An unparseable
// reply counts as a failure so the caller degrades to the heuristic.
func (c *Classifier) callRouterModel(ctx context.Context, cfg *config.Snapshot, messages []protocol.ChatMessage) (string, error) {
	prompt := strings.ReplaceAll(cfg.Router.PromptTemplate, "{history}", historyText(messages))

	payload := map[string]any{
		"model":       cfg.Router.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"max_tokens":  10,
		"temperature": 0,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding router request: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, routerCallTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
			strings.TrimRight(cfg.Router.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating router request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.Router.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.Router.APIKey)
		}

		client := c.client
		if !cfg.Router.VerifySSL {
			client = c.insecure
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("router model returned %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return nil, fmt.Errorf("reading router reply: %w", err)
		}
		return data, nil
	})
	if err != nil {
		return "", err
	}

	m := tierPattern.FindSubmatch(bytes.ToUpper(result.([]byte)))
	if m == nil {
		return "", fmt.Errorf("router reply carries no tier label")
	}
	return "t" + string(m[1]), nil
}

// historyText renders the last user turns as the {history} block of the
// router prompt. Image parts show as the literal [图片]; long turns are
// truncated with an ellipsis.
func historyText(messages []protocol.ChatMessage) string {
	var users []string
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		text := protocol.FlattenText(m.Content, "[图片]")
		if runes := []rune(text); len(runes) > historyRuneLimit {
			text = string(runes[:historyRuneLimit]) + "..."
		}
		users = append(users, "User: "+text)
	}
	if len(users) > historyMessages {
		users = users[len(users)-historyMessages:]
	}
	return strings.Join(users, "\n")
}

// heuristicTier is the router-less fallback: very long context reads as a
// t3 task, action or generation keywords as t2, everything else as t1.
func heuristicTier(messages []protocol.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(protocol.TextOf(m.Content))
		b.WriteByte(' ')
	}
	text := b.String()

	if len([]rune(text)) > heuristicLengthT3 {
		return config.TierT3
	}
	lower := strings.ToLower(text)
	for _, kw := range heuristicKeywords {
		if strings.Contains(lower, kw) {
			return config.TierT2
		}
	}
	return config.TierT1
}
