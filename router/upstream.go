package router

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smartroute-ai/gateway/config"
	"github.com/smartroute-ai/gateway/protocol"
	"github.com/smartroute-ai/gateway/trace"
)

// errorBodyBudget bounds how long reading a non-200 body may take;
// errorBodyLimit bounds how much of it is kept.
const (
	errorBodyBudget = 10 * time.Second
	errorBodyLimit  = 32 << 10
)

// responseBodyLimit caps a non-streaming v1-messages response body.
const responseBodyLimit = 10 << 20

// caller issues one attempt against one resolved target: payload merge,
// dual-deadline dispatch, stream aggregation, and failure classification.
type caller struct {
	client   *http.Client
	insecure *http.Client
	logger   *zap.Logger
}

// newCaller builds the process-wide HTTP clients. The pooled transport keeps
// keepalive connections capped; per-attempt deadlines are enforced with
// contexts, so the clients themselves carry no timeout.
func newCaller(logger *zap.Logger) *caller {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	insecureTransport := transport.Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &caller{
		client:   &http.Client{Transport: transport},
		insecure: &http.Client{Transport: insecureTransport},
		logger:   logger,
	}
}

// attemptResult is a successful attempt's aggregated output.
type attemptResult struct {
	Response *protocol.ChatResponse
	// UsageEstimated is set when the upstream omitted usage and the token
	// counts were filled in locally.
	UsageEstimated bool
	// FirstToken is when response headers arrived.
	FirstToken time.Time
}

// call runs one attempt. Two independent deadlines guard the same operation:
// the connect budget covers dispatch to response headers (time to first
// token) and the generation budget covers dispatch to last byte. Either
// expiry cancels the in-flight request; client disconnects propagate through
// ctx and cancel it the same way.
func (c *caller) call(ctx context.Context, cfg *config.Snapshot, tier string, target Target, req *protocol.ChatRequest, rec *trace.Recorder, retryCount int) (*attemptResult, *AttemptError) {
	payload, err := mergePayload(cfg, target, req)
	if err != nil {
		return nil, &AttemptError{Kind: FailOther, Err: err}
	}

	var (
		endpoint string
		body     []byte
	)
	switch target.Protocol {
	case config.ProtocolMessages:
		endpoint = strings.TrimRight(target.BaseURL, "/") + "/messages"
		body, err = messagesBody(payload, target.Model)
	default:
		endpoint = strings.TrimRight(target.BaseURL, "/") + "/chat/completions"
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
		body, err = json.Marshal(payload)
	}
	if err != nil {
		return nil, &AttemptError{Kind: FailOther, Err: err}
	}

	start := time.Now()
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ttftExpired, totalExpired atomic.Bool
	ttftTimer := time.AfterFunc(cfg.ConnectTimeout(tier), func() {
		ttftExpired.Store(true)
		cancel()
	})
	totalTimer := time.AfterFunc(cfg.GenerationTimeout(tier), func() {
		totalExpired.Store(true)
		cancel()
	})
	defer totalTimer.Stop()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		ttftTimer.Stop()
		return nil, &AttemptError{Kind: FailOther, Err: fmt.Errorf("creating upstream request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if target.Protocol == config.ProtocolMessages {
		httpReq.Header.Set("x-api-key", target.APIKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	} else if target.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+target.APIKey)
	}

	client := c.client
	if !target.VerifySSL {
		client = c.insecure
	}

	resp, err := client.Do(httpReq)
	ttftTimer.Stop()
	if err != nil {
		return nil, classifyTransport(err, &ttftExpired, &totalExpired)
	}
	defer resp.Body.Close()

	firstToken := time.Now()
	rec.Record(trace.Event{
		Stage:      trace.StageFirstToken,
		Status:     trace.StatusSuccess,
		DurationMS: millis(firstToken.Sub(start)),
		RetryCount: retryCount,
		Model:      target.Display,
	})

	if resp.StatusCode != http.StatusOK {
		return nil, c.readErrorBody(resp, cancel, cfg.Retries.Conditions)
	}

	var result *attemptResult
	var attemptErr *AttemptError
	if target.Protocol == config.ProtocolMessages {
		result, attemptErr = c.readMessages(resp.Body, target, req, cfg.Retries.Conditions.RetryOnEmpty)
	} else {
		result, attemptErr = c.readStream(resp.Body, target, req, cfg.Retries.Conditions.RetryOnEmpty)
	}
	if attemptErr != nil {
		// A read-loop transport error caused by one of our deadlines is the
		// corresponding timeout, not a generic upstream fault.
		if attemptErr.Kind == FailOther && (ttftExpired.Load() || totalExpired.Load()) {
			attemptErr = classifyTransport(attemptErr.Err, &ttftExpired, &totalExpired)
		}
		return nil, attemptErr
	}
	result.FirstToken = firstToken
	return result, nil
}

// classifyTransport distinguishes our own deadline expiries from genuine
// network faults. The flags win over the error text: the http client
// surfaces every cancellation as a context error.
func classifyTransport(err error, ttftExpired, totalExpired *atomic.Bool) *AttemptError {
	switch {
	case ttftExpired.Load():
		return &AttemptError{Kind: FailTTFTTimeout, Err: err}
	case totalExpired.Load():
		return &AttemptError{Kind: FailTotalTimeout, Err: err}
	default:
		if isTimeout(err) {
			return &AttemptError{Kind: FailConnectTimeout, Err: err}
		}
		return &AttemptError{Kind: FailOther, Err: err}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// readErrorBody drains a non-200 reply under its own sub-budget and
// classifies the attempt by status code first, keywords second.
func (c *caller) readErrorBody(resp *http.Response, cancel context.CancelFunc, cond config.Conditions) *AttemptError {
	bodyTimer := time.AfterFunc(errorBodyBudget, cancel)
	defer bodyTimer.Stop()

	data, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if err != nil {
		c.logger.Debug("reading upstream error body", zap.Error(err))
	}
	return classifyResponse(resp.StatusCode, string(data), cond)
}

// streamChunk is one decoded SSE data frame of a chat-completions stream.
type streamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   *string         `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *protocol.Usage `json:"usage"`
}

// toolCallDelta is a tool-call fragment keyed by index. The id and type
// arrive once; name and argument fragments accumulate.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// readStream aggregates a chat-completions SSE stream into the final
// non-streaming response. Lines are buffered until their newline, so frames
// split mid-prefix or across multibyte boundaries reassemble correctly.
// Malformed JSON frames are skipped; the stream is never abandoned
// mid-parse.
func (c *caller) readStream(body io.Reader, target Target, req *protocol.ChatRequest, retryOnEmpty bool) (*attemptResult, *AttemptError) {
	var (
		content   strings.Builder
		toolCalls = make(map[int]*protocol.ToolCall)
		usage     *protocol.Usage
		finish    string
	)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			c.consumeLine(line, &content, toolCalls, &usage, &finish)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &AttemptError{Kind: FailOther, Err: fmt.Errorf("reading stream: %w", err)}
		}
	}

	text := strings.ToValidUTF8(content.String(), string(utf8.RuneError))
	if text == "" && len(toolCalls) == 0 && retryOnEmpty {
		return nil, &AttemptError{Kind: FailEmpty}
	}

	msg := protocol.AssistantMessage{Role: "assistant"}
	if text != "" {
		msg.Content = &text
	}
	if len(toolCalls) > 0 {
		indexes := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			msg.ToolCalls = append(msg.ToolCalls, *toolCalls[i])
		}
	}
	if finish == "" {
		finish = "stop"
	}

	result := &attemptResult{
		Response: &protocol.ChatResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   target.Model,
			Choices: []protocol.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		},
	}
	if usage != nil {
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		result.Response.Usage = *usage
	} else {
		prompt := protocol.EstimateTokens(protocol.PromptText(req.Messages))
		completion := protocol.EstimateTokens(text)
		result.Response.Usage = protocol.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}
		result.UsageEstimated = true
	}
	return result, nil
}

// consumeLine folds one SSE line into the accumulated state.
func (c *caller) consumeLine(raw string, content *strings.Builder, toolCalls map[int]*protocol.ToolCall, usage **protocol.Usage, finish *string) {
	line := strings.TrimSpace(raw)
	if line == "" || !strings.HasPrefix(line, "data:") {
		return
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "[DONE]" {
		return
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return
	}

	if chunk.Usage != nil {
		*usage = chunk.Usage
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != nil {
			content.WriteString(*choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			agg, ok := toolCalls[tc.Index]
			if !ok {
				agg = &protocol.ToolCall{Type: "function"}
				toolCalls[tc.Index] = agg
			}
			if tc.ID != "" {
				agg.ID = tc.ID
			}
			if tc.Type != "" {
				agg.Type = tc.Type
			}
			agg.Function.Name += tc.Function.Name
			agg.Function.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			*finish = *choice.FinishReason
		}
	}
}

// readMessages consumes a non-streaming v1-messages reply and translates it
// into the chat-completions shape.
func (c *caller) readMessages(body io.Reader, target Target, req *protocol.ChatRequest, retryOnEmpty bool) (*attemptResult, *AttemptError) {
	data, err := io.ReadAll(io.LimitReader(body, responseBodyLimit))
	if err != nil {
		return nil, &AttemptError{Kind: FailOther, Err: fmt.Errorf("reading response: %w", err)}
	}

	var resp protocol.MessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &AttemptError{Kind: FailOther, Err: fmt.Errorf("parsing messages response: %w", err)}
	}

	estimated := resp.Usage.InputTokens == 0 || resp.Usage.OutputTokens == 0
	chat := protocol.FromMessages(&resp, protocol.PromptText(req.Messages))
	chat.Model = target.Model

	msg := chat.Choices[0].Message
	if (msg.Content == nil || *msg.Content == "") && len(msg.ToolCalls) == 0 && retryOnEmpty {
		return nil, &AttemptError{Kind: FailEmpty}
	}
	return &attemptResult{Response: chat, UsageEstimated: estimated}, nil
}

// mergePayload builds the outbound payload in ascending precedence:
// global_params, model_params for the outbound model, then every field the
// caller supplied explicitly. The model field is always overwritten with the
// resolved outbound name.
func mergePayload(cfg *config.Snapshot, target Target, req *protocol.ChatRequest) (map[string]any, error) {
	out := make(map[string]any)
	for k, v := range cfg.Params.GlobalParams {
		out[k] = v
	}
	for k, v := range cfg.Params.ModelParams[target.Model] {
		out[k] = v
	}

	// Optional request fields are pointers serialised with omitempty, so
	// round-tripping through JSON yields exactly the explicit ones.
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	var explicit map[string]any
	if err := json.Unmarshal(raw, &explicit); err != nil {
		return nil, fmt.Errorf("flattening request: %w", err)
	}
	for k, v := range explicit {
		out[k] = v
	}

	out["model"] = target.Model
	return out, nil
}

// messagesBody renders the merged payload as a v1-messages request. The
// merged map is folded back into the typed request first so configured
// params participate in the translation.
func messagesBody(payload map[string]any, model string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding merged payload: %w", err)
	}
	var merged protocol.ChatRequest
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, fmt.Errorf("typing merged payload: %w", err)
	}

	msgReq := protocol.ToMessages(&merged)
	msgReq.Model = model
	msgReq.Stream = false
	return json.Marshal(msgReq)
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
