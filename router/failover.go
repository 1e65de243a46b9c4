// Package router implements the routing and failover engine: tier
// classification, strategy-driven model ordering, provider resolution,
// dual-deadline upstream attempts, and the per-request failover state
// machine that ties them together.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smartroute-ai/gateway/config"
	"github.com/smartroute-ai/gateway/health"
	"github.com/smartroute-ai/gateway/metrics"
	"github.com/smartroute-ai/gateway/protocol"
	"github.com/smartroute-ai/gateway/telemetry"
	"github.com/smartroute-ai/gateway/trace"
)

// promptPreviewRunes bounds the user-prompt excerpt stored with each log
// record.
const promptPreviewRunes = 200

// Engine drives one request through classification, ordering, and rounds of
// model attempts until a model succeeds or every eligible pair is exhausted.
type Engine struct {
	cfg        *config.Store
	health     *health.Store
	classifier *Classifier
	caller     *caller
	bus        *trace.Bus
	logs       *telemetry.Store
	logger     *zap.Logger
}

// NewEngine wires the engine to the active config, the health store, the
// live trace bus, and the request-log store. logs may be nil to disable
// persistence (tests do this).
func NewEngine(cfg *config.Store, hs *health.Store, bus *trace.Bus, logs *telemetry.Store, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		health:     hs,
		classifier: NewClassifier(logger.Named("classifier")),
		caller:     newCaller(logger.Named("upstream")),
		bus:        bus,
		logs:       logs,
		logger:     logger,
	}
}

// Execute handles one chat-completion request end to end and returns the
// aggregated response together with the request's trace recorder.
//
// Models are ordered once per request; each round walks the ordering and
// skips models that are hard-excluded, failed earlier in the round, or
// cooling down. Auth, not-found, and rate-limit failures exclude a model for
// the whole request; every other classified failure only skips it for the
// current round.
func (e *Engine) Execute(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, *trace.Recorder, error) {
	start := time.Now()
	rec := trace.NewRecorder(uuid.NewString(), e.bus)
	rec.Record(trace.Event{Stage: trace.StageReqReceived, Status: trace.StatusSuccess})

	snap := e.cfg.Snapshot()
	tier := e.classifier.Classify(ctx, snap, req.Messages, rec)

	models := snap.TierModels(tier)
	if len(models) == 0 {
		metrics.RequestsTotal.WithLabelValues(tier, "config_error").Inc()
		return nil, rec, fmt.Errorf("%w: %s", ErrNoModels, tier)
	}

	ordered := orderModels(models, snap.Strategy(tier), e.health)
	rounds := snap.Rounds(tier)

	excluded := make(map[string]bool)
	retryCount := 0
	exhausted := &ExhaustedError{Tier: tier}

	for round := 0; round < rounds; round++ {
		roundFailed := make(map[string]bool)

		for _, entry := range ordered {
			if err := ctx.Err(); err != nil {
				return nil, rec, err
			}
			if excluded[entry] || roundFailed[entry] || e.health.InCooldown(entry) {
				continue
			}

			target := resolveTarget(snap, entry)
			rec.Record(trace.Event{
				Stage:      trace.StageModelCallStart,
				Status:     trace.StatusSuccess,
				DurationMS: millis(time.Since(start)),
				RetryCount: retryCount,
				Model:      target.Display,
			})

			attemptStart := time.Now()
			result, attemptErr := e.caller.call(ctx, snap, tier, target, req, rec, retryCount)
			if attemptErr == nil {
				e.health.RecordSuccess(entry)
				rec.Record(trace.Event{
					Stage:      trace.StageFullResponse,
					Status:     trace.StatusSuccess,
					DurationMS: millis(time.Since(result.FirstToken)),
					RetryCount: retryCount,
					Model:      target.Display,
				})
				metrics.RequestsTotal.WithLabelValues(tier, "success").Inc()
				metrics.AttemptsTotal.WithLabelValues(tier, "success").Inc()
				metrics.TTFTSeconds.WithLabelValues(tier).Observe(result.FirstToken.Sub(attemptStart).Seconds())
				metrics.RequestSeconds.WithLabelValues(tier).Observe(time.Since(start).Seconds())

				go e.persistLog(rec, tier, target.Display, start, "success", req, result, nil, retryCount)
				return result.Response, rec, nil
			}

			// A cancelled client aborts the request outright; the attempt's
			// partial state is discarded, not booked against the model.
			if err := ctx.Err(); err != nil && attemptErr.Kind == FailOther {
				return nil, rec, err
			}

			v := attemptErr.verdict()
			e.health.RecordFailure(entry, v.Penalty, v.Cooldown)
			rec.Record(trace.Event{
				Stage:      trace.StageModelFail,
				Status:     trace.StatusFail,
				DurationMS: millis(time.Since(attemptStart)),
				RetryCount: retryCount,
				Model:      target.Display,
				Reason:     attemptErr.Reason(),
			})
			metrics.AttemptsTotal.WithLabelValues(tier, attemptErr.Reason()).Inc()
			e.logger.Warn("model attempt failed",
				zap.String("trace_id", rec.TraceID),
				zap.String("tier", tier),
				zap.String("model", target.Display),
				zap.String("reason", attemptErr.Reason()),
				zap.Int("round", round+1),
				zap.Error(attemptErr))

			exhausted.Attempts = append(exhausted.Attempts, attemptRecord{
				Model:  target.Display,
				Reason: attemptErr.Reason(),
				Err:    attemptErr,
			})
			if v.Scope == scopeRequest {
				excluded[entry] = true
			} else {
				roundFailed[entry] = true
			}
			retryCount++
		}
	}

	rec.Record(trace.Event{
		Stage:      trace.StageAllFailed,
		Status:     trace.StatusFail,
		DurationMS: millis(time.Since(start)),
		RetryCount: retryCount,
	})
	metrics.RequestsTotal.WithLabelValues(tier, "exhausted").Inc()
	metrics.RequestSeconds.WithLabelValues(tier).Observe(time.Since(start).Seconds())

	// The terminal state must hit durable storage before the caller sees the
	// failure, so this persist is synchronous.
	e.persistLog(rec, tier, "all", start, "error", req, nil, exhausted, retryCount)
	return nil, rec, exhausted
}

// Candidates returns the ordered attempt candidates for a tier together
// with their current health views, for ops tooling. The ordering uses the
// tier's configured strategy.
func (e *Engine) Candidates(tier string) []health.View {
	snap := e.cfg.Snapshot()
	ordered := orderModels(snap.TierModels(tier), snap.Strategy(tier), e.health)
	views := e.health.Snapshot()

	out := make([]health.View, 0, len(ordered))
	for _, entry := range ordered {
		v, ok := views[entry]
		if !ok {
			v = health.View{Model: entry, HealthScore: 100}
		}
		out = append(out, v)
	}
	return out
}

// HeuristicTier exposes the fallback classifier for dry-run tooling.
func HeuristicTier(prompt string) string {
	return heuristicTier([]protocol.ChatMessage{{Role: "user", Content: protocol.StringContent(prompt)}})
}

// persistLog hands the finished request to the log store. Persistence
// failures are logged and swallowed; they must never fail the request.
func (e *Engine) persistLog(rec *trace.Recorder, tier, model string, start time.Time, status string, req *protocol.ChatRequest, result *attemptResult, finalErr error, retryCount int) {
	if e.logs == nil {
		return
	}

	fullReq, _ := json.Marshal(req)

	var fullResp, errDetail, tokenSource string
	if result != nil {
		data, _ := json.Marshal(result.Response)
		fullResp = string(data)
		tokenSource = "upstream"
		if result.UsageEstimated {
			tokenSource = "local"
		}
	}
	if finalErr != nil {
		errDetail = finalErr.Error()
		fullResp = errDetail
	}

	record := telemetry.Record{
		Timestamp:         start.UTC(),
		TraceID:           rec.TraceID,
		Level:             tier,
		Model:             model,
		DurationMS:        millis(time.Since(start)),
		Status:            status,
		RetryCount:        retryCount,
		UserPromptPreview: promptPreview(req.Messages),
		FullRequest:       string(fullReq),
		FullResponse:      fullResp,
		ErrorDetail:       errDetail,
		TokenSource:       tokenSource,
		Trace:             rec.TimelineJSON(),
	}
	if err := e.logs.Insert(record); err != nil {
		e.logger.Warn("persisting request log",
			zap.String("trace_id", rec.TraceID), zap.Error(err))
	}
}

// promptPreview excerpts the final user turn for the log listing.
func promptPreview(messages []protocol.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		text := protocol.TextOf(messages[i].Content)
		if runes := []rune(text); len(runes) > promptPreviewRunes {
			return string(runes[:promptPreviewRunes])
		}
		return text
	}
	return ""
}
