// Package trace models the per-request event timeline and the live trace
// feed. Formatted lines are a wire format consumed by operators and the live
// stream; the localisation tables below are fixed and must stay bit-stable.
package trace

import (
	"fmt"
	"strings"
	"time"
)

// Stage identifies a point in a request's lifecycle.
type Stage string

// Lifecycle stages in state-machine order.
const (
	StageReqReceived    Stage = "REQ_RECEIVED"
	StageRouterStart    Stage = "ROUTER_START"
	StageRouterEnd      Stage = "ROUTER_END"
	StageRouterFail     Stage = "ROUTER_FAIL"
	StageModelCallStart Stage = "MODEL_CALL_START"
	StageFirstToken     Stage = "FIRST_TOKEN"
	StageFullResponse   Stage = "FULL_RESPONSE"
	StageModelFail      Stage = "MODEL_FAIL"
	StageAllFailed      Stage = "ALL_FAILED"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusError   = "error"
)

// stageNames maps stages to their localised display strings. Stages without
// an entry (ROUTER_START, ROUTER_END) pass through verbatim.
var stageNames = map[Stage]string{
	StageReqReceived:    "收到请求",
	StageModelCallStart: "开始调用模型",
	StageFirstToken:     "首字返回",
	StageFullResponse:   "响应完成",
	StageModelFail:      "模型调用失败",
	StageAllFailed:      "全部尝试失败",
	StageRouterFail:     "路由决策失败",
}

var statusNames = map[string]string{
	StatusSuccess: "成功",
	StatusFail:    "失败",
	StatusError:   "错误",
}

// Event is one immutable record of a request's trace timeline.
type Event struct {
	Stage      Stage     `json:"stage"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS float64   `json:"duration_ms"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count,omitempty"`
	Model      string    `json:"model,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// FormatLine renders an event as one trace line:
//
//	[HH:MM:SS.mmm] 【阶段】 状态 (耗时: 12.34ms) [重试: 1] | details <abcd1234>
//
// The duration segment appears only for positive durations, the retry
// segment only for positive counts, and details only when model or reason
// is set.
func FormatLine(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] 【%s】 %s",
		e.Timestamp.Format("15:04:05.000"), stageName(e.Stage), statusName(e.Status))
	if e.DurationMS > 0 {
		fmt.Fprintf(&b, " (耗时: %.2fms)", e.DurationMS)
	}
	if e.RetryCount > 0 {
		fmt.Fprintf(&b, " [重试: %d]", e.RetryCount)
	}
	if d := e.details(); d != "" {
		fmt.Fprintf(&b, " | %s", d)
	}
	if e.TraceID != "" {
		fmt.Fprintf(&b, " <%s>", ShortID(e.TraceID))
	}
	return b.String()
}

// ShortID returns the first eight characters of a trace id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (e Event) details() string {
	switch {
	case e.Model != "" && e.Reason != "":
		return e.Model + ": " + e.Reason
	case e.Model != "":
		return e.Model
	default:
		return e.Reason
	}
}

func stageName(s Stage) string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return string(s)
}

func statusName(s string) string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return s
}
