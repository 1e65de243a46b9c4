package router

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smartroute-ai/gateway/config"
)

// FailKind discriminates why one upstream attempt failed. The orchestrator
// maps kinds onto health penalties, cooldowns, and exclusion scope.
type FailKind int

// Attempt failure kinds.
const (
	FailOther FailKind = iota
	FailTTFTTimeout
	FailTotalTimeout
	FailConnectTimeout
	FailStatus
	FailKeyword
	FailEmpty
)

// Localised reason strings, fixed so trace lines stay bit-stable.
const (
	reasonTTFTTimeout    = "超首token限制时长"
	reasonTotalTimeout   = "超总限制时长"
	reasonConnectTimeout = "连接超时"
	reasonEmpty          = "空返回"
	reasonOther          = "上游错误"
)

// ErrNoModels reports an empty model pool for the classified tier. This is a
// configuration fault, not a retryable condition.
var ErrNoModels = errors.New("no models configured for tier")

// AttemptError is the classified failure of a single (provider, model)
// attempt.
type AttemptError struct {
	Kind       FailKind
	StatusCode int    // set for FailStatus
	Keyword    string // the matched keyword for FailKeyword
	Body       string // bounded upstream body excerpt
	Retryable  bool   // status matched the configured retryable set
	Err        error  // underlying cause, when any
}

func (e *AttemptError) Error() string {
	switch e.Kind {
	case FailStatus, FailKeyword:
		return fmt.Sprintf("%s: %s", e.Reason(), truncate(e.Body, 200))
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Reason(), e.Err)
		}
		return e.Reason()
	}
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Reason returns the localised reason string shown in traces and logs.
func (e *AttemptError) Reason() string {
	switch e.Kind {
	case FailTTFTTimeout:
		return reasonTTFTTimeout
	case FailTotalTimeout:
		return reasonTotalTimeout
	case FailConnectTimeout:
		return reasonConnectTimeout
	case FailStatus:
		return fmt.Sprintf("状态码错误(%d)", e.StatusCode)
	case FailKeyword:
		return fmt.Sprintf("命中错误关键词(%s)", e.Keyword)
	case FailEmpty:
		return reasonEmpty
	default:
		return reasonOther
	}
}

// Exclusion scope of a failed attempt within one request.
const (
	// scopeRound skips the model for the rest of the current round only.
	scopeRound = iota
	// scopeRequest removes the model from every remaining round.
	scopeRequest
)

// Verdict is what one classified failure costs the model: a health penalty,
// an optional cooldown, and how long the model stays excluded within the
// current request.
type Verdict struct {
	Penalty  float64
	Cooldown time.Duration
	Scope    int
}

// verdict maps a classified failure onto the penalty table. Auth, not-found,
// and rate-limit statuses exclude the model for the whole request; all other
// failures only skip it for the current round.
func (e *AttemptError) verdict() Verdict {
	switch e.Kind {
	case FailTTFTTimeout, FailTotalTimeout, FailConnectTimeout:
		return Verdict{Penalty: 0.5, Scope: scopeRound}
	case FailKeyword:
		return Verdict{Penalty: 10, Cooldown: 60 * time.Second, Scope: scopeRound}
	case FailEmpty:
		return Verdict{Penalty: 1, Scope: scopeRound}
	case FailStatus:
		switch e.StatusCode {
		case 429:
			return Verdict{Penalty: 10, Cooldown: 60 * time.Second, Scope: scopeRequest}
		case 401, 403:
			return Verdict{Penalty: 50, Cooldown: 300 * time.Second, Scope: scopeRequest}
		case 404:
			return Verdict{Penalty: 1, Scope: scopeRequest}
		default:
			return Verdict{Penalty: 1, Scope: scopeRound}
		}
	default:
		return Verdict{Penalty: 1, Scope: scopeRound}
	}
}

// classifyResponse classifies a non-200 upstream reply. The status-code check
// runs first and wins; the keyword scan only runs when the status did not
// already mark the attempt retryable, so a 5xx whose body also carries a
// keyword is booked exactly once.
func classifyResponse(status int, body string, cond config.Conditions) *AttemptError {
	e := &AttemptError{Kind: FailStatus, StatusCode: status, Body: body}

	switch status {
	case 401, 403, 404, 429:
		return e
	}
	for _, code := range cond.StatusCodes {
		if status == code {
			e.Retryable = true
			return e
		}
	}
	if status == 503 {
		e.Retryable = true
		return e
	}

	lower := strings.ToLower(body)
	for _, kw := range cond.ErrorKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return &AttemptError{Kind: FailKeyword, Keyword: kw, StatusCode: status, Body: body}
		}
	}
	return e
}

// attemptRecord is one failed attempt as reported to the caller after
// exhaustion.
type attemptRecord struct {
	Model  string
	Reason string
	Err    error
}

// ExhaustedError is returned when every eligible (round, model) pair has
// failed. It aggregates the per-attempt reasons and keeps the final error for
// the log record.
type ExhaustedError struct {
	Tier     string
	Attempts []attemptRecord
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Model, a.Reason))
	}
	return fmt.Sprintf("all models failed for tier %s: %s", e.Tier, strings.Join(parts, "; "))
}

// Last returns the final attempt's underlying error, or nil when no attempt
// was made.
func (e *ExhaustedError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
