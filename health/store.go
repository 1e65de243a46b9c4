// Package health tracks per-model failure scores, success counts, and
// cooldown deadlines. Scores decay with wall time so a model that has been
// quiet earns its way back; the adaptive routing strategy consumes the
// decayed scores as selection weights.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// successRecovery is subtracted from the failure score on every recorded
// success, on top of time decay.
const successRecovery = 2.0

// decayThresholdMin is the minimum elapsed time, in minutes, before a
// refresh applies decay. Skipping sub-threshold refreshes avoids lock churn
// on high-traffic paths.
const decayThresholdMin = 0.1

// Stats is the persisted state for one model entry. Failures and Successes
// only ever grow; FailureScore decays toward zero and drives adaptive
// ordering.
type Stats struct {
	Failures      int     `json:"failures"`
	Successes     int     `json:"success"`
	FailureScore  float64 `json:"failure_score"`
	CooldownUntil float64 `json:"cooldown_until"` // unix seconds, 0 when clear
	LastUpdated   float64 `json:"last_updated"`   // unix seconds
}

// View is a read-only snapshot of one model's stats with the derived health
// score attached.
type View struct {
	Model         string  `json:"model"`
	Failures      int     `json:"failures"`
	Successes     int     `json:"success"`
	FailureScore  float64 `json:"failure_score"`
	HealthScore   int     `json:"health_score"`
	CooldownUntil float64 `json:"cooldown_until,omitempty"`
}

// Store keeps per-model stats in memory, serialises all mutation behind one
// mutex, and persists the whole map to a JSON file on every recorded result.
// Entries are created lazily on first reference and restored at startup.
type Store struct {
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	models    map[string]*Stats
	decayRate float64

	// now is swapped out by tests that need a controllable clock.
	now func() time.Time
}

// NewStore opens the stats file at path, restoring any persisted state.
// A missing file starts empty; unreadable state is logged and discarded
// rather than preventing startup. decayRate is in failure-score points
// recovered per minute.
func NewStore(path string, decayRate float64, logger *zap.Logger) *Store {
	s := &Store{
		path:      path,
		logger:    logger,
		models:    make(map[string]*Stats),
		decayRate: decayRate,
		now:       time.Now,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		logger.Warn("reading model stats", zap.Error(err))
	default:
		if err := json.Unmarshal(data, &s.models); err != nil {
			logger.Warn("parsing model stats, starting fresh", zap.Error(err))
			s.models = make(map[string]*Stats)
		}
	}
	return s
}

// SetDecayRate updates the decay rate, typically after a config change.
func (s *Store) SetDecayRate(rate float64) {
	if rate < 0 {
		return
	}
	s.mu.Lock()
	s.decayRate = rate
	s.mu.Unlock()
}

// RecordSuccess refreshes decay, bumps the success counter, recovers part of
// the failure score, clears any cooldown, and persists.
func (s *Store) RecordSuccess(model string) {
	s.mu.Lock()
	st := s.entry(model)
	now := s.now()
	s.refreshLocked(st, now)
	st.Successes++
	st.FailureScore = math.Max(0, st.FailureScore-successRecovery)
	st.CooldownUntil = 0
	st.LastUpdated = unix(now)
	s.persistLocked()
	s.mu.Unlock()
}

// RecordFailure refreshes decay, bumps the failure counter, adds penalty to
// the failure score, arms the cooldown when one is given, and persists.
func (s *Store) RecordFailure(model string, penalty float64, cooldown time.Duration) {
	s.mu.Lock()
	st := s.entry(model)
	now := s.now()
	s.refreshLocked(st, now)
	st.Failures++
	st.FailureScore += penalty
	if cooldown > 0 {
		st.CooldownUntil = unix(now.Add(cooldown))
	}
	st.LastUpdated = unix(now)
	s.persistLocked()
	s.mu.Unlock()
}

// InCooldown reports whether the model is currently ineligible. Cooldown
// checks are exact and do not require a decay refresh.
func (s *Store) InCooldown(model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.models[model]
	if !ok {
		return false
	}
	return st.CooldownUntil > unix(s.now())
}

// FailureScore returns the model's failure score after applying time decay.
// Unknown models score zero.
func (s *Store) FailureScore(model string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.models[model]
	if !ok {
		return 0
	}
	s.refreshLocked(st, s.now())
	return st.FailureScore
}

// Snapshot refreshes every entry and returns the per-model views sorted into
// map form for external inspection.
func (s *Store) Snapshot() map[string]View {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make(map[string]View, len(s.models))
	for model, st := range s.models {
		s.refreshLocked(st, now)
		out[model] = View{
			Model:         model,
			Failures:      st.Failures,
			Successes:     st.Successes,
			FailureScore:  st.FailureScore,
			HealthScore:   healthScore(st, now),
			CooldownUntil: st.CooldownUntil,
		}
	}
	return out
}

// Reconcile drops entries for models no longer configured and creates
// entries for newly configured ones, then persists. Called on config change.
func (s *Store) Reconcile(models []string) {
	keep := make(map[string]bool, len(models))
	for _, m := range models {
		keep[m] = true
	}

	s.mu.Lock()
	for model := range s.models {
		if !keep[model] {
			delete(s.models, model)
		}
	}
	for _, m := range models {
		s.entry(m)
	}
	s.persistLocked()
	s.mu.Unlock()
}

// Flush persists the current state, used at shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()
}

// entry returns the stats for model, creating a fresh record on first
// reference. Callers hold s.mu.
func (s *Store) entry(model string) *Stats {
	st, ok := s.models[model]
	if !ok {
		st = &Stats{LastUpdated: unix(s.now())}
		s.models[model] = st
	}
	return st
}

// refreshLocked applies time decay to the failure score. Decay never pushes
// the score below zero and short gaps are skipped entirely.
func (s *Store) refreshLocked(st *Stats, now time.Time) {
	elapsedMin := (unix(now) - st.LastUpdated) / 60
	if elapsedMin <= decayThresholdMin {
		return
	}
	st.FailureScore = math.Max(0, st.FailureScore-s.decayRate*elapsedMin)
	st.LastUpdated = unix(now)
}

// persistLocked writes the whole map atomically (temp file + rename).
// Persistence failures are logged and swallowed: stats are advisory and must
// never fail a request.
func (s *Store) persistLocked() {
	data, err := json.MarshalIndent(s.models, "", "  ")
	if err != nil {
		s.logger.Warn("encoding model stats", zap.Error(err))
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("writing model stats", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("replacing model stats", zap.Error(err))
	}
}

// healthScore derives the 0-100 display score: round(100/(1+score*0.2)),
// forced to 0 while the model is cooling down.
func healthScore(st *Stats, now time.Time) int {
	if st.CooldownUntil > unix(now) {
		return 0
	}
	return int(math.Round(100 / (1 + st.FailureScore*0.2)))
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// String implements fmt.Stringer for debug logging.
func (v View) String() string {
	return fmt.Sprintf("%s health=%d failures=%d successes=%d score=%.2f",
		v.Model, v.HealthScore, v.Failures, v.Successes, v.FailureScore)
}
