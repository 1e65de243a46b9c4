package router

import (
	"math/rand"
	"sort"

	"github.com/smartroute-ai/gateway/config"
	"github.com/smartroute-ai/gateway/health"
)

// adaptiveAlpha steers how hard the adaptive strategy punishes accumulated
// failure score: weight = 1/(1 + failure_score*alpha).
const adaptiveAlpha = 0.5

// orderModels returns the attempt order for one request. The ordering is
// drawn once per request and reused across rounds.
//
//   - sequential keeps the configured order.
//   - random shuffles a copy uniformly.
//   - adaptive draws score = U(0,1) * 1/(1+failure_score*alpha) per model and
//     sorts descending, so every model keeps a nonzero chance of going first,
//     recently-healthy models are favoured, and the ordering reverts to
//     uniform as scores decay to zero.
//
// Unknown strategy names fall back to sequential.
func orderModels(models []string, strategy string, hs *health.Store) []string {
	out := make([]string, len(models))
	copy(out, models)

	switch strategy {
	case config.StrategyRandom:
		rand.Shuffle(len(out), func(i, j int) {
			out[i], out[j] = out[j], out[i]
		})

	case config.StrategyAdaptive:
		type scored struct {
			name  string
			score float64
		}
		candidates := make([]scored, 0, len(out))
		for _, m := range out {
			weight := 1 / (1 + hs.FailureScore(m)*adaptiveAlpha)
			candidates = append(candidates, scored{name: m, score: rand.Float64() * weight})
		}
		// Ties broken by name for determinism.
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			return candidates[i].name < candidates[j].name
		})
		for i, c := range candidates {
			out[i] = c.name
		}
	}

	return out
}
