package policy

import (
	"math"

	"prism/internal/config"
)

// ComputeReward blends quality, speed and cost into the scalar the agent
// learns from. All three terms live in [0,1] before weighting; failures
// subtract the configured penalty. The result is clamped to [-1, 1].
func ComputeReward(cfg config.RewardConfig, quality, latencyMS, cost float64, failed bool) float64 {
	speed := 1 - math.Min(1, math.Max(0, latencyMS)/float64(cfg.LatencyRefMS))
	frugality := 1 - math.Min(1, math.Max(0, cost)/cfg.CostRef)

	reward := cfg.WQuality*clamp01(quality) + cfg.WSpeed*speed + cfg.WCost*frugality
	if failed {
		reward -= cfg.ErrorPenalty
	}
	return math.Max(-1, math.Min(1, reward))
}

// QualitySignal estimates answer quality from what is observable without a
// judge model: emptiness, finish reason and content volume.
func QualitySignal(content, finishReason string) float64 {
	if content == "" {
		return 0
	}
	quality := 0.4
	switch finishReason {
	case "stop", "end_turn":
		quality += 0.3
	case "length":
		quality += 0.1 // answered, but truncated
	}
	quality += math.Min(0.3, float64(len(content))/2000*0.3)
	return clamp01(quality)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
