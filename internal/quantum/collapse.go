package quantum

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"prism/internal/errors"
	"prism/internal/policy"
)

// CollapseStrategy names the rule that picks the winning branch out of a
// completed set.
type CollapseStrategy string

const (
	// CollapseFirstSuccess takes the earliest successful branch and cancels
	// the rest.
	CollapseFirstSuccess CollapseStrategy = "first_success"
	// CollapseBestScore waits for every branch and takes the one maximizing
	// quality minus weighted cost and latency.
	CollapseBestScore CollapseStrategy = "best_score"
	// CollapseConsensus takes the branch most similar to its siblings,
	// falling back to best-score when no quorum forms.
	CollapseConsensus CollapseStrategy = "weighted_consensus"
)

// ParseCollapse validates a strategy name. Empty selects the fallback.
func ParseCollapse(name string, fallback CollapseStrategy) (CollapseStrategy, error) {
	switch CollapseStrategy(name) {
	case CollapseFirstSuccess, CollapseBestScore, CollapseConsensus:
		return CollapseStrategy(name), nil
	case "":
		return fallback, nil
	}
	return "", errors.Validationf("unknown collapse strategy %q", name)
}

// Similarity scores how close two branch payloads are, in [0,1].
type Similarity func(a, b string) float64

// DiffRatio is the default Similarity: one minus the Levenshtein distance
// of a character diff, normalized by the longer text.
func DiffRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	dmp := diffmatchpatch.New()
	lev := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	return 1 - float64(lev)/float64(longest)
}

// The collapse functions below are pure over the recorded branch set: the
// same branches in, the same winner index out. They only write Score.

// FirstSuccess picks the successful branch that completed first, by the
// arrival order the collector recorded. Returns -1 when nothing succeeded.
func FirstSuccess(branches []Branch) int {
	winner := -1
	for i, b := range branches {
		if b.Status != BranchSucceeded {
			continue
		}
		if winner < 0 || b.Arrival < branches[winner].Arrival {
			winner = i
		}
	}
	return winner
}

// BestScore scores every successful branch as quality minus weighted cost
// and latency, both normalized against the most expensive and slowest
// success, and picks the maximum. Ties break on lower latency, then model
// id. Returns -1 when nothing succeeded.
func BestScore(branches []Branch, costWeight, latencyWeight float64) int {
	var maxCost, maxLatency float64
	for _, b := range branches {
		if b.Status != BranchSucceeded {
			continue
		}
		if b.CostUSD > maxCost {
			maxCost = b.CostUSD
		}
		if float64(b.ElapsedMS) > maxLatency {
			maxLatency = float64(b.ElapsedMS)
		}
	}

	winner := -1
	for i := range branches {
		b := &branches[i]
		if b.Status != BranchSucceeded {
			continue
		}
		score := policy.QualitySignal(b.Result.Content, b.Result.FinishReason)
		if maxCost > 0 {
			score -= costWeight * b.CostUSD / maxCost
		}
		if maxLatency > 0 {
			score -= latencyWeight * float64(b.ElapsedMS) / maxLatency
		}
		b.Score = score
		if winner < 0 || scoredBetter(b, &branches[winner]) {
			winner = i
		}
	}
	return winner
}

func scoredBetter(a, b *Branch) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.ElapsedMS != b.ElapsedMS {
		return a.ElapsedMS < b.ElapsedMS
	}
	return a.Action.Model < b.Action.Model
}

// Consensus weights every successful branch by its summed similarity to the
// other successes and takes the heaviest. The vote only stands when the
// fraction of successes within the similarity threshold of the winner
// reaches the quorum; otherwise best-score decides. Returns -1 when nothing
// succeeded.
func Consensus(branches []Branch, sim Similarity, threshold, quorum, costWeight, latencyWeight float64) int {
	if sim == nil {
		sim = DiffRatio
	}

	var succeeded []int
	for i, b := range branches {
		if b.Status == BranchSucceeded {
			succeeded = append(succeeded, i)
		}
	}
	switch len(succeeded) {
	case 0:
		return -1
	case 1:
		branches[succeeded[0]].Score = 1
		return succeeded[0]
	}

	n := len(succeeded)
	sims := make([][]float64, n)
	for i := range sims {
		sims[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := sim(branches[succeeded[i]].Result.Content, branches[succeeded[j]].Result.Content)
			sims[i][j], sims[j][i] = s, s
		}
	}

	best := -1
	for i, idx := range succeeded {
		weight := 0.0
		for j := range succeeded {
			if i != j {
				weight += sims[i][j]
			}
		}
		branches[idx].Score = weight
		if best < 0 ||
			weight > branches[succeeded[best]].Score ||
			(weight == branches[succeeded[best]].Score && branches[idx].Action.Model < branches[succeeded[best]].Action.Model) {
			best = i
		}
	}

	agree := 1
	for j := range succeeded {
		if j != best && sims[best][j] >= threshold {
			agree++
		}
	}
	if float64(agree)/float64(n) >= quorum {
		return succeeded[best]
	}
	return BestScore(branches, costWeight, latencyWeight)
}
