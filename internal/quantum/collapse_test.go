package quantum

import (
	"strings"
	"testing"

	"prism/internal/provider"
	"prism/internal/routing"
)

func succeededBranch(id, model, content string, arrival int, elapsedMS int64, costUSD float64) Branch {
	return Branch{
		VariationID: id,
		Action:      routing.Action{Provider: "openai", Model: model, Strategy: routing.StrategyBalanced},
		Status:      BranchSucceeded,
		Result:      &provider.Result{Content: content, FinishReason: "stop"},
		ElapsedMS:   elapsedMS,
		CostUSD:     costUSD,
		Arrival:     arrival,
	}
}

func failedBranch(id string, arrival int, status BranchStatus) Branch {
	return Branch{VariationID: id, Status: status, Arrival: arrival}
}

func TestParseCollapse(t *testing.T) {
	for _, name := range []string{"first_success", "best_score", "weighted_consensus"} {
		got, err := ParseCollapse(name, CollapseBestScore)
		if err != nil || string(got) != name {
			t.Fatalf("ParseCollapse(%q) = %s, %v", name, got, err)
		}
	}
	if got, err := ParseCollapse("", CollapseConsensus); err != nil || got != CollapseConsensus {
		t.Fatalf("empty name = %s, %v, want fallback", got, err)
	}
	if _, err := ParseCollapse("coin_flip", CollapseBestScore); err == nil {
		t.Fatal("bogus strategy accepted")
	}
}

func TestDiffRatioBounds(t *testing.T) {
	if got := DiffRatio("same text", "same text"); got != 1 {
		t.Fatalf("identical texts = %g", got)
	}
	if got := DiffRatio("", "anything"); got != 0 {
		t.Fatalf("empty vs text = %g", got)
	}
	a, b := "use a mutex around the map", "use a channel around the map"
	sim := DiffRatio(a, b)
	if sim <= 0 || sim >= 1 {
		t.Fatalf("similar texts = %g, want inside (0,1)", sim)
	}
	if back := DiffRatio(b, a); back != sim {
		t.Fatalf("asymmetric: %g vs %g", sim, back)
	}
	if far := DiffRatio(a, "completely unrelated words here"); far >= sim {
		t.Fatalf("unrelated text scored %g, similar scored %g", far, sim)
	}
}

func TestFirstSuccessByArrival(t *testing.T) {
	branches := []Branch{
		succeededBranch("b1", "m1", "third", 2, 100, 0),
		failedBranch("b2", 0, BranchFailed),
		succeededBranch("b3", "m3", "first", 1, 40, 0),
	}
	if got := FirstSuccess(branches); got != 2 {
		t.Fatalf("winner index = %d, want the earliest success", got)
	}

	none := []Branch{
		failedBranch("b1", 0, BranchFailed),
		failedBranch("b2", 1, BranchTimedOut),
	}
	if got := FirstSuccess(none); got != -1 {
		t.Fatalf("winner index = %d for all-failed set", got)
	}
}

func TestBestScoreQualityWinsOverCost(t *testing.T) {
	long := strings.Repeat("detail ", 300)
	branches := []Branch{
		succeededBranch("b1", "cheap", "ok", 0, 70, 0.008),
		succeededBranch("b2", "premium", long, 1, 80, 0.010),
		failedBranch("b3", 2, BranchTimedOut),
	}
	got := BestScore(branches, 0.3, 0.2)
	if got != 1 {
		t.Fatalf("winner index = %d, want the saturated-quality branch", got)
	}
	// The quality gap (1.0 vs 0.7) outweighs the premium branch's slightly
	// larger cost and latency penalties.
	if branches[1].Score <= branches[0].Score {
		t.Fatalf("scores: premium %g, cheap %g", branches[1].Score, branches[0].Score)
	}
	if branches[2].Score != 0 {
		t.Fatalf("non-success scored %g", branches[2].Score)
	}
}

func TestBestScoreTieBreaks(t *testing.T) {
	// Zero weights force equal scores so only the tie-breaks decide.
	branches := []Branch{
		succeededBranch("b1", "zulu", "same answer", 0, 30, 0),
		succeededBranch("b2", "alpha", "same answer", 1, 30, 0),
	}
	if got := BestScore(branches, 0, 0); got != 1 {
		t.Fatalf("winner index = %d, want lexically smaller model on full tie", got)
	}

	branches = []Branch{
		succeededBranch("b1", "zulu", "same answer", 0, 20, 0),
		succeededBranch("b2", "alpha", "same answer", 1, 30, 0),
	}
	if got := BestScore(branches, 0, 0); got != 0 {
		t.Fatalf("winner index = %d, want lower latency before model id", got)
	}
}

func TestConsensusQuorumHolds(t *testing.T) {
	firstWord := func(a, b string) float64 {
		fa := strings.Fields(a)[0]
		fb := strings.Fields(b)[0]
		if fa == fb {
			return 1
		}
		return 0
	}
	branches := []Branch{
		succeededBranch("b1", "m-b", "alpha answer one", 0, 10, 0),
		succeededBranch("b2", "m-a", "alpha answer two", 1, 20, 0),
		succeededBranch("b3", "m-c", "beta outlier", 2, 30, 0),
	}

	// Two of three agree: 0.66 of the successes clear a 0.6 quorum. The
	// agreeing pair tie on vote weight, so model id picks between them.
	got := Consensus(branches, firstWord, 0.5, 0.6, 0.3, 0.2)
	if got != 1 {
		t.Fatalf("winner index = %d, want the agreeing branch with smaller model id", got)
	}
	if branches[2].Score != 0 {
		t.Fatalf("outlier vote weight = %g, want 0", branches[2].Score)
	}
}

func TestConsensusFallsBackWithoutQuorum(t *testing.T) {
	disjoint := func(a, b string) float64 {
		if a == b {
			return 1
		}
		return 0
	}
	long := strings.Repeat("thorough ", 300)
	branches := []Branch{
		succeededBranch("b1", "m1", "first take", 0, 10, 0),
		succeededBranch("b2", "m2", long, 1, 20, 0),
		succeededBranch("b3", "m3", "third take", 2, 30, 0),
	}

	// Nobody agrees and the quorum needs everyone, so the vote collapses
	// into best-score, where the saturated-quality branch wins.
	got := Consensus(branches, disjoint, 0.9, 0.9, 0.3, 0.2)
	if got != 1 {
		t.Fatalf("winner index = %d, want best-score fallback", got)
	}
}

func TestConsensusSingleSuccess(t *testing.T) {
	branches := []Branch{
		failedBranch("b1", 0, BranchFailed),
		succeededBranch("b2", "m2", "only answer", 1, 20, 0),
	}
	if got := Consensus(branches, nil, 0.75, 0.5, 0.3, 0.2); got != 1 {
		t.Fatalf("winner index = %d", got)
	}
	if branches[1].Score != 1 {
		t.Fatalf("sole success scored %g", branches[1].Score)
	}

	if got := Consensus([]Branch{failedBranch("b1", 0, BranchCancelled)}, nil, 0.75, 0.5, 0.3, 0.2); got != -1 {
		t.Fatalf("winner index = %d for no successes", got)
	}
}

func TestCollapseIsDeterministicOverRecordedSet(t *testing.T) {
	build := func() []Branch {
		return []Branch{
			succeededBranch("b1", "m1", "answer alpha", 1, 25, 0.002),
			succeededBranch("b2", "m2", "answer alpha variant", 0, 45, 0.004),
			failedBranch("b3", 2, BranchTimedOut),
		}
	}
	for _, strategy := range []func([]Branch) int{
		FirstSuccess,
		func(b []Branch) int { return BestScore(b, 0.3, 0.2) },
		func(b []Branch) int { return Consensus(b, nil, 0.75, 0.5, 0.3, 0.2) },
	} {
		first := strategy(build())
		second := strategy(build())
		if first != second {
			t.Fatalf("collapse disagreed across identical recorded sets: %d vs %d", first, second)
		}
	}
}
