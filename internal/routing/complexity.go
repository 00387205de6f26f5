package routing

import (
	"strings"
	"unicode"

	"prism/internal/token"
)

// Signal weights. They sum to 1 so the blended score stays in [0,1].
const (
	weightLength     = 0.15
	weightVocabulary = 0.10
	weightDomain     = 0.25
	weightStructure  = 0.20
	weightFiles      = 0.15
	weightHistory    = 0.15
)

// Saturation points for the open-ended signals.
const (
	lengthSaturationTokens = 2000
	domainSaturationHits   = 5
	fileSaturationCount    = 10
	historySaturationDepth = 20
)

// Level thresholds over the blended score.
const (
	thresholdSimple   = 0.2
	thresholdModerate = 0.4
	thresholdComplex  = 0.6
	thresholdCritical = 0.85
)

// domainLexicon marks terms whose presence signals specialist work. Matches
// are counted once per distinct term.
var domainLexicon = []string{
	"algorithm", "async", "authentication", "blockchain", "cache",
	"compiler", "concurren", "consensus", "cryptograph", "database",
	"deadlock", "distributed", "encryption", "garbage collect", "goroutine",
	"idempoten", "kernel", "kubernetes", "latency", "load balanc",
	"lock-free", "machine learning", "memory leak", "microservice", "mutex",
	"neural", "optimiz", "parallel", "partition", "protocol",
	"quantum", "race condition", "raft", "reinforcement", "replication",
	"scheduler", "serializ", "shard", "thread", "throughput",
	"transaction", "vector",
}

// ComplexityInput carries everything the analyzer may inspect. Only the
// prompt is required.
type ComplexityInput struct {
	Prompt       string
	FileCount    int
	HistoryDepth int
}

// ComplexitySignals are the unweighted per-signal values, each in [0,1].
// Exposed so decisions can explain themselves.
type ComplexitySignals struct {
	Length     float64 `json:"length"`
	Vocabulary float64 `json:"vocabulary"`
	Domain     float64 `json:"domain"`
	Structure  float64 `json:"structure"`
	Files      float64 `json:"files"`
	History    float64 `json:"history"`
}

// ComplexityResult is the analyzer outcome.
type ComplexityResult struct {
	Score   float64           `json:"score"`
	Level   ComplexityLevel   `json:"level"`
	Signals ComplexitySignals `json:"signals"`
}

// AnalyzeComplexity scores a request in [0,1] from lexical and contextual
// signals. It is pure: the same input always produces the same score.
func AnalyzeComplexity(in ComplexityInput) ComplexityResult {
	signals := ComplexitySignals{
		Length:     lengthSignal(in.Prompt),
		Vocabulary: vocabularySignal(in.Prompt),
		Domain:     domainSignal(in.Prompt),
		Structure:  structureSignal(in.Prompt),
		Files:      saturate(float64(in.FileCount), fileSaturationCount),
		History:    saturate(float64(in.HistoryDepth), historySaturationDepth),
	}

	score := weightLength*signals.Length +
		weightVocabulary*signals.Vocabulary +
		weightDomain*signals.Domain +
		weightStructure*signals.Structure +
		weightFiles*signals.Files +
		weightHistory*signals.History

	return ComplexityResult{
		Score:   score,
		Level:   LevelFor(score),
		Signals: signals,
	}
}

// LevelFor buckets a score into its complexity level.
func LevelFor(score float64) ComplexityLevel {
	switch {
	case score < thresholdSimple:
		return LevelTrivial
	case score < thresholdModerate:
		return LevelSimple
	case score < thresholdComplex:
		return LevelModerate
	case score < thresholdCritical:
		return LevelComplex
	default:
		return LevelCritical
	}
}

func lengthSignal(prompt string) float64 {
	return saturate(float64(token.EstimateFast(prompt)), lengthSaturationTokens)
}

// vocabularySignal is the distinct-word ratio. Richer vocabulary correlates
// with multi-concern prompts; repeated boilerplate scores low.
func vocabularySignal(prompt string) float64 {
	words := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return 0
	}
	distinct := make(map[string]struct{}, len(words))
	for _, word := range words {
		distinct[word] = struct{}{}
	}
	return float64(len(distinct)) / float64(len(words))
}

func domainSignal(prompt string) float64 {
	lower := strings.ToLower(prompt)
	hits := 0
	for _, term := range domainLexicon {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	return saturate(float64(hits), domainSaturationHits)
}

// structureSignal checks four structural markers worth a quarter each: fenced
// code, list bullets, numbered steps and headings.
func structureSignal(prompt string) float64 {
	score := 0.0
	if strings.Contains(prompt, "```") {
		score += 0.25
	}
	for _, line := range strings.Split(prompt, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			score += 0.25
			break
		}
	}
	if hasNumberedStep(prompt) {
		score += 0.25
	}
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			score += 0.25
			break
		}
	}
	return score
}

func hasNumberedStep(prompt string) bool {
	for _, line := range strings.Split(prompt, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < 2 {
			continue
		}
		if unicode.IsDigit(rune(trimmed[0])) && (trimmed[1] == '.' || trimmed[1] == ')') {
			return true
		}
	}
	return false
}

func saturate(value, ceiling float64) float64 {
	if ceiling <= 0 || value <= 0 {
		return 0
	}
	if value >= ceiling {
		return 1
	}
	return value / ceiling
}
