// Package routing analyzes requests and selects the provider, model and
// execution strategy for each one. It owns the complexity analyzer, the
// persona resolver, the model manifest and the capability-scored router.
package routing

import (
	"strings"
	"time"
)

// Strategy labels how a selected action tunes branch execution.
type Strategy string

const (
	StrategyTaskOptimized Strategy = "task_optimized"
	StrategyPerformance   Strategy = "performance"
	StrategyBalanced      Strategy = "balanced"
	StrategyCostEfficient Strategy = "cost_efficient"
)

// Strategies lists every valid strategy in stable order.
var Strategies = []Strategy{
	StrategyTaskOptimized,
	StrategyPerformance,
	StrategyBalanced,
	StrategyCostEfficient,
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTaskOptimized, StrategyPerformance, StrategyBalanced, StrategyCostEfficient:
		return true
	}
	return false
}

// Action is one concrete (provider, model, strategy) triple. The learned
// policy and the router both emit actions; the executor runs them.
type Action struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Strategy Strategy `json:"strategy"`
}

// ComplexityLevel buckets a complexity score into five named bands.
type ComplexityLevel string

const (
	LevelTrivial  ComplexityLevel = "trivial"
	LevelSimple   ComplexityLevel = "simple"
	LevelModerate ComplexityLevel = "moderate"
	LevelComplex  ComplexityLevel = "complex"
	LevelCritical ComplexityLevel = "critical"
)

// ContextType classifies what kind of work a request asks for.
type ContextType string

const (
	ContextCodeGeneration ContextType = "code_generation"
	ContextCodeReview     ContextType = "code_review"
	ContextDebugging      ContextType = "debugging"
	ContextDocumentation  ContextType = "documentation"
	ContextTesting        ContextType = "testing"
	ContextArchitecture   ContextType = "architecture"
	ContextSecurity       ContextType = "security"
	ContextGeneral        ContextType = "general"
)

// ContextTypes fixes the one-hot slot order used in state vectors. Do not
// reorder: trained checkpoints depend on the indices.
var ContextTypes = []ContextType{
	ContextCodeGeneration,
	ContextCodeReview,
	ContextDebugging,
	ContextDocumentation,
	ContextTesting,
	ContextArchitecture,
	ContextSecurity,
	ContextGeneral,
}

// Index returns the state-vector slot of t, or the general slot when t is
// unknown.
func (t ContextType) Index() int {
	for i, known := range ContextTypes {
		if known == t {
			return i
		}
	}
	return len(ContextTypes) - 1
}

// taskTypeAliases maps accepted task_type values onto context types. The
// canonical names are the context type strings themselves.
var taskTypeAliases = map[string]ContextType{
	"generate":  ContextCodeGeneration,
	"code":      ContextCodeGeneration,
	"review":    ContextCodeReview,
	"debug":     ContextDebugging,
	"fix":       ContextDebugging,
	"document":  ContextDocumentation,
	"docs":      ContextDocumentation,
	"test":      ContextTesting,
	"architect": ContextArchitecture,
	"design":    ContextArchitecture,
	"audit":     ContextSecurity,
	"chat":      ContextGeneral,
}

// ParseTaskType resolves a request task_type to a context type. Empty input
// reports ok with no type so callers fall back to prompt classification.
func ParseTaskType(raw string) (ContextType, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "", true
	}
	for _, known := range ContextTypes {
		if string(known) == name {
			return known, true
		}
	}
	if mapped, ok := taskTypeAliases[name]; ok {
		return mapped, true
	}
	return "", false
}

// contextKeywords drive prompt classification when no task_type is given.
// Scanned in ContextTypes order; the first type with the most hits wins.
var contextKeywords = map[ContextType][]string{
	ContextCodeGeneration: {"implement", "write a", "create a", "generate", "function", "class", "build a", "code for"},
	ContextCodeReview:     {"review", "feedback on", "critique", "improve this", "refactor", "code smell"},
	ContextDebugging:      {"debug", "fix", "error", "bug", "crash", "panic", "stack trace", "not working", "fails", "broken"},
	ContextDocumentation:  {"document", "docstring", "readme", "explain", "describe", "comment", "tutorial"},
	ContextTesting:        {"test", "unit test", "coverage", "mock", "assert", "e2e", "regression"},
	ContextArchitecture:   {"architecture", "design", "structure", "scalab", "system", "diagram", "trade-off", "tradeoff"},
	ContextSecurity:       {"security", "vulnerab", "exploit", "injection", "sanitize", "xss", "csrf", "auth"},
}

// ClassifyContext picks the context type for a prompt. An explicit, valid
// task type wins; otherwise keyword hits decide, and prompts matching nothing
// fall back to general.
func ClassifyContext(prompt string, taskType ContextType) ContextType {
	if taskType != "" {
		for _, known := range ContextTypes {
			if known == taskType {
				return taskType
			}
		}
	}

	lower := strings.ToLower(prompt)
	best := ContextGeneral
	bestHits := 0
	for _, candidate := range ContextTypes {
		keywords := contextKeywords[candidate]
		hits := 0
		for _, keyword := range keywords {
			if strings.Contains(lower, keyword) {
				hits++
			}
		}
		if hits > bestHits {
			best = candidate
			bestHits = hits
		}
	}
	return best
}

// Decision is the routing outcome for one request. It is recorded in router
// history and surfaced verbatim on the API.
type Decision struct {
	TaskID          string          `json:"task_id,omitempty"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	Strategy        Strategy        `json:"strategy"`
	Persona         string          `json:"persona"`
	ContextType     ContextType     `json:"context_type"`
	ComplexityScore float64         `json:"complexity_score"`
	ComplexityLevel ComplexityLevel `json:"complexity_level"`
	CapabilityScore float64         `json:"capability_score"`
	Confidence      float64         `json:"confidence"`
	Source          string          `json:"source"`
	Reasoning       string          `json:"reasoning"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Decision sources.
const (
	SourceRouter = "router"
	SourceAgent  = "agent"
	SourceCache  = "cache"
)

// Action returns the decision's action triple.
func (d *Decision) Action() Action {
	return Action{Provider: d.Provider, Model: d.Model, Strategy: d.Strategy}
}
