// Package policy implements the learned routing layer: the frozen action
// table, the experience replay buffer, the Q-network backends with their
// checkpoint format, and the DQN agent that ties them together.
package policy

import (
	"prism/internal/errors"
	"prism/internal/routing"
)

// ActionTableVersion identifies the action table baked into this build.
// Checkpoints record it; a checkpoint trained against a different table must
// not be loaded.
const ActionTableVersion = "v1"

// ActionCount is the Q-network output width.
const ActionCount = 12

// actionTableV1 is frozen. Q-value columns map to these rows by index, so
// entries must never be reordered or removed; a new table gets a new version.
var actionTableV1 = [ActionCount]routing.Action{
	{Provider: "openai", Model: "gpt-4o", Strategy: routing.StrategyTaskOptimized},
	{Provider: "openai", Model: "gpt-4o", Strategy: routing.StrategyPerformance},
	{Provider: "openai", Model: "gpt-4o-mini", Strategy: routing.StrategyCostEfficient},
	{Provider: "anthropic", Model: "claude-sonnet-4", Strategy: routing.StrategyTaskOptimized},
	{Provider: "anthropic", Model: "claude-sonnet-4", Strategy: routing.StrategyBalanced},
	{Provider: "anthropic", Model: "claude-3-5-haiku", Strategy: routing.StrategyCostEfficient},
	{Provider: "google", Model: "gemini-2.5-pro", Strategy: routing.StrategyBalanced},
	{Provider: "google", Model: "gemini-2.5-flash", Strategy: routing.StrategyCostEfficient},
	{Provider: "deepseek", Model: "deepseek-chat", Strategy: routing.StrategyCostEfficient},
	{Provider: "deepseek", Model: "deepseek-reasoner", Strategy: routing.StrategyPerformance},
	{Provider: "ollama", Model: "llama3.3-70b", Strategy: routing.StrategyBalanced},
	{Provider: "ollama", Model: "llama3.3-70b", Strategy: routing.StrategyCostEfficient},
}

// Actions returns a copy of the action table in index order.
func Actions() []routing.Action {
	out := make([]routing.Action, ActionCount)
	copy(out, actionTableV1[:])
	return out
}

// ActionAt returns the action for a Q-value index.
func ActionAt(index int) (routing.Action, error) {
	if index < 0 || index >= ActionCount {
		return routing.Action{}, errors.Validationf("action index %d outside table %s", index, ActionTableVersion)
	}
	return actionTableV1[index], nil
}

// ActionIndex returns the exact table index for an action, or -1 when the
// action is not in the table.
func ActionIndex(action routing.Action) int {
	for i, known := range actionTableV1 {
		if known == action {
			return i
		}
	}
	return -1
}

// NearestActionIndex maps an arbitrary action onto the table for experience
// recording. Preference order: exact row, same provider and model, same
// provider and strategy, same provider. Returns -1 when the provider has no
// row at all; such outcomes are not recorded.
func NearestActionIndex(action routing.Action) int {
	if exact := ActionIndex(action); exact >= 0 {
		return exact
	}
	for i, known := range actionTableV1 {
		if known.Provider == action.Provider && known.Model == action.Model {
			return i
		}
	}
	for i, known := range actionTableV1 {
		if known.Provider == action.Provider && known.Strategy == action.Strategy {
			return i
		}
	}
	for i, known := range actionTableV1 {
		if known.Provider == action.Provider {
			return i
		}
	}
	return -1
}
