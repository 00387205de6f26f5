// Package orchestrator drives one request through context loading, caching,
// routing, speculative execution, and persistence, and streams the numbered
// events clients observe along the way.
package orchestrator

import (
	"time"

	"prism/internal/provider"
	"prism/internal/quantum"
	"prism/internal/routing"
)

// EventType enumerates the stream event kinds in the order clients may see
// them. Exactly one of EventComplete and EventError terminates a stream.
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventBranch   EventType = "branch"
	EventDelta    EventType = "delta"
	EventResult   EventType = "result"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Progress steps, emitted in this order on the execution path.
const (
	StepRouting    = "routing"
	StepExecuting  = "executing"
	StepCollapsing = "collapsing"
	StepPersisting = "persisting"
)

// Event is one element of a request stream. Seq starts at 1 and increases by
// exactly one per event within a stream.
type Event struct {
	Seq     int64     `json:"seq"`
	TaskID  string    `json:"task_id"`
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// StartPayload announces the routing decision chosen for the task.
type StartPayload struct {
	TaskID   string            `json:"task_id"`
	Decision *routing.Decision `json:"routing_decision"`
}

// ProgressPayload reports coarse stage progress.
type ProgressPayload struct {
	Step       string  `json:"step"`
	Percentage float64 `json:"percentage"`
}

// BranchPayload reports one speculative branch, first as running and later
// with its terminal status.
type BranchPayload struct {
	VariationID string           `json:"variation_id"`
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	Strategy    routing.Strategy `json:"strategy"`
	Status      string           `json:"status"`
	ElapsedMS   int64            `json:"elapsed_ms"`
}

// BranchRunning is the pre-terminal branch status; terminal statuses come
// from the executor.
const BranchRunning = "running"

// DeltaPayload carries one streamed text fragment.
type DeltaPayload struct {
	Text string `json:"text"`
}

// WinnerInfo identifies the branch whose content became the result.
type WinnerInfo struct {
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Strategy routing.Strategy `json:"strategy"`
}

// ResultPayload carries the final content for the task.
type ResultPayload struct {
	Content    string         `json:"content"`
	Usage      provider.Usage `json:"usage"`
	Winner     WinnerInfo     `json:"winner"`
	Confidence float64        `json:"confidence"`
	Collapse   string         `json:"collapse,omitempty"`
	Cached     bool           `json:"cached,omitempty"`
}

// CompletePayload terminates a successful stream.
type CompletePayload struct {
	TaskID string `json:"task_id"`
}

// ErrorPayload terminates a failed stream with a stable machine code.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

func branchPayload(b quantum.Branch) BranchPayload {
	return BranchPayload{
		VariationID: b.VariationID,
		Provider:    b.Action.Provider,
		Model:       b.Action.Model,
		Strategy:    b.Action.Strategy,
		Status:      string(b.Status),
		ElapsedMS:   b.ElapsedMS,
	}
}
