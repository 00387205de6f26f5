package ids

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces prefixed identifiers for tasks, sessions and branches.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.setStrategy(strategy)
}

func (g *Generator) setStrategy(strategy Strategy) {
	g.mu.Lock()
	g.strategy = strategy
	g.mu.Unlock()
}

// NewTaskID generates a new task identifier with a stable prefix for display.
func NewTaskID() string {
	return defaultGenerator.newIdentifier("task")
}

// NewSessionID generates a new session identifier with a stable prefix for display.
func NewSessionID() string {
	return defaultGenerator.newIdentifier("session")
}

// NewBranchID generates an identifier for one speculative execution branch.
func NewBranchID() string {
	return defaultGenerator.newIdentifier("branch")
}

// NewRequestID generates an identifier attached to inbound HTTP requests.
func NewRequestID() string {
	return defaultGenerator.newIdentifier("req")
}

// NewMessageID generates an identifier for one conversation message.
func NewMessageID() string {
	return defaultGenerator.newIdentifier("msg")
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}
