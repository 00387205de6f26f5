package provider

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockClient serves deterministic canned completions without any network.
// It is the default adapter in mock mode and the workhorse of the test
// suites; call counts are recorded so tests can assert single-flight and
// fan-out behavior.
type MockClient struct {
	provider string
	models   []string
	delay    time.Duration

	mu       sync.Mutex
	calls    map[string]int
	scripts  map[string]string
	failures map[string]error
}

var _ Client = (*MockClient)(nil)
var _ Streamer = (*MockClient)(nil)

// NewMockClient builds a mock adapter for one provider and its models.
func NewMockClient(provider string, models []string) *MockClient {
	return &MockClient{
		provider: provider,
		models:   append([]string(nil), models...),
		delay:    10 * time.Millisecond,
		calls:    make(map[string]int),
		scripts:  make(map[string]string),
		failures: make(map[string]error),
	}
}

// WithDelay overrides the simulated network latency.
func (m *MockClient) WithDelay(d time.Duration) *MockClient {
	m.delay = d
	return m
}

// Script pins the content returned for one model.
func (m *MockClient) Script(model, content string) {
	m.mu.Lock()
	m.scripts[model] = content
	m.mu.Unlock()
}

// Fail makes calls for one model return the given error.
func (m *MockClient) Fail(model string, err error) {
	m.mu.Lock()
	m.failures[model] = err
	m.mu.Unlock()
}

// Calls reports how many completions were issued for one model.
func (m *MockClient) Calls(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[model]
}

// TotalCalls reports completions across all models.
func (m *MockClient) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

func (m *MockClient) Models() []string {
	return append([]string(nil), m.models...)
}

func (m *MockClient) HealthCheck(context.Context) error { return nil }

func (m *MockClient) Complete(ctx context.Context, model string, messages []Message, params Params) (*Result, error) {
	start := time.Now()
	m.mu.Lock()
	m.calls[model]++
	scripted, hasScript := m.scripts[model]
	failure := m.failures[model]
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}

	content := scripted
	if !hasScript {
		content = m.compose(model, messages)
	}
	return &Result{
		Provider:        m.provider,
		Model:           model,
		Content:         content,
		Role:            "assistant",
		Usage:           mockUsage(messages, content),
		FinishReason:    "stop",
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// StreamComplete chunks the canned content word by word so streaming
// consumers see realistic incremental deltas.
func (m *MockClient) StreamComplete(ctx context.Context, model string, messages []Message, params Params, onDelta func(text string)) (*Result, error) {
	res, err := m.Complete(ctx, model, messages, params)
	if err != nil {
		return nil, err
	}
	if onDelta != nil {
		words := strings.SplitAfter(res.Content, " ")
		for _, w := range words {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			if w != "" {
				onDelta(w)
			}
		}
	}
	return res, nil
}

// compose builds a deterministic answer echoing the last user turn, so the
// same prompt always produces the same content for cache and consensus
// tests.
func (m *MockClient) compose(model string, messages []Message) string {
	lastUser := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = messages[i].Content
			break
		}
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(m.provider)
	b.WriteString("/")
	b.WriteString(model)
	b.WriteString("] ")
	b.WriteString(lastUser)
	return b.String()
}

func mockUsage(messages []Message, content string) Usage {
	prompt := 0
	for _, msg := range messages {
		prompt += len(msg.Content)/4 + 1
	}
	completion := len(content)/4 + 1
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
