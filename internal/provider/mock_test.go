package provider

import (
	"context"
	"strings"
	"testing"
	"time"

	stderrors "errors"
)

func TestMockClientDeterministicContent(t *testing.T) {
	t.Parallel()

	client := NewMockClient("openai", []string{"gpt-4o"}).WithDelay(0)
	messages := []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "what is a goroutine"},
	}

	first, err := client.Complete(context.Background(), "gpt-4o", messages, Params{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	second, err := client.Complete(context.Background(), "gpt-4o", messages, Params{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if first.Content != second.Content {
		t.Fatalf("same prompt should produce same content: %q vs %q", first.Content, second.Content)
	}
	if !strings.Contains(first.Content, "openai/gpt-4o") {
		t.Fatalf("content should carry provenance: %q", first.Content)
	}
	if !strings.Contains(first.Content, "what is a goroutine") {
		t.Fatalf("content should echo the last user turn: %q", first.Content)
	}
	if first.FinishReason != "stop" || first.Role != "assistant" {
		t.Fatalf("unexpected result shape: %+v", first)
	}
	if first.Usage.TotalTokens == 0 {
		t.Fatal("usage should be non-zero")
	}
	if client.Calls("gpt-4o") != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", client.Calls("gpt-4o"))
	}
}

func TestMockClientScriptAndFail(t *testing.T) {
	t.Parallel()

	client := NewMockClient("anthropic", []string{"claude-a", "claude-b"}).WithDelay(0)
	client.Script("claude-a", "scripted answer")
	wantErr := stderrors.New("injected outage")
	client.Fail("claude-b", wantErr)

	res, err := client.Complete(context.Background(), "claude-a", []Message{{Role: "user", Content: "x"}}, Params{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != "scripted answer" {
		t.Fatalf("unexpected scripted content: %q", res.Content)
	}

	_, err = client.Complete(context.Background(), "claude-b", []Message{{Role: "user", Content: "x"}}, Params{})
	if !stderrors.Is(err, wantErr) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if client.TotalCalls() != 2 {
		t.Fatalf("expected 2 total calls, got %d", client.TotalCalls())
	}
}

func TestMockClientRespectsCancellation(t *testing.T) {
	t.Parallel()

	client := NewMockClient("openai", []string{"gpt-4o"}).WithDelay(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Complete(ctx, "gpt-4o", []Message{{Role: "user", Content: "x"}}, Params{})
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation should interrupt the simulated delay, took %v", elapsed)
	}
}

func TestMockClientStreamDeltasReassemble(t *testing.T) {
	t.Parallel()

	client := NewMockClient("openai", []string{"gpt-4o"}).WithDelay(0)
	client.Script("gpt-4o", "alpha beta gamma")

	var deltas []string
	res, err := client.StreamComplete(context.Background(), "gpt-4o",
		[]Message{{Role: "user", Content: "x"}}, Params{},
		func(text string) { deltas = append(deltas, text) })
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	if got := strings.Join(deltas, ""); got != res.Content {
		t.Fatalf("deltas %q should reassemble to %q", got, res.Content)
	}
	if len(deltas) < 3 {
		t.Fatalf("expected word-level deltas, got %d", len(deltas))
	}
}
