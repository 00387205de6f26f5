package conversation

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"prism/internal/errors"
)

func lengthEstimator(role, content string) int { return len(content) }

func newTestManager(maxTokens int, opts ...Option) *Manager {
	opts = append([]Option{WithEstimator(lengthEstimator)}, opts...)
	return NewManager(maxTokens, time.Hour, opts...)
}

func TestAddMessageRejectsInvalidRole(t *testing.T) {
	m := newTestManager(100)
	err := m.AddMessage("u1", "s1", "oracle", "hello", nil)
	if err == nil {
		t.Fatal("expected error for invalid role")
	}
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("kind = %v, want validation", errors.KindOf(err))
	}
}

func TestUnknownSessionReadsEmpty(t *testing.T) {
	m := newTestManager(100)
	if got := m.Context("u1", "ghost", true); len(got) != 0 {
		t.Fatalf("expected empty context, got %d messages", len(got))
	}
}

func TestMessagesOrderedAndSnapshotted(t *testing.T) {
	m := newTestManager(1000)
	for i := 0; i < 5; i++ {
		if err := m.AddMessage("u1", "s1", RoleUser, fmt.Sprintf("turn %d", i), map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	ctx := m.Context("u1", "s1", true)
	if len(ctx) != 5 {
		t.Fatalf("len = %d, want 5", len(ctx))
	}
	for i, msg := range ctx {
		if msg.Content != fmt.Sprintf("turn %d", i) {
			t.Fatalf("message %d out of order: %q", i, msg.Content)
		}
	}

	// Mutating the snapshot's metadata must not leak back.
	ctx[0].Metadata["i"] = 99
	again := m.Context("u1", "s1", true)
	if again[0].Metadata["i"] != 0 {
		t.Fatal("snapshot metadata aliased manager state")
	}
}

func TestTruncationDropsOldestFirst(t *testing.T) {
	// Budget 10, messages sized [4, 4, 4]: after the third add only the last
	// two fit.
	m := newTestManager(10)
	for i := 0; i < 3; i++ {
		if err := m.AddMessage("u1", "s1", RoleUser, fmt.Sprintf("m%d%s", i, strings.Repeat("x", 2)), nil); err != nil {
			t.Fatal(err)
		}
	}
	ctx := m.Context("u1", "s1", true)
	if len(ctx) != 2 {
		t.Fatalf("len = %d, want 2", len(ctx))
	}
	if ctx[0].Content[:2] != "m1" || ctx[1].Content[:2] != "m2" {
		t.Fatalf("wrong survivors: %q, %q", ctx[0].Content, ctx[1].Content)
	}
	total := 0
	for _, msg := range ctx {
		total += msg.TokenCount
	}
	if total > 10 {
		t.Fatalf("window total %d exceeds budget", total)
	}
}

func TestTruncationPreservesSystemMessages(t *testing.T) {
	m := newTestManager(12)
	if err := m.AddMessage("u1", "s1", RoleSystem, "sys1", nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := m.AddMessage("u1", "s1", RoleUser, "abcd", nil); err != nil {
			t.Fatal(err)
		}
	}
	ctx := m.Context("u1", "s1", true)
	if ctx[0].Role != RoleSystem {
		t.Fatal("system message was evicted")
	}
	withoutSystem := m.Context("u1", "s1", false)
	if len(withoutSystem) != len(ctx)-1 {
		t.Fatalf("include_system filtering broken: %d vs %d", len(withoutSystem), len(ctx))
	}
}

func TestOversizedMessageRetainedAlone(t *testing.T) {
	m := newTestManager(10)
	if err := m.AddMessage("u1", "s1", RoleSystem, "sy", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMessage("u1", "s1", RoleUser, "abcd", nil); err != nil {
		t.Fatal(err)
	}
	// 11 tokens, alone over the budget.
	if err := m.AddMessage("u1", "s1", RoleUser, strings.Repeat("z", 11), nil); err != nil {
		t.Fatal(err)
	}
	ctx := m.Context("u1", "s1", true)
	if len(ctx) != 2 {
		t.Fatalf("len = %d, want system + oversized message", len(ctx))
	}
	if ctx[0].Role != RoleSystem {
		t.Fatal("system message lost")
	}
	if ctx[1].TokenCount != 11 {
		t.Fatalf("oversized message dropped, got %q", ctx[1].Content)
	}
}

func TestHistoryOrderedByLastActive(t *testing.T) {
	current := time.Unix(1000, 0)
	m := newTestManager(100, WithNow(func() time.Time { return current }))

	m.AddMessage("u1", "old", RoleUser, "a", nil)
	current = current.Add(time.Minute)
	m.AddMessage("u1", "new", RoleUser, "b", nil)
	m.AddMessage("u2", "other", RoleUser, "c", nil)

	history := m.History("u1", 10)
	if len(history) != 2 {
		t.Fatalf("len = %d, want 2", len(history))
	}
	if history[0].SessionID != "new" || history[1].SessionID != "old" {
		t.Fatalf("wrong order: %s, %s", history[0].SessionID, history[1].SessionID)
	}

	if limited := m.History("u1", 1); len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	current := time.Unix(1000, 0)
	m := NewManager(100, time.Minute, WithEstimator(lengthEstimator), WithNow(func() time.Time { return current }))

	m.AddMessage("u1", "stale", RoleUser, "a", nil)
	current = current.Add(2 * time.Minute)
	m.AddMessage("u1", "fresh", RoleUser, "b", nil)

	if removed := m.CleanupExpired(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if got := m.Context("u1", "stale", true); len(got) != 0 {
		t.Fatal("stale session still readable")
	}
	if got := m.Context("u1", "fresh", true); len(got) != 1 {
		t.Fatal("fresh session lost")
	}
	if stats := m.Stats(); stats.Evictions != 1 {
		t.Fatalf("evictions = %d, want 1", stats.Evictions)
	}
}

func TestStats(t *testing.T) {
	m := newTestManager(1000)
	m.AddMessage("u1", "s1", RoleUser, "hello", nil)
	m.AddMessage("u1", "s2", RoleUser, "world", nil)
	m.AddMessage("u2", "s3", RoleUser, "again", nil)

	stats := m.Stats()
	if stats.TotalConversations != 3 {
		t.Errorf("conversations = %d, want 3", stats.TotalConversations)
	}
	if stats.TotalMessages != 3 {
		t.Errorf("messages = %d, want 3", stats.TotalMessages)
	}
	if stats.ActiveUsers != 2 {
		t.Errorf("users = %d, want 2", stats.ActiveUsers)
	}
	if stats.MemoryUsageMB <= 0 {
		t.Error("memory estimate should be positive")
	}
}

func TestConcurrentSessionsDoNotInterfere(t *testing.T) {
	m := newTestManager(1 << 20)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			session := fmt.Sprintf("s%d", w)
			for i := 0; i < 100; i++ {
				if err := m.AddMessage("u1", session, RoleUser, "x", nil); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < 8; w++ {
		session := fmt.Sprintf("s%d", w)
		if got := len(m.Context("u1", session, true)); got != 100 {
			t.Fatalf("session %s has %d messages, want 100", session, got)
		}
	}
}

func TestWindowInvariantUnderLongSequence(t *testing.T) {
	m := newTestManager(50)
	for i := 0; i < 200; i++ {
		content := strings.Repeat("a", 1+i%17)
		if err := m.AddMessage("u1", "s1", RoleUser, content, nil); err != nil {
			t.Fatal(err)
		}
		total := 0
		for _, msg := range m.Context("u1", "s1", true) {
			total += msg.TokenCount
		}
		if total > 50 {
			t.Fatalf("after add %d window total %d exceeds budget", i, total)
		}
	}
}
