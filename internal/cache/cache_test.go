package cache

import (
	"context"
	"testing"
	"time"

	"github.com/mosaicdocs/aicore/internal/domain"
)

func testResponse(id string) *domain.CompletionResponse {
	return &domain.CompletionResponse{
		ID:       id,
		Content:  "hello",
		Provider: "openai",
		Model:    "gpt-4o-mini",
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	req := domain.CompletionRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	}

	a := Fingerprint("chat/low/standard", req)
	b := Fingerprint("chat/low/standard", req)
	if a != b {
		t.Errorf("same request produced different keys: %q vs %q", a, b)
	}
}

func TestFingerprintVariesWithRequest(t *testing.T) {
	base := domain.CompletionRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	}

	temp := 0.7
	cases := []struct {
		name  string
		scope string
		req   domain.CompletionRequest
	}{
		{"different message", "chat/low/standard", domain.CompletionRequest{
			Messages: []domain.Message{{Role: "user", Content: "bye"}},
		}},
		{"different scope", "chat/high/premium", base},
		{"different temperature", "chat/low/standard", domain.CompletionRequest{
			Messages:    base.Messages,
			Temperature: &temp,
		}},
	}

	baseKey := Fingerprint("chat/low/standard", base)
	for _, tc := range cases {
		if got := Fingerprint(tc.scope, tc.req); got == baseKey {
			t.Errorf("%s: expected a different key", tc.name)
		}
	}
}

func TestInMemoryCacheHitAndMiss(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(10)
	defer c.Close()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("expected miss for unknown key")
	}

	c.Set(ctx, "key-1", testResponse("r1"), time.Minute)

	got, ok := c.Get(ctx, "key-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.ID != "r1" {
		t.Errorf("expected r1, got %q", got.ID)
	}
}

func TestInMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(10)
	defer c.Close()

	c.Set(ctx, "key-1", testResponse("r1"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "key-1"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestInMemoryCacheEvictsAtCapacity(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(2)
	defer c.Close()

	c.Set(ctx, "a", testResponse("a"), time.Minute)
	c.Set(ctx, "b", testResponse("b"), 2*time.Minute)
	c.Set(ctx, "c", testResponse("c"), 3*time.Minute)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	// "a" had the earliest expiry and should be the victim.
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("expected earliest-expiry entry to be evicted")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Error("expected newest entry to survive")
	}
}

func TestInMemoryCachePurge(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(10)
	defer c.Close()

	c.Set(ctx, "a", testResponse("a"), time.Minute)
	c.Set(ctx, "b", testResponse("b"), time.Minute)

	if err := c.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache after purge, got %d entries", c.Len())
	}
}
