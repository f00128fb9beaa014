package secrets

import (
	"context"
	"testing"
)

func TestInMemoryStoreGet(t *testing.T) {
	store := NewInMemoryStore()
	store.Set("aicore/providers/openai", "sk-test")

	value, err := store.Get(context.Background(), "aicore/providers/openai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "sk-test" {
		t.Errorf("unexpected value %q", value)
	}

	if _, err := store.Get(context.Background(), "missing"); err == nil {
		t.Error("expected an error for a missing secret")
	}
}

func TestInMemoryStoreGetJSON(t *testing.T) {
	store := NewInMemoryStore()
	store.Set("aicore/db", `{"host":"localhost","port":5432}`)

	var creds struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	if err := store.GetJSON(context.Background(), "aicore/db", &creds); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if creds.Host != "localhost" || creds.Port != 5432 {
		t.Errorf("unexpected creds %+v", creds)
	}
}

func TestProviderKey(t *testing.T) {
	store := NewInMemoryStore()
	store.Set("aicore/providers/anthropic", "key-123")

	value, err := ProviderKey(context.Background(), store, "aicore", "anthropic")
	if err != nil {
		t.Fatalf("provider key: %v", err)
	}
	if value != "key-123" {
		t.Errorf("unexpected value %q", value)
	}
}
