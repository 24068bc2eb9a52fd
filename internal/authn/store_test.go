package authn

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStorePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "auth_tokens.json"))
	ctx := context.Background()

	if got, err := store.Get(ctx, "https://hub.example"); err != nil || got != nil {
		t.Fatalf("Get on empty store: got %+v, err %v", got, err)
	}

	tokens := &Tokens{IDToken: "id-1", RefreshToken: "refresh-1"}
	if err := store.Put(ctx, "https://hub.example", tokens); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "https://hub.example")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || *got != *tokens {
		t.Fatalf("Get = %+v, want %+v", got, tokens)
	}

	if err := store.Delete(ctx, "https://hub.example"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, err := store.Get(ctx, "https://hub.example"); err != nil || got != nil {
		t.Fatalf("Get after delete: got %+v, err %v", got, err)
	}
}

func TestStoreMultipleHubs(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "auth_tokens.json"))
	ctx := context.Background()

	a := &Tokens{IDToken: "a-id", RefreshToken: "a-refresh"}
	b := &Tokens{IDToken: "b-id", RefreshToken: "b-refresh"}
	if err := store.Put(ctx, "https://a.example", a); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := store.Put(ctx, "https://b.example", b); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	gotA, err := store.Get(ctx, "https://a.example")
	if err != nil || gotA == nil || *gotA != *a {
		t.Fatalf("Get a = %+v, err %v", gotA, err)
	}
	gotB, err := store.Get(ctx, "https://b.example")
	if err != nil || gotB == nil || *gotB != *b {
		t.Fatalf("Get b = %+v, err %v", gotB, err)
	}
}
