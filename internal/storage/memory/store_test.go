package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, monitor.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.Put(ctx, "k", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("Get() = %s", got)
	}
	got[0] = 'x'
	again, err := store.Get(ctx, "k")
	if err != nil || string(again) != `{"a":1}` {
		t.Fatalf("expected Get to return a copy, got %s err=%v", again, err)
	}
	if err := store.Put(ctx, "k", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Put overwrite error = %v", err)
	}
	if store.Keys() != 1 {
		t.Fatalf("expected 1 key, got %d", store.Keys())
	}
}
