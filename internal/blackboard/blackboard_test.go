package blackboard

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	dir := t.TempDir()
	bb, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bb.Close()

	ctx := context.Background()
	if err := bb.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := bb.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("expected v, got %s", v)
	}

	ok, err := bb.Exists(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected key to exist")
	}

	if err := bb.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := bb.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	dir := t.TempDir()
	bb, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bb.Close()

	ctx := context.Background()
	if err := bb.Set(ctx, "short", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := bb.Get(ctx, "short"); err != ErrNotFound {
		t.Fatalf("expected key to expire, got %v", err)
	}
}
