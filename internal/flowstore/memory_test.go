package flowstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryIncrementAndGet(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	n, err := m.Increment(ctx, "flow-1", "count", 1)
	if err != nil || n != 1 {
		t.Fatalf("expected first increment to yield 1, got %d err=%v", n, err)
	}
	n, err = m.Increment(ctx, "flow-1", "count", 1)
	if err != nil || n != 2 {
		t.Fatalf("expected second increment to yield 2, got %d err=%v", n, err)
	}

	v, ok, err := m.Get(ctx, "flow-1", "count")
	if err != nil || !ok || v != "2" {
		t.Fatalf("expected stored value 2, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestMemoryDeleteAndExists(t *testing.T) {
	m := NewMemory(time.Hour)
	defer m.Close()
	ctx := context.Background()

	_ = m.Set(ctx, "f", "k", `"v"`)
	ok, _ := m.Exists(ctx, "f", "k")
	if !ok {
		t.Fatal("expected key to exist after Set")
	}
	_ = m.Delete(ctx, "f", "k")
	ok, _ = m.Exists(ctx, "f", "k")
	if ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestNoopIsAlwaysAbsentAndNotStateful(t *testing.T) {
	n := Noop{}
	if n.Stateful() {
		t.Fatal("noop store must report Stateful() == false")
	}
	_, ok, err := n.Get(context.Background(), "f", "k")
	if err != nil || ok {
		t.Fatalf("expected noop Get to report absent, ok=%v err=%v", ok, err)
	}
}
