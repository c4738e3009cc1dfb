package decisioncache

import (
	"testing"
	"time"
)

func TestInsertAndGet(t *testing.T) {
	c := New(10, time.Minute)
	k := NewKey("GET", "/x", nil, "", "rule-1")

	if _, ok := c.Get(k); ok {
		t.Fatal("expected miss before insert")
	}
	c.Insert(k, "decision-A")
	v, ok := c.Get(k)
	if !ok || v != "decision-A" {
		t.Fatalf("expected hit with decision-A, got %v ok=%v", v, ok)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(10, time.Millisecond)
	k := NewKey("GET", "/x", nil, "", "rule-1")
	c.Insert(k, "decision-A")

	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(k); ok {
		t.Fatal("expected entry to expire after TTL")
	}
}

func TestMaxSizeEviction(t *testing.T) {
	c := New(2, time.Hour)
	k1 := NewKey("GET", "/1", nil, "", "r")
	k2 := NewKey("GET", "/2", nil, "", "r")
	k3 := NewKey("GET", "/3", nil, "", "r")

	c.Insert(k1, "a")
	c.Insert(k2, "b")
	c.Insert(k3, "c") // should evict k1, the oldest

	if _, ok := c.Get(k1); ok {
		t.Fatal("expected oldest entry to be evicted at capacity")
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache size to stay at capacity 2, got %d", c.Len())
	}
}

func TestKeyCanonicalizesHeaderCaseAndOrder(t *testing.T) {
	k1 := NewKey("get", "/x", map[string][]string{"A": {"1"}, "B": {"2"}}, "", "r")
	k2 := NewKey("GET", "/x", map[string][]string{"b": {"2"}, "a": {"1"}}, "", "r")
	if k1 != k2 {
		t.Fatalf("expected canonicalized keys to be equal: %+v vs %+v", k1, k2)
	}
}
