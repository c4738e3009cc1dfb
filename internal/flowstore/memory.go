package flowstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memoryFlow struct {
	entries map[string]memoryEntry
	ttl     time.Duration // zero means no flow-level TTL
	touched time.Time
}

// Memory is the in-memory flow store backend: a per-flow TTL map with
// a periodic sweep goroutine, grounded on circuit.Registry's
// idle-TTL eviction check (circuit/registry.go Get: "check if there
// is any to evict, evict if yet") generalized from breaker eviction to
// whole-flow eviction.
type Memory struct {
	mu    sync.Mutex
	flows map[string]*memoryFlow

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewMemory starts the sweep goroutine and returns a ready Memory
// store. sweepInterval controls how often expired flows are dropped;
// a non-positive value defaults to one minute.
func NewMemory(sweepInterval time.Duration) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	m := &Memory{
		flows:         make(map[string]*memoryFlow),
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Close stops the sweep goroutine. Safe to call once.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory) sweepLoop() {
	t := time.NewTicker(m.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-t.C:
			m.sweep(now)
		}
	}
}

func (m *Memory) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.flows {
		if f.ttl > 0 && now.Sub(f.touched) > f.ttl {
			delete(m.flows, id)
			continue
		}
		for k, e := range f.entries {
			if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
				delete(f.entries, k)
			}
		}
	}
}

func (m *Memory) flow(flowID string) *memoryFlow {
	f, ok := m.flows[flowID]
	if !ok {
		f = &memoryFlow{entries: make(map[string]memoryEntry)}
		m.flows[flowID] = f
	}
	f.touched = time.Now()
	return f
}

func (m *Memory) Get(_ context.Context, flowID, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	if !ok {
		return "", false, nil
	}
	e, ok := f.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, flowID, key, json string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flow(flowID)
	prev := f.entries[key]
	f.entries[key] = memoryEntry{value: json, expiresAt: prev.expiresAt}
	return nil
}

func (m *Memory) Exists(ctx context.Context, flowID, key string) (bool, error) {
	_, ok, err := m.Get(ctx, flowID, key)
	return ok, err
}

func (m *Memory) Delete(_ context.Context, flowID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.flows[flowID]; ok {
		delete(f.entries, key)
	}
	return nil
}

func (m *Memory) Increment(_ context.Context, flowID, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flow(flowID)
	e := f.entries[key]
	var n int64
	if e.value != "" {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n += delta
	f.entries[key] = memoryEntry{value: strconv.FormatInt(n, 10), expiresAt: e.expiresAt}
	return n, nil
}

func (m *Memory) SetTTL(_ context.Context, flowID string, ttl Seconds) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.flow(flowID)
	f.ttl = time.Duration(ttl) * time.Second
	return nil
}

func (m *Memory) Stateful() bool { return true }
