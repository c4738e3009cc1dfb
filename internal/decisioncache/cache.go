// Package decisioncache implements the TTL-bounded LRU of fault
// decisions keyed by request fingerprint, per spec.md §4.3. It is
// adapted directly from circuit.Registry's channel-synchronized
// lookup map plus idle-TTL eviction (circuit/registry.go) combined
// with circuit's intrusive access-order list (circuit/list.go),
// generalized from "evict breakers idle longer than IdleTTL" to
// "evict decisions idle longer than TTL, or evict the oldest once over
// capacity."
package decisioncache

import (
	"sort"
	"strings"
	"time"
)

// Key canonicalizes the fields spec.md §4.3 names: "(method, path,
// sorted header map, canonical body bytes, rule id)".
type Key struct {
	Method  string
	Path    string
	Headers string // sorted, lowercased "k:v" pairs joined with "&"
	Body    string
	RuleID  string
}

// NewKey canonicalizes raw header/body inputs into a Key.
func NewKey(method, path string, headers map[string][]string, body, ruleID string) Key {
	names := make([]string, 0, len(headers))
	lowered := make(map[string][]string, len(headers))
	for k, v := range headers {
		name := strings.ToLower(k)
		names = append(names, name)
		lowered[name] = v
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(lowered[name], ","))
	}

	return Key{Method: strings.ToUpper(method), Path: path, Headers: b.String(), Body: body, RuleID: ruleID}
}

type entry struct {
	key   Key
	value interface{}
	ts    time.Time

	prev, next *entry
}

// Cache is the TTL-bounded LRU. The zero value is not usable; call
// New.
type Cache struct {
	maxSize int
	ttl     time.Duration

	lookup map[Key]*entry
	access *list
	sync   chan *Cache
}

// New returns a ready Cache. maxSize <= 0 means unbounded by size
// (TTL-only eviction); ttl <= 0 disables TTL eviction (size-only).
func New(maxSize int, ttl time.Duration) *Cache {
	c := &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		lookup:  make(map[Key]*entry),
		access:  &list{},
		sync:    make(chan *Cache, 1),
	}
	c.sync <- c
	return c
}

func (c *Cache) synced(f func()) {
	c = <-c.sync
	f()
	c.sync <- c
}

// Get returns the cached decision for key, if present and unexpired.
// A hit does not re-execute a worker, per spec.md §4.3 "On hit: return
// cached decision without invoking a worker."
func (c *Cache) Get(key Key) (value interface{}, ok bool) {
	c.synced(func() {
		e, found := c.lookup[key]
		if !found {
			return
		}
		if c.ttl > 0 && time.Since(e.ts) > c.ttl {
			// Single-entry eviction: e may not be the access list's
			// head, so dropLookup (which walks e.next to the tail)
			// would delete every more-recently-accessed entry behind
			// it too. Detach just e.
			c.access.remove(e, e)
			delete(c.lookup, e.key)
			return
		}
		e.ts = time.Now()
		c.access.appendLast(e)
		value, ok = e.value, true
	})
	return
}

func (c *Cache) dropLookup(e *entry) {
	for e != nil {
		delete(c.lookup, e.key)
		e = e.next
	}
}

// Insert stores value under key, evicting the oldest entry first if
// the cache is at capacity, mirroring circuit.Registry.Get's
// "check if there is any to evict, evict if yet, and create a new
// one" sequencing.
func (c *Cache) Insert(key Key, value interface{}) {
	c.synced(func() {
		now := time.Now()

		if c.ttl > 0 {
			drop, _ := c.access.dropHeadIf(func(e *entry) bool {
				return now.Sub(e.ts) > c.ttl
			})
			c.dropLookup(drop)
		}

		if c.maxSize > 0 {
			for len(c.lookup) >= c.maxSize {
				if c.access.first == nil {
					break
				}
				oldest := c.access.first
				c.access.remove(oldest, oldest)
				delete(c.lookup, oldest.key)
			}
		}

		e, ok := c.lookup[key]
		if !ok {
			e = &entry{key: key}
			c.lookup[key] = e
		}
		e.value = value
		e.ts = now
		c.access.appendLast(e)
	})
}

// Len reports the number of live entries, mainly for tests.
func (c *Cache) Len() int {
	var n int
	c.synced(func() { n = len(c.lookup) })
	return n
}
