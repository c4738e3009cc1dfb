// Package ruleindex implements the two-stage fault-proxy rule matcher
// of spec.md §4.2: a compile-time index (exact hash map, radix-trie
// prefix bucket, Aho-Corasick contains bucket, suffix list, regex
// bucket, plus a method secondary index) that narrows N rules to a
// small candidate set before full predicate evaluation runs.
//
// Grounded structurally on eskip's tokenize-then-categorize compiling
// style (eskip/lexer.go, eskip/parser.go), generalized from parsing a
// route DSL to compiling declarative match specs into indexed buckets.
package ruleindex

import (
	"regexp"
	"sort"
	"strings"
)

// PathMatchKind discriminates how a rule's path match spec is
// categorized at compile time.
type PathMatchKind int

const (
	PathAny PathMatchKind = iota
	PathExact
	PathPrefix
	PathContains
	PathEndsWith
	PathRegex
)

// PathMatch is one rule's compiled path-match spec.
type PathMatch struct {
	Kind  PathMatchKind
	Value string
}

// Entry is one compiled rule as the index sees it: just enough to
// bucket and rank it. The owning package keeps the full rule (and its
// full predicate) keyed by ID for stage-two evaluation.
type Entry struct {
	RuleID   string
	Priority int    // lower value = higher priority
	Method   string // empty = no method constraint
	Path     PathMatch
}

// Index is the compiled two-stage matcher.
type Index struct {
	any      []Entry
	exact    map[string][]Entry
	prefix   *prefixNode
	contains *acAutomaton
	endsWith []Entry
	regex    []compiledRegexEntry

	methodIndex map[string]map[string]bool // method -> set of rule IDs constrained to it
	order       map[string]int             // rule ID -> position in Compile's entries, for priority ties
}

type compiledRegexEntry struct {
	Entry
	re *regexp.Regexp
}

// Compile builds an Index from the given entries. Invalid regexes are
// skipped (the owning stub/rule-add path is responsible for surfacing
// compile errors as 400s per spec.md §7; the index itself is best
// effort once it reaches this stage).
func Compile(entries []Entry) *Index {
	idx := &Index{
		exact:       make(map[string][]Entry),
		prefix:      newPrefixNode(),
		methodIndex: make(map[string]map[string]bool),
		order:       make(map[string]int, len(entries)),
	}

	var containsPatterns []string
	var containsEntries []Entry

	for i, e := range entries {
		idx.order[e.RuleID] = i
		if e.Method != "" {
			m := strings.ToUpper(e.Method)
			if idx.methodIndex[m] == nil {
				idx.methodIndex[m] = make(map[string]bool)
			}
			idx.methodIndex[m][e.RuleID] = true
		}

		switch e.Path.Kind {
		case PathAny:
			idx.any = append(idx.any, e)
		case PathExact:
			idx.exact[e.Path.Value] = append(idx.exact[e.Path.Value], e)
		case PathPrefix:
			idx.prefix.insert(e.Path.Value, e)
			idx.prefix.insert(strings.TrimSuffix(e.Path.Value, "/")+"/*", e)
		case PathContains:
			containsPatterns = append(containsPatterns, e.Path.Value)
			containsEntries = append(containsEntries, e)
		case PathEndsWith:
			idx.endsWith = append(idx.endsWith, e)
		case PathRegex:
			re, err := regexp.Compile(e.Path.Value)
			if err != nil {
				continue
			}
			idx.regex = append(idx.regex, compiledRegexEntry{Entry: e, re: re})
		}
	}

	idx.contains = buildACAutomaton(containsPatterns, containsEntries)

	return idx
}

// Candidates returns the rule entries whose compile-time index bucket
// could plausibly match path/method, sorted by ascending priority
// (entries sharing a priority keep the order they were passed to
// Compile in). Stage two (full
// predicate evaluation, owned by the caller) still must confirm each
// candidate.
func (idx *Index) Candidates(method, path string) []Entry {
	seen := make(map[string]Entry)
	add := func(es ...Entry) {
		for _, e := range es {
			seen[e.RuleID] = e
		}
	}

	add(idx.any...)
	add(idx.exact[path]...)
	add(idx.prefix.lookup(path)...)
	add(idx.contains.search(path)...)
	for _, e := range idx.endsWith {
		if strings.HasSuffix(path, e.Path.Value) {
			add(e)
		}
	}
	for _, re := range idx.regex {
		if re.re.MatchString(path) {
			add(re.Entry)
		}
	}

	m := strings.ToUpper(method)
	out := make([]Entry, 0, len(seen))
	for _, e := range seen {
		if e.Method == "" || strings.ToUpper(e.Method) == m {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return idx.order[out[i].RuleID] < idx.order[out[j].RuleID]
	})
	return out
}

// --- radix trie (prefix bucket) ---

type prefixNode struct {
	children map[byte]*prefixNode
	entries  []Entry
	terminal bool
}

func newPrefixNode() *prefixNode {
	return &prefixNode{children: make(map[byte]*prefixNode)}
}

func (n *prefixNode) insert(prefix string, e Entry) {
	cur := n
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		child, ok := cur.children[c]
		if !ok {
			child = newPrefixNode()
			cur.children[c] = child
		}
		cur = child
	}
	cur.terminal = true
	cur.entries = append(cur.entries, e)
}

// lookup returns every entry whose inserted prefix is a prefix of
// path, by walking path through the trie and collecting terminal
// entries along the way.
func (n *prefixNode) lookup(path string) []Entry {
	var out []Entry
	cur := n
	if cur.terminal {
		out = append(out, cur.entries...)
	}
	for i := 0; i < len(path); i++ {
		child, ok := cur.children[path[i]]
		if !ok {
			break
		}
		cur = child
		if cur.terminal {
			out = append(out, cur.entries...)
		}
	}
	return out
}

// --- Aho-Corasick automaton (contains bucket) ---

type acNode struct {
	children map[byte]int // byte -> node index
	fail     int
	outputs  []int // pattern indices terminating here (after following fail links)
}

type acAutomaton struct {
	nodes    []acNode
	patterns []string
	entries  []Entry // parallel to patterns
}

func buildACAutomaton(patterns []string, entries []Entry) *acAutomaton {
	a := &acAutomaton{patterns: patterns, entries: entries}
	a.nodes = []acNode{{children: make(map[byte]int)}} // root

	for pi, p := range patterns {
		cur := 0
		for i := 0; i < len(p); i++ {
			c := p[i]
			next, ok := a.nodes[cur].children[c]
			if !ok {
				a.nodes = append(a.nodes, acNode{children: make(map[byte]int)})
				next = len(a.nodes) - 1
				a.nodes[cur].children[c] = next
			}
			cur = next
		}
		a.nodes[cur].outputs = append(a.nodes[cur].outputs, pi)
	}

	// BFS to build fail links, classic Aho-Corasick construction.
	queue := make([]int, 0, len(a.nodes))
	for _, next := range a.nodes[0].children {
		a.nodes[next].fail = 0
		queue = append(queue, next)
	}
	for qi := 0; qi < len(queue); qi++ {
		u := queue[qi]
		for c, v := range a.nodes[u].children {
			fail := a.nodes[u].fail
			for fail != 0 {
				if next, ok := a.nodes[fail].children[c]; ok {
					fail = next
					break
				}
				fail = a.nodes[fail].fail
			}
			if fail == 0 {
				if next, ok := a.nodes[0].children[c]; ok && next != v {
					fail = next
				}
			}
			a.nodes[v].fail = fail
			a.nodes[v].outputs = append(a.nodes[v].outputs, a.nodes[fail].outputs...)
			queue = append(queue, v)
		}
	}

	return a
}

func (a *acAutomaton) search(text string) []Entry {
	if a == nil || len(a.nodes) <= 1 {
		return nil
	}

	var out []Entry
	seen := make(map[int]bool)
	cur := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		for {
			if next, ok := a.nodes[cur].children[c]; ok {
				cur = next
				break
			}
			if cur == 0 {
				break
			}
			cur = a.nodes[cur].fail
		}
		for _, pi := range a.nodes[cur].outputs {
			if !seen[pi] {
				seen[pi] = true
				out = append(out, a.entries[pi])
			}
		}
	}
	return out
}
