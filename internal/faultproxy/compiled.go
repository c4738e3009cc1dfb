package faultproxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/riftproxy/rift/internal/ruleindex"
	"github.com/riftproxy/rift/internal/script"
	"github.com/riftproxy/rift/internal/stub"
)

// compiledUpstream is a parsed upstream target.
type compiledUpstream struct {
	Name          string
	URL           string
	TLSSkipVerify bool
}

// compiledRoute is one routing entry, kept alongside its MatchSpec for
// stage-two (full) evaluation.
type compiledRoute struct {
	Name     string
	Upstream string
	Match    MatchSpec
}

// compiledRule is one YAML fault rule.
type compiledRule struct {
	ID       string
	Match    MatchSpec
	Upstream string
	Fault    stub.FaultSpec
}

// compiledScriptRule is one script_rules entry, with its source
// pre-compiled at load time (spec.md §7: "invalid script -> fatal,
// fail fast" at configuration time).
type compiledScriptRule struct {
	ID       string
	Match    MatchSpec
	Upstream string
	Compiled *script.CompiledScript
}

// Router selects an upstream for a request and finds the first
// matching rule/script-rule, using a ruleindex.Index per set to narrow
// candidates before the full MatchSpec evaluation.
type Router struct {
	upstreams map[string]compiledUpstream

	routes      []compiledRoute
	routeIndex  *ruleindex.Index
	routeByID   map[string]compiledRoute

	rules      []compiledRule
	ruleIndex  *ruleindex.Index
	ruleByID   map[string]compiledRule

	scriptRules     []compiledScriptRule
	scriptRuleIndex *ruleindex.Index
	scriptRuleByID  map[string]compiledScriptRule
}

// Compile builds a Router from cfg. Script sources are compiled
// eagerly so a bad script fails startup, per spec.md §7.
func Compile(cfg *Config) (*Router, error) {
	r := &Router{
		upstreams:      make(map[string]compiledUpstream),
		routeByID:      make(map[string]compiledRoute),
		ruleByID:       make(map[string]compiledRule),
		scriptRuleByID: make(map[string]compiledScriptRule),
	}

	for _, u := range cfg.Upstreams {
		r.upstreams[u.Name] = compiledUpstream{Name: u.Name, URL: u.URL, TLSSkipVerify: u.TLSSkipVerify}
	}

	var routeEntries []ruleindex.Entry
	for i, rt := range cfg.Routes {
		id := fmt.Sprintf("route-%d", i)
		if _, ok := r.upstreams[rt.Upstream]; !ok {
			return nil, fmt.Errorf("faultproxy: route %q references unknown upstream %q", rt.Name, rt.Upstream)
		}
		cr := compiledRoute{Name: rt.Name, Upstream: rt.Upstream, Match: rt.Match}
		r.routes = append(r.routes, cr)
		r.routeByID[id] = cr
		routeEntries = append(routeEntries, ruleindex.Entry{RuleID: id, Priority: i, Method: rt.Match.Method, Path: pathMatchOf(rt.Match)})
	}
	r.routeIndex = ruleindex.Compile(routeEntries)

	var ruleEntries []ruleindex.Entry
	for i, rc := range cfg.Rules {
		id := rc.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i)
		}
		priority := rc.Priority
		if priority == 0 {
			priority = i
		}
		cr := compiledRule{ID: id, Match: rc.Match, Upstream: rc.Upstream, Fault: faultSpecFromConfig(rc.Fault)}
		r.rules = append(r.rules, cr)
		r.ruleByID[id] = cr
		ruleEntries = append(ruleEntries, ruleindex.Entry{RuleID: id, Priority: priority, Method: rc.Match.Method, Path: pathMatchOf(rc.Match)})
	}
	r.ruleIndex = ruleindex.Compile(ruleEntries)

	var scriptEntries []ruleindex.Entry
	for i, sc := range cfg.ScriptRules {
		id := sc.ID
		if id == "" {
			id = fmt.Sprintf("script-rule-%d", i)
		}
		priority := sc.Priority
		if priority == 0 {
			priority = i
		}
		compiled, err := script.Compile(sc.Source, id)
		if err != nil {
			return nil, fmt.Errorf("faultproxy: compiling script rule %s: %w", id, err)
		}
		csr := compiledScriptRule{ID: id, Match: sc.Match, Upstream: sc.Upstream, Compiled: compiled}
		r.scriptRules = append(r.scriptRules, csr)
		r.scriptRuleByID[id] = csr
		scriptEntries = append(scriptEntries, ruleindex.Entry{RuleID: id, Priority: priority, Method: sc.Match.Method, Path: pathMatchOf(sc.Match)})
	}
	r.scriptRuleIndex = ruleindex.Compile(scriptEntries)

	return r, nil
}

// pathMatchOf reduces a MatchSpec to the single PathMatch the rule
// index buckets on; host/header/query constraints are re-checked in
// full at stage two regardless of bucket.
func pathMatchOf(m MatchSpec) ruleindex.PathMatch {
	switch {
	case m.PathExact != "":
		return ruleindex.PathMatch{Kind: ruleindex.PathExact, Value: m.PathExact}
	case m.PathPrefix != "":
		return ruleindex.PathMatch{Kind: ruleindex.PathPrefix, Value: m.PathPrefix}
	default:
		return ruleindex.PathMatch{Kind: ruleindex.PathAny}
	}
}

// matchesFull evaluates every field of m against an inbound request,
// the stage-two check the ruleindex candidate set still requires.
func matchesFull(m MatchSpec, r *http.Request) bool {
	if m.Method != "" && !strings.EqualFold(m.Method, r.Method) {
		return false
	}
	if m.PathExact != "" && r.URL.Path != m.PathExact {
		return false
	}
	if m.PathPrefix != "" && !strings.HasPrefix(r.URL.Path, m.PathPrefix) {
		return false
	}
	if m.Host != "" && !strings.EqualFold(m.Host, r.Host) {
		return false
	}
	for k, v := range m.Header {
		if r.Header.Get(k) != v {
			return false
		}
	}
	for k, v := range m.Query {
		if r.URL.Query().Get(k) != v {
			return false
		}
	}
	return true
}

// SelectUpstream implements spec.md §4.4 step 2: find the first
// matching route (by priority) and return its upstream, or sidecar
// mode's single configured upstream if no routes exist.
func (r *Router) SelectUpstream(req *http.Request) (compiledUpstream, bool) {
	candidates := r.routeIndex.Candidates(req.Method, req.URL.Path)
	for _, c := range candidates {
		rt, ok := r.routeByID[c.RuleID]
		if !ok || !matchesFull(rt.Match, req) {
			continue
		}
		u, ok := r.upstreams[rt.Upstream]
		return u, ok
	}

	if len(r.routes) == 0 && len(r.upstreams) == 1 {
		for _, u := range r.upstreams {
			return u, true
		}
	}
	return compiledUpstream{}, false
}

// FirstScriptRule returns the first script rule matching req and
// compatible with upstreamName (empty filter matches any upstream).
func (r *Router) FirstScriptRule(req *http.Request, upstreamName string) (compiledScriptRule, bool) {
	for _, c := range r.scriptRuleIndex.Candidates(req.Method, req.URL.Path) {
		sr, ok := r.scriptRuleByID[c.RuleID]
		if !ok || !matchesFull(sr.Match, req) {
			continue
		}
		if sr.Upstream != "" && sr.Upstream != upstreamName {
			continue
		}
		return sr, true
	}
	return compiledScriptRule{}, false
}

// FirstRule returns the first YAML rule matching req and compatible
// with upstreamName.
func (r *Router) FirstRule(req *http.Request, upstreamName string) (compiledRule, bool) {
	for _, c := range r.ruleIndex.Candidates(req.Method, req.URL.Path) {
		rule, ok := r.ruleByID[c.RuleID]
		if !ok || !matchesFull(rule.Match, req) {
			continue
		}
		if rule.Upstream != "" && rule.Upstream != upstreamName {
			continue
		}
		return rule, true
	}
	return compiledRule{}, false
}
