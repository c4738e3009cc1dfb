package predicate

import "testing"

func TestEqualsMethodAndPath(t *testing.T) {
	m := NewMatcher(nil)
	p := Predicate{Equals: map[string]interface{}{"method": "GET", "path": "/hello"}}

	ok, err := m.Match(p, Request{Method: "get", Path: "/hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected method/path match to succeed with case-insensitive method")
	}

	ok, err = m.Match(p, Request{Method: "GET", Path: "/other"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected path mismatch to fail")
	}
}

func TestEmptyPredicateMatchesEverything(t *testing.T) {
	m := NewMatcher(nil)
	ok, err := m.Match(Predicate{}, Request{Method: "POST", Path: "/anything"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected zero-operator predicate to match")
	}
}

func TestQuerySubsetVsExact(t *testing.T) {
	m := NewMatcher(nil)
	req := Request{Query: map[string][]string{"a": {"1"}, "b": {"2"}}}

	subset := Predicate{Equals: map[string]interface{}{"query": map[string]interface{}{"a": "1"}}}
	ok, err := m.Match(subset, req)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("equals.query should subset-match")
	}

	exact := Predicate{DeepEquals: map[string]interface{}{"query": map[string]interface{}{"a": "1"}}}
	ok, err = m.Match(exact, req)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("deepEquals.query should not match when cardinality differs")
	}
}

func TestNotOrAnd(t *testing.T) {
	m := NewMatcher(nil)
	req := Request{Method: "GET", Path: "/x"}

	not := Predicate{Not: &Predicate{Equals: map[string]interface{}{"method": "POST"}}}
	ok, err := m.Match(not, req)
	if err != nil || !ok {
		t.Fatalf("expected not(POST) to match GET request, ok=%v err=%v", ok, err)
	}

	or := Predicate{Or: []Predicate{
		{Equals: map[string]interface{}{"method": "POST"}},
		{Equals: map[string]interface{}{"method": "GET"}},
	}}
	ok, err = m.Match(or, req)
	if err != nil || !ok {
		t.Fatalf("expected or to short-circuit true, ok=%v err=%v", ok, err)
	}

	and := Predicate{And: []Predicate{
		{Equals: map[string]interface{}{"method": "GET"}},
		{StartsWith: map[string]interface{}{"path": "/x"}},
	}}
	ok, err = m.Match(and, req)
	if err != nil || !ok {
		t.Fatalf("expected and to match, ok=%v err=%v", ok, err)
	}
}

func TestMatchesRegex(t *testing.T) {
	m := NewMatcher(nil)
	p := Predicate{Matches: map[string]interface{}{"path": `^/users/\d+$`}}
	ok, err := m.Match(p, Request{Path: "/users/42"})
	if err != nil || !ok {
		t.Fatalf("expected regex match, ok=%v err=%v", ok, err)
	}
}

func TestExists(t *testing.T) {
	m := NewMatcher(nil)
	req := Request{Headers: map[string][]string{"X-Token": {"abc"}}}

	p := Predicate{Exists: map[string]bool{"headers": true}}
	ok, err := m.Match(p, req)
	if err != nil || !ok {
		t.Fatalf("expected headers to exist, ok=%v err=%v", ok, err)
	}

	p2 := Predicate{Exists: map[string]bool{"body": false}}
	ok, err = m.Match(p2, req)
	if err != nil || !ok {
		t.Fatalf("expected absent body to satisfy exists=false, ok=%v err=%v", ok, err)
	}
}

func TestInjectRequiresEngine(t *testing.T) {
	m := NewMatcher(nil)
	_, err := m.Match(Predicate{Inject: "return true"}, Request{})
	if err == nil {
		t.Fatal("expected error when inject predicate has no bound engine")
	}
}
