package ruleindex

import "testing"

func hasRule(entries []Entry, id string) bool {
	for _, e := range entries {
		if e.RuleID == id {
			return true
		}
	}
	return false
}

func TestExactBucket(t *testing.T) {
	idx := Compile([]Entry{
		{RuleID: "r1", Path: PathMatch{Kind: PathExact, Value: "/a"}},
		{RuleID: "r2", Path: PathMatch{Kind: PathExact, Value: "/b"}},
	})
	cands := idx.Candidates("GET", "/a")
	if !hasRule(cands, "r1") || hasRule(cands, "r2") {
		t.Fatalf("expected only r1 to match /a, got %+v", cands)
	}
}

func TestPrefixBucketWithWildcard(t *testing.T) {
	idx := Compile([]Entry{
		{RuleID: "r1", Path: PathMatch{Kind: PathPrefix, Value: "/api"}},
	})
	cands := idx.Candidates("GET", "/api/users/1")
	if !hasRule(cands, "r1") {
		t.Fatalf("expected prefix match for /api/users/1, got %+v", cands)
	}
}

func TestContainsBucketAhoCorasick(t *testing.T) {
	idx := Compile([]Entry{
		{RuleID: "r1", Path: PathMatch{Kind: PathContains, Value: "admin"}},
		{RuleID: "r2", Path: PathMatch{Kind: PathContains, Value: "login"}},
	})
	cands := idx.Candidates("GET", "/secure/admin/panel")
	if !hasRule(cands, "r1") || hasRule(cands, "r2") {
		t.Fatalf("expected only r1 (admin) to match, got %+v", cands)
	}
}

func TestMethodFilter(t *testing.T) {
	idx := Compile([]Entry{
		{RuleID: "r1", Method: "POST", Path: PathMatch{Kind: PathAny}},
	})
	if hasRule(idx.Candidates("GET", "/x"), "r1") {
		t.Fatal("expected method-constrained rule to be excluded for non-matching method")
	}
	if !hasRule(idx.Candidates("POST", "/x"), "r1") {
		t.Fatal("expected method-constrained rule to be included for matching method")
	}
}

func TestPrioritySort(t *testing.T) {
	idx := Compile([]Entry{
		{RuleID: "low", Priority: 5, Path: PathMatch{Kind: PathAny}},
		{RuleID: "high", Priority: 1, Path: PathMatch{Kind: PathAny}},
	})
	cands := idx.Candidates("GET", "/x")
	if cands[0].RuleID != "high" {
		t.Fatalf("expected higher priority (lower value) rule first, got %+v", cands)
	}
}

func TestRegexBucket(t *testing.T) {
	idx := Compile([]Entry{
		{RuleID: "r1", Path: PathMatch{Kind: PathRegex, Value: `^/users/\d+$`}},
	})
	if !hasRule(idx.Candidates("GET", "/users/42"), "r1") {
		t.Fatal("expected regex bucket to match")
	}
	if hasRule(idx.Candidates("GET", "/users/abc"), "r1") {
		t.Fatal("expected regex bucket to reject non-matching path")
	}
}

func TestEndsWithBucket(t *testing.T) {
	idx := Compile([]Entry{
		{RuleID: "r1", Path: PathMatch{Kind: PathEndsWith, Value: ".json"}},
	})
	if !hasRule(idx.Candidates("GET", "/data/report.json"), "r1") {
		t.Fatal("expected suffix bucket to match")
	}
}
