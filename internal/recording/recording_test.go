package recording

import "testing"

func TestFingerprintCanonicalizesQueryOrder(t *testing.T) {
	a := NewFingerprint("GET", "/x", map[string][]string{"b": {"2"}, "a": {"1"}}, nil, nil)
	b := NewFingerprint("get", "/x", map[string][]string{"a": {"1"}, "b": {"2"}}, nil, nil)
	if a != b {
		t.Fatalf("expected fingerprints to be order-insensitive and method-case-insensitive, got %+v vs %+v", a, b)
	}
}

func TestOnceModeRecordsFirstMissThenReplays(t *testing.T) {
	s := NewStore(ModeOnce)
	fp := NewFingerprint("GET", "/x", nil, nil, nil)

	if !s.ShouldProxy(fp) {
		t.Fatal("expected should_proxy=true before any recording exists")
	}

	s.Put(fp, RecordedResponse{StatusCode: 200, Body: []byte("UP")})

	if s.ShouldProxy(fp) {
		t.Fatal("expected should_proxy=false once a recording exists in once mode")
	}

	r, ok := s.Get(fp)
	if !ok || string(r.Body) != "UP" {
		t.Fatalf("expected replay of recorded response, got %+v ok=%v", r, ok)
	}
}

func TestAlwaysModeAlwaysProxiesButLatestWins(t *testing.T) {
	s := NewStore(ModeAlways)
	fp := NewFingerprint("GET", "/x", nil, nil, nil)

	s.Put(fp, RecordedResponse{StatusCode: 200, Body: []byte("first")})
	if !s.ShouldProxy(fp) {
		t.Fatal("always mode must always proxy")
	}
	s.Put(fp, RecordedResponse{StatusCode: 200, Body: []byte("second")})

	r, ok := s.Get(fp)
	if !ok || string(r.Body) != "second" {
		t.Fatalf("expected latest recording to win, got %+v", r)
	}
}

func TestTransparentModeNeverStores(t *testing.T) {
	s := NewStore(ModeTransparent)
	fp := NewFingerprint("GET", "/x", nil, nil, nil)
	s.Put(fp, RecordedResponse{StatusCode: 200})
	if s.Len() != 0 {
		t.Fatal("transparent mode must never store")
	}
	if !s.ShouldProxy(fp) {
		t.Fatal("transparent mode must always proxy")
	}
}
