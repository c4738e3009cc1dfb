package stub

import "testing"

func TestCyclerHonorsRepeatCounts(t *testing.T) {
	responses := []ResponseDefinition{
		{Kind: KindIs, Is: &IsResponse{Body: "A"}, Repeat: 2},
		{Kind: KindIs, Is: &IsResponse{Body: "B"}, Repeat: 1},
	}
	s := &Stub{Responses: responses}

	want := []string{"A", "A", "B", "A"}
	for i, w := range want {
		idx, r, ok := s.ResponseAt()
		if !ok {
			t.Fatalf("hit %d: expected a response", i)
		}
		if r.Is.Body != w {
			t.Fatalf("hit %d: got %q at index %d, want %q", i, r.Is.Body, idx, w)
		}
	}
}

func TestCyclerNoResponsesNeverSelected(t *testing.T) {
	s := &Stub{Responses: nil}
	_, _, ok := s.ResponseAt()
	if ok {
		t.Fatal("expected empty response list to never be selected")
	}
}

func TestCyclerMonotonicUnderConcurrency(t *testing.T) {
	responses := []ResponseDefinition{
		{Kind: KindIs, Is: &IsResponse{Body: "A"}},
		{Kind: KindIs, Is: &IsResponse{Body: "B"}},
	}
	s := &Stub{Responses: responses}

	const n = 200
	done := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			idx, _, ok := s.ResponseAt()
			if !ok {
				idx = -1
			}
			done <- idx
		}()
	}
	// With period 2, hits 0..n-1 select each index exactly n/2 times
	// only if no hit number is skipped or handed out twice.
	counts := make(map[int]int)
	for i := 0; i < n; i++ {
		counts[<-done]++
	}
	if counts[0] != n/2 || counts[1] != n/2 {
		t.Fatalf("expected each of the two responses to be selected %d times, got %v", n/2, counts)
	}
}
