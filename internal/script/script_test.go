package script

import (
	"testing"
	"time"

	"github.com/riftproxy/rift/internal/flowstore"
)

const rateLimitScript = `
function should_inject(request, flow_store)
  local id = request.headers["X-Flow-Id"][1]
  local n = flow_store.increment(id .. ":count", 1)
  if n > 3 then
    return {inject=true, fault="error", status=429, body="too many requests"}
  end
  return {inject=false}
end
`

func TestPoolDecidesStatefulRateLimit(t *testing.T) {
	cs, err := Compile(rateLimitScript, "rate-limit")
	if err != nil {
		t.Fatal(err)
	}

	pool := NewPool(2, 8, 2*time.Second)
	defer pool.Close()

	store := flowstore.NewMemory(time.Minute)
	defer store.Close()

	req := RequestView{
		Method:  "POST",
		Path:    "/api",
		Headers: map[string][]string{"X-Flow-Id": {"client-1"}},
	}

	wantFault := []bool{false, false, false, true, true}
	for i, want := range wantFault {
		d, err := pool.Decide(cs, req, "client-1", store)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		got := d.Kind == DecisionError
		if got != want {
			t.Fatalf("request %d: got fault=%v, want %v (decision=%+v)", i, got, want, d)
		}
	}
}

const handleScript = `
function handle(request, flow_store)
  return {statusCode=200, headers={["Content-Type"]="text/plain"}, body="method=" .. request.method}
end
`

func TestPoolInjectReturnsComputedResponse(t *testing.T) {
	cs, err := Compile(handleScript, "inject-1")
	if err != nil {
		t.Fatal(err)
	}

	pool := NewPool(1, 4, time.Second)
	defer pool.Close()

	store := flowstore.Noop{}
	res, err := pool.Inject(cs, RequestView{Method: "GET", Path: "/x"}, "", store)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 200 || res.Body != "method=GET" {
		t.Fatalf("unexpected inject result: %+v", res)
	}
}

func TestQueueFullReturnsBackpressureError(t *testing.T) {
	cs, err := Compile(`function should_inject(r, f) os.execute("sleep 1") return {inject=false} end`, "slow")
	if err != nil {
		t.Fatal(err)
	}

	pool := NewPool(1, 1, 10*time.Millisecond)
	defer pool.Close()

	store := flowstore.Noop{}
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := pool.Decide(cs, RequestView{}, "", store)
			errs <- err
		}()
	}

	sawQueueFull := false
	for i := 0; i < 4; i++ {
		if err := <-errs; err == ErrQueueFull {
			sawQueueFull = true
		}
	}
	if !sawQueueFull {
		t.Fatal("expected at least one submission to observe back-pressure under load")
	}
}
