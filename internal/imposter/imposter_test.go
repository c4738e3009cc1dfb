package imposter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftproxy/rift/internal/netutil"
	"github.com/riftproxy/rift/internal/predicate"
	"github.com/riftproxy/rift/internal/stub"
)

func newTestImposter() *Imposter {
	return New(Config{Port: 9999, Protocol: "http", RecordRequests: true}, Deps{
		HTTPClient: netutil.New(netutil.Options{}),
	})
}

func TestIsResponseServesConfiguredBody(t *testing.T) {
	imp := newTestImposter()
	imp.AddStub(&stub.Stub{
		Predicates: []predicate.Predicate{{Equals: map[string]interface{}{"path": "/hello"}}},
		Responses: []stub.ResponseDefinition{
			{Kind: stub.KindIs, Is: &stub.IsResponse{StatusCode: 200, Body: "hi there"}},
		},
	}, -1)

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	w := httptest.NewRecorder()
	imp.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "hi there", w.Body.String())
	assert.Equal(t, "true", w.Header().Get(headerImposter))
}

func TestNoMatchFallsBackToDefaultResponse(t *testing.T) {
	defResp := stub.ResponseDefinition{Kind: stub.KindIs, Is: &stub.IsResponse{StatusCode: 404, Body: "nope"}}
	imp := New(Config{Port: 9998, DefaultResponse: &defResp}, Deps{HTTPClient: netutil.New(netutil.Options{})})

	req := httptest.NewRequest(http.MethodGet, "/unmatched", nil)
	w := httptest.NewRecorder()
	imp.ServeHTTP(w, req)

	assert.Equal(t, 404, w.Code)
	assert.Equal(t, "true", w.Header().Get(headerDefaultResponse))
}

func TestNoMatchNoDefaultReturns200WithMarker(t *testing.T) {
	imp := newTestImposter()

	req := httptest.NewRequest(http.MethodGet, "/unmatched", nil)
	w := httptest.NewRecorder()
	imp.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "true", w.Header().Get(headerNoMatch))
}

func TestDisabledImposterReturns503(t *testing.T) {
	imp := newTestImposter()
	imp.SetEnabled(false)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	imp.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRequestCountIncrementsAndClearResets(t *testing.T) {
	imp := newTestImposter()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	imp.ServeHTTP(httptest.NewRecorder(), req)
	imp.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, uint64(2), imp.RequestCount())
	require.Len(t, imp.RecordedRequests(), 2)

	imp.ClearRecordedRequests()
	assert.Equal(t, uint64(0), imp.RequestCount())
	assert.Empty(t, imp.RecordedRequests())
}

func TestDebugModeDoesNotAffectCountOrRecording(t *testing.T) {
	imp := newTestImposter()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(headerDebug, "true")

	w := httptest.NewRecorder()
	imp.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, uint64(0), imp.RequestCount())
	assert.Empty(t, imp.RecordedRequests())
}

func TestProxyOnceRecordsAndReplaysWithoutSecondUpstreamHit(t *testing.T) {
	var upstreamHits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		w.WriteHeader(200)
		_, _ = w.Write([]byte("upstream"))
	}))
	defer upstream.Close()

	imp := newTestImposter()
	imp.AddStub(&stub.Stub{
		Responses: []stub.ResponseDefinition{
			{Kind: stub.KindProxy, Proxy: &stub.ProxyResponse{To: upstream.URL, Mode: stub.ProxyOnce}},
		},
	}, -1)

	req1 := httptest.NewRequest(http.MethodGet, "/p", nil)
	w1 := httptest.NewRecorder()
	imp.ServeHTTP(w1, req1)
	assert.Equal(t, "upstream", w1.Body.String())

	req2 := httptest.NewRequest(http.MethodGet, "/p", nil)
	w2 := httptest.NewRecorder()
	imp.ServeHTTP(w2, req2)
	assert.Equal(t, "upstream", w2.Body.String())

	assert.Equal(t, 1, upstreamHits, "once mode should only hit upstream on the first request")
}

func TestFaultErrorEmitsConfiguredStatus(t *testing.T) {
	imp := newTestImposter()
	imp.AddStub(&stub.Stub{
		Responses: []stub.ResponseDefinition{
			{Kind: stub.KindFault, Fault: &stub.FaultSpec{
				Error: &stub.ErrorFault{StatusCode: 500, Body: "boom", Probability: 1},
			}},
		},
	}, -1)

	req := httptest.NewRequest(http.MethodGet, "/f", nil)
	w := httptest.NewRecorder()
	imp.ServeHTTP(w, req)

	assert.Equal(t, 500, w.Code)
	assert.Equal(t, "boom", w.Body.String())
}

func TestFaultConnectionResetApproximatedAs502(t *testing.T) {
	imp := newTestImposter()
	imp.AddStub(&stub.Stub{
		Responses: []stub.ResponseDefinition{
			{Kind: stub.KindFault, Fault: &stub.FaultSpec{Tag: stub.FaultConnectionReset}},
		},
	}, -1)

	req := httptest.NewRequest(http.MethodGet, "/f", nil)
	w := httptest.NewRecorder()
	imp.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(stub.FaultConnectionReset), w.Header().Get(headerFault))
}
