package imposter

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/riftproxy/rift/internal/behavior"
	"github.com/riftproxy/rift/internal/predicate"
	"github.com/riftproxy/rift/internal/recording"
	"github.com/riftproxy/rift/internal/riftlog"
	"github.com/riftproxy/rift/internal/stub"
)

const (
	headerImposter        = "X-Rift-Imposter"
	headerDisabled        = "X-Rift-Imposter-Disabled"
	headerProxy           = "X-Rift-Proxy"
	headerInject          = "X-Rift-Inject"
	headerFault           = "X-Rift-Fault"
	headerDefaultResponse = "X-Rift-Default-Response"
	headerNoMatch         = "X-Rift-No-Match"
	headerProxyError      = "X-Rift-Proxy-Error"
	headerInjectError     = "X-Rift-Inject-Error"
	headerDebug           = "X-Rift-Debug"
	headerLatencyMs       = "X-Rift-Latency-Ms"
)

// ServeHTTP is the imposter's accept-loop request handler.
func (imp *Imposter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !imp.Enabled() {
		w.Header().Set(headerDisabled, "true")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"Imposter is disabled"}`))
		return
	}

	body, _ := io.ReadAll(r.Body)
	preq := toPredicateRequest(r, body)

	if strings.EqualFold(r.Header.Get(headerDebug), "true") {
		// Debug-mode requests do NOT affect recording, counting, or
		// cycler state, per spec.md §8.
		imp.serveDebug(w, preq)
		return
	}

	imp.recordRequest(recording.RecordedRequest{
		ClientAddr: r.RemoteAddr,
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Headers:    titleCaseHeaders(r.Header),
		Body:       string(body),
		Timestamp:  time.Now(),
	})

	w.Header().Set(headerImposter, "true")

	idx, matched, err := imp.findMatch(preq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var kind string
	switch {
	case matched != nil:
		kind = imp.dispatch(w, r, preq, matched)
	case imp.cfg.DefaultResponse != nil:
		w.Header().Set(headerDefaultResponse, "true")
		imp.emitIs(w, *imp.cfg.DefaultResponse.Is)
		kind = "default"
	default:
		w.Header().Set(headerNoMatch, "true")
		w.WriteHeader(http.StatusOK)
		kind = "no-match"
	}
	_ = idx

	imp.logAccess(r, kind, start)
}

// dispatch selects the current response of the matched stub and
// branches on its kind, per spec.md §4.1 "dispatch to the appropriate
// response-kind executor."
func (imp *Imposter) dispatch(w http.ResponseWriter, r *http.Request, preq predicate.Request, s *stub.Stub) string {
	_, resp, ok := s.ResponseAt()
	if !ok {
		// Stub matched but has no selectable response (empty list);
		// fall through to no-match, per spec.md §8.
		w.Header().Set(headerNoMatch, "true")
		w.WriteHeader(http.StatusOK)
		return "no-match"
	}

	switch resp.Kind {
	case stub.KindIs:
		imp.runIs(w, preq, *resp.Is)
		return "is"
	case stub.KindProxy:
		imp.runProxy(w, r, preq, s, *resp.Proxy)
		return "proxy"
	case stub.KindInject:
		imp.runInject(w, preq, resp.Inject)
		return "inject"
	case stub.KindFault:
		imp.runFault(w, *resp.Fault)
		return "fault"
	default:
		w.WriteHeader(http.StatusOK)
		return "unknown"
	}
}

func (imp *Imposter) runIs(w http.ResponseWriter, preq predicate.Request, is stub.IsResponse) {
	rc := &behavior.Ctx{
		Method:      preq.Method,
		Path:        preq.Path,
		Query:       preq.Query,
		Headers:     preq.Headers,
		ReqBody:     preq.Body,
		Status:      is.StatusCode,
		RespHeaders: copyHeaderMap(is.Headers),
		Body:        is.Body,
	}
	if is.Mode == "binary" {
		if decoded, err := base64.StdEncoding.DecodeString(is.Body); err == nil {
			rc.Body = string(decoded)
		}
	}

	if is.Behaviors != nil {
		ctx, cancel := requestContext()
		defer cancel()
		if err := imp.pipeline.Run(ctx, is.Behaviors, rc); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	imp.emitIs(w, stub.IsResponse{StatusCode: rc.Status, Headers: rc.RespHeaders, Body: rc.Body, IsJSON: is.IsJSON})
}

func (imp *Imposter) emitIs(w http.ResponseWriter, is stub.IsResponse) {
	for k, v := range is.Headers {
		w.Header().Set(k, v)
	}
	if is.IsJSON && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	status := is.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(is.Body))
}

func (imp *Imposter) runInject(w http.ResponseWriter, preq predicate.Request, src string) {
	if imp.deps.ScriptPool == nil {
		w.Header().Set(headerInjectError, "true")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	cs, err := imp.compileScript(src)
	if err != nil {
		w.Header().Set(headerInjectError, "true")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	res, err := imp.deps.ScriptPool.Inject(cs, toRequestView(preq), fmt.Sprintf("port-%d", imp.cfg.Port), imp.deps.FlowStore)
	if err != nil {
		w.Header().Set(headerInjectError, "true")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set(headerInject, "true")
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(res.Body))
}

func (imp *Imposter) runFault(w http.ResponseWriter, f stub.FaultSpec) {
	if f.Tag != "" {
		imp.emitBareFault(w, f.Tag)
		return
	}

	if f.Latency != nil && bernoulli(f.Latency.Probability) {
		ms := f.Latency.Ms
		if ms == 0 && f.Latency.MaxMs > f.Latency.MinMs {
			ms = f.Latency.MinMs + rand.Intn(f.Latency.MaxMs-f.Latency.MinMs+1)
		}
		if ms > 0 {
			w.Header().Set(headerLatencyMs, strconv.Itoa(ms))
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
	}

	if f.Error != nil && bernoulli(f.Error.Probability) {
		w.Header().Set(headerFault, "error")
		for k, v := range f.Error.Headers {
			w.Header().Set(k, v)
		}
		status := f.Error.StatusCode
		if status == 0 {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(f.Error.Body))
		return
	}

	if f.TCP != nil {
		imp.emitBareFault(w, *f.TCP)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// emitBareFault approximates CONNECTION_RESET_BY_PEER and
// RANDOM_DATA_THEN_CLOSE as HTTP 502 responses, per spec.md §9's open
// question on TCP fault fidelity: true socket-level resets would
// require hijacking the connection out from under net/http.
func (imp *Imposter) emitBareFault(w http.ResponseWriter, tag stub.FaultTag) {
	w.Header().Set(headerFault, string(tag))
	w.WriteHeader(http.StatusBadGateway)
	if tag == stub.FaultRandomDataClose {
		_, _ = w.Write([]byte{0xff, 0x00, 0xde, 0xad})
	}
}

func bernoulli(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rand.Float64() < p
}

// --- proxy response execution, spec.md §4.1 ---

func (imp *Imposter) runProxy(w http.ResponseWriter, r *http.Request, preq predicate.Request, s *stub.Stub, p stub.ProxyResponse) {
	store := imp.storeForMode(recordingModeFor(p.Mode))

	path := rewritePath(p.PathRewrite, preq.Path)
	fp := recording.NewFingerprint(preq.Method, path, preq.Query, preq.Headers, imp.cfg.ProxyHeaderSet)

	w.Header().Set(headerProxy, "true")

	if !store.ShouldProxy(fp) {
		rr, ok := store.Get(fp)
		if ok {
			for k, v := range rr.Headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(rr.StatusCode)
			_, _ = w.Write(rr.Body)
			return
		}
	}

	upstreamURL := p.To + path
	if len(preq.Query) > 0 {
		upstreamURL += "?" + url.Values(preq.Query).Encode()
	}

	req, err := http.NewRequest(preq.Method, upstreamURL, bytes.NewReader([]byte(preq.Body)))
	if err != nil {
		w.Header().Set(headerProxyError, "true")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	for k, vals := range r.Header {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	for k, v := range p.InjectHeaders {
		req.Header.Set(k, v)
	}

	client := imp.deps.HTTPClient
	if client == nil {
		w.Header().Set(headerProxyError, "true")
		http.Error(w, "no http client configured", http.StatusBadGateway)
		return
	}

	reqStart := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		w.Header().Set(headerProxyError, "true")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	latency := time.Since(reqStart)

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	store.Put(fp, recording.RecordedResponse{
		StatusCode: resp.StatusCode,
		Headers:    respHeaders,
		Body:       respBody,
		Latency:    latency,
		Timestamp:  time.Now(),
	})

	if len(p.PredicateGenerators) > 0 || p.AddWaitBehavior || p.AddDecorateBehavior != "" {
		imp.synthesizeStub(s, p, preq, resp.StatusCode, respHeaders, respBody, latency)
	}

	for k, v := range respHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func recordingModeFor(m stub.ProxyMode) recording.Mode {
	switch m {
	case stub.ProxyOnce:
		return recording.ModeOnce
	case stub.ProxyAlways:
		return recording.ModeAlways
	default:
		return recording.ModeTransparent
	}
}

func rewritePath(rule, path string) string {
	if rule == "" {
		return path
	}
	parts := strings.SplitN(rule, "=>", 2)
	if len(parts) != 2 {
		return path
	}
	re, err := regexp.Compile(parts[0])
	if err != nil {
		return path
	}
	return re.ReplaceAllString(path, parts[1])
}

// synthesizeStub builds a recorded-response stub and inserts it per
// the placement rule of spec.md §4.1 "Stub-generation placement."
func (imp *Imposter) synthesizeStub(proxyStub *stub.Stub, p stub.ProxyResponse, preq predicate.Request, status int, headers map[string]string, body []byte, latency time.Duration) {
	var preds []predicate.Predicate
	for _, gen := range p.PredicateGenerators {
		eq := map[string]interface{}{}
		if gen.Matches.Method {
			eq["method"] = preq.Method
		}
		if gen.Matches.Path {
			eq["path"] = preq.Path
		}
		if gen.Matches.Query && len(preq.Query) > 0 {
			qm := map[string]interface{}{}
			for k, v := range preq.Query {
				if len(v) > 0 {
					qm[k] = v[0]
				}
			}
			eq["query"] = qm
		}
		if gen.Matches.Headers && len(preq.Headers) > 0 {
			hm := map[string]interface{}{}
			for k, v := range preq.Headers {
				if len(v) > 0 {
					hm[k] = v[0]
				}
			}
			eq["headers"] = hm
		}
		if gen.Matches.Body && preq.Body != "" {
			eq["body"] = preq.Body
		}
		if len(eq) == 0 {
			continue
		}
		preds = append(preds, predicate.Predicate{Equals: eq, Except: gen.Except, CaseSensitive: gen.CaseSensitive})
	}

	bodyStr := string(body)
	var behaviors *stub.BehaviorSpec
	if p.AddWaitBehavior {
		behaviors = &stub.BehaviorSpec{Wait: &stub.WaitBehavior{DurationMs: int(latency.Milliseconds())}}
	}
	if p.AddDecorateBehavior != "" {
		if behaviors == nil {
			behaviors = &stub.BehaviorSpec{}
		}
		behaviors.Decorate = p.AddDecorateBehavior
	}

	newResponse := stub.ResponseDefinition{
		Kind: stub.KindIs,
		Is: &stub.IsResponse{
			StatusCode: status,
			Headers:    headers,
			Body:       bodyStr,
			Behaviors:  behaviors,
		},
	}

	imp.mu.Lock()
	defer imp.mu.Unlock()

	proxyIdx := -1
	for i, s := range imp.stubs {
		if s == proxyStub {
			proxyIdx = i
			break
		}
	}
	if proxyIdx < 0 {
		return
	}

	switch p.Mode {
	case stub.ProxyOnce:
		synth := &stub.Stub{Predicates: preds, Responses: []stub.ResponseDefinition{newResponse}}
		imp.stubs = append(imp.stubs, nil)
		copy(imp.stubs[proxyIdx+1:], imp.stubs[proxyIdx:])
		imp.stubs[proxyIdx] = synth
	case stub.ProxyAlways:
		for i := proxyIdx + 1; i < len(imp.stubs); i++ {
			if predicatesEqual(imp.stubs[i].Predicates, preds) {
				imp.stubs[i].Responses = append(imp.stubs[i].Responses, newResponse)
				return
			}
		}
		synth := &stub.Stub{Predicates: preds, Responses: []stub.ResponseDefinition{newResponse}}
		imp.stubs = append(imp.stubs, nil)
		copy(imp.stubs[proxyIdx+2:], imp.stubs[proxyIdx+1:])
		imp.stubs[proxyIdx+1] = synth
	case stub.ProxyTransparent:
		// no stub generation
	}
}

func predicatesEqual(a, b []predicate.Predicate) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return bytes.Equal(ab, bb)
}

// --- debug mode, spec.md §4.1 ---

type debugResponse struct {
	Request  interface{} `json:"request"`
	Imposter interface{} `json:"imposter"`
	Matched  interface{} `json:"matched,omitempty"`
	NoMatch  interface{} `json:"noMatch,omitempty"`
}

func (imp *Imposter) serveDebug(w http.ResponseWriter, preq predicate.Request) {
	stubs := imp.GetAllStubs()

	resp := debugResponse{
		Request: preq,
		Imposter: map[string]interface{}{
			"port":            imp.cfg.Port,
			"protocol":        imp.cfg.Protocol,
			"name":            imp.cfg.Name,
			"numberOfStubs":   len(stubs),
			"numberOfRequests": imp.RequestCount(),
		},
	}

	for i, s := range stubs {
		ok, err := imp.matcher.MatchAll(s.Predicates, preq)
		if err == nil && ok {
			kind := ""
			if len(s.Responses) > 0 {
				kind = map[stub.ResponseKind]string{stub.KindIs: "is", stub.KindProxy: "proxy", stub.KindInject: "inject", stub.KindFault: "fault"}[s.Responses[0].Kind]
			}
			resp.Matched = map[string]interface{}{
				"index":       i,
				"id":          s.ID,
				"predicates":  s.Predicates,
				"responseKind": kind,
				"bodyPreview": previewBody(s),
			}
			break
		}
	}
	if resp.Matched == nil {
		all := make([]map[string]interface{}, len(stubs))
		for i, s := range stubs {
			all[i] = map[string]interface{}{"index": i, "id": s.ID, "predicates": s.Predicates}
		}
		resp.NoMatch = map[string]interface{}{"reason": "no stub matched", "stubs": all}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func previewBody(s *stub.Stub) string {
	if len(s.Responses) == 0 || s.Responses[0].Is == nil {
		return ""
	}
	b := s.Responses[0].Is.Body
	if len(b) > 100 {
		return b[:100]
	}
	return b
}

// --- request projection helpers ---

func toPredicateRequest(r *http.Request, body []byte) predicate.Request {
	_ = r.ParseForm()
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return predicate.Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       r.URL.Query(),
		Headers:     r.Header,
		Body:        string(body),
		Form:        r.Form,
		RequestFrom: r.RemoteAddr,
		IP:          host,
	}
}

func titleCaseHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = v
	}
	return out
}

func copyHeaderMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (imp *Imposter) logAccess(r *http.Request, kind string, start time.Time) {
	riftlog.Access(riftlog.AccessEntry{Port: imp.cfg.Port, Method: r.Method, Path: r.URL.Path, Kind: kind, Duration: time.Since(start)})
}
