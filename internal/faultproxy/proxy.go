package faultproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/riftproxy/rift/internal/behavior"
	"github.com/riftproxy/rift/internal/decisioncache"
	"github.com/riftproxy/rift/internal/flowstore"
	"github.com/riftproxy/rift/internal/netutil"
	"github.com/riftproxy/rift/internal/recording"
	"github.com/riftproxy/rift/internal/riftlog"
	"github.com/riftproxy/rift/internal/script"
)

const (
	headerProxyError = "X-Rift-Proxy-Error"
	headerFault      = "X-Rift-Fault"
	headerLatencyMs  = "X-Rift-Latency-Ms"
	headerScriptErr  = "X-Rift-Script-Error"
)

// Deps bundles the fault proxy's process-lifetime collaborators.
type Deps struct {
	ScriptPool *script.Pool
	FlowStore  flowstore.Store
	Cache      *decisioncache.Cache
	HTTPClient *netutil.Client
	Pipeline   *behavior.Pipeline
}

// Proxy is the sidecar fault-injection forwarding handler of spec.md
// §4.4.
type Proxy struct {
	router *Router
	deps   Deps

	recordingEnabled bool
	recordingStore   *recording.Store
	headerSubset     []string
}

// New builds a Proxy from a compiled Router and its runtime deps.
func New(router *Router, cfg *Config, deps Deps) *Proxy {
	p := &Proxy{router: router, deps: deps}
	if cfg.Recording.Enabled {
		p.recordingEnabled = true
		p.recordingStore = recording.NewStore(recording.Mode(orDefault(cfg.Recording.Mode, "once")))
		p.headerSubset = cfg.Recording.HeaderSubset
	}
	return p
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ServeHTTP implements spec.md §4.4's five-step request lifecycle.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upstream, ok := p.router.SelectUpstream(r)
	if !ok {
		w.Header().Set(headerProxyError, "true")
		http.Error(w, "no upstream matched", http.StatusBadGateway)
		return
	}

	body, _ := io.ReadAll(r.Body)
	r.Body.Close()

	decision := p.runScriptPass(r, upstream.Name, body)
	if decision.Kind == DecisionNone {
		decision = p.runYAMLRulePass(r, upstream.Name, body)
	}

	switch decision.Kind {
	case DecisionTCP:
		p.emitTCPFault(w, decision)
	case DecisionError:
		p.emitErrorFault(w, r, body, decision)
	case DecisionLatency:
		p.emitLatencyFault(w, r, upstream, body, decision)
	default:
		p.forward(w, r, upstream, body)
	}
}

// runScriptPass implements step 3: find the first matching script
// rule, consult (or populate) the decision cache, else submit to the
// worker pool.
func (p *Proxy) runScriptPass(r *http.Request, upstreamName string, body []byte) Decision {
	sr, ok := p.router.FirstScriptRule(r, upstreamName)
	if !ok {
		return Decision{Kind: DecisionNone}
	}

	view := script.RequestView{Method: r.Method, Path: r.URL.Path, Headers: r.Header, Query: r.URL.Query(), Body: string(body)}

	cacheable := p.deps.Cache != nil && (p.deps.FlowStore == nil || !p.deps.FlowStore.Stateful())
	var key decisioncache.Key
	if cacheable {
		key = decisioncache.NewKey(r.Method, r.URL.Path, r.Header, string(body), sr.ID)
		if cached, found := p.deps.Cache.Get(key); found {
			if d, ok := cached.(Decision); ok {
				return d
			}
		}
	}

	if p.deps.ScriptPool == nil {
		return Decision{Kind: DecisionNone}
	}

	flowID := fmt.Sprintf("%s:%s", r.Method, r.URL.Path)
	store := p.deps.FlowStore
	if store == nil {
		store = flowstore.Noop{}
	}

	sd, err := p.deps.ScriptPool.Decide(sr.Compiled, view, flowID, store)
	if err != nil {
		// Script errors on the proxy path forward the request without
		// fault injection, per spec.md §7.
		riftlog.Log().WithError(err).WithField("rule", sr.ID).Warn("script rule execution failed")
		return Decision{Kind: DecisionNone}
	}

	decision := decisionFromScript(sd)
	if cacheable {
		p.deps.Cache.Insert(key, decision)
	}
	return decision
}

// runYAMLRulePass implements step 4.
func (p *Proxy) runYAMLRulePass(r *http.Request, upstreamName string, body []byte) Decision {
	rule, ok := p.router.FirstRule(r, upstreamName)
	if !ok {
		return Decision{Kind: DecisionNone}
	}
	return decideFault(rule.Fault, rule.ID)
}

func (p *Proxy) emitTCPFault(w http.ResponseWriter, d Decision) {
	w.Header().Set(headerFault, string(d.TCPTag))
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": "tcp fault injected",
		"tag":   d.TCPTag,
	})
}

// emitErrorFault implements spec.md §4.4 Emission->Error: "apply wait
// if behaviors include it; render body through the template engine
// with request fields available; apply copy, lookup, shellTransform,
// decorate in that order."
func (p *Proxy) emitErrorFault(w http.ResponseWriter, r *http.Request, body []byte, d Decision) {
	rc := &behavior.Ctx{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Headers: r.Header, ReqBody: string(body), Status: d.Status, RespHeaders: copyMap(d.Headers), Body: renderTemplate(d.Body, r)}

	if d.Behaviors != nil {
		if p.deps.Pipeline == nil {
			riftlog.Log().WithField("rule", d.RuleID).Warn("error fault declares behaviors but no pipeline is wired")
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			err := p.deps.Pipeline.Run(ctx, d.Behaviors, rc)
			cancel()
			if err != nil {
				riftlog.Log().WithError(err).WithField("rule", d.RuleID).Warn("error-fault behavior pipeline failed")
			}
		}
	}

	for k, v := range rc.RespHeaders {
		w.Header().Set(k, v)
	}
	w.Header().Set(headerFault, "error")
	status := rc.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(rc.Body))
}

func (p *Proxy) emitLatencyFault(w http.ResponseWriter, r *http.Request, upstream compiledUpstream, body []byte, d Decision) {
	if d.LatencyMs > 0 {
		time.Sleep(time.Duration(d.LatencyMs) * time.Millisecond)
	}
	w.Header().Set(headerFault, "latency")
	w.Header().Set(headerLatencyMs, strconv.Itoa(d.LatencyMs))
	p.forwardBuffered(w, r, upstream, body)
}

// forward implements step 5's "None" branch: recording path
// (body-buffered) if enabled, else a pure streaming path.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, upstream compiledUpstream, body []byte) {
	if p.recordingEnabled {
		p.forwardBuffered(w, r, upstream, body)
		return
	}
	p.forwardStreaming(w, r, upstream, body)
}

func (p *Proxy) forwardStreaming(w http.ResponseWriter, r *http.Request, upstream compiledUpstream, body []byte) {
	req, cancel, err := p.buildUpstreamRequest(r, upstream, bytes.NewReader(body))
	if err != nil {
		p.proxyError(w, err)
		return
	}
	defer cancel()
	resp, err := p.deps.HTTPClient.Do(req)
	if err != nil {
		p.proxyError(w, err)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (p *Proxy) forwardBuffered(w http.ResponseWriter, r *http.Request, upstream compiledUpstream, body []byte) {
	req, cancel, err := p.buildUpstreamRequest(r, upstream, bytes.NewReader(body))
	if err != nil {
		p.proxyError(w, err)
		return
	}
	defer cancel()

	resp, err := p.deps.HTTPClient.Do(req)
	if err != nil {
		p.proxyError(w, err)
		return
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if p.recordingEnabled {
		fp := recording.NewFingerprint(r.Method, r.URL.Path, r.URL.Query(), r.Header, p.headerSubset)
		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		p.recordingStore.Put(fp, recording.RecordedResponse{StatusCode: resp.StatusCode, Headers: headers, Body: respBody, Timestamp: time.Now()})
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func (p *Proxy) buildUpstreamRequest(r *http.Request, upstream compiledUpstream, body io.Reader) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	req, err := http.NewRequestWithContext(ctx, r.Method, upstream.URL+r.URL.Path+queryString(r), body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Header.Del("Host")
	return req, cancel, nil
}

func queryString(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}

func (p *Proxy) proxyError(w http.ResponseWriter, err error) {
	w.Header().Set(headerProxyError, "true")
	http.Error(w, err.Error(), http.StatusBadGateway)
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// renderTemplate fills {{method}}, {{path}}, and {{header.Name}}
// placeholders in an error fault's body template, per spec.md §4.4
// "render body through the template engine with request fields
// available ({{method}}, {{path}}, header-access)."
func renderTemplate(tmpl string, r *http.Request) string {
	out := strings.ReplaceAll(tmpl, "{{method}}", r.Method)
	out = strings.ReplaceAll(out, "{{path}}", r.URL.Path)
	for name := range r.Header {
		out = strings.ReplaceAll(out, "{{header."+name+"}}", r.Header.Get(name))
	}
	return out
}
