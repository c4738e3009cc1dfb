// Package imposter implements the per-port HTTP imposter engine of
// spec.md §4.1: stub matching, response cycling, the is/proxy/inject/
// fault response executors, and the behavior pipeline.
package imposter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riftproxy/rift/internal/behavior"
	"github.com/riftproxy/rift/internal/flowstore"
	"github.com/riftproxy/rift/internal/netutil"
	"github.com/riftproxy/rift/internal/predicate"
	"github.com/riftproxy/rift/internal/recording"
	"github.com/riftproxy/rift/internal/script"
	"github.com/riftproxy/rift/internal/stub"
)

// Sentinel errors surfaced to the registry/admin layer, per spec.md
// §7 "Port errors (runtime): port-in-use, bind failure -> surface to
// admin API with distinct codes."
var (
	ErrPortInUse       = errors.New("imposter: port already in use")
	ErrBind            = errors.New("imposter: bind failed")
	ErrInvalidProtocol = errors.New("imposter: invalid protocol")
	ErrNotFound        = errors.New("imposter: not found")
	ErrIndexOutOfRange = errors.New("imposter: stub index out of range")
)

// Config is an imposter's immutable identity, per spec.md §3.
type Config struct {
	Port            int
	Protocol        string // "http" or "https"
	Name            string
	RecordRequests  bool
	DefaultResponse *stub.ResponseDefinition
	ProxyHeaderSet  []string // predicateGenerators.matches.headers, for fingerprinting
}

// Deps bundles the collaborators an Imposter needs but does not own,
// shared process-lifetime singletons per spec.md §5 "Resource
// lifetimes."
type Deps struct {
	FlowStore  flowstore.Store
	ScriptPool *script.Pool
	HTTPClient *netutil.Client
}

// Imposter owns one port's worth of stubs, recorded requests, and
// recording store, per spec.md §3.
type Imposter struct {
	cfg  Config
	deps Deps

	mu    sync.RWMutex
	stubs []*stub.Stub

	enabled      atomic.Bool
	requestCount uint64

	recMu   sync.Mutex
	records []recording.RecordedRequest

	storeMu        sync.Mutex
	recordingStore map[recording.Mode]*recording.Store
	matcher        *predicate.Matcher
	pipeline       *behavior.Pipeline

	compiledMu sync.Mutex
	compiled   map[string]*script.CompiledScript
}

// New constructs an Imposter. It does not bind a port; Registry (see
// registry.go) owns the accept loop.
func New(cfg Config, deps Deps) *Imposter {
	imp := &Imposter{
		cfg:            cfg,
		deps:           deps,
		recordingStore: make(map[recording.Mode]*recording.Store),
		compiled:       make(map[string]*script.CompiledScript),
	}
	imp.enabled.Store(true)

	imp.matcher = predicate.NewMatcher(imp.matchInjectPredicate)
	imp.pipeline = behavior.NewPipeline(imp.decorateScript, imp.exprScript)

	return imp
}

// Config returns a copy of the imposter's immutable identity, used by
// delete/export paths. It does not include the stub list; GetAllStubs
// returns that.
func (imp *Imposter) Config() Config { return imp.cfg }

func (imp *Imposter) Port() int { return imp.cfg.Port }

// RequestCount returns the strictly-increasing per-request counter,
// per spec.md §8 "For every request accepted by imposter i,
// request_count(i) strictly increases by 1."
func (imp *Imposter) RequestCount() uint64 { return atomic.LoadUint64(&imp.requestCount) }

// SetEnabled toggles the runtime flag; disabled imposters answer 503
// per spec.md §4.1.
func (imp *Imposter) SetEnabled(enabled bool) { imp.enabled.Store(enabled) }

func (imp *Imposter) Enabled() bool { return imp.enabled.Load() }

// --- stub CRUD, under the write lock per spec.md §5 ---

// AddStub appends s, or inserts it at index if index >= 0.
func (imp *Imposter) AddStub(s *stub.Stub, index int) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	if index < 0 || index >= len(imp.stubs) {
		imp.stubs = append(imp.stubs, s)
		return
	}
	imp.stubs = append(imp.stubs, nil)
	copy(imp.stubs[index+1:], imp.stubs[index:])
	imp.stubs[index] = s
}

func (imp *Imposter) ReplaceStub(index int, s *stub.Stub) error {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	if index < 0 || index >= len(imp.stubs) {
		return ErrIndexOutOfRange
	}
	imp.stubs[index] = s
	return nil
}

func (imp *Imposter) DeleteStub(index int) error {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	if index < 0 || index >= len(imp.stubs) {
		return ErrIndexOutOfRange
	}
	imp.stubs = append(imp.stubs[:index], imp.stubs[index+1:]...)
	return nil
}

func (imp *Imposter) GetStub(index int) (*stub.Stub, error) {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	if index < 0 || index >= len(imp.stubs) {
		return nil, ErrIndexOutOfRange
	}
	return imp.stubs[index], nil
}

// GetAllStubs returns a snapshot slice of the stub list, copied under
// the read lock so that lock is only briefly held. The slice holds the
// same *stub.Stub pointers as the imposter; stubs are not cloned.
func (imp *Imposter) GetAllStubs() []*stub.Stub {
	imp.mu.RLock()
	defer imp.mu.RUnlock()
	out := make([]*stub.Stub, len(imp.stubs))
	copy(out, imp.stubs)
	return out
}

func (imp *Imposter) ReplaceAllStubs(stubs []*stub.Stub) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	imp.stubs = stubs
}

// ClearRecordedRequests empties the log AND resets the request count,
// per spec.md §4.1's compat-mandated side effect.
func (imp *Imposter) ClearRecordedRequests() {
	imp.recMu.Lock()
	imp.records = nil
	imp.recMu.Unlock()
	atomic.StoreUint64(&imp.requestCount, 0)
}

// RecordedRequests returns a snapshot of the recorded-request log.
func (imp *Imposter) RecordedRequests() []recording.RecordedRequest {
	imp.recMu.Lock()
	defer imp.recMu.Unlock()
	out := make([]recording.RecordedRequest, len(imp.records))
	copy(out, imp.records)
	return out
}

// ClearProxyResponses empties every mode's recording store.
func (imp *Imposter) ClearProxyResponses() {
	imp.storeMu.Lock()
	defer imp.storeMu.Unlock()
	for _, s := range imp.recordingStore {
		s.Clear()
	}
}

// storeForMode returns the recording store for mode, creating it on
// first use. A stub's proxy response mode is fixed at declaration
// time, but different stubs on the same imposter may declare
// different modes, so the imposter keeps one store per mode rather
// than swapping a single store's policy at request time.
func (imp *Imposter) storeForMode(mode recording.Mode) *recording.Store {
	imp.storeMu.Lock()
	defer imp.storeMu.Unlock()
	s, ok := imp.recordingStore[mode]
	if !ok {
		s = recording.NewStore(mode)
		imp.recordingStore[mode] = s
	}
	return s
}

// findMatch returns the first stub (and its index) whose predicates
// all match req, per spec.md §4.1 "Iterate stubs in order."
func (imp *Imposter) findMatch(req predicate.Request) (int, *stub.Stub, error) {
	stubs := imp.GetAllStubs()
	for i, s := range stubs {
		ok, err := imp.matcher.MatchAll(s.Predicates, req)
		if err != nil {
			return -1, nil, fmt.Errorf("imposter: evaluating stub %d: %w", i, err)
		}
		if ok {
			return i, s, nil
		}
	}
	return -1, nil, nil
}

func (imp *Imposter) matchInjectPredicate(src string, req predicate.Request) (bool, error) {
	if imp.deps.ScriptPool == nil {
		return false, fmt.Errorf("imposter: inject predicate requires a script engine")
	}
	cs, err := imp.compileScript(src)
	if err != nil {
		return false, err
	}
	eng := script.NewEngine()
	defer eng.Close()
	return eng.Matches(cs, toRequestView(req))
}

func (imp *Imposter) decorateScript(src string, rc *behavior.Ctx) (string, int, error) {
	if imp.deps.ScriptPool == nil {
		return "", 0, fmt.Errorf("imposter: decorate behavior requires a script engine")
	}
	cs, err := imp.compileScript(src)
	if err != nil {
		return "", 0, err
	}
	view := script.RequestView{Method: rc.Method, Path: rc.Path, Headers: rc.Headers, Query: rc.Query, Body: rc.ReqBody}
	res, err := imp.deps.ScriptPool.Inject(cs, view, "", flowstore.Noop{})
	if err != nil {
		return "", 0, err
	}
	return res.Body, res.StatusCode, nil
}

func (imp *Imposter) exprScript(expr string, rc *behavior.Ctx) (string, error) {
	body, _, err := imp.decorateScript(expr, rc)
	return body, err
}

func (imp *Imposter) compileScript(src string) (*script.CompiledScript, error) {
	imp.compiledMu.Lock()
	defer imp.compiledMu.Unlock()
	if cs, ok := imp.compiled[src]; ok {
		return cs, nil
	}
	cs, err := script.Compile(src, fmt.Sprintf("imposter-%d", imp.cfg.Port))
	if err != nil {
		return nil, err
	}
	imp.compiled[src] = cs
	return cs, nil
}

func toRequestView(req predicate.Request) script.RequestView {
	return script.RequestView{
		Method:  req.Method,
		Path:    req.Path,
		Headers: req.Headers,
		Query:   req.Query,
		Body:    req.Body,
	}
}

// recordRequest appends to the log if recording is enabled, per
// spec.md §4.1 "Recording & request counting": request_count
// increments unconditionally; the log only if record_requests=true.
func (imp *Imposter) recordRequest(req recording.RecordedRequest) {
	atomic.AddUint64(&imp.requestCount, 1)
	if !imp.cfg.RecordRequests {
		return
	}
	imp.recMu.Lock()
	imp.records = append(imp.records, req)
	imp.recMu.Unlock()
}

// context helper for behaviors/proxy forwarding that need a bounded
// deadline but no caller-supplied context (imposter request handling
// is synchronous per-connection, per spec.md §5).
func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
