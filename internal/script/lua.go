package script

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cjoudrey/gluahttp"
	"github.com/cjoudrey/gluaurl"
	lua "github.com/yuin/gopher-lua"
	luajson "layeh.com/gopher-json"

	"github.com/riftproxy/rift/internal/flowstore"
)

// CompiledScript is an immutable compiled unit, shared by value-clone
// across worker threads per spec.md §3 ("Immutable; shared by
// value-clone across worker threads"): each worker builds its own
// closure from the shared compiled *lua.FunctionProto rather than
// sharing Lua state, since gopher-lua's LState is not safe for
// concurrent use.
type CompiledScript struct {
	Source string
	RuleID string

	proto *lua.FunctionProto
}

// Compile parses and compiles source into Lua bytecode ahead of
// execution, matching the "compiled_script" shape of spec.md §3 for
// the Lua case.
func Compile(source, ruleID string) (*CompiledScript, error) {
	chunk, err := lua.Parse(strings.NewReader(source), ruleID)
	if err != nil {
		return nil, fmt.Errorf("script: parse %s: %w", ruleID, err)
	}
	proto, err := lua.Compile(chunk, ruleID)
	if err != nil {
		return nil, fmt.Errorf("script: compile %s: %w", ruleID, err)
	}
	return &CompiledScript{Source: source, RuleID: ruleID, proto: proto}, nil
}

// Engine wraps one long-lived gopher-lua runtime. A worker owns
// exactly one Engine and never shares it across goroutines, per
// spec.md §4.3 "Workers hold one engine each and never share engines
// across threads."
type Engine struct {
	L *lua.LState
}

// NewEngine constructs a Lua runtime with the http and url modules
// preloaded, matching skipper's declared gluahttp/gluaurl dependencies
// (used here for scripts that need to make outbound calls or parse
// URLs as part of computing a response or a fault decision).
func NewEngine() *Engine {
	L := lua.NewState()
	L.PreloadModule("http", gluahttp.NewHttpModule(&http.Client{}).Loader)
	L.PreloadModule("url", gluaurl.Loader)
	luajson.Preload(L)
	return &Engine{L: L}
}

// Close releases the underlying Lua runtime.
func (e *Engine) Close() { e.L.Close() }

// load executes cs's compiled chunk against the engine's global table,
// defining whatever top-level functions (should_inject, handle) the
// script declares. Each worker invocation treats this as a fresh
// top-level evaluation, per spec.md §4.3: "workers treat each
// invocation as a fresh top-level evaluation."
func (e *Engine) load(cs *CompiledScript) error {
	fn := e.L.NewFunctionFromProto(cs.proto)
	e.L.Push(fn)
	if err := e.L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("script: run %s: %w", cs.RuleID, err)
	}
	return nil
}

func requestToLua(L *lua.LState, req RequestView) (lua.LValue, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("script: marshal request: %w", err)
	}
	v, err := luajson.Decode(L, b)
	if err != nil {
		return nil, fmt.Errorf("script: decode request into lua: %w", err)
	}
	return v, nil
}

func buildFlowStoreTable(L *lua.LState, ctx context.Context, flowID string, store flowstore.Store) *lua.LTable {
	t := L.NewTable()

	t.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		v, ok, err := store.Get(ctx, flowID, key)
		if err != nil {
			L.RaiseError("flow_store.get: %s", err)
			return 0
		}
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		val, err := luajson.Decode(L, []byte(v))
		if err != nil {
			L.Push(lua.LString(v))
			return 1
		}
		L.Push(val)
		return 1
	}))

	t.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		value := L.CheckAny(2)
		b, err := luajson.Encode(value)
		if err != nil {
			L.RaiseError("flow_store.set: encode: %s", err)
			return 0
		}
		if err := store.Set(ctx, flowID, key, string(b)); err != nil {
			L.RaiseError("flow_store.set: %s", err)
		}
		return 0
	}))

	t.RawSetString("exists", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		ok, err := store.Exists(ctx, flowID, key)
		if err != nil {
			L.RaiseError("flow_store.exists: %s", err)
			return 0
		}
		L.Push(lua.LBool(ok))
		return 1
	}))

	t.RawSetString("delete", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		if err := store.Delete(ctx, flowID, key); err != nil {
			L.RaiseError("flow_store.delete: %s", err)
		}
		return 0
	}))

	t.RawSetString("increment", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		delta := int64(1)
		if L.GetTop() >= 2 {
			delta = int64(L.CheckNumber(2))
		}
		n, err := store.Increment(ctx, flowID, key, delta)
		if err != nil {
			L.RaiseError("flow_store.increment: %s", err)
			return 0
		}
		L.Push(lua.LNumber(n))
		return 1
	}))

	t.RawSetString("set_ttl", L.NewFunction(func(L *lua.LState) int {
		ttl := int64(L.CheckNumber(1))
		if err := store.SetTTL(ctx, flowID, ttl); err != nil {
			L.RaiseError("flow_store.set_ttl: %s", err)
		}
		return 0
	}))

	return t
}

// Decide runs cs's should_inject(request, flow_store) function and
// returns the resulting FaultDecision, per spec.md §4.3.
func (e *Engine) Decide(ctx context.Context, cs *CompiledScript, req RequestView, flowID string, store flowstore.Store) (FaultDecision, error) {
	if err := e.load(cs); err != nil {
		return FaultDecision{}, err
	}

	reqVal, err := requestToLua(e.L, req)
	if err != nil {
		return FaultDecision{}, err
	}
	flowVal := buildFlowStoreTable(e.L, ctx, flowID, store)

	fn := e.L.GetGlobal("should_inject")
	if fn.Type() != lua.LTFunction {
		return FaultDecision{}, fmt.Errorf("script: %s does not define should_inject", cs.RuleID)
	}

	if err := e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, reqVal, flowVal); err != nil {
		return FaultDecision{}, fmt.Errorf("script: %s should_inject: %w", cs.RuleID, err)
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)

	b, err := luajson.Encode(ret)
	if err != nil {
		return FaultDecision{}, fmt.Errorf("script: %s encode decision: %w", cs.RuleID, err)
	}
	var wire scriptDecisionWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return FaultDecision{}, fmt.Errorf("script: %s decode decision: %w", cs.RuleID, err)
	}
	return decisionFromWire(wire, cs.RuleID), nil
}

// Inject runs cs's handle(request, flow_store) function and returns
// the resulting InjectResult, used for the imposter `inject` response
// kind (spec.md §4.1 "Response execution — inject").
func (e *Engine) Inject(ctx context.Context, cs *CompiledScript, req RequestView, flowID string, store flowstore.Store) (InjectResult, error) {
	if err := e.load(cs); err != nil {
		return InjectResult{}, err
	}

	reqVal, err := requestToLua(e.L, req)
	if err != nil {
		return InjectResult{}, err
	}
	flowVal := buildFlowStoreTable(e.L, ctx, flowID, store)

	fn := e.L.GetGlobal("handle")
	if fn.Type() != lua.LTFunction {
		return InjectResult{}, fmt.Errorf("script: %s does not define handle", cs.RuleID)
	}

	if err := e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, reqVal, flowVal); err != nil {
		return InjectResult{}, fmt.Errorf("script: %s handle: %w", cs.RuleID, err)
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)

	b, err := luajson.Encode(ret)
	if err != nil {
		return InjectResult{}, fmt.Errorf("script: %s encode result: %w", cs.RuleID, err)
	}
	var wire injectResultWire
	if err := json.Unmarshal(b, &wire); err != nil {
		return InjectResult{}, fmt.Errorf("script: %s decode result: %w", cs.RuleID, err)
	}
	return injectFromWire(wire), nil
}

// Matches runs cs's matches(request) function, the optional contract
// backing a predicate `inject` clause (spec.md §4.1: "inject 'script':
// run script returning boolean"). It takes no flow-store argument:
// predicate evaluation is a pure function of the request.
func (e *Engine) Matches(cs *CompiledScript, req RequestView) (bool, error) {
	if err := e.load(cs); err != nil {
		return false, err
	}

	reqVal, err := requestToLua(e.L, req)
	if err != nil {
		return false, err
	}

	fn := e.L.GetGlobal("matches")
	if fn.Type() != lua.LTFunction {
		return false, fmt.Errorf("script: %s does not define matches", cs.RuleID)
	}

	if err := e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, reqVal); err != nil {
		return false, fmt.Errorf("script: %s matches: %w", cs.RuleID, err)
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)
	return lua.LVAsBool(ret), nil
}
