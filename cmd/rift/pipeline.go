package main

import (
	"fmt"
	"sync"

	"github.com/riftproxy/rift/internal/behavior"
	"github.com/riftproxy/rift/internal/flowstore"
	"github.com/riftproxy/rift/internal/script"
)

// scriptDecorator binds the fault-proxy's error-fault behavior pipeline
// to the script pool, the same role internal/imposter's decorateScript
// plays for `is` responses (spec.md §4.1's "expression engine is the
// same as decorate", extended to the fault proxy's §4.4 error-fault
// behaviors).
type scriptDecorator struct {
	pool *script.Pool

	mu       sync.Mutex
	compiled map[string]*script.CompiledScript
}

func newFaultProxyPipeline(pool *script.Pool) *behavior.Pipeline {
	d := &scriptDecorator{pool: pool, compiled: make(map[string]*script.CompiledScript)}
	return behavior.NewPipeline(d.decorate, d.expr)
}

func (d *scriptDecorator) decorate(src string, rc *behavior.Ctx) (string, int, error) {
	if d.pool == nil {
		return "", 0, fmt.Errorf("rift: decorate behavior requires a script engine")
	}
	cs, err := d.compile(src)
	if err != nil {
		return "", 0, err
	}
	view := script.RequestView{Method: rc.Method, Path: rc.Path, Headers: rc.Headers, Query: rc.Query, Body: rc.ReqBody}
	res, err := d.pool.Inject(cs, view, "", flowstore.Noop{})
	if err != nil {
		return "", 0, err
	}
	return res.Body, res.StatusCode, nil
}

func (d *scriptDecorator) expr(e string, rc *behavior.Ctx) (string, error) {
	body, _, err := d.decorate(e, rc)
	return body, err
}

func (d *scriptDecorator) compile(src string) (*script.CompiledScript, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cs, ok := d.compiled[src]; ok {
		return cs, nil
	}
	cs, err := script.Compile(src, "fault-proxy-error")
	if err != nil {
		return nil, err
	}
	d.compiled[src] = cs
	return cs, nil
}
