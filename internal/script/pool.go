package script

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riftproxy/rift/internal/flowstore"
)

// ErrQueueFull is returned by Decide and Inject when the bounded job
// queue has no room within the pool's submit timeout, per spec.md §4.3
// "queue-full is a back-pressure error distinct from script error."
var ErrQueueFull = errors.New("script: worker pool queue is full")

// ErrPoolClosed is returned by Decide and Inject after Close.
var ErrPoolClosed = errors.New("script: worker pool is closed")

type jobMode int

const (
	modeDecide jobMode = iota
	modeInject
)

type job struct {
	mode    jobMode
	script  *CompiledScript
	req     RequestView
	flowID  string
	store   flowstore.Store
	reply   chan jobResult
}

type jobResult struct {
	decision FaultDecision
	inject   InjectResult
	err      error
}

// Pool amortizes Lua engine construction across requests: each worker
// owns one long-lived Engine and drains jobs from a bounded queue,
// composed with golang.org/x/sync/errgroup the way skipper composes
// coordinated goroutine groups elsewhere in the pack.
type Pool struct {
	jobs    chan job
	group   *errgroup.Group
	cancel  context.CancelFunc
	timeout time.Duration
	closed  atomic.Bool
}

// NewPool starts workers goroutines, each with its own Engine,
// consuming from a queue of size queueSize. timeout bounds both job
// submission (Decide/Inject) and per-invocation script execution.
func NewPool(workers, queueSize int, timeout time.Duration) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		jobs:    make(chan job, queueSize),
		group:   g,
		cancel:  cancel,
		timeout: timeout,
	}

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			engine := NewEngine()
			defer engine.Close()
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-p.jobs:
					p.run(gctx, engine, j)
				}
			}
		})
	}

	return p
}

func (p *Pool) run(ctx context.Context, engine *Engine, j job) {
	callCtx := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	done := make(chan jobResult, 1)
	go func() {
		switch j.mode {
		case modeDecide:
			d, err := engine.Decide(callCtx, j.script, j.req, j.flowID, j.store)
			done <- jobResult{decision: d, err: err}
		case modeInject:
			r, err := engine.Inject(callCtx, j.script, j.req, j.flowID, j.store)
			done <- jobResult{inject: r, err: err}
		}
	}()

	select {
	case r := <-done:
		j.reply <- r
	case <-callCtx.Done():
		j.reply <- jobResult{err: fmt.Errorf("script: %s timed out: %w", j.script.RuleID, callCtx.Err())}
	}
}

// submit enqueues j, failing with ErrQueueFull if the queue has no
// room within the pool's timeout (or immediately if timeout <= 0).
func (p *Pool) submit(j job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if p.timeout <= 0 {
		select {
		case p.jobs <- j:
			return nil
		default:
			return ErrQueueFull
		}
	}

	t := time.NewTimer(p.timeout)
	defer t.Stop()
	select {
	case p.jobs <- j:
		return nil
	case <-t.C:
		return ErrQueueFull
	}
}

// Decide submits a fault-decision job and blocks for its result.
func (p *Pool) Decide(script *CompiledScript, req RequestView, flowID string, store flowstore.Store) (FaultDecision, error) {
	reply := make(chan jobResult, 1)
	if err := p.submit(job{mode: modeDecide, script: script, req: req, flowID: flowID, store: store, reply: reply}); err != nil {
		return FaultDecision{}, err
	}
	r := <-reply
	return r.decision, r.err
}

// Inject submits an inject-response job and blocks for its result.
func (p *Pool) Inject(script *CompiledScript, req RequestView, flowID string, store flowstore.Store) (InjectResult, error) {
	reply := make(chan jobResult, 1)
	if err := p.submit(job{mode: modeInject, script: script, req: req, flowID: flowID, store: store, reply: reply}); err != nil {
		return InjectResult{}, err
	}
	r := <-reply
	return r.inject, r.err
}

// Close stops every worker and waits for them to exit.
func (p *Pool) Close() error {
	p.closed.Store(true)
	p.cancel()
	return p.group.Wait()
}
