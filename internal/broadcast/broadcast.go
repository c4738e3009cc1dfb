// Package broadcast provides a one-shot shutdown signal fanned out to
// any number of subscribers without blocking the sender, adapted from
// the dispatch-latest-value pattern used elsewhere in the pack for
// distributing configuration to goroutines.
package broadcast

import "sync"

// Signal is a shutdown broadcaster. The zero value is not usable; call
// New. Close may be called any number of times, concurrently; Subscribe
// may be called any number of times, including after Close (a
// subscriber that joins after Close observes the channel already
// closed).
type Signal struct {
	once sync.Once
	done chan struct{}
}

// New returns a ready Signal.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Subscribe returns a channel that is closed once Close is called.
// Unlike dispatch.Dispatcher's continuously-fed fan channel, a done
// signal has exactly one transition, so a plain closed-channel receive
// is sufficient and avoids a per-subscriber goroutine.
func (s *Signal) Subscribe() <-chan struct{} {
	return s.done
}

// Close signals shutdown to every current and future subscriber. Safe
// to call more than once, and concurrently; only the first call has
// effect.
func (s *Signal) Close() {
	s.once.Do(func() { close(s.done) })
}
