package flowstore

import "context"

// Noop is the flow store bound to configurations that declare no flow
// state. Every mutation succeeds silently; every read reports absent.
type Noop struct{}

func (Noop) Get(context.Context, string, string) (string, bool, error)  { return "", false, nil }
func (Noop) Set(context.Context, string, string, string) error          { return nil }
func (Noop) Exists(context.Context, string, string) (bool, error)       { return false, nil }
func (Noop) Delete(context.Context, string, string) error               { return nil }
func (Noop) Increment(context.Context, string, string, int64) (int64, error) {
	return 0, nil
}
func (Noop) SetTTL(context.Context, string, Seconds) error { return nil }
func (Noop) Stateful() bool                                { return false }
