package imposter

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/riftproxy/rift/internal/broadcast"
	"github.com/riftproxy/rift/internal/riftlog"
)

// boundImposter pairs a running Imposter with the accept-loop server
// bound to its port, so Registry can stop the listener independently
// of the Imposter's own lifecycle.
type boundImposter struct {
	imp    *Imposter
	server *http.Server
	ln     net.Listener
	done   chan struct{}
}

// Registry owns the port -> Imposter map and the per-port accept
// loops, per spec.md §4.5: "create/delete are atomic with respect to
// the registry's port map."
type Registry struct {
	mu    sync.RWMutex
	ports map[int]*boundImposter

	shutdown *broadcast.Signal

	tlsCertFile, tlsKeyFile string
}

// NewRegistry returns an empty Registry. tlsCertFile/tlsKeyFile are
// used for imposters declared with protocol "https"; both may be
// empty if no https imposter will ever be created.
func NewRegistry(tlsCertFile, tlsKeyFile string) *Registry {
	return &Registry{
		ports:       make(map[int]*boundImposter),
		shutdown:    broadcast.New(),
		tlsCertFile: tlsCertFile,
		tlsKeyFile:  tlsKeyFile,
	}
}

// Create binds cfg.Port and starts serving imp, failing with
// ErrPortInUse if the port is already registered and ErrBind if the
// listener cannot be opened.
func (reg *Registry) Create(cfg Config, deps Deps) (*Imposter, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.ports[cfg.Port]; exists {
		return nil, ErrPortInUse
	}

	switch cfg.Protocol {
	case "", "http", "https":
	default:
		return nil, ErrInvalidProtocol
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}

	if cfg.Protocol == "https" {
		cert, err := tls.LoadX509KeyPair(reg.tlsCertFile, reg.tlsKeyFile)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("%w: loading tls cert: %v", ErrBind, err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	imp := New(cfg, deps)
	server := &http.Server{Handler: imp}
	bound := &boundImposter{imp: imp, server: server, ln: ln, done: make(chan struct{})}

	reg.ports[cfg.Port] = bound

	go func() {
		defer close(bound.done)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			riftlog.Log().WithError(err).WithField("port", cfg.Port).Warn("imposter accept loop exited")
		}
	}()

	go func() {
		select {
		case <-reg.shutdown.Subscribe():
			reg.closeBound(bound)
		case <-bound.done:
		}
	}()

	return imp, nil
}

// Get returns the Imposter bound to port, if any.
func (reg *Registry) Get(port int) (*Imposter, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	b, ok := reg.ports[port]
	if !ok {
		return nil, ErrNotFound
	}
	return b.imp, nil
}

// Ports returns the currently registered ports.
func (reg *Registry) Ports() []int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]int, 0, len(reg.ports))
	for p := range reg.ports {
		out = append(out, p)
	}
	return out
}

// Delete stops the listener bound to port and removes it from the
// registry.
func (reg *Registry) Delete(port int) error {
	reg.mu.Lock()
	b, ok := reg.ports[port]
	if !ok {
		reg.mu.Unlock()
		return ErrNotFound
	}
	delete(reg.ports, port)
	reg.mu.Unlock()

	reg.closeBound(b)
	return nil
}

// DeleteAll stops every imposter in ascending port order, per spec.md
// §4.5 "delete_all tears down imposters in ascending port order."
func (reg *Registry) DeleteAll() {
	for _, port := range sortedInts(reg.Ports()) {
		_ = reg.Delete(port)
	}
}

func (reg *Registry) closeBound(b *boundImposter) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.server.Shutdown(ctx)
}

// Shutdown signals every accept loop to stop, for process-wide
// termination (distinct from DeleteAll, which is an admin-triggered
// operation on the live registry).
func (reg *Registry) Shutdown() {
	reg.shutdown.Close()
}

func sortedInts(xs []int) []int {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
	return xs
}
