package imposter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateGetDelete(t *testing.T) {
	reg := NewRegistry("", "")

	imp, err := reg.Create(Config{Port: 0, Protocol: "http"}, Deps{})
	require.NoError(t, err)
	require.NotNil(t, imp)

	got, err := reg.Get(0)
	require.NoError(t, err)
	assert.Same(t, imp, got)

	require.NoError(t, reg.Delete(0))
	_, err = reg.Get(0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryCreateDuplicatePortFails(t *testing.T) {
	reg := NewRegistry("", "")

	_, err := reg.Create(Config{Port: 0}, Deps{})
	require.NoError(t, err)

	// A second imposter on the same already-registered key (port 0,
	// which the registry tracks literally rather than the OS-assigned
	// port) must be rejected.
	_, err = reg.Create(Config{Port: 0}, Deps{})
	assert.ErrorIs(t, err, ErrPortInUse)
}

func TestRegistryInvalidProtocolRejected(t *testing.T) {
	reg := NewRegistry("", "")
	_, err := reg.Create(Config{Port: 0, Protocol: "ftp"}, Deps{})
	assert.ErrorIs(t, err, ErrInvalidProtocol)
}

func TestRegistryShutdownClosesListeners(t *testing.T) {
	reg := NewRegistry("", "")
	_, err := reg.Create(Config{Port: 0}, Deps{})
	require.NoError(t, err)
	bound := reg.ports[0]

	reg.Shutdown()
	// closeBound's Shutdown has its own 5s deadline; wait for the
	// background goroutine to observe the broadcast and the accept
	// loop to exit.
	select {
	case <-bound.done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the accept loop to exit after Shutdown")
	}
}
