package pgleaseguard

import (
	"context"
	"testing"
	"time"

	"github.com/pgleaseguard/pgleaseguard/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGeneration_Monotonic covers spec.md §8's generation-monotonicity
// property: generation never decreases, and both a dispose-for-reconnect
// and an observed fatal event strictly increase it.
func TestGeneration_Monotonic(t *testing.T) {
	fs1 := &fakeSession{}
	fs2 := &fakeSession{}
	dialed := 0
	c := newTestClient(t)
	c.dial = func(ctx context.Context, connString, label string) (session.Session, error) {
		dialed++
		if dialed == 1 {
			return fs1, nil
		}
		return fs2, nil
	}

	require.NoError(t, c.Connect(context.Background()))
	gen0 := c.Stats().Generation

	c.dispose("test reconnect", true)
	gen1 := c.Stats().Generation
	assert.Greater(t, gen1, gen0)

	require.NoError(t, c.Connect(context.Background()))
	gen2 := c.Stats().Generation
	assert.Greater(t, gen2, gen1)

	c.mu.Lock()
	current := c.underlying
	c.mu.Unlock()
	require.Same(t, fs2, current)

	c.handleFatal(gen2, current, "error", assertErr{})
	gen3 := c.Stats().Generation
	assert.Greater(t, gen3, gen2)
	assert.True(t, c.Stats().Dead)
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated fatal" }

// TestConnect_GenerationGuard is spec.md §8 end-to-end scenario 6: during
// an in-flight connect, the underlying session observes a fatal event
// before the handshake resolves. The freshly-handshaken session must not
// be installed, and the live session must not be the stale one.
func TestConnect_GenerationGuard(t *testing.T) {
	c := newTestClient(t)

	blockingSess := &fakeSession{}
	c.dial = func(ctx context.Context, connString, label string) (session.Session, error) {
		// Simulate a fatal event racing the handshake: another generation
		// starts (e.g. a concurrent reconnect) before this dial "returns".
		c.mu.Lock()
		c.generation++
		c.mu.Unlock()
		return blockingSess, nil
	}

	err := c.Connect(context.Background())
	require.NoError(t, err)

	c.mu.Lock()
	underlying := c.underlying
	c.mu.Unlock()
	assert.Nil(t, underlying)
	assert.Eventually(t, blockingSess.isClosed, time.Second, 5*time.Millisecond)
}
