package pgleaseguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsMissingDSN(t *testing.T) {
	_, err := New(Config{ServiceName: "svc", CoordinationSecret: []byte(testSecret)})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNew_RejectsMissingServiceName(t *testing.T) {
	_, err := New(Config{DSN: "postgres://x", CoordinationSecret: []byte(testSecret)})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNew_RejectsShortSecret(t *testing.T) {
	_, err := New(Config{DSN: "postgres://x", ServiceName: "svc", CoordinationSecret: []byte("short")})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNew_AllowsOptionalLeaseModeWithoutSecret(t *testing.T) {
	c, err := New(Config{DSN: "postgres://x", ServiceName: "svc", LeaseMode: LeaseModeOptional})
	require.NoError(t, err)
	assert.Nil(t, c.leaseMgr)
}

func TestConnect_HappyPath(t *testing.T) {
	fs := &fakeSession{}
	c := newTestClient(t)
	c.dial = dialer(fs)

	require.NoError(t, c.Connect(context.Background()))

	stats := c.Stats()
	assert.Equal(t, "connected", stats.State)
	assert.Equal(t, uint64(1), stats.Generation)
	assert.False(t, stats.LeaseExpiresAt.IsZero())
}

func TestConnect_SingleFlight(t *testing.T) {
	fs := &fakeSession{}
	c := newTestClient(t)
	c.dial = dialer(fs)

	done := make(chan error, 2)
	go func() { done <- c.Connect(context.Background()) }()
	go func() { done <- c.Connect(context.Background()) }()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), c.Stats().Generation)
}

func TestQuery_ConnectsWhenDisconnected(t *testing.T) {
	fs := &fakeSession{}
	c := newTestClient(t)
	c.dial = dialer(fs)

	rows, err := c.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Equal(t, "connected", c.Stats().State)
}

func TestClose_IsIdempotent(t *testing.T) {
	fs := &fakeSession{}
	c := newTestClient(t)
	c.dial = dialer(fs)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.True(t, fs.isClosed())

	_, err := c.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPlainLabel_TruncatesAndUsesPlainFormat(t *testing.T) {
	label := plainLabel("svc", "inst")
	assert.Equal(t, "svc:inst", label)

	long := plainLabel("svc", string(make([]byte, 100)))
	assert.LessOrEqual(t, len(long), 63)
}

func TestInstallSession_GenerationGuardDiscardsStaleSession(t *testing.T) {
	c := newTestClient(t)
	c.generation = 2
	stale := &fakeSession{}

	err := c.installSession(1, stale, time.Now().Add(time.Minute))
	require.NoError(t, err)

	assert.Nil(t, c.underlying)
	assert.Eventually(t, stale.isClosed, time.Second, 5*time.Millisecond)
}

func TestHandleFatal_BumpsGenerationAndDetachesOnlyIfCurrent(t *testing.T) {
	c := newTestClient(t)
	current := &fakeSession{}
	c.underlying = current
	c.generation = 5
	c.st = stateConnected

	// A stale session (already replaced) firing fatal must not clobber
	// the current one, but generation still advances.
	stale := &fakeSession{}
	c.handleFatal(4, stale, "error", errors.New("stale boom"))
	assert.Equal(t, uint64(6), c.generation)
	assert.Same(t, current, c.underlying)

	c.handleFatal(6, current, "error", errors.New("boom"))
	assert.Equal(t, uint64(7), c.generation)
	assert.Nil(t, c.underlying)
	assert.Equal(t, stateDead, c.st)
}
