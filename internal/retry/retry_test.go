package retry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_TransientSQLStates(t *testing.T) {
	codes := []string{"08000", "08003", "08006", "57P01", "57P02", "57P03", "53300"}
	for _, code := range codes {
		t.Run(code, func(t *testing.T) {
			err := &pgconn.PgError{Code: code}
			assert.True(t, IsRetryable(err), "expected %s to be retryable", code)
			assert.Equal(t, TransientDatabase, Classify(err))
		})
	}
}

func TestClassify_PermanentSQLStates(t *testing.T) {
	codes := []string{"23505", "42601", "40001", "40P01"}
	for _, code := range codes {
		t.Run(code, func(t *testing.T) {
			err := &pgconn.PgError{Code: code}
			assert.False(t, IsRetryable(err), "expected %s to be permanent", code)
		})
	}
}

func TestClassify_PlainError(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("random")))
}

func TestClassify_MessageSubstrings(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("Connection terminated unexpectedly")))
	assert.True(t, IsRetryable(errors.New("FATAL: sorry, too many clients already")))
}

func TestNextDelay_Bounds(t *testing.T) {
	for i := 0; i < 2000; i++ {
		base := time.Duration(1+rand.IntN(50)) * time.Millisecond
		capMs := base + time.Duration(rand.IntN(5000))*time.Millisecond
		prev := time.Duration(rand.IntN(int(capMs)))

		delay := NextDelay(base, capMs, prev)
		require.GreaterOrEqual(t, delay, base, fmt.Sprintf("base=%v cap=%v prev=%v", base, capMs, prev))
		require.LessOrEqual(t, delay, capMs, fmt.Sprintf("base=%v cap=%v prev=%v", base, capMs, prev))
	}
}

func TestNextDelay_FirstRetryUsesBaseAsPrev(t *testing.T) {
	base := 100 * time.Millisecond
	capMs := 2000 * time.Millisecond
	for i := 0; i < 200; i++ {
		delay := NextDelay(base, capMs, 0)
		assert.GreaterOrEqual(t, delay, base)
		assert.LessOrEqual(t, delay, capMs)
	}
}
