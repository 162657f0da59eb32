package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenFilesAcquireReleaseBlocks(t *testing.T) {
	of, err := NewOpenFiles(1)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, of.Acquire(ctx))

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = of.Acquire(blockedCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	of.Release()
	require.NoError(t, of.Acquire(ctx))
}

func TestOpenFilesDerivesFromRlimitWhenUnset(t *testing.T) {
	of, err := NewOpenFiles(0)
	require.NoError(t, err)
	assert.Greater(t, of.Max(), int64(0))
}

func TestIOPSTokensForSize(t *testing.T) {
	i := NewIOPS(0, 1<<20)
	assert.Equal(t, 1, i.TokensForSize(0))
	assert.Equal(t, 1, i.TokensForSize(1))
	assert.Equal(t, 1, i.TokensForSize(1<<20))
	assert.Equal(t, 2, i.TokensForSize(1<<20+1))
}

func TestOpsUnlimitedNeverBlocks(t *testing.T) {
	o := NewOps(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	for i := 0; i < 1000; i++ {
		require.NoError(t, o.Wait(ctx))
	}
}

func TestNewSetWiresAllThreeThrottles(t *testing.T) {
	s, err := NewSet(0, 0, 0, 1<<20)
	require.NoError(t, err)
	assert.NotNil(t, s.OpenFiles)
	assert.NotNil(t, s.Ops)
	assert.NotNil(t, s.IOPS)
}
