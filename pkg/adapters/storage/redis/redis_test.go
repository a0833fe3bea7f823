package redis

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/dapo/pkg/adapters/storage/storetest"
	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*StatusStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStatusStore(client, 0, zap.NewNop()), mr
}

func TestStatusStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.StatusStore {
		store, _ := newTestStore(t)
		return store
	})
}

func TestClaimExpiresWithWindow(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	require.NoError(t, store.CreateExecution(ctx, storetest.NewExecution("e1")))

	since := time.Now().Add(-time.Minute)
	_, claimed, err := store.ClaimStep(ctx, "nightly", domain.AttemptKey{ExecutionID: "e1", StepID: "extract"}, since)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.True(t, mr.Exists("dapo:running:nightly:extract"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("dapo:running:nightly:extract"))

	_, found, err := store.FindActiveStep(ctx, "nightly", "extract", "e2", since)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	require.NoError(t, store.CreateExecution(ctx, storetest.NewExecution("e2")))

	// claim left behind by an execution that no longer exists
	require.NoError(t, mr.Set("dapo:running:nightly:extract", "gone"))

	holder, claimed, err := store.ClaimStep(ctx, "nightly", domain.AttemptKey{ExecutionID: "e2", StepID: "extract"}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Empty(t, holder)

	v, err := mr.Get("dapo:running:nightly:extract")
	require.NoError(t, err)
	assert.Equal(t, "e2", v)
}

func TestReleaseOnlyOwnClaim(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set("dapo:running:nightly:extract", "e1"))

	require.NoError(t, store.ReleaseStep(ctx, "nightly", "e2", "extract"))
	assert.True(t, mr.Exists("dapo:running:nightly:extract"))

	require.NoError(t, store.ReleaseStep(ctx, "nightly", "e1", "extract"))
	assert.False(t, mr.Exists("dapo:running:nightly:extract"))
}
