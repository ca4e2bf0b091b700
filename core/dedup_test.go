package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupGuard_Claim(t *testing.T) {
	store, mr := newTestStore(t)
	guard := NewDedupGuard(store)
	ctx := context.Background()

	ok, err := guard.Claim(ctx, "dedup:test", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first claimant proceeds")

	ok, err = guard.Claim(ctx, "dedup:test", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claimant within the window is suppressed")

	mr.FastForward(61 * time.Second)
	ok, err = guard.Claim(ctx, "dedup:test", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claim is available again after the window lapses")
}

func TestDedupGuard_Claim_ConcurrentSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	guard := NewDedupGuard(store)
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := guard.Claim(ctx, "dedup:race", time.Minute)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestDedupGuard_ClaimOwner(t *testing.T) {
	store, _ := newTestStore(t)
	guard := NewDedupGuard(store)
	ctx := context.Background()

	owner, claimed, err := guard.ClaimOwner(ctx, "incident:key", "INC-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "INC-1", owner)

	owner, claimed, err = guard.ClaimOwner(ctx, "incident:key", "INC-2", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "INC-1", owner, "later claimants learn the existing owner")
}

func TestDedupGuard_StoreFailurePropagates(t *testing.T) {
	store, mr := newTestStore(t)
	guard := NewDedupGuard(store)
	mr.Close()

	_, err := guard.Claim(context.Background(), "dedup:down", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateUnavailable)
}

// expiringStore loses every claim before it can be read back
type expiringStore struct {
	StateStore
	setCalls int
	winAfter int
}

func (s *expiringStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	s.setCalls++
	return s.winAfter > 0 && s.setCalls > s.winAfter, nil
}

func (s *expiringStore) Get(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func TestDedupGuard_ClaimOwner_ExpiredClaimRetries(t *testing.T) {
	store := &expiringStore{winAfter: 1}
	guard := NewDedupGuard(store)

	owner, claimed, err := guard.ClaimOwner(context.Background(), "incident:flap", "INC-9", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "INC-9", owner)
	assert.Equal(t, 2, store.setCalls)
}

func TestDedupGuard_ClaimOwner_NeverReturnsEmptyOwner(t *testing.T) {
	store := &expiringStore{}
	guard := NewDedupGuard(store)

	owner, claimed, err := guard.ClaimOwner(context.Background(), "incident:flap", "INC-9", time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateUnavailable)
	assert.False(t, claimed)
	assert.Empty(t, owner)
	assert.Equal(t, claimOwnerAttempts, store.setCalls)
}
