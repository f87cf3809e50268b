package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLease(t *testing.T) {
	lease, err := ParseLease("10.0.0.5:8090:1700000000123")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:8090", lease.Owner)
	assert.Equal(t, int64(1700000000123), lease.Acquired.UnixMilli())
	assert.Equal(t, "10.0.0.5:8090:1700000000123", lease.String())

	for _, bad := range []string{"", "n1", ":123", "n1:abc"} {
		_, err := ParseLease(bad)
		assert.Error(t, err, bad)
	}
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	l1 := NewLockManager(c.store, c.keys(), "n1", 30*time.Second, c.clock.Now, quietLogger())
	l2 := NewLockManager(c.store, c.keys(), "n2", 30*time.Second, c.clock.Now, quietLogger())

	t.Run("only one acquire succeeds", func(t *testing.T) {
		ok, err := l1.TryAcquire(ctx, "T1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = l2.TryAcquire(ctx, "T1")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = l1.TryAcquire(ctx, "T1")
		require.NoError(t, err)
		assert.False(t, ok, "acquire is not reentrant")

		lease, held, err := l2.Holder(ctx, "T1")
		require.NoError(t, err)
		assert.True(t, held)
		assert.Equal(t, "n1", lease.Owner)
		assert.Equal(t, c.clock.Now().UnixMilli(), lease.Acquired.UnixMilli())
	})

	t.Run("release owned ignores foreign leases", func(t *testing.T) {
		l2.ReleaseOwned(ctx, "T1")
		assert.Equal(t, "n1", c.lockOwner("T1"))

		l1.ReleaseOwned(ctx, "T1")
		assert.Empty(t, c.lockOwner("T1"))
	})

	t.Run("lease expires after ttl", func(t *testing.T) {
		ok, err := l1.TryAcquire(ctx, "T2")
		require.NoError(t, err)
		require.True(t, ok)

		c.clock.Advance(30 * time.Second)
		ok, err = l2.TryAcquire(ctx, "T2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "n2", c.lockOwner("T2"))
	})

	t.Run("renew", func(t *testing.T) {
		ok, err := l1.TryAcquire(ctx, "T3")
		require.NoError(t, err)
		require.True(t, ok)
		acquiredAt := c.clock.Now()

		c.clock.Advance(20 * time.Second)
		res, err := l1.Renew(ctx, "T3")
		require.NoError(t, err)
		assert.Equal(t, Renewed, res)
		ttl, _ := c.store.TTL(c.keys().Lock("T3"))
		assert.Equal(t, 30*time.Second, ttl)

		lease, _, err := l1.Holder(ctx, "T3")
		require.NoError(t, err)
		assert.Equal(t, acquiredAt.UnixMilli(), lease.Acquired.UnixMilli(), "renewal keeps the acquire time")

		res, err = l2.Renew(ctx, "T3")
		require.NoError(t, err)
		assert.Equal(t, Lost, res)

		l1.Release(ctx, "T3")
		res, err = l2.Renew(ctx, "T3")
		require.NoError(t, err)
		assert.Equal(t, Reacquired, res)
		assert.Equal(t, "n2", c.lockOwner("T3"))
	})
}

// TestRenewKeepsForeignLease lets the lease lapse and pass to n2 between
// n1's read and its refresh.
func TestRenewKeepsForeignLease(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	hooked := &hookStore{MemoryStore: c.store}
	l1 := NewLockManager(hooked, c.keys(), "n1", 30*time.Second, c.clock.Now, quietLogger())
	l2 := NewLockManager(c.store, c.keys(), "n2", 30*time.Second, c.clock.Now, quietLogger())

	ok, err := l1.TryAcquire(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)

	var taken bool
	hooked.afterGet = func(key string) {
		if key != c.keys().Lock("T1") || taken {
			return
		}
		taken = true
		c.clock.Advance(31 * time.Second)
		ok, err := l2.TryAcquire(ctx, "T1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	res, err := l1.Renew(ctx, "T1")
	require.NoError(t, err)
	require.True(t, taken)
	assert.Equal(t, Lost, res)
	assert.Equal(t, "n2", c.lockOwner("T1"))
	ttl, _ := c.store.TTL(c.keys().Lock("T1"))
	assert.Equal(t, 30*time.Second, ttl)
}
