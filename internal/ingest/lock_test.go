package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLockManager(t *testing.T) *LockManager {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLockManager(client, zaptest.NewLogger(t))
}

func TestAcquireUserLockRejectsConcurrentHolder(t *testing.T) {
	lm := newTestLockManager(t)
	ctx := context.Background()

	lock, err := lm.AcquireUserLock(ctx, "user-1")
	require.NoError(t, err)

	_, err = lm.AcquireUserLock(ctx, "user-1")
	require.Error(t, err)

	lock.release()

	lock2, err := lm.AcquireUserLock(ctx, "user-1")
	require.NoError(t, err)
	lock2.release()
}

func TestAcquireUserLockIsPerUser(t *testing.T) {
	lm := newTestLockManager(t)
	ctx := context.Background()

	lockA, err := lm.AcquireUserLock(ctx, "user-a")
	require.NoError(t, err)
	defer lockA.release()

	lockB, err := lm.AcquireUserLock(ctx, "user-b")
	require.NoError(t, err)
	defer lockB.release()
}

func TestAcquireUserLockRejectsEmptyUserID(t *testing.T) {
	lm := newTestLockManager(t)
	_, err := lm.AcquireUserLock(context.Background(), "")
	require.Error(t, err)
}

func TestUserLockRenewsBeforeTimeout(t *testing.T) {
	lm := newTestLockManager(t)
	lm.defaultTimeout = 120 * time.Millisecond

	lock, err := lm.AcquireUserLock(context.Background(), "user-1")
	require.NoError(t, err)
	defer lock.release()

	time.Sleep(200 * time.Millisecond)

	_, err = lm.AcquireUserLock(context.Background(), "user-1")
	require.Error(t, err, "the renewal ticker should have kept the lock alive past its original timeout")
}
