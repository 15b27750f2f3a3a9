package trader

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerExclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	lock, err := locker.TryAcquire(ctx)
	require.NoError(t, err)

	_, err = locker.TryAcquire(ctx)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))

	again, err := locker.TryAcquire(ctx)
	require.NoError(t, err)

	// 重复释放旧锁不能释放新持有者的锁。
	require.NoError(t, lock.Release(ctx))
	_, err = locker.TryAcquire(ctx)
	require.ErrorIs(t, err, ErrLockHeld)
	require.NoError(t, again.Release(ctx))
}

func TestNewRedisLockerRequiresAddress(t *testing.T) {
	_, err := NewRedisLocker(context.Background(), RedisLockConfig{})
	require.Error(t, err)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("VAULTTRADER_TEST_REDIS")
	if addr == "" {
		t.Skip("VAULTTRADER_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := RedisLockConfig{Address: addr, Key: "vaulttrader:test:" + uuid.NewString(), TTL: time.Minute}
	first, err := NewRedisLocker(ctx, cfg)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewRedisLocker(ctx, cfg)
	require.NoError(t, err)
	defer second.Close()

	lock, err := first.TryAcquire(ctx)
	require.NoError(t, err)

	_, err = second.TryAcquire(ctx)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	other, err := second.TryAcquire(ctx)
	require.NoError(t, err)

	// 过期锁的释放不能删除其他实例持有的锁。
	require.NoError(t, lock.Release(ctx))
	_, err = first.TryAcquire(ctx)
	require.ErrorIs(t, err, ErrLockHeld)
	require.NoError(t, other.Release(ctx))
}
