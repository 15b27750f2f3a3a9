package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "VaultTrader/internal/errors"
)

// releaseScript 只在锁仍属于当前持有者时删除键。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLockConfig 描述 Redis 运行锁的连接参数。
type RedisLockConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// RedisLocker 使用 SET NX PX 实现跨实例的运行锁，防止两个进程同时使用同一签名凭证。
// TTL 应大于一次触发的最长耗时。
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisLocker 连接 Redis 并返回运行锁。
func NewRedisLocker(ctx context.Context, cfg RedisLockConfig) (*RedisLocker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisLockerWithClient(client, cfg.Key, cfg.TTL), nil
}

// NewRedisLockerWithClient 使用已有客户端构造运行锁。
func NewRedisLockerWithClient(client redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = "vaulttrader:credential-lock"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

// TryAcquire 实现 Locker。
func (l *RedisLocker) TryAcquire(ctx context.Context) (Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, xerrors.Wrap(CodeTransport, err, "获取 Redis 运行锁失败")
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLock{client: l.client, key: l.key, token: token}, nil
}

// Close 关闭 Redis 客户端。
func (l *RedisLocker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Release 仅删除自己持有的锁；锁已过期并被他人获取时不做任何事。
func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("释放 Redis 运行锁失败: %w", err)
	}
	return nil
}
