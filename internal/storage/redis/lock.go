package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "LeoPrime-Chain/internal/errors"
)

// releaseScript 仅在令牌匹配时删除键，避免误删其他持有者的锁。
// KEYS[1] = 锁键
// ARGV[1] = 持有者令牌
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config 描述锁客户端的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Retry    time.Duration
}

// Locker 基于 SET NX PX 实现按键互斥。
type Locker struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewLocker 连接 Redis 并返回锁实例。
func NewLocker(ctx context.Context, cfg Config) (*Locker, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewLockerWithClient(client, cfg), nil
}

// NewLockerWithClient 复用已有客户端。
func NewLockerWithClient(client goredis.UniversalClient, cfg Config) *Locker {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "leoprime:lock:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := cfg.Retry
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl, retry: retry}
}

// Lock 阻塞直到获得 key 对应的锁或 ctx 结束，返回的函数用于释放锁。
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := l.prefix + key

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取 Redis 锁失败")
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{full}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), fmt.Sprintf("等待锁 %s 超时", key))
		case <-ticker.C:
		}
	}
}

// Ping 检查 Redis 连通性。
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close 关闭底层连接。
func (l *Locker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成锁令牌失败: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
