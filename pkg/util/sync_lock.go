package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SyncLock 基于 SetNX 的跨进程单飞锁：同一个项目同一时间只允许一个保存
type SyncLock struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewSyncLock(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *SyncLock {
	return &SyncLock{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire tries to take the lock for key with the caller's token.
// returns true if the caller now holds the lock
// returns false if another holder has it
func (l *SyncLock) Acquire(ctx context.Context, key, token string) bool {
	ok, err := l.rdb.SetNX(ctx, FormatLockKey(key), token, l.ttl).Result()
	if err != nil {
		// Redis 挂了？当 redis 不可用时，不阻止处理，返回 true（进程内单飞仍然生效）
		l.logger.Warn("Redis sync lock failed, allowing save",
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		l.logger.Info("Save already in progress elsewhere",
			zap.String("key", key),
		)
	}
	return ok
}

// Release 释放锁；锁已过期或被他人持有时不做任何事
func (l *SyncLock) Release(ctx context.Context, key, token string) {
	if err := releaseScript.Run(ctx, l.rdb, []string{FormatLockKey(key)}, token).Err(); err != nil && err != redis.Nil {
		l.logger.Warn("Failed to release sync lock",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// FormatLockKey formats the redis key of a project sync lock
func FormatLockKey(key string) string {
	return fmt.Sprintf("sync-lock:%s", key)
}
