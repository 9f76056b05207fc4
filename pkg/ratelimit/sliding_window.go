package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// slidingWindowScript は古い試行を削除して残りを数え、上限未満なら今回の試行を追加する。
// 上限に達している場合は試行を記録しない。
// KEYS[1] = key
// ARGV[1] = limit
// ARGV[2] = window in ms
// ARGV[3] = now in ms
// ARGV[4] = unique member
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window_ms = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
	local count = redis.call('ZCARD', key)
	if count >= limit then
		return 1
	end

	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window_ms)
	return 0
`)

// SlidingWindow はRedisのソート済み集合で試行時刻を保持するリミッタ。
type SlidingWindow struct {
	client redis.UniversalClient
	logger *zap.Logger
	now    func() time.Time
}

// NewSlidingWindow は新しいスライディングウィンドウ方式のリミッタを生成する。
func NewSlidingWindow(client redis.UniversalClient, opts ...Option) *SlidingWindow {
	o := newOptions(opts)
	return &SlidingWindow{
		client: client,
		logger: o.logger,
		now:    o.now,
	}
}

// IsLimited implements Limiter.
func (s *SlidingWindow) IsLimited(ctx context.Context, key string, limit int, window time.Duration) bool {
	now := s.now().UnixMilli()
	limited, err := slidingWindowScript.Run(ctx, s.client,
		[]string{key},
		limit,
		window.Milliseconds(),
		now,
		uuid.NewString(),
	).Int()
	if err != nil {
		return failOpen(s.logger, StrategySlidingWindow, key, err)
	}
	return record(StrategySlidingWindow, limited == 1)
}
