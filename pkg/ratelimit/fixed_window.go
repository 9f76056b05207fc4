package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fixedWindowScript はカウンタを増やし、最初の増加時のみ期限を設定する。
// KEYS[1] = key
// ARGV[1] = window in ms
var fixedWindowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// FixedWindow は期限付きカウンタで試行回数を数えるリミッタ。
type FixedWindow struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewFixedWindow は新しい固定ウィンドウ方式のリミッタを生成する。
func NewFixedWindow(client redis.UniversalClient, opts ...Option) *FixedWindow {
	o := newOptions(opts)
	return &FixedWindow{
		client: client,
		logger: o.logger,
	}
}

// IsLimited implements Limiter.
// 増加後の値がlimitを超えた場合に制限する。
func (f *FixedWindow) IsLimited(ctx context.Context, key string, limit int, window time.Duration) bool {
	current, err := fixedWindowScript.Run(ctx, f.client,
		[]string{key},
		window.Milliseconds(),
	).Int64()
	if err != nil {
		return failOpen(f.logger, StrategyFixedWindow, key, err)
	}
	return record(StrategyFixedWindow, current > int64(limit))
}
