package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter はキーごとの試行回数を制限する。
// 判定と同時に今回の試行を記録する。
type Limiter interface {
	// IsLimited はkeyの試行がwindow内でlimitを超えていればtrueを返す。
	// バックエンドに到達できない場合はfalseを返す。
	IsLimited(ctx context.Context, key string, limit int, window time.Duration) bool
}

// Strategy はカウント方式を表す。
type Strategy string

const (
	// StrategySlidingWindow は試行時刻の集合を保持するスライディングウィンドウ方式。
	StrategySlidingWindow Strategy = "sliding"
	// StrategyFixedWindow は最初の試行から期限付きで数える固定ウィンドウ方式。
	StrategyFixedWindow Strategy = "fixed"
)

// Prometheus metrics for rate limit decisions
var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeauth",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions",
		},
		[]string{"strategy", "result"},
	)

	failOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeauth",
			Subsystem: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Total number of checks treated as not limited because the store was unreachable",
		},
		[]string{"strategy"},
	)
)

// options はリミッタ共通のオプション。
type options struct {
	logger *zap.Logger
	now    func() time.Time
}

// Option はリミッタの生成オプション。
type Option func(*options)

// WithLogger はフェイルオープン時の警告を出力するロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock はスライディングウィンドウが使う現在時刻の関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// newOptions はデフォルト値を埋めたオプションを返す。
func newOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New は指定された方式のリミッタを生成する。
func New(strategy Strategy, client redis.UniversalClient, opts ...Option) (Limiter, error) {
	if client == nil {
		return nil, errors.New("Redisクライアントが指定されていません")
	}
	switch strategy {
	case StrategySlidingWindow:
		return NewSlidingWindow(client, opts...), nil
	case StrategyFixedWindow:
		return NewFixedWindow(client, opts...), nil
	default:
		return nil, fmt.Errorf("未対応のレートリミット方式: %q", strategy)
	}
}

// Key はスコープ・種別・識別子からカウンタのキーを組み立てる。
// 例: Key("login", "ip", "192.0.2.1") は "rl:login:ip:192.0.2.1" を返す。
func Key(scope, kind, id string) string {
	return strings.Join([]string{"rl", scope, kind, id}, ":")
}

// failOpen はストアエラーを記録し、制限なしとして扱う。
func failOpen(logger *zap.Logger, strategy Strategy, key string, err error) bool {
	failOpenTotal.WithLabelValues(string(strategy)).Inc()
	decisionsTotal.WithLabelValues(string(strategy), "fail_open").Inc()
	logger.Warn("レートリミットのストアに到達できないため制限をスキップします",
		zap.String("strategy", string(strategy)),
		zap.String("key", key),
		zap.Error(err),
	)
	return false
}

// record は判定結果をメトリクスに記録する。
func record(strategy Strategy, limited bool) bool {
	result := "allowed"
	if limited {
		result = "limited"
	}
	decisionsTotal.WithLabelValues(string(strategy), result).Inc()
	return limited
}
