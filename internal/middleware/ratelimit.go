package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/duesync/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	SyncRate        rate.Limit    // 同期実行のレート（req/sec）
	SyncBurst       int           // 同期実行のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/session、同期実行 syncPerMinute req/min/session。
func DefaultRateLimiterConfig(syncPerMinute int) RateLimiterConfig {
	if syncPerMinute <= 0 {
		syncPerMinute = 6
	}
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0), // 2 req/sec
		GeneralBurst:    120,
		SyncRate:        rate.Limit(float64(syncPerMinute) / 60.0),
		SyncBurst:       syncPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// sessionLimiter はセッションごとのレートリミッターとアクセス時刻を保持する。
type sessionLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限についてセッションごとのリミッターを管理する。
type limiterSet struct {
	mu       sync.RWMutex
	limit    rate.Limit
	burst    int
	limiters map[string]*sessionLimiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*sessionLimiter),
	}
}

// get はセッションのリミッターを取得または作成する。
func (ls *limiterSet) get(sessionID string) *rate.Limiter {
	ls.mu.RLock()
	sl, exists := ls.limiters[sessionID]
	ls.mu.RUnlock()

	if exists {
		ls.mu.Lock()
		sl.lastAccess = time.Now()
		ls.mu.Unlock()
		return sl.limiter
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	// ダブルチェック
	if sl, exists := ls.limiters[sessionID]; exists {
		sl.lastAccess = time.Now()
		return sl.limiter
	}

	limiter := rate.NewLimiter(ls.limit, ls.burst)
	ls.limiters[sessionID] = &sessionLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (ls *limiterSet) len() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.limiters)
}

// expire は最終アクセスからttlを超えたエントリを削除する。
func (ls *limiterSet) expire(now time.Time, ttl time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for id, sl := range ls.limiters {
		if now.Sub(sl.lastAccess) > ttl {
			delete(ls.limiters, id)
		}
	}
}

// RateLimiter はセッションごとのレート制限を管理する。
// API全般のレート制限と同期実行のレート制限の2種類を提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	sync    *limiterSet

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet(config.GeneralRate, config.GeneralBurst),
		sync:    newLimiterSet(config.SyncRate, config.SyncBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// セッションミドルウェアの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, "general")
}

// SyncMiddleware は同期実行専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) SyncMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.sync, "sync")
}

func (rl *RateLimiter) middleware(set *limiterSet, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID, err := SessionIDFromContext(r.Context())
			if err != nil {
				slog.Error("rate limiter requires session middleware",
					slog.String("path", r.URL.Path),
				)
				WriteInternalServerError(w)
				return
			}

			if !set.get(sessionID).Allow() {
				writeRateLimitResponse(w, set.limit)
				slog.Warn("rate limit exceeded",
					slog.String("session", model.SessionLogID(sessionID)),
					slog.String("limit_type", limitType),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// SyncLimiterCount は現在管理されている同期実行リミッターのエントリ数を返す。
func (rl *RateLimiter) SyncLimiterCount() int {
	return rl.sync.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.general.expire(now, ttl)
	rl.sync.expire(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
