package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/duesync/internal/middleware"
)

// SessionBackend はルーター全体で使うセッションストアのインターフェース。
// ミドルウェアによるセッションの作成とハンドラーによる参照・破棄を提供する。
type SessionBackend interface {
	middleware.SessionStore
	SessionStore
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Sessions          SessionBackend
	SessionConfig     middleware.SessionConfig
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// RequestMetrics はリクエスト数を記録するミドルウェア。nilの場合は記録しない。
	RequestMetrics func(http.Handler) http.Handler
	// MetricsHandler は/metricsで公開するハンドラー。nilの場合はルートを登録しない。
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	BaseURL     string

	// 同期
	SyncService SyncServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → RequestMetrics → CORS
//	→ Session → Logging → CSRF → RateLimit(General)
//
// /health、/metrics、/api/csrf-tokenはセッションを作らない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{
		HSTS: deps.SessionConfig.CookieSecure,
	}))
	if deps.RequestMetrics != nil {
		r.Use(deps.RequestMetrics)
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, AuthHandlerConfig{
		BaseURL: deps.BaseURL,
		Session: deps.SessionConfig,
	})
	syncHandler := NewSyncHandler(deps.SyncService, deps.Sessions, deps.SessionConfig)
	homeHandler := NewHomeHandler(deps.Sessions)

	// --- セッション不要のルート ---
	r.Get("/health", Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// --- セッションを持つルート ---
	// ミドルウェアスタック: Session → Logging → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions, deps.SessionConfig))
		r.Use(middleware.NewLoggingMiddleware(logger))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/", homeHandler.Index)

		// OAuthフロー
		r.Get("/login/{provider}", authHandler.Login)
		r.Get("/auth/{provider}/callback", authHandler.Callback)
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/api/session", authHandler.SessionStatus)

		// 同期（同期専用のレート制限を追加）
		r.With(deps.RateLimiter.SyncMiddleware()).Get("/sync", syncHandler.Sync)
		r.With(deps.RateLimiter.SyncMiddleware()).Post("/api/sync", syncHandler.SyncAPI)
	})

	return r
}

// Health はプロセスの生存確認に応答する。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
