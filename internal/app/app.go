package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/duesync/internal/auth"
	"github.com/hitoshi/duesync/internal/canvas"
	"github.com/hitoshi/duesync/internal/config"
	"github.com/hitoshi/duesync/internal/gcal"
	"github.com/hitoshi/duesync/internal/handler"
	"github.com/hitoshi/duesync/internal/logger"
	"github.com/hitoshi/duesync/internal/metrics"
	"github.com/hitoshi/duesync/internal/middleware"
	"github.com/hitoshi/duesync/internal/security"
	"github.com/hitoshi/duesync/internal/session"
	"github.com/hitoshi/duesync/internal/syncer"
)

// defaultDotenvPath はDOTENV_PATHが未設定の場合に読み込む.envファイル。
const defaultDotenvPath = ".env"

// Init はアプリケーションの初期化を行う。
// .envファイルがあれば環境変数に読み込み、JSON構造化ログをセットアップしてConfigを返す。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envの読み込み。既存の環境変数は上書きしない
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// loadDotenv はDOTENV_PATH（既定は.env）を読み込む。ファイルがない場合は何もしない。
func loadDotenv() error {
	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		path = defaultDotenvPath
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	slog.Info("environment loaded from file", slog.String("path", path))
	return nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("canvas_base_url", cfg.CanvasBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runServe(ctx, cfg)
}

// Components はserveモードで組み立てた依存関係。
type Components struct {
	Handler     http.Handler
	Sessions    *session.Store
	RateLimiter *middleware.RateLimiter
}

// Close はバックグラウンドのゴルーチンを停止する。
func (c *Components) Close() {
	c.RateLimiter.Stop()
}

// Build は設定から全依存関係をワイヤリングし、HTTPハンドラーを組み立てる。
// メトリクスはregに登録する。
func Build(cfg *config.Config, log *slog.Logger, reg *prometheus.Registry) (*Components, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. 外部通信の保護
	var guard security.OutboundGuard
	if cfg.OutboundGuard {
		guard = security.NewOutboundGuard()
		if err := security.ValidateBaseURL(guard, cfg.CanvasBaseURL); err != nil {
			return nil, fmt.Errorf("invalid CANVAS_BASE_URL: %w", err)
		}
		if cfg.GoogleCalendarEndpoint != "" {
			if err := security.ValidateBaseURL(guard, cfg.GoogleCalendarEndpoint); err != nil {
				return nil, fmt.Errorf("invalid GOOGLE_CALENDAR_ENDPOINT: %w", err)
			}
		}
	} else {
		log.Warn("outbound guard disabled; provider requests are not restricted")
	}
	httpClient := security.ProviderHTTPClient(guard, cfg.ProviderTimeout)

	// 2. セッションとメトリクス
	sessions := session.NewStore(session.StoreConfig{
		MaxIdle: time.Duration(cfg.SessionMaxAge) * time.Second,
	}, log)

	collector := metrics.NewCollector(reg)
	metrics.RegisterSessionGauge(reg, sessions.Len)

	// 3. OAuthプロバイダー
	canvasCfg := auth.CanvasProviderConfig(cfg.CanvasBaseURL, cfg.CanvasClientID, cfg.CanvasClientSecret)
	canvasCfg.HTTPClient = httpClient
	googleCfg := auth.GoogleProviderConfig(cfg.GoogleClientID, cfg.GoogleClientSecret)
	googleCfg.HTTPClient = httpClient

	authService := auth.NewService(sessions, collector, log,
		auth.NewOAuthProvider(canvasCfg),
		auth.NewOAuthProvider(googleCfg),
	)

	// 4. 課題の取得とイベント登録
	fetcher := canvas.NewClient(httpClient, canvas.Config{
		BaseURL:     cfg.CanvasBaseURL,
		PageSize:    cfg.CanvasPageSize,
		Concurrency: cfg.CanvasFetchConcurrency,
		Partial:     cfg.SyncPartialFetch,
		MaxBodySize: cfg.ProviderMaxResponseSize,
	}, log)

	writer := gcal.NewWriter(httpClient, gcal.Config{
		TimeZone: cfg.CalendarTimeZone,
		Endpoint: cfg.GoogleCalendarEndpoint,
	}, security.DescriptionFormatter(cfg.CalendarDescriptionFormat), log)

	syncService := syncer.NewService(fetcher, writer, collector, log)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitSync))
	sessionCfg := middleware.SessionConfig{
		Secret:       cfg.SessionSecret,
		MaxAge:       cfg.SessionMaxAge,
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Sessions:      sessions,
		SessionConfig: sessionCfg,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            log,

		RequestMetrics: collector.Middleware,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		BaseURL:     cfg.BaseURL,

		SyncService: syncService,
	})

	return &Components{
		Handler:     router,
		Sessions:    sessions,
		RateLimiter: rateLimiter,
	}, nil
}

// runServe はHTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINTまたはSIGTERMを受信する）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	comps, err := Build(cfg, slog.Default(), reg)
	if err != nil {
		return err
	}
	defer comps.Close()

	// 期限切れセッションの掃除
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go comps.Sessions.StartSweeper(sweepCtx, cfg.SessionSweepInterval)

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     comps.Handler,
		ReadTimeout: 15 * time.Second,
		// 同期は課題数に比例して時間がかかるため書き込みタイムアウトを長めにとる
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
