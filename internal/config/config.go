package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Description formats accepted by CALENDAR_DESCRIPTION_FORMAT.
// rawは説明文をそのまま送る。html, textは変換を伴うため明示した場合のみ使う。
const (
	DescriptionFormatRaw  = "raw"
	DescriptionFormatHTML = "html"
	DescriptionFormatText = "text"

	DefaultDescriptionFormat = DescriptionFormatRaw
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// OAuth: Canvas
	CanvasClientID     string `env:"CANVAS_CLIENT_ID"`
	CanvasClientSecret string `env:"CANVAS_CLIENT_SECRET"`
	CanvasBaseURL      string `env:"CANVAS_BASE_URL" envDefault:"https://canvas.cornell.edu"`

	// OAuth: Google
	GoogleClientID         string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret     string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleCalendarEndpoint string `env:"GOOGLE_CALENDAR_ENDPOINT"`

	// Session
	SessionSecret        string        `env:"SESSION_SECRET"`
	SessionMaxAge        int           `env:"SESSION_MAX_AGE" envDefault:"86400"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"5m"`

	// Sync
	CanvasPageSize            int    `env:"CANVAS_PAGE_SIZE" envDefault:"100"`
	CanvasFetchConcurrency    int    `env:"CANVAS_FETCH_CONCURRENCY" envDefault:"4"`
	SyncPartialFetch          bool   `env:"SYNC_PARTIAL_FETCH" envDefault:"false"`
	CalendarTimeZone          string `env:"CALENDAR_TIME_ZONE" envDefault:"America/New_York"`
	CalendarDescriptionFormat string `env:"CALENDAR_DESCRIPTION_FORMAT" envDefault:"raw"`

	// Outbound
	ProviderTimeout         time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
	ProviderMaxResponseSize int64         `env:"PROVIDER_MAX_RESPONSE_SIZE" envDefault:"5242880"`
	OutboundGuard           bool          `env:"OUTBOUND_GUARD" envDefault:"true"`

	// Rate Limit
	RateLimitSync int `env:"RATE_LIMIT_SYNC" envDefault:"6"` // req/min/session

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL" envDefault:"/"`

	// Cookie
	CookieSecure bool
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は、未設定のものをすべて列挙したエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	// Required fields
	required := []struct {
		key   string
		value string
	}{
		{"CANVAS_CLIENT_ID", cfg.CanvasClientID},
		{"CANVAS_CLIENT_SECRET", cfg.CanvasClientSecret},
		{"GOOGLE_CLIENT_ID", cfg.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", cfg.GoogleClientSecret},
		{"SESSION_SECRET", cfg.SessionSecret},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch cfg.CalendarDescriptionFormat {
	case DescriptionFormatRaw, DescriptionFormatHTML, DescriptionFormatText:
	default:
		return nil, fmt.Errorf("invalid CALENDAR_DESCRIPTION_FORMAT %q (want %q, %q or %q)",
			cfg.CalendarDescriptionFormat, DescriptionFormatRaw, DescriptionFormatHTML, DescriptionFormatText)
	}

	// Canvasのper_pageは最大100
	if cfg.CanvasPageSize <= 0 || cfg.CanvasPageSize > 100 {
		cfg.CanvasPageSize = 100
	}
	if cfg.CanvasFetchConcurrency <= 0 {
		cfg.CanvasFetchConcurrency = 1
	}
	if cfg.RateLimitSync <= 0 {
		cfg.RateLimitSync = 6
	}

	cfg.CanvasBaseURL = strings.TrimRight(cfg.CanvasBaseURL, "/")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}
