package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/duesync/internal/config"
)

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	clearRequiredEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_Healthcheck_NoServer_ReturnsError(t *testing.T) {
	// 使われていないポートを確保してから閉じる
	srv := httptest.NewServer(http.NotFoundHandler())
	port := srv.Listener.Addr().(*net.TCPAddr).Port
	srv.Close()

	t.Setenv("SERVER_PORT", strconv.Itoa(port))

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err == nil {
		t.Fatal("healthcheck should fail when no server is listening")
	}
}

func testConfig(canvasURL string) *config.Config {
	return &config.Config{
		CanvasClientID:            "canvas-client-id",
		CanvasClientSecret:        "canvas-client-secret",
		CanvasBaseURL:             canvasURL,
		GoogleClientID:            "google-client-id",
		GoogleClientSecret:        "google-client-secret",
		SessionSecret:             "test-session-secret",
		SessionMaxAge:             3600,
		SessionSweepInterval:      time.Minute,
		CanvasPageSize:            100,
		CanvasFetchConcurrency:    2,
		CalendarTimeZone:          "America/New_York",
		CalendarDescriptionFormat: config.DescriptionFormatHTML,
		ProviderTimeout:           5 * time.Second,
		ProviderMaxResponseSize:   1 << 20,
		OutboundGuard:             false,
		RateLimitSync:             6,
		ServerPort:                "8080",
		BaseURL:                   "/",
		CORSAllowedOrigin:         "http://localhost:3000",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestBuild_OutboundGuardRejectsUnsafeCanvasURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "http", url: "http://canvas.example.edu"},
		{name: "ループバック", url: "https://127.0.0.1"},
		{name: "クエリ付き", url: "https://canvas.example.edu?x=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.url)
			cfg.OutboundGuard = true

			comps, err := Build(cfg, discardLogger(), prometheus.NewRegistry())
			if err == nil {
				comps.Close()
				t.Fatal("expected error for unsafe CANVAS_BASE_URL")
			}
			if !strings.Contains(err.Error(), "CANVAS_BASE_URL") {
				t.Errorf("error = %v, want mention of CANVAS_BASE_URL", err)
			}
		})
	}
}

func TestBuild_ServesHealthAndMetrics(t *testing.T) {
	comps, err := Build(testConfig("https://canvas.example.edu"), discardLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer comps.Close()

	w := httptest.NewRecorder()
	comps.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	comps.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	for _, name := range []string{"duesync_active_sessions", "duesync_http_requests_total"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("/metrics should expose %s", name)
		}
	}
}

// TestBuild_CanvasAuthorizationFlow はログインからコールバックまでを組み立て済みのハンドラーで通す。
func TestBuild_CanvasAuthorizationFlow(t *testing.T) {
	var gotCode string
	canvas := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login/oauth2/token" {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		gotCode = r.PostForm.Get("code")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"canvas-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer canvas.Close()

	comps, err := Build(testConfig(canvas.URL), discardLogger(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer comps.Close()

	app := httptest.NewServer(comps.Handler)
	defer app.Close()

	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// 1. ログイン: Canvasの認可画面へリダイレクトされる
	resp, err := client.Get(app.URL + "/login/canvas")
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("login status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	authURL, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if !strings.HasPrefix(authURL.String(), canvas.URL+"/login/oauth2/auth") {
		t.Fatalf("Location = %q, want Canvas authorize URL", authURL)
	}
	state := authURL.Query().Get("state")
	if state == "" {
		t.Fatal("authorize URL should carry state")
	}
	if got := authURL.Query().Get("redirect_uri"); got != app.URL+"/auth/canvas/callback" {
		t.Errorf("redirect_uri = %q, want %q", got, app.URL+"/auth/canvas/callback")
	}

	// 2. コールバック: トークンを交換して同期画面へ
	resp, err = client.Get(app.URL + "/auth/canvas/callback?code=auth-code&state=" + url.QueryEscape(state))
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	resp.Body.Close()
	syncLocation := resp.Header.Get("Location")
	if resp.StatusCode != http.StatusFound || !strings.HasPrefix(syncLocation, "/sync?nonce=") {
		t.Fatalf("callback status = %d, Location = %q", resp.StatusCode, syncLocation)
	}
	if gotCode != "auth-code" {
		t.Errorf("token exchange code = %q, want auth-code", gotCode)
	}

	// 同期: Googleが未接続のためGoogleのログインへ。ワンタイム値は使い切られる
	resp, err = client.Get(app.URL + syncLocation)
	if err != nil {
		t.Fatalf("sync request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/login/google" {
		t.Fatalf("sync status = %d, Location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	resp, err = client.Get(app.URL + syncLocation)
	if err != nil {
		t.Fatalf("replayed sync request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("replayed sync status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	// 3. セッション状態: Canvasのみ接続済み
	resp, err = client.Get(app.URL + "/api/session")
	if err != nil {
		t.Fatalf("session request failed: %v", err)
	}
	defer resp.Body.Close()
	var status struct {
		Connected map[string]bool `json:"connected"`
		Missing   []string        `json:"missing"`
		Ready     bool            `json:"ready"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !status.Connected["canvas"] || status.Connected["google"] || status.Ready {
		t.Errorf("status = %+v", status)
	}
	if comps.Sessions.Len() != 1 {
		t.Errorf("sessions = %d, want 1", comps.Sessions.Len())
	}
}
