package middleware

import "net/http"

// contentSecurityPolicy はJSONとリダイレクトしか返さないため、何も読み込ませない。
const contentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"

// SecurityHeadersConfig はセキュリティヘッダーの設定。
type SecurityHeadersConfig struct {
	// HSTS はStrict-Transport-Securityを付与するか。BASE_URLがhttpsの場合に有効にする。
	HSTS bool
}

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// レスポンスはセッションやトークンの状態を含むため、キャッシュさせない。
func NewSecurityHeadersMiddleware(cfg SecurityHeadersConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			// OAuthのcodeやstate、同期のnonceをクエリに載せるため送らない
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", contentSecurityPolicy)
			h.Set("Cache-Control", "no-store")
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000")
			}
			next.ServeHTTP(w, r)
		})
	}
}
