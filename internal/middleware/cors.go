package middleware

import (
	"net/http"
	"strings"
)

// corsPathPrefix はCORSを許可するパス。ログイン・コールバック・/syncはトップレベル遷移でのみ使う。
const corsPathPrefix = "/api/"

// NewCORSMiddleware は指定されたオリジンからの/api/配下への呼び出しを許可するCORSミドルウェアを返す。
// credentials送信と共存するため、ワイルドカード(*)は使用せず、Originが一致した場合のみ応答に含める。
// 許可したオリジンからのOPTIONSプリフライトには204で応答する。
// allowedOriginが空の場合は何もしない。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if allowedOrigin == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, corsPathPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			if r.Header.Get("Origin") != allowedOrigin {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+csrfHeaderName)
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
