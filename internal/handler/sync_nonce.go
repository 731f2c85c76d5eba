package handler

import (
	"crypto/subtle"
	"net/http"
	"net/url"

	"github.com/hitoshi/duesync/internal/middleware"
)

const (
	// syncNonceCookie はOAuthコールバックが発行する同期用ワンタイム値のCookie名。
	syncNonceCookie = "duesync_sync_nonce"
	// syncNonceParam はGET /syncでワンタイム値を受け取るクエリパラメータ名。
	syncNonceParam = "nonce"
	// syncNonceMaxAge はワンタイム値の有効期間（秒）。
	syncNonceMaxAge = 300
	// syncPath はブラウザ同期のパス。ワンタイム値のCookieはこのパスにだけ送られる。
	syncPath = "/sync"
)

// issueSyncNonce はGET /syncで1回だけ使えるワンタイム値を発行してCookieに保存し、
// リダイレクト先のURLを返す。
func issueSyncNonce(w http.ResponseWriter, cfg middleware.SessionConfig) (string, error) {
	nonce, err := generateState()
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     syncNonceCookie,
		Value:    nonce,
		Path:     syncPath,
		Domain:   cfg.CookieDomain,
		MaxAge:   syncNonceMaxAge,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	return syncPath + "?" + url.Values{syncNonceParam: {nonce}}.Encode(), nil
}

// consumeSyncNonce はクエリとCookieのワンタイム値を照合する。
// 結果にかかわらずCookieは削除するため、同じ値は二度と通らない。
func consumeSyncNonce(w http.ResponseWriter, r *http.Request, cfg middleware.SessionConfig) bool {
	cookie, err := r.Cookie(syncNonceCookie)

	http.SetCookie(w, &http.Cookie{
		Name:     syncNonceCookie,
		Value:    "",
		Path:     syncPath,
		Domain:   cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	nonce := r.URL.Query().Get(syncNonceParam)
	if err != nil || cookie.Value == "" || nonce == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(nonce)) == 1
}
