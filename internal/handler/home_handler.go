package handler

import (
	"net/http"

	"github.com/hitoshi/duesync/internal/middleware"
	"github.com/hitoshi/duesync/internal/model"
)

// noticeMessages はリダイレクト先のクエリnoticeに対応する通知文。
// 未知の値は無視する。
var noticeMessages = map[string]string{
	"auth_failed": "ログインに失敗しました。もう一度お試しください。",
	"sync_failed": "課題一覧の取得に失敗しました。しばらく待ってから再度同期してください。",
}

type noticeBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

// homeResponse はGET /のレスポンス。
// フロントエンドはこれを元に接続状況と通知を表示する。
type homeResponse struct {
	sessionStatusResponse
	Notice    *noticeBody               `json:"notice,omitempty"`
	Login     map[model.Provider]string `json:"login"`
	SyncURL   string                    `json:"sync_url"`
	CSRFToken string                    `json:"csrf_token"`
}

// HomeHandler はトップページのハンドラー。
type HomeHandler struct {
	store SessionStore
}

// NewHomeHandler はHomeHandlerを生成する。
func NewHomeHandler(store SessionStore) *HomeHandler {
	return &HomeHandler{store: store}
}

// Index は接続状況、ログインURL、通知を返す。
// GET /
func (h *HomeHandler) Index(w http.ResponseWriter, r *http.Request) {
	resp := homeResponse{
		sessionStatusResponse: newSessionStatus(currentSession(r, h.store)),
		Login:                 make(map[model.Provider]string, len(model.Providers())),
		SyncURL:               "/api/sync",
		CSRFToken:             middleware.CSRFToken(r),
	}
	for _, p := range model.Providers() {
		resp.Login[p] = "/login/" + string(p)
	}

	query := r.URL.Query()
	if msg, ok := noticeMessages[query.Get("notice")]; ok {
		resp.Notice = &noticeBody{Code: query.Get("notice"), Message: msg}
		if p, ok := model.ParseProvider(query.Get("provider")); ok {
			resp.Notice.Provider = string(p)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
