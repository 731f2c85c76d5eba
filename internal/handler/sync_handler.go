package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/duesync/internal/middleware"
	"github.com/hitoshi/duesync/internal/model"
	"github.com/hitoshi/duesync/internal/syncer"
)

// SyncServiceInterface は同期ハンドラーが必要とするサービスインターフェース。
type SyncServiceInterface interface {
	Run(ctx context.Context, sess *model.Session) (*syncer.Result, error)
}

// SyncHandler は同期実行のHTTPハンドラー。
type SyncHandler struct {
	service SyncServiceInterface
	store   SessionStore
	cookies middleware.SessionConfig
}

// NewSyncHandler はSyncHandlerを生成する。
// cookiesはワンタイム値Cookieの属性に使う。
func NewSyncHandler(service SyncServiceInterface, store SessionStore, cookies middleware.SessionConfig) *SyncHandler {
	return &SyncHandler{
		service: service,
		store:   store,
		cookies: cookies,
	}
}

// syncResponse は同期結果のレスポンス。
type syncResponse struct {
	RunID          string             `json:"run_id"`
	Assignments    []model.Assignment `json:"assignments"`
	Summary        syncSummary        `json:"summary"`
	SkippedCourses []model.ID         `json:"skipped_courses,omitempty"`
}

// syncSummary はイベント登録の集計。個々の登録エラーは返さない。
type syncSummary struct {
	Attempted int    `json:"attempted"`
	Published int    `json:"published"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Message   string `json:"message"`
}

// Sync はブラウザからの同期を実行する。
// GET /sync?nonce=...
// OAuthコールバックが発行したワンタイム値がなければ403を返し、同期しない。
// 未接続のプロバイダーがある場合はそのログインへ、取得に失敗した場合はトップページへリダイレクトする。
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	if !consumeSyncNonce(w, r, h.cookies) {
		slog.Warn("sync nonce missing or mismatched")
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFInvalidError())
		return
	}

	result, err := h.service.Run(r.Context(), currentSession(r, h.store))
	if err != nil {
		var precond *model.PreconditionError
		var fetchErr *model.FetchError
		switch {
		case errors.As(err, &precond) && len(precond.Missing) > 0:
			http.Redirect(w, r, "/login/"+string(precond.Missing[0]), http.StatusFound)
		case errors.As(err, &fetchErr):
			http.Redirect(w, r, "/?notice=sync_failed", http.StatusFound)
		default:
			slog.Error("sync failed", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
		}
		return
	}

	writeJSON(w, http.StatusOK, toSyncResponse(result))
}

// SyncAPI はAPIクライアントからの同期を実行する。
// POST /api/sync
func (h *SyncHandler) SyncAPI(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Run(r.Context(), currentSession(r, h.store))
	if err != nil {
		var precond *model.PreconditionError
		var fetchErr *model.FetchError
		switch {
		case errors.As(err, &precond):
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewProviderMissingError(precond.Missing))
		case errors.As(err, &fetchErr):
			middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewFetchFailedError())
		default:
			slog.Error("sync failed", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
		}
		return
	}

	writeJSON(w, http.StatusOK, toSyncResponse(result))
}

func toSyncResponse(result *syncer.Result) syncResponse {
	assignments := result.Assignments
	if assignments == nil {
		assignments = []model.Assignment{}
	}
	resp := syncResponse{
		RunID:       result.RunID,
		Assignments: assignments,
		Summary: syncSummary{
			Attempted: result.Attempted,
			Published: result.Published,
			Failed:    result.Failed,
			Skipped:   result.Skipped,
			Message:   summaryMessage(result),
		},
	}
	for _, ce := range result.CourseErrors {
		resp.SkippedCourses = append(resp.SkippedCourses, ce.CourseID)
	}
	return resp
}

func summaryMessage(result *syncer.Result) string {
	if result.Attempted == 0 {
		return "登録する課題はありませんでした。"
	}

	var msg string
	if result.Failed > 0 {
		msg = fmt.Sprintf("%d件中%d件のイベント登録に失敗しました。", result.Attempted, result.Failed)
	} else {
		msg = fmt.Sprintf("%d件のイベントを登録しました。", result.Published)
	}
	if result.Skipped > 0 {
		msg += fmt.Sprintf("期限のない課題%d件は登録していません。", result.Skipped)
	}
	return msg
}
