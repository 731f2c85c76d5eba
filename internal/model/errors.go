// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, sync, system
	Action   string // ユーザー向け対処方法

	// Providers は対処として接続が必要なプロバイダー。
	Providers []Provider
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeProviderMissing = "PROVIDER_NOT_CONNECTED"
	ErrCodeUnknownProvider = "UNKNOWN_PROVIDER"
	ErrCodeFetchFailed     = "FETCH_FAILED"
	ErrCodeInvalidState    = "INVALID_OAUTH_STATE"
	ErrCodeCSRFInvalid     = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimited     = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// NewProviderMissingError は同期に必要なプロバイダーが未接続の場合のエラーを生成する。
func NewProviderMissingError(missing []Provider) *APIError {
	names := make([]string, len(missing))
	for i, p := range missing {
		names[i] = p.DisplayName()
	}
	return &APIError{
		Code:      ErrCodeProviderMissing,
		Message:   fmt.Sprintf("次のサービスに未接続です: %s", strings.Join(names, ", ")),
		Category:  "auth",
		Action:    "未接続のサービスにログインしてから再度同期してください。",
		Providers: missing,
	}
}

// NewUnknownProviderError は未対応のプロバイダーが指定された場合のエラーを生成する。
func NewUnknownProviderError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("未対応のプロバイダーです: %s", name),
		Category: "validation",
		Action:   "canvas または google を指定してください。",
	}
}

// NewFetchFailedError は課題の取得に失敗した場合のエラーを生成する。
// 取得途中のデータは返さない。
func NewFetchFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  "課題一覧の取得に失敗しました。",
		Category: "sync",
		Action:   "しばらく待ってから再度同期してください。",
	}
}

// NewInvalidStateError はOAuthコールバックのstateが一致しない場合のエラーを生成する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "認可リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "もう一度ログインしてください。",
	}
}

// NewCSRFInvalidError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "validation",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限を超過した場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// ErrNoDueDate は期限が設定されていない課題をカレンダーに登録しようとした場合のエラー。
var ErrNoDueDate = errors.New("assignment has no due date")

// AuthError はOAuthの認可コード交換に失敗したことを表す。
// プロバイダーによる拒否、通信エラー、不正なトークンレスポンスを含む。
type AuthError struct {
	Provider Provider
	Cause    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authorization failed: %v", e.Provider, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// PreconditionError は同期の開始時にトークンが揃っていないことを表す。
// Missingには未接続のプロバイダーが固定順（canvas, google）で入る。
type PreconditionError struct {
	Missing []Provider
}

func (e *PreconditionError) Error() string {
	names := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		names[i] = string(p)
	}
	return fmt.Sprintf("missing provider tokens: %s", strings.Join(names, ", "))
}

// FetchStage は課題取得のどの段階で失敗したかを表す。
type FetchStage string

const (
	FetchStageCourses     FetchStage = "courses"
	FetchStageAssignments FetchStage = "assignments"
)

// FetchError は学習プラットフォームからの読み取り失敗を表す。
type FetchError struct {
	Stage FetchStage
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed: %v", e.Stage, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// WriteError は1件のカレンダーイベント登録の失敗を表す。
// オーケストレーターが課題単位で回収し、利用者には集計値としてのみ見せる。
type WriteError struct {
	Assignment string
	Cause      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("publish event for %q failed: %v", e.Assignment, e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// CourseError は部分取得モードで読み飛ばしたコースの失敗を表す。
type CourseError struct {
	CourseID ID
	Cause    error
}

func (e *CourseError) Error() string {
	return fmt.Sprintf("course %s: %v", e.CourseID, e.Cause)
}

func (e *CourseError) Unwrap() error { return e.Cause }
