// Package auth はプロバイダーごとのOAuth認可フローを提供する。
// 取得したトークンはセッションの該当プロバイダー枠に格納する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/hitoshi/duesync/internal/model"
)

var (
	// ErrUnknownProvider は未登録のプロバイダーが指定されたことを表す。
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrMissingCode はコールバックに認可コードが含まれていないことを表す。
	ErrMissingCode = errors.New("missing authorization code")
)

// TokenStore はトークンの格納先となるセッションストアのインターフェース。
type TokenStore interface {
	PutToken(sessionID string, provider model.Provider, token *model.OAuthToken) error
}

// CallbackRecorder はコールバックの結果を記録するメトリクスのインターフェース。
type CallbackRecorder interface {
	RecordOAuthCallback(provider string, success bool)
}

// Service は認可の開始とコールバック処理を提供する。
type Service struct {
	providers map[model.Provider]*OAuthProvider
	store     TokenStore
	recorder  CallbackRecorder
	logger    *slog.Logger
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(store TokenStore, recorder CallbackRecorder, logger *slog.Logger, providers ...*OAuthProvider) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[model.Provider]*OAuthProvider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Service{
		providers: m,
		store:     store,
		recorder:  recorder,
		logger:    logger,
	}
}

// BeginAuthorization はプロバイダーの認可画面へのリダイレクトURLを返す。
// URLを組み立てるだけで通信は行わない。
func (s *Service) BeginAuthorization(provider model.Provider, callbackURL, state string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return p.AuthCodeURL(callbackURL, state), nil
}

// CompleteAuthorization はコールバックのパラメータから認可コードを取り出してトークンに交換し、
// セッションの該当プロバイダー枠を置き換える。
// プロバイダー側の拒否、コードの欠落、交換の失敗はすべて*model.AuthErrorとして返す。
func (s *Service) CompleteAuthorization(
	ctx context.Context,
	sessionID string,
	provider model.Provider,
	callbackURL string,
	params url.Values,
) error {
	p, ok := s.providers[provider]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	token, err := s.exchange(ctx, p, callbackURL, params)
	if err != nil {
		s.record(provider, false)
		s.logger.Warn("oauth callback failed",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		return &model.AuthError{Provider: provider, Cause: err}
	}

	if err := s.store.PutToken(sessionID, provider, token); err != nil {
		s.record(provider, false)
		return fmt.Errorf("failed to store %s token: %w", provider, err)
	}

	s.record(provider, true)
	s.logger.Info("provider connected",
		slog.String("provider", string(provider)),
		slog.Int64("expires_in", token.ExpiresIn),
	)
	return nil
}

func (s *Service) exchange(ctx context.Context, p *OAuthProvider, callbackURL string, params url.Values) (*model.OAuthToken, error) {
	if e := params.Get("error"); e != "" {
		if desc := params.Get("error_description"); desc != "" {
			return nil, fmt.Errorf("provider returned %s: %s", e, desc)
		}
		return nil, fmt.Errorf("provider returned %s", e)
	}

	code := params.Get("code")
	if code == "" {
		return nil, ErrMissingCode
	}

	return p.Exchange(ctx, callbackURL, code)
}

func (s *Service) record(provider model.Provider, success bool) {
	if s.recorder != nil {
		s.recorder.RecordOAuthCallback(string(provider), success)
	}
}
