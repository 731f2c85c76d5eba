package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/hitoshi/duesync/internal/model"
)

// canvasScopes はCanvasに要求するスコープ。
var canvasScopes = []string{"profile", "email"}

// googleScopes はGoogleに要求するスコープ。イベントの作成のみを行う。
var googleScopes = []string{calendar.CalendarEventsScope}

// rawTokenFields はトークンレスポンスのうちRawに残すフィールド。
var rawTokenFields = []string{"scope", "user", "canvas_region", "id_token"}

// ProviderConfig はOAuthプロバイダーの設定。
type ProviderConfig struct {
	Provider     model.Provider
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Scopes       []string

	// HTTPClient はトークン交換に使うHTTPクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// CanvasProviderConfig はCanvasインスタンスのベースURLから設定を組み立てる。
func CanvasProviderConfig(baseURL, clientID, clientSecret string) ProviderConfig {
	baseURL = strings.TrimRight(baseURL, "/")
	return ProviderConfig{
		Provider:     model.ProviderCanvas,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   baseURL + "/login/oauth2/auth",
			TokenURL:  baseURL + "/login/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: canvasScopes,
	}
}

// GoogleProviderConfig はGoogle Calendar用の設定を組み立てる。
func GoogleProviderConfig(clientID, clientSecret string) ProviderConfig {
	return ProviderConfig{
		Provider:     model.ProviderGoogle,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       googleScopes,
	}
}

// OAuthProvider は1つのプロバイダーに対する認可コードフローを扱う。
type OAuthProvider struct {
	name       model.Provider
	config     oauth2.Config
	httpClient *http.Client
}

// NewOAuthProvider はOAuthProviderを生成する。
func NewOAuthProvider(cfg ProviderConfig) *OAuthProvider {
	return &OAuthProvider{
		name: cfg.Provider,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.Endpoint,
			Scopes:       cfg.Scopes,
		},
		httpClient: cfg.HTTPClient,
	}
}

// Name はプロバイダー名を返す。
func (p *OAuthProvider) Name() model.Provider {
	return p.name
}

// AuthCodeURL は認可画面へのリダイレクトURLを生成する。通信は発生しない。
func (p *OAuthProvider) AuthCodeURL(callbackURL, state string) string {
	c := p.config
	c.RedirectURL = callbackURL
	return c.AuthCodeURL(state)
}

// Exchange は認可コードをアクセストークンに交換する。
// callbackURLは認可リクエスト時と同じ値を渡す必要がある。
func (p *OAuthProvider) Exchange(ctx context.Context, callbackURL, code string) (*model.OAuthToken, error) {
	c := p.config
	c.RedirectURL = callbackURL

	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	tok, err := c.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return toModelToken(tok), nil
}

// toModelToken はoauth2.Tokenをセッションに保存する形へ変換する。
// リフレッシュトークンは使わないため保持しない。
func toModelToken(tok *oauth2.Token) *model.OAuthToken {
	out := &model.OAuthToken{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   expiresIn(tok),
		Expiry:      tok.Expiry,
	}
	for _, key := range rawTokenFields {
		if v := tok.Extra(key); v != nil {
			if out.Raw == nil {
				out.Raw = make(map[string]any)
			}
			out.Raw[key] = v
		}
	}
	return out
}

// expiresIn はレスポンスのexpires_inを秒数で返す。未指定の場合は0。
func expiresIn(tok *oauth2.Token) int64 {
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// BearerTokenSource はセッションのトークンをoauth2.TokenSourceとして返す。
// トークンの更新は行わない。
func BearerTokenSource(tok *model.OAuthToken) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
	})
}
