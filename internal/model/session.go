package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// OAuthToken はプロバイダーから取得したアクセストークンを表す。
// セッションのプロバイダー枠が排他的に所有し、再認可時には丸ごと置き換える。
type OAuthToken struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64 // 0は未指定
	Expiry      time.Time
	Raw         map[string]any
}

// Clone は独立したコピーを返す。
func (t *OAuthToken) Clone() *OAuthToken {
	if t == nil {
		return nil
	}
	c := *t
	if t.Raw != nil {
		c.Raw = make(map[string]any, len(t.Raw))
		for k, v := range t.Raw {
			c.Raw[k] = v
		}
	}
	return &c
}

// Session はユーザーごとのサーバー側セッションを表す。
// 学習プラットフォームとカレンダーのトークンを1つずつ保持する。
type Session struct {
	ID            string
	LearningToken *OAuthToken
	CalendarToken *OAuthToken
	CreatedAt     time.Time
	LastAccessed  time.Time
}

// Token は指定プロバイダーの枠に入っているトークンを返す。
func (s *Session) Token(p Provider) *OAuthToken {
	switch p {
	case ProviderCanvas:
		return s.LearningToken
	case ProviderGoogle:
		return s.CalendarToken
	default:
		return nil
	}
}

// SetToken は指定プロバイダーの枠を置き換える。
func (s *Session) SetToken(p Provider, tok *OAuthToken) {
	switch p {
	case ProviderCanvas:
		s.LearningToken = tok
	case ProviderGoogle:
		s.CalendarToken = tok
	}
}

// Missing はトークンが未設定のプロバイダーを固定順で返す。
func (s *Session) Missing() []Provider {
	var missing []Provider
	for _, p := range Providers() {
		if tok := s.Token(p); tok == nil || tok.AccessToken == "" {
			missing = append(missing, p)
		}
	}
	return missing
}

// Clone はトークンを含めた独立したコピーを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.LearningToken = s.LearningToken.Clone()
	c.CalendarToken = s.CalendarToken.Clone()
	return &c
}

// LogID はログに出力するためのセッションの短い識別子を返す。
func (s *Session) LogID() string {
	return SessionLogID(s.ID)
}

// SessionLogID はセッションIDのハッシュの先頭8桁を返す。セッションID自体はログに出さない。
func SessionLogID(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:4])
}
