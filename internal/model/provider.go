package model

// Provider は外部のOAuth2プロバイダーを表す。
type Provider string

const (
	// ProviderCanvas は課題の取得元となる学習プラットフォーム（Canvas LMS）。
	ProviderCanvas Provider = "canvas"
	// ProviderGoogle はイベントの登録先となるカレンダー（Google Calendar）。
	ProviderGoogle Provider = "google"
)

// Providers は対応しているプロバイダーを固定順で返す。
func Providers() []Provider {
	return []Provider{ProviderCanvas, ProviderGoogle}
}

// ParseProvider はURLパス等の文字列をProviderに変換する。
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderCanvas:
		return ProviderCanvas, true
	case ProviderGoogle:
		return ProviderGoogle, true
	default:
		return "", false
	}
}

// DisplayName は利用者向けの表示名を返す。
func (p Provider) DisplayName() string {
	switch p {
	case ProviderCanvas:
		return "Canvas"
	case ProviderGoogle:
		return "Google Calendar"
	default:
		return string(p)
	}
}
