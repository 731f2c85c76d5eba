package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard はプロバイダーAPIへの外向き通信を保護する。
// CanvasのベースURLは設定で差し替えられるため、内部ネットワークへの到達を防ぐ。
type OutboundGuard interface {
	// NewSafeClient はsafeurlで保護されたHTTPクライアントを生成する。
	// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続は
	// DNS解決後にDialerレベルで拒否される。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error
}

// allowedSchemes は外向き通信で許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はValidateURLで拒否するネットワーク範囲。パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		"::1/128",
		// リンクローカル（169.254.169.254のメタデータIPを含む）
		"169.254.0.0/16",
		"fe80::/10",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// blockedHostnames はホスト名のままで拒否する名前。
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

// outboundGuard はOutboundGuardの実装。
type outboundGuard struct{}

// NewOutboundGuard はOutboundGuardの新しいインスタンスを生成する。
func NewOutboundGuard() *outboundGuard {
	return &outboundGuard{}
}

// NewSafeClient はsafeurlで保護されたHTTPクライアントを生成する。
// 接続先ポートは80と443に限る。
func (g *outboundGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLのスキームとホストを静的に検証する。
// DNS再バインディングはNewSafeClient側のDialer検証で防ぐ。
func (g *outboundGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// ValidateBaseURL はプロバイダーのベースURLとして使えるかを検証する。
// ValidateURLの条件に加えて、httpsであることとクエリ・フラグメントを持たないことを求める。
func ValidateBaseURL(g OutboundGuard, rawURL string) error {
	if err := g.ValidateURL(rawURL); err != nil {
		return err
	}
	parsed, _ := url.Parse(rawURL)
	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("base URL must use https: %s", rawURL)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("base URL must not contain a query or fragment: %s", rawURL)
	}
	return nil
}

// ProviderHTTPClient はプロバイダーAPI用のHTTPクライアントを返す。
// guardがnilの場合は保護なしのクライアントを返す（ローカルのモックサーバー向け）。
func ProviderHTTPClient(g OutboundGuard, timeout time.Duration) *http.Client {
	if g == nil {
		return &http.Client{Timeout: timeout}
	}
	return g.NewSafeClient(timeout)
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}
