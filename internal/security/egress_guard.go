// Package security はアプリケーションのセキュリティ機能を提供する。
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

// blockedNetworks は外部プロバイダーの接続先として拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
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

// NewEgressClient は外部プロバイダー呼び出し用のHTTPクライアントを生成する。
// safeurlによりHTTPSの443番ポートのみ許可し、DNS解決後のIPがプライベート・
// ループバック・リンクローカルの場合は接続を拒否する。
func NewEgressClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateProviderURL は設定されたプロバイダーのベースURLを起動時に検証する。
// DNS解決を伴わない静的な検証で、実際の接続時の検証はNewEgressClientが行う。
func ValidateProviderURL(name, rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%s: URLが空です", name)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s: URLのパースに失敗しました: %w", name, err)
	}

	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("%s: httpsのみ許可されています: %s", name, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%s: ホストがありません", name)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("%s: 接続が許可されていないIPアドレスです: %s", name, ip)
			}
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%s: 接続が許可されていないホストです: %s", name, host)
	}
	return nil
}
