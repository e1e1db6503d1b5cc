// Package auth は外部認証プロバイダーに対するベアラートークン検証を提供する。
// セッション管理は認証プロバイダー側で行い、このサービスはトークンの持ち主を確認するだけ。
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ErrInvalidToken はトークンが無効または期限切れの場合に返される。
var ErrInvalidToken = errors.New("invalid or expired token")

// User は認証プロバイダーが返すユーザー情報。
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// ProviderConfig は認証プロバイダーの設定。
type ProviderConfig struct {
	// BaseURL は認証プロバイダーのURL。/auth/v1/user を付けて問い合わせる。
	BaseURL string
	// APIKey は設定されている場合 apikey ヘッダーで送る。
	APIKey string
}

// Provider はベアラートークンから認証ユーザーを解決する。
type Provider struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     ProviderConfig
}

// NewProvider はProviderを生成する。
func NewProvider(httpClient *http.Client, logger *slog.Logger, config ProviderConfig) *Provider {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Provider{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

// VerifyToken はトークンを認証プロバイダーに問い合わせ、ユーザーを返す。
// 401/403の場合はErrInvalidTokenを返す。
func (p *Provider) VerifyToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("apikey", p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		p.logger.Error("認証プロバイダーがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("user fetch failed with status %d", resp.StatusCode)
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("empty id in user response")
	}

	return &user, nil
}
