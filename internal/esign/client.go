// Package esign は電子署名プロバイダー（DocuSign eSignature REST API）のクライアントを提供する。
package esign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Config はクライアントの接続設定。
type Config struct {
	BaseURL     string // 例: https://demo.docusign.net/restapi
	AccountID   string
	AccessToken string
	TemplateID  string
}

// Signer は封筒の署名者1名。
type Signer struct {
	RoleName     string
	Name         string
	Email        string
	ClientUserID string // 埋め込み署名用。空の場合はメール署名になる
	RoutingOrder int
}

// EnvelopeRequest はテンプレートから封筒を作成する際の入力。
type EnvelopeRequest struct {
	EmailSubject string
	Signers      []Signer
	// Tabs はテンプレートのタブラベルから値への対応。全署名者に同じ値を渡す。
	Tabs map[string]string
}

// Envelope は作成された封筒。
type Envelope struct {
	ID     string
	Status string
}

// Client は電子署名APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     Config
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, config Config) *Client {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

type textTab struct {
	TabLabel string `json:"tabLabel"`
	Value    string `json:"value"`
}

type templateRole struct {
	RoleName     string `json:"roleName"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	ClientUserID string `json:"clientUserId,omitempty"`
	RoutingOrder string `json:"routingOrder"`
	Tabs         struct {
		TextTabs []textTab `json:"textTabs"`
	} `json:"tabs"`
}

type createEnvelopeBody struct {
	TemplateID    string         `json:"templateId"`
	EmailSubject  string         `json:"emailSubject,omitempty"`
	Status        string         `json:"status"`
	TemplateRoles []templateRole `json:"templateRoles"`
}

type envelopeResponse struct {
	EnvelopeID string `json:"envelopeId"`
	Status     string `json:"status"`
}

// CreateEnvelope はテンプレートから封筒を作成し、署名者へ送信する。
func (c *Client) CreateEnvelope(ctx context.Context, req EnvelopeRequest) (*Envelope, error) {
	tabs := make([]textTab, 0, len(req.Tabs))
	for label, value := range req.Tabs {
		tabs = append(tabs, textTab{TabLabel: label, Value: value})
	}

	body := createEnvelopeBody{
		TemplateID:   c.config.TemplateID,
		EmailSubject: req.EmailSubject,
		Status:       "sent",
	}
	for _, s := range req.Signers {
		role := templateRole{
			RoleName:     s.RoleName,
			Name:         s.Name,
			Email:        s.Email,
			ClientUserID: s.ClientUserID,
			RoutingOrder: fmt.Sprintf("%d", s.RoutingOrder),
		}
		role.Tabs.TextTabs = tabs
		body.TemplateRoles = append(body.TemplateRoles, role)
	}

	var resp envelopeResponse
	if err := c.do(ctx, http.MethodPost, c.accountPath("/envelopes"), body, &resp); err != nil {
		return nil, err
	}
	if resp.EnvelopeID == "" {
		return nil, fmt.Errorf("封筒作成レスポンスにenvelopeIdがありません")
	}
	return &Envelope{ID: resp.EnvelopeID, Status: resp.Status}, nil
}

// RecipientView は埋め込み署名画面のURLを取得する。
func (c *Client) RecipientView(ctx context.Context, envelopeID string, signer Signer, returnURL string) (string, error) {
	body := map[string]string{
		"returnUrl":            returnURL,
		"authenticationMethod": "none",
		"email":                signer.Email,
		"userName":             signer.Name,
		"clientUserId":         signer.ClientUserID,
	}
	var resp struct {
		URL string `json:"url"`
	}
	path := c.accountPath("/envelopes/" + url.PathEscape(envelopeID) + "/views/recipient")
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("署名画面レスポンスにurlがありません")
	}
	return resp.URL, nil
}

func (c *Client) accountPath(suffix string) string {
	return c.config.BaseURL + "/v2.1/accounts/" + url.PathEscape(c.config.AccountID) + suffix
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var reader io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("電子署名APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("method", method),
		)
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("電子署名APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("method", method),
		)
		return fmt.Errorf("電子署名APIがステータス %d を返しました", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}
