// Package sms はTwilio Verifyによる電話番号確認とWebhook署名検証を提供する。
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// defaultBaseURL はTwilio Verify APIのベースURL。
const defaultBaseURL = "https://verify.twilio.com"

// 確認ステータス
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusCanceled = "canceled"
)

// Config はTwilio Verifyの接続設定。
type Config struct {
	AccountSID string
	AuthToken  string
	ServiceSID string
	BaseURL    string // テスト用に差し替え可能
}

// Verification は確認コードの送信・照合結果。
type Verification struct {
	SID    string `json:"sid"`
	To     string `json:"to"`
	Status string `json:"status"`
}

// Approved は確認コードが一致したかを返す。
func (v *Verification) Approved() bool {
	return v.Status == StatusApproved
}

// VerifyClient はTwilio Verify APIのクライアント。
type VerifyClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     Config
}

// NewVerifyClient はVerifyClientを生成する。
func NewVerifyClient(httpClient *http.Client, logger *slog.Logger, config Config) *VerifyClient {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &VerifyClient{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
}

// SendCode は電話番号にSMSで確認コードを送信する。
func (c *VerifyClient) SendCode(ctx context.Context, phone string) (*Verification, error) {
	form := url.Values{}
	form.Set("To", phone)
	form.Set("Channel", "sms")
	return c.post(ctx, "/Verifications", form)
}

// CheckCode は電話番号と確認コードを照合する。
func (c *VerifyClient) CheckCode(ctx context.Context, phone, code string) (*Verification, error) {
	form := url.Values{}
	form.Set("To", phone)
	form.Set("Code", code)
	return c.post(ctx, "/VerificationCheck", form)
}

func (c *VerifyClient) post(ctx context.Context, suffix string, form url.Values) (*Verification, error) {
	endpoint := c.config.BaseURL + "/v2/Services/" + url.PathEscape(c.config.ServiceSID) + suffix

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.SetBasicAuth(c.config.AccountSID, c.config.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Twilio Verify APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("endpoint", suffix),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("Twilio Verify APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("endpoint", suffix),
		)
		return nil, fmt.Errorf("Twilio Verify APIがステータス %d を返しました", resp.StatusCode)
	}

	var v Verification
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return &v, nil
}
