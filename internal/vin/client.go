// Package vin は車両識別番号（VIN）の検証とNHTSA vPIC APIによるデコードを提供する。
package vin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/loandesk/internal/model"
)

// defaultBaseURL はNHTSA vPIC APIのベースURL。
const defaultBaseURL = "https://vpic.nhtsa.dot.gov"

// vinLength はVINの桁数。
const vinLength = 17

// Vehicle はデコード結果の車両情報。
type Vehicle struct {
	VIN   string `json:"vin"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  string `json:"year"`
}

// Normalize は前後の空白を除いて大文字化したVINを返す。
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Validate はVINが17桁の英数字で、I・O・Qを含まないことを検証する。
func Validate(v string) error {
	if len(v) != vinLength {
		return model.NewValidationError(model.ErrCodeInvalidVIN,
			fmt.Sprintf("VIN must be %d characters", vinLength))
	}
	for _, r := range v {
		switch {
		case r == 'I' || r == 'O' || r == 'Q':
			return model.NewValidationError(model.ErrCodeInvalidVIN, "VIN must not contain I, O or Q")
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return model.NewValidationError(model.ErrCodeInvalidVIN, "VIN must be alphanumeric")
		}
	}
	return nil
}

// Client はNHTSA vPIC APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientの新しいインスタンスを生成する。baseURLが空の場合は公開エンドポイントを使う。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type decodeResponse struct {
	Results []struct {
		Make      string `json:"Make"`
		Model     string `json:"Model"`
		ModelYear string `json:"ModelYear"`
		ErrorCode string `json:"ErrorCode"`
	} `json:"Results"`
}

// Decode はVINを検証し、メーカー・車種・年式を取得する。
// 形式不正は入力検証エラー、API側でデコードできない場合も入力検証エラーを返す。
func (c *Client) Decode(ctx context.Context, raw string) (*Vehicle, error) {
	v := Normalize(raw)
	if err := Validate(v); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + "/api/vehicles/DecodeVinValues/" + url.PathEscape(v) + "?format=json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("VINデコードAPIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("vin", v),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("VINデコードAPIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("vin", v),
		)
		return nil, fmt.Errorf("VINデコードAPIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var decoded decodeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	if len(decoded.Results) == 0 {
		return nil, fmt.Errorf("VINデコードAPIのレスポンスに結果がありません")
	}

	result := decoded.Results[0]
	if result.Make == "" && result.ErrorCode != "0" {
		return nil, model.NewValidationError(model.ErrCodeInvalidVIN, "VIN could not be decoded")
	}

	return &Vehicle{
		VIN:   v,
		Make:  result.Make,
		Model: result.Model,
		Year:  result.ModelYear,
	}, nil
}
