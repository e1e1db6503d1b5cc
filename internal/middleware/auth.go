// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/loandesk/internal/auth"
	"github.com/hitoshi/loandesk/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

var emailContextKey = contextKey("email")

// TokenVerifier はBearerトークンの検証に必要なインターフェース。
// auth.Providerが実装する。
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*auth.User, error)
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを認証基盤で検証し、
// 認証済みユーザーIDとメールアドレスをリクエストコンテキストに注入するミドルウェアを返す。
// トークンが無い・無効な場合は401、認証基盤が応答しない場合は502を返す。
func NewAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			user, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrInvalidToken) {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
				logger.Error("failed to verify access token",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusBadGateway, model.NewProviderError("auth"))
				return
			}

			ctx := ContextWithUser(r.Context(), user.ID, user.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
// ロギングミドルウェアの内側で呼ばれた場合はリクエストログにも反映する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.userID = userID
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}

// ContextWithUser はユーザーIDとメールアドレスをコンテキストに注入する。
func ContextWithUser(ctx context.Context, userID, email string) context.Context {
	return context.WithValue(ContextWithUserID(ctx, userID), emailContextKey, email)
}

// EmailFromContext は認証済みユーザーのメールアドレスを返す。未設定の場合は空文字。
func EmailFromContext(ctx context.Context) string {
	email, _ := ctx.Value(emailContextKey).(string)
	return email
}
