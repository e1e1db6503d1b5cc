package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/hitoshi/loandesk/internal/model"
)

// NewCronSecretMiddleware はスケジューラーからのジョブ起動リクエストを検証するミドルウェアを返す。
// Authorization: Bearer <CRON_SECRET> が一致しない場合は401を返す。
func NewCronSecretMiddleware(secret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				logger.Warn("job trigger rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
