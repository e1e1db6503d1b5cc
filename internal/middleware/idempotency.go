package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/loandesk/internal/model"
)

const (
	// IdempotencyKeyHeader はクライアントが冪等キーを送るヘッダー名。
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader は保存済みレスポンスを再送したことを示すヘッダー名。
	IdempotentReplayHeader = "Idempotent-Replayed"

	// idempotencyLockTTL はハンドラー実行中の仮ロックの保持時間。
	idempotencyLockTTL = 60 * time.Second
	// idempotencyStoreTimeout はRedis操作1回あたりのタイムアウト。
	idempotencyStoreTimeout = 2 * time.Second
	maxIdempotencyKeyLength = 255
)

// idempotencyEntry はRedisに保存する冪等キーの状態。
type idempotencyEntry struct {
	InProgress  bool      `json:"in_progress"`
	RequestHash string    `json:"request_hash"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// bodyRecorder はレスポンスを呼び出し元に書き込みつつ、ステータスと本文を保持する。
type bodyRecorder struct {
	http.ResponseWriter
	buf        bytes.Buffer
	statusCode int
}

func (r *bodyRecorder) WriteHeader(code int) {
	if r.statusCode == 0 {
		r.statusCode = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

// IdempotencyConfig は冪等性ミドルウェアの設定。
type IdempotencyConfig struct {
	// TTL は完了したレスポンスを保持する期間。
	TTL time.Duration
}

// NewIdempotencyMiddleware はIdempotency-Keyヘッダー付きの状態変更リクエストを
// Redisで重複排除するミドルウェアを返す。
//
// 同じユーザー・パス・キーの2回目以降のリクエストは、本文が一致すれば
// 保存済みレスポンスを再送し、本文が異なれば409を返す。
// 1回目が処理中の場合も409を返す。5xxのレスポンスは保存せず、再試行を許可する。
// ヘッダーが無いリクエストや、rdbがnilの場合はそのまま通過させる。
func NewIdempotencyMiddleware(rdb redis.Cmdable, config IdempotencyConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rdb == nil || isReadOnlyMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if idemKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(idemKey) > maxIdempotencyKeyLength {
				WriteErrorResponse(w, http.StatusBadRequest,
					model.NewValidationError(model.ErrCodeInvalidRequest, "Idempotency-Key is too long"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteErrorResponse(w, http.StatusBadRequest,
					model.NewValidationError(model.ErrCodeInvalidRequest, "request body could not be read"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			hash := requestHash(r.Method, r.URL.Path, body)

			userID, _ := UserIDFromContext(r.Context())
			key := idempotencyRedisKey(userID, r.Method, r.URL.Path, idemKey)

			ctx, cancel := context.WithTimeout(r.Context(), idempotencyStoreTimeout)
			acquired, err := acquireIdempotencyLock(ctx, rdb, key, hash)
			if err != nil {
				cancel()
				logger.Error("idempotency store unavailable",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewProviderError("idempotency store"))
				return
			}
			if !acquired {
				entry, err := loadIdempotencyEntry(ctx, rdb, key)
				cancel()
				if err != nil {
					logger.Warn("failed to load idempotency entry",
						slog.String("key", key),
						slog.String("error", err.Error()),
					)
					WriteErrorResponse(w, http.StatusConflict, model.NewRequestInProgressError())
					return
				}
				replayIdempotencyEntry(w, entry, hash)
				return
			}
			cancel()

			rec := &bodyRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// リクエストのキャンセルに関わらず結果を保存する
			storeCtx, storeCancel := context.WithTimeout(context.WithoutCancel(r.Context()), idempotencyStoreTimeout)
			defer storeCancel()

			if rec.statusCode == 0 || rec.statusCode >= http.StatusInternalServerError {
				if err := rdb.Del(storeCtx, key).Err(); err != nil {
					logger.Warn("failed to release idempotency lock",
						slog.String("key", key),
						slog.String("error", err.Error()),
					)
				}
				return
			}

			final := idempotencyEntry{
				RequestHash: hash,
				StatusCode:  rec.statusCode,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.buf.Bytes(),
				CreatedAt:   time.Now().UTC(),
			}
			if err := saveIdempotencyEntry(storeCtx, rdb, key, final, config.TTL); err != nil {
				logger.Warn("failed to save idempotent response",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}

func replayIdempotencyEntry(w http.ResponseWriter, entry idempotencyEntry, hash string) {
	if entry.RequestHash != hash {
		WriteErrorResponse(w, http.StatusConflict, model.NewIdempotencyConflictError())
		return
	}
	if entry.InProgress || entry.StatusCode == 0 {
		WriteErrorResponse(w, http.StatusConflict, model.NewRequestInProgressError())
		return
	}
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set(IdempotentReplayHeader, "true")
	w.WriteHeader(entry.StatusCode)
	w.Write(entry.Body)
}

func acquireIdempotencyLock(ctx context.Context, rdb redis.Cmdable, key, hash string) (bool, error) {
	payload, err := json.Marshal(idempotencyEntry{
		InProgress:  true,
		RequestHash: hash,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	return rdb.SetNX(ctx, key, payload, idempotencyLockTTL).Result()
}

func loadIdempotencyEntry(ctx context.Context, rdb redis.Cmdable, key string) (idempotencyEntry, error) {
	var entry idempotencyEntry
	v, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// 仮ロックの期限切れとの競合。処理中として扱う。
			return idempotencyEntry{InProgress: true}, nil
		}
		return entry, err
	}
	if err := json.Unmarshal(v, &entry); err != nil {
		return entry, err
	}
	return entry, nil
}

func saveIdempotencyEntry(ctx context.Context, rdb redis.Cmdable, key string, entry idempotencyEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, payload, ttl).Err()
}

func idempotencyRedisKey(userID, method, path, idemKey string) string {
	return "idem:" + userID + ":" + strings.ToLower(method) + ":" + path + ":" + idemKey
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// isReadOnlyMethod はHTTPメソッドが読み取り専用かどうかを判定する。
func isReadOnlyMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
