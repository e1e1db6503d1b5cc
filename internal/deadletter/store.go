// Package deadletter は処理に失敗したWebhookイベントを再処理用に保存する。
// 保存先はPostgreSQL（デフォルト）またはDynamoDB。
package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/loandesk/internal/model"
)

// Store はdead letterの保存先。
type Store interface {
	Save(ctx context.Context, letter *model.DeadLetter) error
}

// Recorder はdead letterを組み立てて保存する。
// 保存自体に失敗した場合はペイロードを含めてログに残し、呼び出し元には返さない。
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder はRecorderを生成する。
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record は失敗したイベントを保存する。
func (r *Recorder) Record(ctx context.Context, source, eventID string, payload []byte, cause error) {
	letter := &model.DeadLetter{
		ID:        uuid.New().String(),
		Source:    source,
		EventID:   eventID,
		Payload:   payload,
		Error:     cause.Error(),
		CreatedAt: r.now().UTC(),
	}

	// リクエストのキャンセルで保存が中断されないようにする
	ctx = context.WithoutCancel(ctx)
	if err := r.store.Save(ctx, letter); err != nil {
		r.logger.Error("dead letterの保存に失敗しました",
			slog.String("source", source),
			slog.String("event_id", eventID),
			slog.String("cause", cause.Error()),
			slog.String("payload", string(payload)),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Warn("Webhookイベントをdead letterに保存しました",
		slog.String("dead_letter_id", letter.ID),
		slog.String("source", source),
		slog.String("event_id", eventID),
		slog.String("cause", cause.Error()),
	)
}
