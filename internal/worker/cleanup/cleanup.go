// Package cleanup は保持期間を過ぎたWebhook dead letterの削除ジョブを提供する。
// DynamoDBバックエンドはTTL属性で期限切れを処理するため、このジョブはPostgreSQL専用。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Recorder は削除件数をメトリクスに記録する。
type Recorder interface {
	RecordScan(job string, counts map[string]int, duration time.Duration)
}

// CleanupJob は保持期間を過ぎたdead letterを削除する日次ジョブ。
// 削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db        Executor
	logger    *slog.Logger
	recorder  Recorder
	Retention time.Duration // dead letterの保持期間（デフォルト: 30日）
	now       func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(db Executor, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		db:        db,
		logger:    logger,
		recorder:  recorder,
		Retention: 30 * 24 * time.Hour,
		now:       time.Now,
	}
}

// Start はRunを指定間隔で定期実行する。コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// 失敗はRun内でログ出力済み
		_, _ = j.Run(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run はcreated_atが保持期間より古いdead letterを削除し、削除件数を返す。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.now().UTC().Add(-j.Retention)

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM webhook_dead_letters WHERE created_at < $1`, cutoff)
	if err != nil {
		j.logger.Error("dead letterクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return 0, fmt.Errorf("dead letterクリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	if j.recorder != nil {
		j.recorder.RecordScan("dead_letter_cleanup", map[string]int{"deleted": int(deletedCount)}, duration)
	}

	j.logger.Info("dead letterクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Time("cutoff", cutoff),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)

	return deletedCount, nil
}
