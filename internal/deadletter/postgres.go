package deadletter

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/loandesk/internal/model"
)

// PostgresStore はwebhook_dead_lettersテーブルに保存するStore。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save はdead letterを1件挿入する。
func (s *PostgresStore) Save(ctx context.Context, letter *model.DeadLetter) error {
	var eventID sql.NullString
	if letter.EventID != "" {
		eventID = sql.NullString{String: letter.EventID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_dead_letters (id, source, event_id, payload, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		letter.ID, letter.Source, eventID, letter.Payload, letter.Error, letter.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("dead letterの挿入に失敗しました: %w", err)
	}
	return nil
}

// ListBySource は指定した発生元のdead letterを新しい順に返す。
func (s *PostgresStore) ListBySource(ctx context.Context, source string, limit int) ([]*model.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, event_id, payload, error, created_at
		 FROM webhook_dead_letters
		 WHERE source = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		source, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("dead letterの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var letters []*model.DeadLetter
	for rows.Next() {
		letter := &model.DeadLetter{}
		var eventID sql.NullString
		if err := rows.Scan(&letter.ID, &letter.Source, &eventID, &letter.Payload, &letter.Error, &letter.CreatedAt); err != nil {
			return nil, fmt.Errorf("dead letterの読み取りに失敗しました: %w", err)
		}
		letter.EventID = eventID.String
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
