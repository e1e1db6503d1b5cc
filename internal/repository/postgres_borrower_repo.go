package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
)

// PostgresBorrowerRepo はPostgreSQLを使用した借り手リポジトリ。
type PostgresBorrowerRepo struct {
	db *sql.DB
}

// NewPostgresBorrowerRepo はPostgresBorrowerRepoを生成する。
func NewPostgresBorrowerRepo(db *sql.DB) *PostgresBorrowerRepo {
	return &PostgresBorrowerRepo{db: db}
}

const borrowerColumns = `id, user_id, first_name, last_name, email, phone, phone_verified_at,
	identity_status, identity_session_id, payment_customer_id, created_at, updated_at`

// Create は借り手を作成する。
func (r *PostgresBorrowerRepo) Create(ctx context.Context, b *model.Borrower) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO borrowers (id, user_id, first_name, last_name, email, phone,
		                        identity_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.UserID, b.FirstName, b.LastName, b.Email, nullString(b.Phone),
		string(b.IdentityStatus), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("借り手の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの借り手を取得する。見つからない場合はnilを返す。
func (r *PostgresBorrowerRepo) FindByID(ctx context.Context, id string) (*model.Borrower, error) {
	return r.findOne(ctx, `SELECT `+borrowerColumns+` FROM borrowers WHERE id = $1`, id)
}

// FindByUserID は認証ユーザーIDで借り手を検索する。見つからない場合はnilを返す。
func (r *PostgresBorrowerRepo) FindByUserID(ctx context.Context, userID string) (*model.Borrower, error) {
	return r.findOne(ctx, `SELECT `+borrowerColumns+` FROM borrowers WHERE user_id = $1`, userID)
}

// FindByPhone は電話番号で借り手を検索する。見つからない場合はnilを返す。
func (r *PostgresBorrowerRepo) FindByPhone(ctx context.Context, phone string) (*model.Borrower, error) {
	return r.findOne(ctx,
		`SELECT `+borrowerColumns+` FROM borrowers WHERE phone = $1 ORDER BY created_at DESC LIMIT 1`, phone)
}

func (r *PostgresBorrowerRepo) findOne(ctx context.Context, query string, arg any) (*model.Borrower, error) {
	b := &model.Borrower{}
	var phone, sessionID, customerID sql.NullString
	var phoneVerifiedAt sql.NullTime
	var identityStatus string

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&b.ID, &b.UserID, &b.FirstName, &b.LastName, &b.Email, &phone, &phoneVerifiedAt,
		&identityStatus, &sessionID, &customerID, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("借り手の取得に失敗しました: %w", err)
	}

	b.Phone = nullStringValue(phone)
	b.PhoneVerifiedAt = nullTimePtr(phoneVerifiedAt)
	b.IdentityStatus = model.IdentityStatus(identityStatus)
	b.IdentitySessionID = nullStringValue(sessionID)
	b.PaymentCustomerID = nullStringValue(customerID)
	return b, nil
}

// UpdatePaymentCustomer は決済顧客IDを保存する。
func (r *PostgresBorrowerRepo) UpdatePaymentCustomer(ctx context.Context, borrowerID, customerID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE borrowers SET payment_customer_id = $2, updated_at = now() WHERE id = $1`,
		borrowerID, customerID,
	)
	if err != nil {
		return fmt.Errorf("決済顧客IDの保存に失敗しました: %w", err)
	}
	return nil
}

// UpdateIdentitySession は本人確認セッションIDと状態を保存する。
func (r *PostgresBorrowerRepo) UpdateIdentitySession(ctx context.Context, borrowerID, sessionID string, status model.IdentityStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE borrowers SET identity_session_id = $2, identity_status = $3, updated_at = now() WHERE id = $1`,
		borrowerID, sessionID, string(status),
	)
	if err != nil {
		return fmt.Errorf("本人確認セッションの保存に失敗しました: %w", err)
	}
	return nil
}

// UpdateIdentityStatusBySession は本人確認セッションIDで借り手を特定して状態を更新する。
func (r *PostgresBorrowerRepo) UpdateIdentityStatusBySession(ctx context.Context, sessionID string, status model.IdentityStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE borrowers SET identity_status = $2, updated_at = now() WHERE identity_session_id = $1`,
		sessionID, string(status),
	)
	if err != nil {
		return false, fmt.Errorf("本人確認状態の更新に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// MarkPhoneVerified は電話番号の確認日時を記録する。
func (r *PostgresBorrowerRepo) MarkPhoneVerified(ctx context.Context, borrowerID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE borrowers SET phone_verified_at = $2, updated_at = $2 WHERE id = $1`,
		borrowerID, at,
	)
	if err != nil {
		return fmt.Errorf("電話番号確認の記録に失敗しました: %w", err)
	}
	return nil
}

// PostgresOrganizationRepo はPostgreSQLを使用した組織リポジトリ。
type PostgresOrganizationRepo struct {
	db *sql.DB
}

// NewPostgresOrganizationRepo はPostgresOrganizationRepoを生成する。
func NewPostgresOrganizationRepo(db *sql.DB) *PostgresOrganizationRepo {
	return &PostgresOrganizationRepo{db: db}
}

// FindByID は指定IDの組織を取得する。見つからない場合はnilを返す。
func (r *PostgresOrganizationRepo) FindByID(ctx context.Context, id string) (*model.Organization, error) {
	org := &model.Organization{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, owner_name, owner_email, created_at FROM organizations WHERE id = $1`,
		id,
	).Scan(&org.ID, &org.Name, &org.OwnerName, &org.OwnerEmail, &org.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("組織の取得に失敗しました: %w", err)
	}
	return org, nil
}

var (
	_ BorrowerRepository     = (*PostgresBorrowerRepo)(nil)
	_ OrganizationRepository = (*PostgresOrganizationRepo)(nil)
)
