package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
	"github.com/lib/pq"
)

// PostgresLoanRepo はPostgreSQLを使用したローンリポジトリ。
type PostgresLoanRepo struct {
	db *sql.DB
}

// NewPostgresLoanRepo はPostgresLoanRepoを生成する。
func NewPostgresLoanRepo(db *sql.DB) *PostgresLoanRepo {
	return &PostgresLoanRepo{db: db}
}

const loanColumns = `id, borrower_id, organization_id, amount, term_weeks, annual_rate,
	weekly_payment, status, ipay_signed_at, organization_signed_at, borrower_signed_at,
	envelope_id, envelope_status, envelope_completed_at, is_late, is_derogatory,
	days_overdue, last_delinquency_check_at, last_payment_at, failed_payment_count,
	vehicle_vin, vehicle_make, vehicle_model, vehicle_year, notes, created_at, updated_at`

// signatureColumns は署名者ごとの (対象カラム, 直前段階カラム)。
var signatureColumns = map[string][2]string{
	"ipay":         {"ipay_signed_at", ""},
	"organization": {"organization_signed_at", "ipay_signed_at"},
	"borrower":     {"borrower_signed_at", "organization_signed_at"},
}

// delinquencyStatuses は延滞チェック対象のローン状態。
var delinquencyStatuses = []string{
	string(model.LoanStatusFunded),
	string(model.LoanStatusActive),
}

// signableStatuses は署名を記録できるローン状態。
var signableStatuses = []string{
	string(model.LoanStatusPendingSignature),
	string(model.LoanStatusDealerApproved),
}

// Create はローンを作成する。
func (r *PostgresLoanRepo) Create(ctx context.Context, loan *model.Loan) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO loans (id, borrower_id, organization_id, amount, term_weeks, annual_rate,
		                    weekly_payment, status, vehicle_vin, vehicle_make, vehicle_model,
		                    vehicle_year, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		loan.ID, loan.BorrowerID, nullString(loan.OrganizationID), loan.Amount, loan.TermWeeks,
		loan.AnnualRate, loan.WeeklyPayment, string(loan.Status),
		nullString(loan.VehicleVIN), nullString(loan.VehicleMake), nullString(loan.VehicleModel),
		nullString(loan.VehicleYear), nullString(loan.Notes), loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ローンの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのローンを取得する。見つからない場合はnilを返す。
func (r *PostgresLoanRepo) FindByID(ctx context.Context, id string) (*model.Loan, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE id = $1`, id)

	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ローンの取得に失敗しました: %w", err)
	}
	return loan, nil
}

// FindByEnvelopeID は署名封筒IDでローンを検索する。見つからない場合はnilを返す。
func (r *PostgresLoanRepo) FindByEnvelopeID(ctx context.Context, envelopeID string) (*model.Loan, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE envelope_id = $1`, envelopeID)

	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("封筒IDによるローンの検索に失敗しました: %w", err)
	}
	return loan, nil
}

// AttachEnvelope は封筒IDが未設定のローンに封筒を紐付け、状態をpending_signatureにする。
func (r *PostgresLoanRepo) AttachEnvelope(ctx context.Context, loanID, envelopeID, envelopeStatus string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE loans
		 SET envelope_id = $2, envelope_status = $3, status = $4, updated_at = $5
		 WHERE id = $1 AND envelope_id IS NULL`,
		loanID, envelopeID, envelopeStatus, string(model.LoanStatusPendingSignature), at,
	)
	if err != nil {
		return false, fmt.Errorf("封筒の紐付けに失敗しました: %w", err)
	}
	return affectedOne(result)
}

// RecordSignature は直前段階が署名済みかつ対象段階が未署名の場合のみ署名を記録する。
// 封筒がなく署名受付中でもないローンは更新しない。
// 同一ローンへの同時完了イベントは行単位の条件付きUPDATEで1件だけが成功する。
func (r *PostgresLoanRepo) RecordSignature(ctx context.Context, update SignatureUpdate) (bool, error) {
	cols, ok := signatureColumns[update.Party]
	if !ok {
		return false, fmt.Errorf("不明な署名者です: %s", update.Party)
	}

	query := fmt.Sprintf(
		`UPDATE loans
		 SET %[1]s = $2, status = COALESCE(NULLIF($3, ''), status), updated_at = $2
		 WHERE id = $1 AND %[1]s IS NULL
		   AND envelope_id IS NOT NULL AND status = ANY($4)`, cols[0])
	if cols[1] != "" {
		query += fmt.Sprintf(" AND %s IS NOT NULL", cols[1])
	}

	result, err := r.db.ExecContext(ctx, query,
		update.LoanID, update.SignedAt, string(update.Status), pq.Array(signableStatuses))
	if err != nil {
		return false, fmt.Errorf("署名の記録に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// ApplyEnvelopeUpdate は封筒ステータス・更新日時・完了日時・ローン状態を1回のUPDATEで書き込む。
// 通知に発生日時がない場合、updated_atは値が実際に変わったときだけ進めるため、
// 同じ通知を再実行しても最終状態は変わらない。
func (r *PostgresLoanRepo) ApplyEnvelopeUpdate(ctx context.Context, update EnvelopeUpdate) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE loans
		 SET envelope_status = $2,
		     updated_at = CASE
		         WHEN $3::timestamptz IS NOT NULL THEN $3::timestamptz
		         WHEN envelope_status IS DISTINCT FROM $2
		           OR ($4::timestamptz IS NOT NULL AND envelope_completed_at IS DISTINCT FROM $4::timestamptz)
		           OR (NULLIF($5::text, '') IS NOT NULL AND status <> $5::text)
		           OR ($6::timestamptz IS NOT NULL AND borrower_signed_at IS NULL)
		         THEN now()
		         ELSE updated_at
		     END,
		     envelope_completed_at = COALESCE($4::timestamptz, envelope_completed_at),
		     status = COALESCE(NULLIF($5::text, ''), status),
		     ipay_signed_at = COALESCE(ipay_signed_at, $6::timestamptz),
		     organization_signed_at = COALESCE(organization_signed_at, $6::timestamptz),
		     borrower_signed_at = COALESCE(borrower_signed_at, $6::timestamptz)
		 WHERE id = $1`,
		update.LoanID, update.EnvelopeStatus, nullTime(update.OccurredAt), nullTime(update.CompletedAt),
		string(update.LoanStatus), nullTime(update.SignaturesAt),
	)
	if err != nil {
		return fmt.Errorf("封筒ステータスの反映に失敗しました: %w", err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ローンが見つかりません: %s", update.LoanID)
	}
	return nil
}

// MarkFunded はfully_signedのローンをfundedにする。
func (r *PostgresLoanRepo) MarkFunded(ctx context.Context, loanID string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE loans SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		loanID, string(model.LoanStatusFunded), at, string(model.LoanStatusFullySigned),
	)
	if err != nil {
		return false, fmt.Errorf("融資実行の記録に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// ListDelinquencyTargets はfunded/activeかつderogatoryでないローンと決済顧客IDを返す。
// 決済顧客が未登録の借り手は空文字のCustomerIDで返す。
func (r *PostgresLoanRepo) ListDelinquencyTargets(ctx context.Context) ([]model.DelinquencyTarget, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT l.id, b.payment_customer_id
		 FROM loans l
		 JOIN borrowers b ON b.id = l.borrower_id
		 WHERE l.status = ANY($1) AND l.is_derogatory = false
		 ORDER BY l.created_at`,
		pq.Array(delinquencyStatuses),
	)
	if err != nil {
		return nil, fmt.Errorf("延滞チェック対象ローンの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var targets []model.DelinquencyTarget
	for rows.Next() {
		var target model.DelinquencyTarget
		var customerID sql.NullString
		if err := rows.Scan(&target.LoanID, &customerID); err != nil {
			return nil, fmt.Errorf("延滞チェック対象ローンの読み取りに失敗しました: %w", err)
		}
		target.CustomerID = nullStringValue(customerID)
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("延滞チェック対象ローンの走査に失敗しました: %w", err)
	}
	return targets, nil
}

// UpdateDelinquency は延滞フラグ・延滞日数・最終チェック日時を更新する。
func (r *PostgresLoanRepo) UpdateDelinquency(ctx context.Context, loanID string, isLate bool, daysOverdue int, checkedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE loans
		 SET is_late = $2, days_overdue = $3, last_delinquency_check_at = $4, updated_at = $4
		 WHERE id = $1`,
		loanID, isLate, daysOverdue, checkedAt,
	)
	if err != nil {
		return fmt.Errorf("延滞状態の更新に失敗しました: %w", err)
	}
	return nil
}

// RecordPayment は入金日時を記録し、fundedのローンをactiveにする。
func (r *PostgresLoanRepo) RecordPayment(ctx context.Context, loanID string, paidAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE loans
		 SET last_payment_at = $2,
		     status = CASE WHEN status = $3 THEN $4 ELSE status END,
		     updated_at = $2
		 WHERE id = $1`,
		loanID, paidAt, string(model.LoanStatusFunded), string(model.LoanStatusActive),
	)
	if err != nil {
		return fmt.Errorf("入金の記録に失敗しました: %w", err)
	}
	return nil
}

// RecordFailedPayment は引き落とし失敗回数を1増やす。
func (r *PostgresLoanRepo) RecordFailedPayment(ctx context.Context, loanID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE loans SET failed_payment_count = failed_payment_count + 1, updated_at = $2 WHERE id = $1`,
		loanID, at,
	)
	if err != nil {
		return fmt.Errorf("引き落とし失敗の記録に失敗しました: %w", err)
	}
	return nil
}

// MarkLate は延滞フラグを立てる。
func (r *PostgresLoanRepo) MarkLate(ctx context.Context, loanID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE loans SET is_late = true, updated_at = $2 WHERE id = $1`,
		loanID, at,
	)
	if err != nil {
		return fmt.Errorf("延滞フラグの更新に失敗しました: %w", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*model.Loan, error) {
	loan := &model.Loan{}
	var status string
	var organizationID, envelopeID, envelopeStatus sql.NullString
	var vehicleVIN, vehicleMake, vehicleModel, vehicleYear, notes sql.NullString
	var ipay, organization, borrower, completedAt sql.NullTime
	var lastCheck, lastPayment sql.NullTime

	err := row.Scan(
		&loan.ID, &loan.BorrowerID, &organizationID, &loan.Amount, &loan.TermWeeks, &loan.AnnualRate,
		&loan.WeeklyPayment, &status, &ipay, &organization, &borrower,
		&envelopeID, &envelopeStatus, &completedAt, &loan.IsLate, &loan.IsDerogatory,
		&loan.DaysOverdue, &lastCheck, &lastPayment, &loan.FailedPaymentCount,
		&vehicleVIN, &vehicleMake, &vehicleModel, &vehicleYear, &notes, &loan.CreatedAt, &loan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	loan.Status = model.LoanStatus(status)
	loan.OrganizationID = nullStringValue(organizationID)
	loan.EnvelopeID = nullStringValue(envelopeID)
	loan.EnvelopeStatus = nullStringValue(envelopeStatus)
	loan.VehicleVIN = nullStringValue(vehicleVIN)
	loan.VehicleMake = nullStringValue(vehicleMake)
	loan.VehicleModel = nullStringValue(vehicleModel)
	loan.VehicleYear = nullStringValue(vehicleYear)
	loan.Notes = nullStringValue(notes)
	loan.IpaySignedAt = nullTimePtr(ipay)
	loan.OrganizationSignedAt = nullTimePtr(organization)
	loan.BorrowerSignedAt = nullTimePtr(borrower)
	loan.EnvelopeCompletedAt = nullTimePtr(completedAt)
	loan.LastDelinquencyCheckAt = nullTimePtr(lastCheck)
	loan.LastPaymentAt = nullTimePtr(lastPayment)

	return loan, nil
}

// affectedOne は更新件数が1件以上あったかを返す。
func affectedOne(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// nullString は空文字列をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime は*time.Timeをsql.NullTimeに変換する。nilはNULLになる。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullTimePtr はsql.NullTimeを*time.Timeに変換する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

var _ LoanRepository = (*PostgresLoanRepo)(nil)
