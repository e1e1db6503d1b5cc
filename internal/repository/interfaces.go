// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
)

// EnvelopeUpdate は封筒ステータス反映時に1回のUPDATEで書き込む値。
type EnvelopeUpdate struct {
	LoanID         string
	EnvelopeStatus string
	// OccurredAt は通知の発生日時。nilの場合は値が実際に変わったときだけupdated_atを現在時刻にする。
	OccurredAt *time.Time
	// CompletedAt はプロバイダーが完了日時を通知した場合のみ設定する。
	CompletedAt *time.Time
	// LoanStatus は空文字の場合ローン状態を変更しない。
	LoanStatus model.LoanStatus
	// SignaturesAt が設定されている場合、未署名のタイムスタンプをipay → 組織 → 借り手の順にこの日時で埋める。
	SignaturesAt *time.Time
}

// SignatureUpdate は署名1件の記録内容。
type SignatureUpdate struct {
	LoanID   string
	Party    string // ipay, organization, borrower
	SignedAt time.Time
	// Status は空文字の場合ローン状態を変更しない。
	Status model.LoanStatus
}

// LoanRepository はローンデータの永続化インターフェース。
type LoanRepository interface {
	// Create はローンを作成する。
	Create(ctx context.Context, loan *model.Loan) error

	// FindByID は指定IDのローンを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Loan, error)

	// FindByEnvelopeID は署名封筒IDでローンを検索する。見つからない場合はnilを返す。
	FindByEnvelopeID(ctx context.Context, envelopeID string) (*model.Loan, error)

	// AttachEnvelope は封筒IDが未設定のローンに封筒を紐付け、状態をpending_signatureにする。
	// 既に封筒が紐付いている場合はfalseを返す。
	AttachEnvelope(ctx context.Context, loanID, envelopeID, envelopeStatus string, at time.Time) (bool, error)

	// RecordSignature は封筒があり署名受付中の状態で、直前段階が署名済みかつ対象段階が未署名の場合のみ署名を記録する。
	// 条件を満たさず更新されなかった場合はfalseを返す。
	RecordSignature(ctx context.Context, update SignatureUpdate) (bool, error)

	// ApplyEnvelopeUpdate は封筒ステータス・更新日時・完了日時・ローン状態を1回のUPDATEで書き込む。
	ApplyEnvelopeUpdate(ctx context.Context, update EnvelopeUpdate) error

	// MarkFunded はfully_signedのローンをfundedにする。他の状態の場合はfalseを返す。
	MarkFunded(ctx context.Context, loanID string, at time.Time) (bool, error)

	// ListDelinquencyTargets はfunded/activeかつderogatoryでないローンと決済顧客IDを返す。
	ListDelinquencyTargets(ctx context.Context) ([]model.DelinquencyTarget, error)

	// UpdateDelinquency は延滞フラグ・延滞日数・最終チェック日時を更新する。
	UpdateDelinquency(ctx context.Context, loanID string, isLate bool, daysOverdue int, checkedAt time.Time) error

	// RecordPayment は入金日時を記録し、fundedのローンをactiveにする。
	RecordPayment(ctx context.Context, loanID string, paidAt time.Time) error

	// RecordFailedPayment は引き落とし失敗回数を1増やす。
	RecordFailedPayment(ctx context.Context, loanID string, at time.Time) error

	// MarkLate は延滞フラグを立てる。
	MarkLate(ctx context.Context, loanID string, at time.Time) error
}

// BorrowerRepository は借り手データの永続化インターフェース。
type BorrowerRepository interface {
	// Create は借り手を作成する。
	Create(ctx context.Context, borrower *model.Borrower) error

	// FindByID は指定IDの借り手を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Borrower, error)

	// FindByUserID は認証ユーザーIDで借り手を検索する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Borrower, error)

	// FindByPhone は電話番号で借り手を検索する。見つからない場合はnilを返す。
	FindByPhone(ctx context.Context, phone string) (*model.Borrower, error)

	// UpdatePaymentCustomer は決済顧客IDを保存する。
	UpdatePaymentCustomer(ctx context.Context, borrowerID, customerID string) error

	// UpdateIdentitySession は本人確認セッションIDと状態を保存する。
	UpdateIdentitySession(ctx context.Context, borrowerID, sessionID string, status model.IdentityStatus) error

	// UpdateIdentityStatusBySession は本人確認セッションIDで借り手を特定して状態を更新する。
	// 該当する借り手がいない場合はfalseを返す。
	UpdateIdentityStatusBySession(ctx context.Context, sessionID string, status model.IdentityStatus) (bool, error)

	// MarkPhoneVerified は電話番号の確認日時を記録する。
	MarkPhoneVerified(ctx context.Context, borrowerID string, at time.Time) error
}

// OrganizationRepository は提携組織データの参照インターフェース。
type OrganizationRepository interface {
	// FindByID は指定IDの組織を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Organization, error)
}

// HealthChecker はDB接続のヘルスチェックインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}
