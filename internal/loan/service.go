// Package loan はローン申込の受付・見積もり・返済スケジュールのドメインロジックを提供する。
package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hitoshi/loandesk/internal/loancalc"
	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/vin"
)

// LoanStore はServiceが使用するローンリポジトリの部分集合。
type LoanStore interface {
	Create(ctx context.Context, loan *model.Loan) error
	FindByID(ctx context.Context, id string) (*model.Loan, error)
	MarkFunded(ctx context.Context, loanID string, at time.Time) (bool, error)
}

// BorrowerStore はServiceが使用する借り手リポジトリの部分集合。
type BorrowerStore interface {
	Create(ctx context.Context, borrower *model.Borrower) error
	FindByID(ctx context.Context, id string) (*model.Borrower, error)
	FindByUserID(ctx context.Context, userID string) (*model.Borrower, error)
}

// InvoiceScheduler は返済スケジュールから決済プロセッサ上の請求書を発行する。
// payments.StripeProcessorが実装する。
type InvoiceScheduler interface {
	CreateLoanInvoices(ctx context.Context, customerID, loanID string, entries []model.ScheduleEntry) ([]string, error)
}

// OrganizationFinder は提携組織の参照インターフェース。
type OrganizationFinder interface {
	FindByID(ctx context.Context, id string) (*model.Organization, error)
}

// VehicleDecoder はVINから車両情報を取得する。
type VehicleDecoder interface {
	Decode(ctx context.Context, raw string) (*vin.Vehicle, error)
}

// Sanitizer は自由入力テキストを無害化する。
type Sanitizer interface {
	Sanitize(raw string) string
}

// ApplicationNotifier は申込受付メールを送信する。
type ApplicationNotifier interface {
	SendApplicationReceived(ctx context.Context, name, email, loanID string) error
}

// Service はローン申込のサービス層。
type Service struct {
	loans     LoanStore
	borrowers BorrowerStore
	orgs      OrganizationFinder
	vehicles  VehicleDecoder      // nilの場合はVINをデコードしない
	notifier  ApplicationNotifier // nilの場合はメール通知しない
	invoices  InvoiceScheduler    // nilの場合は融資実行できない
	sanitizer Sanitizer
	calc      loancalc.Config
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	loans LoanStore,
	borrowers BorrowerStore,
	orgs OrganizationFinder,
	vehicles VehicleDecoder,
	notifier ApplicationNotifier,
	invoices InvoiceScheduler,
	sanitizer Sanitizer,
	calc loancalc.Config,
	logger *slog.Logger,
) *Service {
	return &Service{
		loans:     loans,
		borrowers: borrowers,
		orgs:      orgs,
		vehicles:  vehicles,
		notifier:  notifier,
		invoices:  invoices,
		sanitizer: sanitizer,
		calc:      calc,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// BorrowerInput は申込時の借り手情報。
type BorrowerInput struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// ApplicationInput はローン申込の入力。
type ApplicationInput struct {
	OrganizationID string        `json:"organization_id"`
	Amount         string        `json:"amount"`
	TermWeeks      int           `json:"term_weeks"`
	Borrower       BorrowerInput `json:"borrower"`
	VehicleVIN     string        `json:"vehicle_vin"`
	Notes          string        `json:"notes"`
}

// Quote は永続化せずに返済額を計算する。
func (s *Service) Quote(amount string, termWeeks int) (*model.LoanCalculation, error) {
	principal, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	return loancalc.Calculate(s.calc, principal, termWeeks)
}

// Apply はローン申込を受け付ける。
// 呼び出しユーザーの借り手がいなければ作成し、ローンをapplication_submittedで作成する。
// VINが指定されていればデコードして車両情報を補完する。
func (s *Service) Apply(ctx context.Context, userID string, in ApplicationInput) (*model.Loan, error) {
	principal, err := parseAmount(in.Amount)
	if err != nil {
		return nil, err
	}
	calc, err := loancalc.Calculate(s.calc, principal, in.TermWeeks)
	if err != nil {
		return nil, err
	}

	if in.OrganizationID == "" {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "organization_id is required")
	}
	org, err := s.orgs.FindByID(ctx, in.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("組織の取得に失敗しました: %w", err)
	}
	if org == nil {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "organization does not exist")
	}

	borrower, err := s.ensureBorrower(ctx, userID, in.Borrower)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	loan := &model.Loan{
		ID:             s.newID(),
		BorrowerID:     borrower.ID,
		OrganizationID: org.ID,
		Amount:         calc.Principal,
		TermWeeks:      calc.TermWeeks,
		AnnualRate:     calc.AnnualRate,
		WeeklyPayment:  calc.WeeklyPayment,
		Status:         model.LoanStatusApplicationSubmitted,
		Notes:          s.sanitizer.Sanitize(in.Notes),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if strings.TrimSpace(in.VehicleVIN) != "" {
		if err := s.fillVehicle(ctx, loan, in.VehicleVIN); err != nil {
			return nil, err
		}
	}

	if err := s.loans.Create(ctx, loan); err != nil {
		return nil, err
	}

	s.logger.Info("ローン申込を受け付けました",
		slog.String("loan_id", loan.ID),
		slog.String("borrower_id", borrower.ID),
		slog.String("organization_id", org.ID),
		slog.Int("term_weeks", loan.TermWeeks),
	)

	if s.notifier != nil {
		if err := s.notifier.SendApplicationReceived(ctx, borrower.FullName(), borrower.Email, loan.ID); err != nil {
			s.logger.Warn("申込受付メールの送信に失敗しました",
				slog.String("loan_id", loan.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return loan, nil
}

// Get はローンを取得する。借り手本人と運営者のみ参照できる。
func (s *Service) Get(ctx context.Context, caller model.Caller, loanID string) (*model.Loan, error) {
	loan, err := s.find(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if caller.Operator {
		return loan, nil
	}

	borrower, err := s.borrowers.FindByUserID(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("借り手の取得に失敗しました: %w", err)
	}
	if borrower == nil || borrower.ID != loan.BorrowerID {
		return nil, model.NewForbiddenError()
	}
	return loan, nil
}

// Schedule はローンの返済スケジュールを返す。
func (s *Service) Schedule(ctx context.Context, caller model.Caller, loanID string, start time.Time) ([]model.ScheduleEntry, error) {
	loan, err := s.Get(ctx, caller, loanID)
	if err != nil {
		return nil, err
	}
	return schedule(loan, start)
}

// FundResult は融資実行の結果。
type FundResult struct {
	LoanID     string           `json:"loan_id"`
	Status     model.LoanStatus `json:"status"`
	InvoiceIDs []string         `json:"invoice_ids"`
}

// Fund は署名完了済みのローンを融資実行し、返済スケジュールの各回を請求書として発行する。
// 運営者のみ実行できる。請求書発行は冪等のため、状態更新前に失敗した場合は再実行してよい。
func (s *Service) Fund(ctx context.Context, caller model.Caller, loanID string, start time.Time) (*FundResult, error) {
	if !caller.Operator {
		return nil, model.NewForbiddenError()
	}
	loan, err := s.find(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != model.LoanStatusFullySigned {
		return nil, model.NewInvalidTransitionError(loan.Status, "fund")
	}
	if s.invoices == nil {
		return nil, model.NewProviderError("payments")
	}

	borrower, err := s.borrowers.FindByID(ctx, loan.BorrowerID)
	if err != nil {
		return nil, fmt.Errorf("借り手の取得に失敗しました: %w", err)
	}
	if borrower == nil {
		return nil, model.NewBorrowerNotFoundError(loan.BorrowerID)
	}
	if borrower.PaymentCustomerID == "" {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "borrower has not set up a payment method")
	}

	entries, err := schedule(loan, start)
	if err != nil {
		return nil, err
	}

	ids, err := s.invoices.CreateLoanInvoices(ctx, borrower.PaymentCustomerID, loan.ID, entries)
	if err != nil {
		s.logger.Error("返済請求書の発行に失敗しました",
			slog.String("loan_id", loan.ID),
			slog.Int("created", len(ids)),
			slog.Int("scheduled", len(entries)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("payments")
	}

	funded, err := s.loans.MarkFunded(ctx, loan.ID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("融資実行の記録に失敗しました: %w", err)
	}
	if !funded {
		s.logger.Warn("請求書発行後にローン状態が変わっていたため融資実行を記録しませんでした",
			slog.String("loan_id", loan.ID),
			slog.Int("invoices", len(ids)),
		)
		return nil, model.NewInvalidTransitionError(loan.Status, "fund")
	}

	s.logger.Info("融資を実行しました",
		slog.String("loan_id", loan.ID),
		slog.String("borrower_id", borrower.ID),
		slog.Int("invoices", len(ids)),
	)
	return &FundResult{LoanID: loan.ID, Status: model.LoanStatusFunded, InvoiceIDs: ids}, nil
}

func (s *Service) find(ctx context.Context, loanID string) (*model.Loan, error) {
	loan, err := s.loans.FindByID(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("ローンの取得に失敗しました: %w", err)
	}
	if loan == nil {
		return nil, model.NewLoanNotFoundError(loanID)
	}
	return loan, nil
}

// schedule はローン作成時の年利で返済スケジュールを計算する。設定変更後も既存ローンの返済額は変わらない。
func schedule(loan *model.Loan, start time.Time) ([]model.ScheduleEntry, error) {
	cfg := loancalc.Config{
		AnnualRate:       loan.AnnualRate,
		InterestDisabled: loan.AnnualRate.IsZero(),
	}
	return loancalc.Schedule(cfg, loan.Amount, loan.TermWeeks, start)
}

// ensureBorrower は呼び出しユーザーの借り手を返す。存在しなければ作成する。
func (s *Service) ensureBorrower(ctx context.Context, userID string, in BorrowerInput) (*model.Borrower, error) {
	existing, err := s.borrowers.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("借り手の取得に失敗しました: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	first := s.sanitizer.Sanitize(in.FirstName)
	last := s.sanitizer.Sanitize(in.LastName)
	if first == "" || last == "" {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "borrower first_name and last_name are required")
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "borrower email is invalid")
	}

	now := s.now().UTC()
	b := &model.Borrower{
		ID:             s.newID(),
		UserID:         userID,
		FirstName:      first,
		LastName:       last,
		Email:          addr.Address,
		Phone:          strings.TrimSpace(in.Phone),
		IdentityStatus: model.IdentityStatusNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.borrowers.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// fillVehicle はVINを検証して車両情報をローンに設定する。
// 形式不正は申込エラーとし、デコードAPIの障害時はVINのみ保存して続行する。
func (s *Service) fillVehicle(ctx context.Context, loan *model.Loan, rawVIN string) error {
	v := vin.Normalize(rawVIN)
	if err := vin.Validate(v); err != nil {
		return err
	}
	loan.VehicleVIN = v
	if s.vehicles == nil {
		return nil
	}

	vehicle, err := s.vehicles.Decode(ctx, v)
	if err != nil {
		if model.IsCategory(err, model.CategoryValidation) {
			return err
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		s.logger.Warn("VINデコードに失敗したため車両情報なしで続行します",
			slog.String("vin", v),
			slog.String("error", err.Error()),
		)
		return nil
	}
	loan.VehicleMake = vehicle.Make
	loan.VehicleModel = vehicle.Model
	loan.VehicleYear = vehicle.Year
	return nil
}

// parseAmount は10進文字列の金額を検証して返す。
func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, model.NewInvalidAmountError()
	}
	return amount, nil
}
