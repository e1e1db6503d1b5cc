// Package borrower は借り手の本人確認・電話番号確認・支払い方法登録のドメインロジックを提供する。
package borrower

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/payments"
	"github.com/hitoshi/loandesk/internal/sms"
)

// Store はServiceが使用する借り手リポジトリの部分集合。
type Store interface {
	FindByID(ctx context.Context, id string) (*model.Borrower, error)
	FindByPhone(ctx context.Context, phone string) (*model.Borrower, error)
	UpdatePaymentCustomer(ctx context.Context, borrowerID, customerID string) error
	UpdateIdentitySession(ctx context.Context, borrowerID, sessionID string, status model.IdentityStatus) error
	MarkPhoneVerified(ctx context.Context, borrowerID string, at time.Time) error
}

// PaymentProvider は決済プロセッサの顧客・本人確認操作。
type PaymentProvider interface {
	CreateCustomer(ctx context.Context, borrower *model.Borrower) (string, error)
	CreateSetupIntent(ctx context.Context, customerID string) (string, error)
	CreateIdentitySession(ctx context.Context, borrower *model.Borrower, returnURL string) (*payments.IdentitySession, error)
}

// PhoneVerifier はSMSによる電話番号確認の操作。
type PhoneVerifier interface {
	SendCode(ctx context.Context, phone string) (*sms.Verification, error)
	CheckCode(ctx context.Context, phone, code string) (*sms.Verification, error)
}

// PaymentSetup は支払い方法登録の開始結果。
type PaymentSetup struct {
	CustomerID   string `json:"customer_id"`
	ClientSecret string `json:"client_secret"`
}

// PhoneCheck は確認コード照合の結果。
type PhoneCheck struct {
	Status   string `json:"status"`
	Verified bool   `json:"verified"`
}

// Service は借り手のサービス層。
// 各操作は呼び出しユーザー本人の借り手に対してのみ許可する。
type Service struct {
	store     Store
	processor PaymentProvider // nilの場合は決済系の操作を提供しない
	phones    PhoneVerifier   // nilの場合は電話番号確認を提供しない
	returnURL string
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// returnURLは本人確認完了後にリダイレクトする既定のURL。
func NewService(store Store, processor PaymentProvider, phones PhoneVerifier, returnURL string, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		processor: processor,
		phones:    phones,
		returnURL: returnURL,
		logger:    logger,
		now:       time.Now,
	}
}

// Get は呼び出しユーザー本人の借り手を取得する。
func (s *Service) Get(ctx context.Context, userID, borrowerID string) (*model.Borrower, error) {
	b, err := s.store.FindByID(ctx, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("借り手の取得に失敗しました: %w", err)
	}
	if b == nil {
		return nil, model.NewBorrowerNotFoundError(borrowerID)
	}
	if b.UserID != userID {
		return nil, model.NewForbiddenError()
	}
	return b, nil
}

// StartIdentityVerification は本人確認セッションを作成し、借り手の状態をpendingにする。
// returnURLが空の場合は既定のURLを使う。
func (s *Service) StartIdentityVerification(ctx context.Context, userID, borrowerID, returnURL string) (*payments.IdentitySession, error) {
	b, err := s.Get(ctx, userID, borrowerID)
	if err != nil {
		return nil, err
	}
	if s.processor == nil {
		return nil, model.NewProviderError("payments")
	}
	if b.IdentityStatus == model.IdentityStatusVerified {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "identity is already verified")
	}
	if returnURL == "" {
		returnURL = s.returnURL
	}

	session, err := s.processor.CreateIdentitySession(ctx, b, returnURL)
	if err != nil {
		s.logger.Error("本人確認セッションの作成に失敗しました",
			slog.String("borrower_id", b.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("payments")
	}
	if err := s.store.UpdateIdentitySession(ctx, b.ID, session.ID, model.IdentityStatusPending); err != nil {
		return nil, fmt.Errorf("本人確認セッションの保存に失敗しました: %w", err)
	}

	s.logger.Info("本人確認を開始しました",
		slog.String("borrower_id", b.ID),
		slog.String("session_id", session.ID),
	)
	return session, nil
}

// SetupPayment は決済顧客を用意し、支払い方法登録用のclient secretを返す。
// 決済顧客は借り手ごとに1回だけ作成する。
func (s *Service) SetupPayment(ctx context.Context, userID, borrowerID string) (*PaymentSetup, error) {
	b, err := s.Get(ctx, userID, borrowerID)
	if err != nil {
		return nil, err
	}
	if s.processor == nil {
		return nil, model.NewProviderError("payments")
	}

	customerID := b.PaymentCustomerID
	if customerID == "" {
		customerID, err = s.processor.CreateCustomer(ctx, b)
		if err != nil {
			s.logger.Error("決済顧客の作成に失敗しました",
				slog.String("borrower_id", b.ID),
				slog.String("error", err.Error()),
			)
			return nil, model.NewProviderError("payments")
		}
		if err := s.store.UpdatePaymentCustomer(ctx, b.ID, customerID); err != nil {
			return nil, fmt.Errorf("決済顧客IDの保存に失敗しました: %w", err)
		}
	}

	secret, err := s.processor.CreateSetupIntent(ctx, customerID)
	if err != nil {
		s.logger.Error("SetupIntentの作成に失敗しました",
			slog.String("borrower_id", b.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("payments")
	}
	return &PaymentSetup{CustomerID: customerID, ClientSecret: secret}, nil
}

// SendPhoneCode は借り手の電話番号に確認コードを送信する。
func (s *Service) SendPhoneCode(ctx context.Context, userID, borrowerID string) (*sms.Verification, error) {
	b, err := s.phoneTarget(ctx, userID, borrowerID)
	if err != nil {
		return nil, err
	}
	v, err := s.phones.SendCode(ctx, b.Phone)
	if err != nil {
		s.logger.Error("確認コードの送信に失敗しました",
			slog.String("borrower_id", b.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("sms")
	}
	return v, nil
}

// CheckPhoneCode は確認コードを照合し、一致した場合は電話番号を確認済みにする。
func (s *Service) CheckPhoneCode(ctx context.Context, userID, borrowerID, code string) (*PhoneCheck, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "code is required")
	}
	b, err := s.phoneTarget(ctx, userID, borrowerID)
	if err != nil {
		return nil, err
	}
	v, err := s.phones.CheckCode(ctx, b.Phone, code)
	if err != nil {
		s.logger.Error("確認コードの照合に失敗しました",
			slog.String("borrower_id", b.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("sms")
	}
	if !v.Approved() {
		return &PhoneCheck{Status: v.Status}, nil
	}
	if err := s.store.MarkPhoneVerified(ctx, b.ID, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("電話番号確認の記録に失敗しました: %w", err)
	}
	return &PhoneCheck{Status: v.Status, Verified: true}, nil
}

// phoneTarget は電話番号確認の対象となる借り手を返す。
func (s *Service) phoneTarget(ctx context.Context, userID, borrowerID string) (*model.Borrower, error) {
	b, err := s.Get(ctx, userID, borrowerID)
	if err != nil {
		return nil, err
	}
	if s.phones == nil {
		return nil, model.NewProviderError("sms")
	}
	if b.Phone == "" {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "borrower has no phone number")
	}
	return b, nil
}

// ApplyPhoneVerification はSMS Webhookの確認ステータスを反映する。
// approvedの場合のみ電話番号で借り手を特定して確認済みにする。該当する借り手がいない場合はfalseを返す。
func (s *Service) ApplyPhoneVerification(ctx context.Context, phone, status string) (bool, error) {
	if status != sms.StatusApproved {
		return false, nil
	}
	b, err := s.store.FindByPhone(ctx, strings.TrimSpace(phone))
	if err != nil {
		return false, fmt.Errorf("借り手の取得に失敗しました: %w", err)
	}
	if b == nil {
		return false, nil
	}
	if b.PhoneVerifiedAt != nil {
		return true, nil
	}
	if err := s.store.MarkPhoneVerified(ctx, b.ID, s.now().UTC()); err != nil {
		return false, fmt.Errorf("電話番号確認の記録に失敗しました: %w", err)
	}
	s.logger.Info("電話番号を確認済みにしました",
		slog.String("borrower_id", b.ID),
	)
	return true, nil
}
