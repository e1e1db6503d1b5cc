package signing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/loandesk/internal/esign"
	"github.com/hitoshi/loandesk/internal/model"
	"github.com/hitoshi/loandesk/internal/repository"
)

// LoanStore はServiceが使用するローンリポジトリの部分集合。
type LoanStore interface {
	FindByID(ctx context.Context, id string) (*model.Loan, error)
	AttachEnvelope(ctx context.Context, loanID, envelopeID, envelopeStatus string, at time.Time) (bool, error)
	RecordSignature(ctx context.Context, update repository.SignatureUpdate) (bool, error)
}

// EnvelopeProvider は電子署名プロバイダーの抽象。
type EnvelopeProvider interface {
	CreateEnvelope(ctx context.Context, req esign.EnvelopeRequest) (*esign.Envelope, error)
	RecipientView(ctx context.Context, envelopeID string, signer esign.Signer, returnURL string) (string, error)
}

// Notifier は署名依頼メールの送信を抽象化する。
type Notifier interface {
	SendSigningTurn(ctx context.Context, name, email, loanID string) error
}

// OperatorSigner はプラットフォーム運営者（ipay）側の署名者情報。
type OperatorSigner struct {
	Name  string
	Email string
}

// Service はローン契約の署名フローを管理する。
type Service struct {
	loans     LoanStore
	borrowers repository.BorrowerRepository
	orgs      repository.OrganizationRepository
	provider  EnvelopeProvider
	notifier  Notifier // nilの場合はメール通知しない
	operator  OperatorSigner
	baseURL   string
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	loans LoanStore,
	borrowers repository.BorrowerRepository,
	orgs repository.OrganizationRepository,
	provider EnvelopeProvider,
	notifier Notifier,
	operator OperatorSigner,
	baseURL string,
	logger *slog.Logger,
) *Service {
	return &Service{
		loans:     loans,
		borrowers: borrowers,
		orgs:      orgs,
		provider:  provider,
		notifier:  notifier,
		operator:  operator,
		baseURL:   baseURL,
		logger:    logger,
		now:       time.Now,
	}
}

// StartResult は署名開始の結果。
type StartResult struct {
	LoanID     string `json:"loan_id"`
	EnvelopeID string `json:"envelope_id"`
	Status     string `json:"envelope_status"`
}

// participants はローンに関わる3者の情報。
type participants struct {
	borrower *model.Borrower
	org      *model.Organization
}

// StartSigning はテンプレートから封筒を作成し、ローンを署名待ちにする。
// 申込済みまたは承認済みで、まだ封筒のないローンのみ対象とする。
// 借り手本人または運営者だけが開始できる。
func (s *Service) StartSigning(ctx context.Context, caller model.Caller, loanID string) (*StartResult, error) {
	loan, err := s.findLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}

	p, err := s.loadParticipants(ctx, loan)
	if err != nil {
		return nil, err
	}
	if !caller.Operator && !caller.Owns(p.borrower) {
		return nil, model.NewForbiddenError()
	}

	if (loan.Status != model.LoanStatusApplicationSubmitted && loan.Status != model.LoanStatusApplicationApproved) ||
		loan.EnvelopeID != "" {
		return nil, model.NewInvalidTransitionError(loan.Status, "start signing for")
	}

	req := esign.EnvelopeRequest{
		EmailSubject: "Loan agreement for " + p.borrower.FullName(),
		Signers: []esign.Signer{
			s.signerFor(PartyIpay, loan, p),
			s.signerFor(PartyOrganization, loan, p),
			s.signerFor(PartyBorrower, loan, p),
		},
		Tabs: map[string]string{
			"borrower_name":  p.borrower.FullName(),
			"loan_amount":    loan.Amount.StringFixed(2),
			"term_weeks":     strconv.Itoa(loan.TermWeeks),
			"weekly_payment": loan.WeeklyPayment.StringFixed(2),
			"vehicle_vin":    loan.VehicleVIN,
		},
	}

	envelope, err := s.provider.CreateEnvelope(ctx, req)
	if err != nil {
		s.logger.Error("封筒の作成に失敗しました",
			slog.String("loan_id", loan.ID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewProviderError("e-signature")
	}

	status := envelope.Status
	if status == "" {
		status = "sent"
	}
	attached, err := s.loans.AttachEnvelope(ctx, loan.ID, envelope.ID, status, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("封筒の紐付けに失敗しました: %w", err)
	}
	if !attached {
		s.logger.Warn("ローンには既に封筒が紐付いています",
			slog.String("loan_id", loan.ID),
			slog.String("envelope_id", envelope.ID),
		)
		return nil, model.NewInvalidTransitionError(loan.Status, "start signing for")
	}

	s.logger.Info("署名を開始しました",
		slog.String("loan_id", loan.ID),
		slog.String("envelope_id", envelope.ID),
	)
	s.notify(ctx, loan.ID, s.signerFor(PartyIpay, loan, p))

	return &StartResult{LoanID: loan.ID, EnvelopeID: envelope.ID, Status: status}, nil
}

// SigningView は次の署名者向けの埋め込み署名画面URLを返す。
// 呼び出し元が次の署名者本人でない場合は権限エラーを返す。
func (s *Service) SigningView(ctx context.Context, caller model.Caller, loanID, returnURL string) (string, Party, error) {
	loan, err := s.findLoan(ctx, loanID)
	if err != nil {
		return "", "", err
	}
	if loan.EnvelopeID == "" {
		return "", "", model.NewInvalidTransitionError(loan.Status, "open signing for")
	}

	party, err := Next(StampsOf(loan))
	if err != nil {
		return "", "", err
	}

	p, err := s.loadParticipants(ctx, loan)
	if err != nil {
		return "", "", err
	}
	if !mayActAs(caller, party, p) {
		return "", "", model.NewForbiddenError()
	}

	if returnURL == "" {
		returnURL = fmt.Sprintf("%s/loans/%s/signed", s.baseURL, loan.ID)
	}
	viewURL, err := s.provider.RecipientView(ctx, loan.EnvelopeID, s.signerFor(party, loan, p), returnURL)
	if err != nil {
		s.logger.Error("署名画面URLの取得に失敗しました",
			slog.String("loan_id", loan.ID),
			slog.String("party", string(party)),
			slog.String("error", err.Error()),
		)
		return "", "", model.NewProviderError("e-signature")
	}
	return viewURL, party, nil
}

// CompleteSignature は現在の段階の署名完了を記録し、次の署名者に通知する。
// 封筒が送付済みで署名受付中のローンのみ対象とし、呼び出し元は現在の段階の署名者本人に限る。
// 同じ段階への同時リクエストは1件だけが成功し、残りは状態競合エラーになる。
func (s *Service) CompleteSignature(ctx context.Context, caller model.Caller, loanID string) (*Transition, error) {
	loan, err := s.findLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.EnvelopeID == "" || !loan.Status.AcceptsSignatures() {
		return nil, model.NewInvalidTransitionError(loan.Status, "record a signature for")
	}

	stamps := StampsOf(loan)
	tr, err := Complete(stamps, s.now().UTC())
	if err != nil {
		return nil, err
	}

	p, err := s.loadParticipants(ctx, loan)
	if err != nil {
		return nil, err
	}
	if !mayActAs(caller, tr.Party, p) {
		return nil, model.NewForbiddenError()
	}

	ok, err := s.loans.RecordSignature(ctx, repository.SignatureUpdate{
		LoanID:   loan.ID,
		Party:    string(tr.Party),
		SignedAt: tr.SignedAt,
		Status:   tr.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("署名の記録に失敗しました: %w", err)
	}
	if !ok {
		return nil, model.NewSigningConflictError(tr.From.String())
	}

	s.logger.Info("署名を記録しました",
		slog.String("loan_id", loan.ID),
		slog.String("party", string(tr.Party)),
		slog.String("loan_status", string(tr.Status)),
	)

	if next, err := Next(tr.Apply(stamps)); err == nil {
		s.notify(ctx, loan.ID, s.signerFor(next, loan, p))
	}
	return &tr, nil
}

// mayActAs は呼び出し元がその段階の署名者として振る舞えるかを返す。
// ipayは運営者のみ、組織は代表者または運営者、借り手は本人のみ。
func mayActAs(caller model.Caller, party Party, p *participants) bool {
	switch party {
	case PartyIpay:
		return caller.Operator
	case PartyOrganization:
		return caller.Operator || caller.IsOrganizationOwner(p.org)
	case PartyBorrower:
		return caller.Owns(p.borrower)
	}
	return false
}

func (s *Service) findLoan(ctx context.Context, loanID string) (*model.Loan, error) {
	loan, err := s.loans.FindByID(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("ローンの取得に失敗しました: %w", err)
	}
	if loan == nil {
		return nil, model.NewLoanNotFoundError(loanID)
	}
	return loan, nil
}

func (s *Service) loadParticipants(ctx context.Context, loan *model.Loan) (*participants, error) {
	borrower, err := s.borrowers.FindByID(ctx, loan.BorrowerID)
	if err != nil {
		return nil, fmt.Errorf("借り手の取得に失敗しました: %w", err)
	}
	if borrower == nil {
		return nil, model.NewBorrowerNotFoundError(loan.BorrowerID)
	}

	if loan.OrganizationID == "" {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "loan has no organization to co-sign")
	}
	org, err := s.orgs.FindByID(ctx, loan.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("組織の取得に失敗しました: %w", err)
	}
	if org == nil {
		return nil, model.NewValidationError(model.ErrCodeInvalidRequest, "loan organization does not exist")
	}
	return &participants{borrower: borrower, org: org}, nil
}

// signerFor は署名者種別に対応する封筒上の署名者を返す。ルーティング順は ipay(1) → 組織(2) → 借り手(3)。
func (s *Service) signerFor(party Party, loan *model.Loan, p *participants) esign.Signer {
	switch party {
	case PartyIpay:
		return esign.Signer{RoleName: "ipay", Name: s.operator.Name, Email: s.operator.Email,
			ClientUserID: "ipay-" + loan.ID, RoutingOrder: 1}
	case PartyOrganization:
		return esign.Signer{RoleName: "organization", Name: p.org.OwnerName, Email: p.org.OwnerEmail,
			ClientUserID: "org-" + p.org.ID, RoutingOrder: 2}
	default:
		return esign.Signer{RoleName: "borrower", Name: p.borrower.FullName(), Email: p.borrower.Email,
			ClientUserID: p.borrower.ID, RoutingOrder: 3}
	}
}

func (s *Service) notify(ctx context.Context, loanID string, signer esign.Signer) {
	if s.notifier == nil || signer.Email == "" {
		return
	}
	if err := s.notifier.SendSigningTurn(ctx, signer.Name, signer.Email, loanID); err != nil {
		s.logger.Warn("署名依頼メールの送信に失敗しました",
			slog.String("loan_id", loanID),
			slog.String("role", signer.RoleName),
			slog.String("error", err.Error()),
		)
	}
}
